package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kiwaku/Sentinel/internal/config"
	"github.com/kiwaku/Sentinel/internal/dedup"
	"github.com/kiwaku/Sentinel/internal/embeddings"
	"github.com/kiwaku/Sentinel/internal/events"
	"github.com/kiwaku/Sentinel/internal/extraction"
	"github.com/kiwaku/Sentinel/internal/llm"
	"github.com/kiwaku/Sentinel/internal/logging"
	"github.com/kiwaku/Sentinel/internal/mailsource"
	"github.com/kiwaku/Sentinel/internal/pipeline"
	"github.com/kiwaku/Sentinel/internal/prefilter"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/secrets"
	"github.com/kiwaku/Sentinel/internal/store"
	"github.com/kiwaku/Sentinel/internal/telemetry"
	"github.com/kiwaku/Sentinel/internal/vectorstore"
)

// app holds the dependencies one command needs. Fields are opened lazily so
// read-only commands never dial an LLM or a broker.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	index     *vectorstore.Index
	embedder  vectorstore.Embedder

	closers []func() error
}

// newApp loads configuration and opens logging, telemetry and the store.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.profilePath != "" {
		cfg.ProfilePath = opts.profilePath
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil, logging.WithWriter(zapcore.AddSync(opts.errOut)))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel

	storePath, err := config.ExpandHome(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		Path:   storePath,
		DSN:    cfg.Store.DSN.Value(),
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	logger.Debug(ctx, "sentinel initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("llm", cfg.LLM.Provider),
		zap.Bool("index", cfg.Index.Enabled),
		zap.Bool("telemetry", tel.IsEnabled()),
	)
	return a, nil
}

// Close releases everything newApp and later calls opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *app) profilePath() (string, error) {
	return config.ExpandHome(a.cfg.ProfilePath)
}

// profile loads the interest profile. A missing file falls back to the
// built-in default profile.
func (a *app) profile(ctx context.Context) (*profile.Profile, error) {
	path, err := a.profilePath()
	if err != nil {
		return nil, err
	}
	p, err := profile.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn(ctx, "profile not found, using default profile", zap.String("path", path))
		return profile.Default(), nil
	}
	return p, err
}

// watcher returns a hot-reloading profile source, or nil when the profile
// file does not exist.
func (a *app) watcher(ctx context.Context) (*profile.Watcher, error) {
	path, err := a.profilePath()
	if err != nil {
		return nil, err
	}
	w, err := profile.NewWatcher(path, a.logger.Underlying().Named("profile"))
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn(ctx, "profile not found, using default profile", zap.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, w.Close)
	return w, nil
}

// similarityIndex opens the chromem index when index.enabled is set and
// returns nil otherwise.
func (a *app) similarityIndex() (*vectorstore.Index, error) {
	if !a.cfg.Index.Enabled {
		return nil, nil
	}
	if a.index != nil {
		return a.index, nil
	}
	ic := a.cfg.Index
	embedder, err := a.textEmbedder()
	if err != nil {
		return nil, err
	}
	idx, err := vectorstore.NewIndex(vectorstore.Config{
		Path:       ic.Path,
		Compress:   true,
		Dimensions: ic.Dimensions,
	}, embedder, a.logger.Underlying().Named("index"))
	if err != nil {
		return nil, fmt.Errorf("failed to open similarity index: %w", err)
	}
	a.index = idx
	return idx, nil
}

// textEmbedder returns the embedder configured in the index section. The
// similarity index and the semantic filter share it.
func (a *app) textEmbedder() (vectorstore.Embedder, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}
	ic := a.cfg.Index
	embedder, err := embeddings.New(embeddings.Config{
		Provider:   ic.Provider,
		Model:      ic.Model,
		BaseURL:    ic.BaseURL,
		APIKey:     ic.APIKey.Value(),
		Dimensions: ic.Dimensions,
	}, a.logger.Underlying().Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	a.embedder = embedder
	return embedder, nil
}

// semanticFilter builds the pre-extraction filter when semantic_filter.enabled
// is set and returns nil otherwise.
func (a *app) semanticFilter() (*prefilter.Filter, error) {
	fc := a.cfg.Filter
	if !fc.Enabled {
		return nil, nil
	}
	embedder, err := a.textEmbedder()
	if err != nil {
		return nil, err
	}
	return prefilter.New(embedder, prefilter.Config{
		Threshold:   fc.Threshold,
		SenderAllow: fc.SenderAllow,
		SenderBlock: fc.SenderBlock,
	}, a.logger.Underlying().Named("prefilter"))
}

func (a *app) extractor() (extraction.Extractor, error) {
	lc := a.cfg.LLM
	if lc.Provider == "heuristic" {
		return extraction.NewHeuristicExtractor(), nil
	}
	provider, err := llm.New(llm.Config{
		Provider:    lc.Provider,
		Model:       lc.Model,
		APIKey:      lc.APIKey.Value(),
		BaseURL:     lc.BaseURL,
		MaxTokens:   lc.MaxTokens,
		Timeout:     lc.Timeout.Duration(),
		Temperature: lc.Temperature,
		MaxRetries:  lc.MaxRetries,
		RateLimit:   lc.RateLimit,
		Burst:       lc.Burst,
	}, a.logger.Underlying().Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider: %w", err)
	}
	ec := extraction.Config{MaxBodyChars: a.cfg.Pipeline.MaxBodyChars}
	if lc.Redact() {
		if ec.Scrubber, err = secrets.New(nil); err != nil {
			return nil, err
		}
	}
	ex, err := extraction.NewLLMExtractor(provider, ec, a.logger.Underlying().Named("extraction"))
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// coordinator wires extraction, deduplication, the index and event publishing
// into a pipeline.
func (a *app) coordinator(ctx context.Context) (*pipeline.Coordinator, error) {
	ex, err := a.extractor()
	if err != nil {
		return nil, err
	}

	pc := a.cfg.Pipeline
	dd, err := dedup.New(dedup.Config{
		Threshold: pc.SimilarityThreshold,
		Method:    dedup.Method(pc.SimilarityMethod),
	})
	if err != nil {
		return nil, err
	}

	pub, err := events.New(ctx, events.Config{
		Driver: a.cfg.Events.Driver,
		URL:    a.cfg.Events.URL.Value(),
		Prefix: a.cfg.Events.Subject,
	}, a.logger.Underlying().Named("events"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)

	opts := []pipeline.Option{
		pipeline.WithConfig(pipeline.Config{
			BatchSize:          pc.BatchSize,
			MaxEmailsPerRun:    pc.MaxEmailsPerRun,
			DaysBackInitial:    pc.DaysBackInitial,
			DedupWindow:        pc.DedupWindow.Duration(),
			FullCorpusFallback: pc.Fallback(),
			IndexCandidates:    a.cfg.Index.Candidates,
			ModelTimeout:       pc.ModelTimeout.Duration(),
			FailureReasons:     pc.FailureReasons,
		}),
		pipeline.WithPublisher(pub),
		pipeline.WithLogger(a.logger.Underlying().Named("pipeline")),
	}
	idx, err := a.similarityIndex()
	if err != nil {
		return nil, err
	}
	if idx != nil {
		opts = append(opts, pipeline.WithIndex(idx))
	}
	pf, err := a.semanticFilter()
	if err != nil {
		return nil, err
	}
	if pf != nil {
		opts = append(opts, pipeline.WithPrefilter(pf))
	}
	return pipeline.New(ex, a.store, dd, opts...)
}

// sources returns an IMAP source per configured account. A non-empty name
// selects one account.
func (a *app) sources(name string) ([]mailsource.Source, error) {
	var out []mailsource.Source
	for _, acct := range a.cfg.Accounts {
		if name != "" && acct.Name != name {
			continue
		}
		src, err := mailsource.NewIMAPSource(mailsource.IMAPConfig{
			Account:  acct.Name,
			Host:     acct.Host,
			Port:     acct.Port,
			Username: acct.Username,
			Password: acct.Password.Value(),
			Mailbox:  acct.Mailbox,
			TLS:      acct.UseTLS(),
		}, a.logger.Underlying().Named("imap"))
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acct.Name, err)
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		if name != "" {
			return nil, fmt.Errorf("no account named %q", name)
		}
		return nil, errors.New("no accounts configured; add accounts to the config or use --from-dir")
	}
	return out, nil
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, opts *rootOptions, fn func(*app) error) (err error) {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
