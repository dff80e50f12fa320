// Package pipeline runs batches of emails through extraction, profile
// matching, deduplication, scoring and storage.
//
// Each email moves through
//
//	Unseen -> Extracted -> Filtered -> Deduplicated -> Scored -> Stored
//
// and ends Stored, Skipped (dropped by the semantic pre-filter, no candidate,
// malformed model output, or rejected by the profile) or Failed. Stored and Skipped emails are recorded in the
// store's processed ledger and are never extracted again. Failed emails are
// not recorded, so the next run retries them. A failure never stops the rest
// of the batch.
//
// Extraction runs concurrently up to the configured batch size. The
// compare-then-write step of deduplication is serialized so two candidates
// that would merge into each other cannot both be inserted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiwaku/Sentinel/internal/dedup"
	"github.com/kiwaku/Sentinel/internal/events"
	"github.com/kiwaku/Sentinel/internal/extraction"
	"github.com/kiwaku/Sentinel/internal/logging"
	"github.com/kiwaku/Sentinel/internal/mailsource"
	"github.com/kiwaku/Sentinel/internal/matcher"
	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/prefilter"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/scoring"
	"github.com/kiwaku/Sentinel/internal/store"
	"github.com/kiwaku/Sentinel/internal/vectorstore"
)

var tracer = otel.Tracer("sentinel.pipeline")

// Coordinator drives pipeline runs.
type Coordinator struct {
	extractor extraction.Extractor
	store     store.Store
	dedup     *dedup.Deduplicator
	index     *vectorstore.Index
	prefilter *prefilter.Filter
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	// commitMu serializes dedup comparison with the store write it decides.
	commitMu sync.Mutex

	last atomic.Pointer[RunSummary]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets run parameters. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithIndex narrows corpus-wide duplicate checks to the index's nearest
// neighbours and keeps the index current on every write.
func WithIndex(idx *vectorstore.Index) Option {
	return func(c *Coordinator) { c.index = idx }
}

// WithPrefilter screens every email with f before it is extracted.
func WithPrefilter(f *prefilter.Filter) Option {
	return func(c *Coordinator) { c.prefilter = f }
}

// WithPublisher sends run and opportunity events to p.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(ex extraction.Extractor, st store.Store, dd *dedup.Deduplicator, opts ...Option) (*Coordinator, error) {
	if ex == nil {
		return nil, errors.New("extractor cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	if dd == nil {
		return nil, errors.New("deduplicator cannot be nil")
	}
	c := &Coordinator{
		extractor: ex,
		store:     st,
		dedup:     dd,
		publisher: events.Nop{},
		cfg:       DefaultConfig(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.applyDefaults()
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if c.publisher == nil {
		c.publisher = events.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// Last returns the summary of the most recent completed run, or nil.
func (c *Coordinator) Last() *RunSummary {
	return c.last.Load()
}

// Since returns the fetch watermark for an account: one day before the newest
// recorded email, or days_back_initial before now when nothing is recorded.
func (c *Coordinator) Since(ctx context.Context, account string) (time.Time, error) {
	latest, err := c.store.LatestReceived(ctx, account)
	if err != nil {
		return time.Time{}, err
	}
	if latest.IsZero() {
		return c.now().UTC().AddDate(0, 0, -c.cfg.DaysBackInitial), nil
	}
	return latest.Add(-24 * time.Hour), nil
}

// RunSources fetches from every source since its watermark and runs the
// combined batch. A source that cannot be read is reported in the summary;
// the others still run.
func (c *Coordinator) RunSources(ctx context.Context, sources []mailsource.Source, p *profile.Profile) (*RunSummary, error) {
	var (
		emails        []opportunity.RawEmail
		fetchFailures []Failure
	)
	for _, src := range sources {
		since, err := c.Since(ctx, src.Account())
		if err != nil {
			fetchFailures = append(fetchFailures, Failure{SourceKey: src.Account(), Reason: "watermark: " + err.Error()})
			continue
		}
		got, err := src.Fetch(ctx, since)
		if err != nil {
			c.logger.Error("fetching mail failed", zap.String("account", src.Account()), zap.Error(err))
			fetchFailures = append(fetchFailures, Failure{SourceKey: src.Account(), Reason: "fetch: " + err.Error()})
			continue
		}
		c.logger.Info("fetched mail",
			zap.String("account", src.Account()),
			zap.Time("since", since),
			zap.Int("emails", len(got)),
		)
		emails = append(emails, got...)
	}

	return c.run(ctx, emails, p, fetchFailures)
}

// Run processes one batch against a profile snapshot. It returns an error only
// when the run cannot start; per-email failures are reported in the summary.
//
// The run ID is taken from ctx when the caller set one with logging.WithRunID.
func (c *Coordinator) Run(ctx context.Context, emails []opportunity.RawEmail, p *profile.Profile) (*RunSummary, error) {
	return c.run(ctx, emails, p, nil)
}

// run processes emails. Failures that happened before the batch was
// assembled, such as unreadable sources, are counted up front so the stored
// summary and the completion event include them.
func (c *Coordinator) run(ctx context.Context, emails []opportunity.RawEmail, p *profile.Profile, early []Failure) (*RunSummary, error) {
	if p == nil {
		return nil, errors.New("profile cannot be nil")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	p = p.Clone()

	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logging.WithRunID(ctx, runID)
	}
	sum := newRunSummary(runID, c.now().UTC(), c.cfg.FailureReasons)
	sum.Received = len(emails)
	for _, f := range early {
		sum.Failed++
		sum.addFailure(f.SourceKey, f.Reason)
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", sum.RunID),
		attribute.Int("emails", len(emails)),
	)
	logger := c.logger.With(zap.String("run_id", sum.RunID))
	logger.Info("pipeline run started", zap.Int("emails", len(emails)))
	c.publish(ctx, events.Event{Type: events.RunStarted, RunID: sum.RunID, At: sum.StartedAt})

	gate := c.bindPrefilter(ctx, p, logger)
	todo := c.pending(ctx, emails, sum, logger)

	var g errgroup.Group
	g.SetLimit(c.cfg.BatchSize)
	for i, email := range todo {
		if ctx.Err() != nil {
			sum.Unstarted += len(todo) - i
			break
		}
		g.Go(func() error {
			c.process(ctx, email, p, gate, sum, logger)
			return nil
		})
	}
	_ = g.Wait()

	sum.Cancelled = ctx.Err() != nil
	sum.FinishedAt = c.now().UTC()
	c.last.Store(sum)

	result := "completed"
	if sum.Cancelled {
		result = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	}
	runsTotal.WithLabelValues(result).Inc()
	lastRunTimestamp.Set(float64(sum.FinishedAt.Unix()))
	span.SetAttributes(
		attribute.Int("stored", sum.Stored),
		attribute.Int("skipped", sum.Skipped),
		attribute.Int("failed", sum.Failed),
	)

	logger.Info("pipeline run finished",
		zap.Int("already_processed", sum.AlreadyProcessed),
		zap.Int("stored", sum.Stored),
		zap.Int("new", sum.New),
		zap.Int("merged", sum.Merged),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int("deferred", sum.Deferred),
		zap.Bool("cancelled", sum.Cancelled),
		zap.Duration("duration", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	c.publish(context.WithoutCancel(ctx), events.Event{
		Type:  events.RunCompleted,
		RunID: sum.RunID,
		At:    sum.FinishedAt,
		Counts: map[string]int{
			"received": sum.Received,
			"stored":   sum.Stored,
			"new":      sum.New,
			"merged":   sum.Merged,
			"skipped":  sum.Skipped,
			"failed":   sum.Failed,
		},
	})
	return sum, nil
}

// pending orders the batch, drops emails already handled and applies the
// per-run cap.
func (c *Coordinator) pending(ctx context.Context, emails []opportunity.RawEmail, sum *RunSummary, logger *zap.Logger) []opportunity.RawEmail {
	ordered := make([]opportunity.RawEmail, len(emails))
	copy(ordered, emails)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Received.Equal(ordered[j].Received) {
			return ordered[i].Received.Before(ordered[j].Received)
		}
		return ordered[i].SourceKey() < ordered[j].SourceKey()
	})

	seen := make(map[string]bool, len(ordered))
	var todo []opportunity.RawEmail
	for i, email := range ordered {
		if ctx.Err() != nil {
			sum.Unstarted += len(ordered) - i
			break
		}
		key := email.SourceKey()
		if err := email.Validate(); err != nil {
			sum.record(key, StateFailed, false, "invalid email: "+err.Error())
			emailsTotal.WithLabelValues(string(StateFailed)).Inc()
			continue
		}
		if seen[key] {
			sum.AlreadyProcessed++
			continue
		}
		seen[key] = true

		done, err := c.store.Has(ctx, key)
		if err != nil {
			logger.Error("membership check failed", zap.String("source", key), zap.Error(err))
			sum.record(key, StateFailed, false, err.Error())
			emailsTotal.WithLabelValues(string(StateFailed)).Inc()
			continue
		}
		if done {
			sum.AlreadyProcessed++
			emailsTotal.WithLabelValues("already_processed").Inc()
			continue
		}
		if len(todo) == c.cfg.MaxEmailsPerRun {
			sum.Deferred++
			continue
		}
		todo = append(todo, email)
	}
	return todo
}

// bindPrefilter embeds the profile for this run. Without a prefilter, or
// when the profile cannot be embedded, every email goes to the extractor.
func (c *Coordinator) bindPrefilter(ctx context.Context, p *profile.Profile, logger *zap.Logger) *prefilter.Gate {
	if c.prefilter == nil {
		return nil
	}
	gate, err := c.prefilter.Bind(ctx, p)
	if err != nil {
		logger.Warn("semantic filter disabled for this run", zap.Error(err))
		return nil
	}
	return gate
}

func (c *Coordinator) process(ctx context.Context, email opportunity.RawEmail, p *profile.Profile, gate *prefilter.Gate, sum *RunSummary, logger *zap.Logger) {
	key := email.SourceKey()
	if logging.IsValidAccount(email.Account) {
		ctx = logging.WithAccount(ctx, email.Account)
	}
	ctx, span := tracer.Start(ctx, "pipeline.ProcessEmail")
	defer span.End()
	span.SetAttributes(attribute.String("source", key), attribute.String("account", email.Account))
	logger = logger.With(zap.String("source", key))
	if account := logging.AccountFromContext(ctx); account != "" {
		logger = logger.With(zap.String("account", account))
	}

	st, merged, reason := c.processEmail(ctx, email, p, gate, logger)
	if st == StateFailed {
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.String("state", string(st)))
	emailsTotal.WithLabelValues(string(st)).Inc()
	sum.record(key, st, merged, reason)
}

func (c *Coordinator) processEmail(ctx context.Context, email opportunity.RawEmail, p *profile.Profile, gate *prefilter.Gate, logger *zap.Logger) (State, bool, string) {
	key := email.SourceKey()

	if gate != nil {
		d := gate.Check(ctx, email)
		prefilterTotal.WithLabelValues(string(d.Verdict)).Inc()
		if !d.Pass {
			logger.Debug("email dropped before extraction",
				zap.String("verdict", string(d.Verdict)),
				zap.Float64("score", d.Score),
				zap.Float64("threshold", d.Threshold),
			)
			return c.skip(context.WithoutCancel(ctx), email, d.Reason(), logger)
		}
	}

	exCtx, cancel := context.WithTimeout(ctx, c.cfg.ModelTimeout)
	start := time.Now()
	cand, err := c.extractor.Extract(exCtx, email)
	cancel()
	extractionDuration.Observe(time.Since(start).Seconds())

	// Once extraction has returned, the email is finished even if the run is
	// cancelled meanwhile.
	wctx := context.WithoutCancel(ctx)

	if err != nil {
		var pe *opportunity.ParseError
		if errors.As(err, &pe) {
			return c.skip(wctx, email, "malformed model output", logger)
		}
		if ctx.Err() != nil {
			return StateFailed, false, "cancelled during extraction"
		}
		logger.Warn("extraction failed", zap.Error(err))
		return StateFailed, false, err.Error()
	}
	if cand == nil {
		return c.skip(wctx, email, "not an opportunity", logger)
	}

	decision, err := matcher.EvaluateChecked(cand, p)
	if err != nil {
		logger.Error("filter error", zap.Error(err))
		return StateFailed, false, err.Error()
	}
	if !decision.Accept {
		logger.Debug("candidate rejected", zap.String("reason", decision.Reason))
		return c.skip(wctx, email, decision.Reason, logger)
	}

	now := c.now().UTC()
	opp := opportunity.FromCandidate(cand, decision.MatchedKeywords, now)
	opp.Priority = scoring.Score(opp, p, now)

	stored, merged, err := c.commit(wctx, opp, p, now, logger)
	if err != nil {
		logger.Error("store write failed", zap.Error(err))
		return StateFailed, false, err.Error()
	}

	if err := c.store.MarkProcessed(wctx, store.ProcessedEmail{
		SourceKey:     key,
		Account:       email.Account,
		Outcome:       store.OutcomeStored,
		OpportunityID: stored.ID,
		ReceivedAt:    email.Received,
		ProcessedAt:   now,
	}); err != nil {
		// The source is already attached to the stored record, so Has still
		// reports it as handled.
		logger.Warn("recording processed email failed", zap.Error(err))
	}

	action := string(dedup.ActionNew)
	if merged {
		action = string(dedup.ActionMerge)
	}
	logger.Info("opportunity stored",
		zap.String("id", stored.ID),
		zap.String("title", stored.Title),
		zap.String("action", action),
		zap.Float64("priority", stored.Priority),
	)
	c.publish(wctx, events.Event{
		Type:          events.OpportunityStored,
		At:            now,
		OpportunityID: stored.ID,
		Title:         stored.Title,
		Action:        action,
		Priority:      stored.Priority,
	})
	return StateStored, merged, ""
}

func (c *Coordinator) skip(ctx context.Context, email opportunity.RawEmail, reason string, logger *zap.Logger) (State, bool, string) {
	err := c.store.MarkProcessed(ctx, store.ProcessedEmail{
		SourceKey:   email.SourceKey(),
		Account:     email.Account,
		Outcome:     store.OutcomeSkipped,
		Reason:      reason,
		ReceivedAt:  email.Received,
		ProcessedAt: c.now().UTC(),
	})
	if err != nil {
		logger.Error("recording skipped email failed", zap.Error(err))
		return StateFailed, false, err.Error()
	}
	return StateSkipped, false, reason
}

// commit deduplicates opp against the store and writes the result. It returns
// the stored record and whether it was a merge.
func (c *Coordinator) commit(ctx context.Context, opp *opportunity.Opportunity, p *profile.Profile, now time.Time, logger *zap.Logger) (*opportunity.Opportunity, bool, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	window, err := c.store.Query(ctx, store.Filter{
		Account:      opp.Account,
		UpdatedSince: now.Add(-c.cfg.DedupWindow),
	})
	if err != nil {
		return nil, false, err
	}
	res := c.dedup.Resolve(opp, window)

	if res.Action == dedup.ActionNew && c.cfg.FullCorpusFallback {
		corpus, err := c.corpus(ctx, opp, logger)
		if err != nil {
			return nil, false, err
		}
		res = c.dedup.Resolve(opp, corpus)
	}

	if res.Action == dedup.ActionNew {
		// The ID is derived from title and account, so an older record outside
		// the window may already own it.
		if _, err := c.store.Get(ctx, opp.ID); err == nil {
			res = dedup.Resolution{Action: dedup.ActionMerge, TargetID: opp.ID, Similarity: 1}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	record := opp
	merged := false
	if res.Action == dedup.ActionMerge {
		target, err := c.store.Get(ctx, res.TargetID)
		if err != nil {
			return nil, false, err
		}
		record = dedup.Merge(target, opp, now)
		record.Priority = scoring.Score(record, p, now)
		merged = true
		logger.Debug("merging duplicate",
			zap.String("target", target.ID),
			zap.Float64("similarity", res.Similarity),
		)
	}

	if err := c.store.Upsert(ctx, record); err != nil {
		return nil, false, err
	}
	if c.index != nil {
		if err := c.index.Upsert(ctx, record); err != nil {
			logger.Warn("updating similarity index failed", zap.String("id", record.ID), zap.Error(err))
		}
	}
	return record, merged, nil
}

// corpus returns the records to compare against beyond the recent window:
// the index's nearest neighbours when an index is configured, else the whole
// store.
func (c *Coordinator) corpus(ctx context.Context, opp *opportunity.Opportunity, logger *zap.Logger) ([]*opportunity.Opportunity, error) {
	if c.index == nil {
		return c.store.Query(ctx, store.Filter{})
	}
	matches, err := c.index.Query(ctx, opp.Text(), c.cfg.IndexCandidates)
	if err != nil {
		logger.Warn("similarity index query failed, scanning the store", zap.Error(err))
		return c.store.Query(ctx, store.Filter{})
	}
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return c.store.Query(ctx, store.Filter{IDs: ids})
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	if err := c.publisher.Publish(ctx, e); err != nil {
		c.logger.Warn("publishing event failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
