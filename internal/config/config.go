// Package config loads Sentinel's configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// SENTINEL_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete Sentinel configuration.
type Config struct {
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	LLM       LLMConfig       `koanf:"llm"`
	Store     StoreConfig     `koanf:"store"`
	Index     IndexConfig     `koanf:"index"`
	Filter    FilterConfig    `koanf:"semantic_filter"`
	Events    EventsConfig    `koanf:"events"`
	Server    ServerConfig    `koanf:"server"`
	Schedule  ScheduleConfig  `koanf:"schedule"`
	Summary   SummaryConfig   `koanf:"summary"`
	Accounts  []AccountConfig `koanf:"accounts"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	// ProfilePath is the YAML interest profile.
	ProfilePath string `koanf:"profile_path"`
}

// PipelineConfig holds batch run settings.
type PipelineConfig struct {
	BatchSize           int      `koanf:"batch_size"`
	MaxEmailsPerRun     int      `koanf:"max_emails_per_run"`
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	SimilarityMethod    string   `koanf:"similarity_method"` // cosine or jaccard
	DaysBackInitial     int      `koanf:"days_back_initial"`
	DedupWindow         Duration `koanf:"dedup_window"`
	FullCorpusFallback  *bool    `koanf:"full_corpus_fallback"`
	ModelTimeout        Duration `koanf:"model_timeout"`
	MaxBodyChars        int      `koanf:"max_body_chars"`
	FailureReasons      int      `koanf:"failure_reasons"`
}

// Fallback reports whether the corpus-wide duplicate check is on.
func (p PipelineConfig) Fallback() bool {
	return p.FullCorpusFallback == nil || *p.FullCorpusFallback
}

// LLMConfig selects the extraction model.
type LLMConfig struct {
	Provider  string   `koanf:"provider"` // anthropic, openai or heuristic
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	BaseURL   string   `koanf:"base_url"`
	MaxTokens int      `koanf:"max_tokens"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"`
	Burst     int      `koanf:"burst"`

	// Temperature and MaxRetries are left to the client defaults when unset.
	// Zero is a valid explicit value for both.
	Temperature *float64 `koanf:"temperature"`
	MaxRetries  *int     `koanf:"max_retries"`

	// RedactSecrets strips credentials and one-time codes from mail before
	// it is sent to the provider. Defaults to true.
	RedactSecrets *bool `koanf:"redact_secrets"`
}

// Redact reports whether prompt redaction is on.
func (l LLMConfig) Redact() bool {
	return l.RedactSecrets == nil || *l.RedactSecrets
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres or memory
	Path   string `koanf:"path"`
	DSN    Secret `koanf:"dsn"`
}

// IndexConfig configures the similarity index.
type IndexConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Provider   string `koanf:"provider"` // hash, openai or ollama
	Model      string `koanf:"model"`
	APIKey     Secret `koanf:"api_key"`
	BaseURL    string `koanf:"base_url"`
	Path       string `koanf:"path"`
	Candidates int    `koanf:"candidates"`
	Dimensions int    `koanf:"dimensions"`
}

// FilterConfig configures the semantic pre-filter that runs before the
// model. It embeds with the index provider settings.
type FilterConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Threshold   float64  `koanf:"threshold"`
	SenderAllow []string `koanf:"sender_allow"`
	SenderBlock []string `koanf:"sender_block"`
}

// EventsConfig configures event publishing.
type EventsConfig struct {
	Driver  string `koanf:"driver"` // none, nats or redis
	URL     Secret `koanf:"url"`
	Subject string `koanf:"subject"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ScheduleConfig drives the daemon.
type ScheduleConfig struct {
	Spec       string `koanf:"spec"`
	RunOnStart bool   `koanf:"run_on_start"`
}

// SummaryConfig caps digest sections.
type SummaryConfig struct {
	MaxHighPriority int `koanf:"max_high_priority"`
	MaxExploratory  int `koanf:"max_exploratory"`
}

// AccountConfig is one IMAP mailbox.
type AccountConfig struct {
	Name     string `koanf:"name"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password Secret `koanf:"password"`
	Mailbox  string `koanf:"mailbox"`
	TLS      *bool  `koanf:"tls"`
}

// UseTLS reports whether the account connects over TLS. Default true.
func (a AccountConfig) UseTLS() bool {
	return a.TLS == nil || *a.TLS
}

// LoggingConfig selects level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.BatchSize == 0 {
		p.BatchSize = 4
	}
	if p.MaxEmailsPerRun == 0 {
		p.MaxEmailsPerRun = 200
	}
	if p.SimilarityThreshold == 0 {
		p.SimilarityThreshold = 0.8
	}
	if p.SimilarityMethod == "" {
		p.SimilarityMethod = "cosine"
	}
	if p.DaysBackInitial == 0 {
		p.DaysBackInitial = 7
	}
	if p.DedupWindow == 0 {
		p.DedupWindow = Duration(14 * 24 * time.Hour)
	}
	if p.ModelTimeout == 0 {
		p.ModelTimeout = Duration(45 * time.Second)
	}
	if p.MaxBodyChars == 0 {
		p.MaxBodyChars = 6000
	}
	if p.FailureReasons == 0 {
		p.FailureReasons = 5
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(60 * time.Second)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/sentinel/sentinel.db"
	}

	if cfg.Index.Provider == "" {
		cfg.Index.Provider = "hash"
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "~/.local/share/sentinel/index"
	}
	if cfg.Index.Candidates == 0 {
		cfg.Index.Candidates = 20
	}

	if cfg.Filter.Threshold == 0 {
		cfg.Filter.Threshold = 0.2
	}

	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "none"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "sentinel"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Schedule.Spec == "" {
		cfg.Schedule.Spec = "@every 6h"
	}

	if cfg.Summary.MaxHighPriority == 0 {
		cfg.Summary.MaxHighPriority = 10
	}
	if cfg.Summary.MaxExploratory == 0 {
		cfg.Summary.MaxExploratory = 15
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].Mailbox == "" {
			cfg.Accounts[i].Mailbox = "INBOX"
		}
	}

	if cfg.ProfilePath == "" {
		cfg.ProfilePath = "~/.config/sentinel/profile.yaml"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "sentinel"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	p := c.Pipeline
	if p.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.batch_size must be at least 1, got %d", p.BatchSize))
	}
	if p.MaxEmailsPerRun < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_emails_per_run must be at least 1, got %d", p.MaxEmailsPerRun))
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.similarity_threshold must be in (0,1], got %v", p.SimilarityThreshold))
	}
	if !oneOf(p.SimilarityMethod, "cosine", "jaccard") {
		errs = append(errs, fmt.Errorf("pipeline.similarity_method must be cosine or jaccard, got %q", p.SimilarityMethod))
	}
	if p.DaysBackInitial < 0 {
		errs = append(errs, errors.New("pipeline.days_back_initial must not be negative"))
	}
	if p.MaxBodyChars < 0 {
		errs = append(errs, errors.New("pipeline.max_body_chars must not be negative"))
	}

	if !oneOf(c.LLM.Provider, "anthropic", "openai", "heuristic") {
		errs = append(errs, fmt.Errorf("llm.provider must be anthropic, openai or heuristic, got %q", c.LLM.Provider))
	}
	if r := c.LLM.MaxRetries; r != nil && *r < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}
	if t := c.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0,2], got %v", *t))
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path required for sqlite"))
		}
	case "postgres":
		if !c.Store.DSN.IsSet() {
			errs = append(errs, errors.New("store.dsn required for postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if !oneOf(c.Index.Provider, "hash", "openai", "ollama") {
		errs = append(errs, fmt.Errorf("unknown index.provider %q", c.Index.Provider))
	}
	if c.Index.Candidates < 1 {
		errs = append(errs, errors.New("index.candidates must be at least 1"))
	}

	if c.Filter.Threshold <= 0 || c.Filter.Threshold > 1 {
		errs = append(errs, fmt.Errorf("semantic_filter.threshold must be in (0,1], got %v", c.Filter.Threshold))
	}
	for _, s := range append(append([]string(nil), c.Filter.SenderAllow...), c.Filter.SenderBlock...) {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("semantic_filter sender lists must not contain empty entries"))
			break
		}
	}

	switch c.Events.Driver {
	case "none":
	case "nats", "redis":
		if !c.Events.URL.IsSet() {
			errs = append(errs, fmt.Errorf("events.url required for %s", c.Events.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events.driver %q", c.Events.Driver))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("accounts[%d].name required", i))
			continue
		}
		if strings.Contains(name, "/") {
			errs = append(errs, fmt.Errorf("account name %q must not contain '/'", name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate account name %q", name))
		}
		seen[name] = true
		if a.Host == "" {
			errs = append(errs, fmt.Errorf("account %q: host required", name))
		}
	}

	if !oneOf(c.Logging.Format, "json", "console") {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			errs = append(errs, errors.New("service name required when telemetry is enabled"))
		}
		if !oneOf(c.Telemetry.Protocol, "grpc", "http/protobuf") {
			errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol))
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
