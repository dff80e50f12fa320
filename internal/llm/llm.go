// Package llm provides rate-limited, retrying clients for the hosted language
// model APIs used by opportunity extraction.
//
// Clients are intentionally thin: they send one system prompt and one user
// prompt and return the raw text of the first completion. Parsing and schema
// validation belong to the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Default configuration values.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 1024
	defaultTemperature      = 0.1
	defaultTimeout          = 60 * time.Second
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
)

// Rate limiter defaults: 50 requests per minute for both APIs.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var (
	// ErrNoAPIKey is returned when a hosted provider is configured without a key.
	ErrNoAPIKey = errors.New("api key required")

	// ErrEmptyResponse is returned when the API answered with no content.
	ErrEmptyResponse = errors.New("empty response from API")

	// ErrUnknownProvider is returned by New for unsupported provider names.
	ErrUnknownProvider = errors.New("unknown llm provider")
)

// Provider sends a prompt to a language model and returns its raw text output.
type Provider interface {
	// Complete returns the model's answer to prompt under the given system
	// instructions. Transient failures are reported as retryable errors
	// after the client's own retries are exhausted.
	Complete(ctx context.Context, system, prompt string) (string, error)

	// Name identifies the provider and model, e.g. "anthropic/claude-3-5-sonnet".
	Name() string
}

// Config holds provider configuration.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration

	// Temperature is the sampling temperature. Nil selects the default; an
	// explicit zero is sent as is.
	Temperature *float64

	// MaxRetries bounds the attempts after the first. Nil selects the
	// default and zero disables retries.
	MaxRetries *int

	// RateLimit is requests per second; Burst the limiter bucket size.
	RateLimit float64
	Burst     int

	// BaseBackoff is the first retry delay, doubled on each further attempt.
	BaseBackoff time.Duration
}

func (c Config) withDefaults(model, baseURL string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Temperature == nil || *c.Temperature < 0 {
		t := defaultTemperature
		c.Temperature = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == nil {
		n := defaultMaxRetries
		c.MaxRetries = &n
	} else if *c.MaxRetries < 0 {
		n := 0
		c.MaxRetries = &n
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	return c
}

// New builds the provider named in cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropic(cfg, logger)
	case ProviderOpenAI:
		return NewOpenAI(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
