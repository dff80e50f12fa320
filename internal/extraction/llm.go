package extraction

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/llm"
	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/secrets"
)

// LLMExtractor extracts candidates with a language model.
type LLMExtractor struct {
	provider     llm.Provider
	maxBodyChars int
	scrubber     *secrets.Scrubber
	logger       *zap.Logger
}

// NewLLMExtractor creates an extractor backed by provider.
func NewLLMExtractor(provider llm.Provider, cfg Config, logger *zap.Logger) (*LLMExtractor, error) {
	if provider == nil {
		return nil, errors.New("llm provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultMaxBodyChars
	}
	return &LLMExtractor{
		provider:     provider,
		maxBodyChars: cfg.MaxBodyChars,
		scrubber:     cfg.Scrubber,
		logger:       logger,
	}, nil
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, email opportunity.RawEmail) (*opportunity.Candidate, error) {
	key := email.SourceKey()
	prompt := BuildPrompt(e.redact(email), e.maxBodyChars)

	raw, err := e.provider.Complete(ctx, SystemPrompt(), prompt)
	if err != nil {
		return nil, &opportunity.ExtractionError{
			SourceKey: key,
			Err:       fmt.Errorf("%s: %w", e.provider.Name(), err),
		}
	}

	c, err := ParseResponse(raw, email)
	if err != nil {
		var pe *opportunity.ParseError
		if errors.As(err, &pe) {
			e.logger.Warn("discarding malformed model output",
				zap.String("source", key),
				zap.String("provider", e.provider.Name()),
				zap.String("excerpt", pe.Excerpt),
				zap.Error(pe.Err))
		}
		return nil, err
	}
	if c == nil {
		e.logger.Debug("not an opportunity", zap.String("source", key))
		return nil, nil
	}

	c.PrimaryURL = SelectPrimaryURL(email.Body)
	return c, nil
}

// redact returns a copy of email with sensitive subject and body text
// replaced. Link selection still sees the original body.
func (e *LLMExtractor) redact(email opportunity.RawEmail) opportunity.RawEmail {
	if !e.scrubber.Enabled() {
		return email
	}
	subject := e.scrubber.Scrub(email.Subject)
	body := e.scrubber.Scrub(email.Body)
	if subject.HasFindings() || body.HasFindings() {
		e.logger.Debug("redacted sensitive text from prompt",
			zap.String("source", email.SourceKey()),
			zap.Strings("rules", append(subject.RuleIDs(), body.RuleIDs()...)),
			zap.Int("findings", len(subject.Findings)+len(body.Findings)))
	}
	email.Subject = subject.Text
	email.Body = body.Text
	return email
}

var _ Extractor = (*LLMExtractor)(nil)
