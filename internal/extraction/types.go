package extraction

import (
	"context"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/secrets"
)

// Field limits applied to extracted text.
const (
	MaxTitleChars        = 200
	MaxDescriptionChars  = 1000
	MaxLocationChars     = 200
	MaxOrganizationChars = 200
	MaxEligibilityChars  = 500
)

// DefaultMaxBodyChars bounds the body sent to the model.
const DefaultMaxBodyChars = 6000

// Extractor produces at most one candidate per email.
type Extractor interface {
	Extract(ctx context.Context, email opportunity.RawEmail) (*opportunity.Candidate, error)
}

// Config holds extraction settings.
type Config struct {
	// MaxBodyChars is the rune budget for the email body in the prompt.
	MaxBodyChars int

	// Scrubber, when set, redacts the subject and body before they are
	// sent to the model.
	Scrubber *secrets.Scrubber
}

// DefaultConfig returns the default extraction configuration.
func DefaultConfig() Config {
	return Config{MaxBodyChars: DefaultMaxBodyChars}
}
