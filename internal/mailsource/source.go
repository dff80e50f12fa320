// Package mailsource supplies raw emails to the pipeline.
//
// A Source lists the messages of one account received on or after a
// watermark. The pipeline is agnostic to where they come from: IMAP mailboxes
// in production, directories of .eml files for local runs and tests.
package mailsource

import (
	"context"
	"time"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// Source fetches emails for one account.
type Source interface {
	// Account names the account every returned email belongs to.
	Account() string

	// Fetch returns emails received on or after since, oldest first.
	Fetch(ctx context.Context, since time.Time) ([]opportunity.RawEmail, error)
}
