// Package store persists opportunities and the processed-email ledger.
//
// Three implementations share one contract: Memory for tests and dry runs,
// SQLite (the default, single file) and Postgres. Every implementation keeps
// two invariants:
//   - source identifiers attached to an opportunity are never removed; Upsert
//     only adds to the stored set
//   - Has reports true for any source identifier that was recorded as
//     processed or that contributed to a stored opportunity
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

var (
	// ErrNotFound is returned by Get when no opportunity has the given ID.
	ErrNotFound = errors.New("opportunity not found")

	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Outcome is the terminal state recorded for a processed email.
type Outcome string

const (
	// OutcomeStored means the email produced or extended an opportunity.
	OutcomeStored Outcome = "stored"

	// OutcomeSkipped means no opportunity came out of the email: the model
	// said no, its output was malformed, or the profile rejected it.
	OutcomeSkipped Outcome = "skipped"
)

// ProcessedEmail is one entry of the processed-email ledger.
type ProcessedEmail struct {
	SourceKey     string
	Account       string
	Outcome       Outcome
	Reason        string
	OpportunityID string
	ReceivedAt    time.Time
	ProcessedAt   time.Time
}

// Filter narrows Query results. Zero fields do not filter.
type Filter struct {
	IDs []string

	// Account matches opportunities with at least one source from the account.
	Account string

	// UpdatedSince keeps opportunities updated at or after the given time.
	UpdatedSince time.Time

	Statuses []opportunity.Status

	// Limit caps the number of results; zero means no limit.
	Limit int
}

// Stats summarises store contents.
type Stats struct {
	Opportunities int                        `json:"opportunities"`
	ByStatus      map[opportunity.Status]int `json:"by_status"`
	Processed     int                        `json:"processed"`
	ByOutcome     map[Outcome]int            `json:"by_outcome"`
}

// Store is the persistence boundary of the pipeline.
type Store interface {
	// Has reports whether a source identifier was already handled.
	Has(ctx context.Context, sourceKey string) (bool, error)

	// Query returns opportunities ordered by first-seen time, then ID.
	Query(ctx context.Context, f Filter) ([]*opportunity.Opportunity, error)

	// Get returns one opportunity or ErrNotFound.
	Get(ctx context.Context, id string) (*opportunity.Opportunity, error)

	// Upsert inserts or replaces an opportunity. Stored source identifiers
	// are unioned with o.SourceKeys, never replaced.
	Upsert(ctx context.Context, o *opportunity.Opportunity) error

	// MarkProcessed records an email in the ledger.
	MarkProcessed(ctx context.Context, p ProcessedEmail) error

	// MarkSeen moves the given opportunities from new to seen and returns
	// how many changed.
	MarkSeen(ctx context.Context, ids []string) (int, error)

	// Archive moves opportunities first seen before the cutoff to archived
	// and returns how many changed.
	Archive(ctx context.Context, before time.Time) (int, error)

	// LatestReceived returns the newest received time in the ledger for an
	// account, or the zero time.
	LatestReceived(ctx context.Context, account string) (time.Time, error)

	// Stats returns counts by status and outcome.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Config selects and configures a store implementation.
type Config struct {
	Driver string // sqlite, postgres or memory
	Path   string // sqlite file
	DSN    string // postgres connection string
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, &opportunity.StoreError{Op: "open", Err: fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)}
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &opportunity.StoreError{Op: op, Err: err}
}

func statusStrings(statuses []opportunity.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func newStats() *Stats {
	return &Stats{
		ByStatus:  make(map[opportunity.Status]int),
		ByOutcome: make(map[Outcome]int),
	}
}
