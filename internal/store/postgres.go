package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and migrates the
// schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, wrap("open", errors.New("postgres dsn is required"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrap("open", fmt.Errorf("pgxpool.New: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("open", fmt.Errorf("postgres ping failed: %w", err))
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, wrap("migrate", err)
	}
	return &Postgres{pool: pool}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			deadline DATE,
			location TEXT NOT NULL DEFAULT '',
			primary_url TEXT NOT NULL DEFAULT '',
			organization TEXT NOT NULL DEFAULT '',
			eligibility TEXT NOT NULL DEFAULT '',
			account TEXT NOT NULL DEFAULT '',
			matched_keywords TEXT[] NOT NULL DEFAULT '{}',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'new',
			first_seen TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`ALTER TABLE opportunities ADD COLUMN IF NOT EXISTS organization TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE opportunities ADD COLUMN IF NOT EXISTS eligibility TEXT NOT NULL DEFAULT ''`,
		`CREATE TABLE IF NOT EXISTS opportunity_sources (
			opportunity_id TEXT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
			source_key TEXT NOT NULL,
			account TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (opportunity_id, source_key)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_emails (
			source_key TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			opportunity_id TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_source_key ON opportunity_sources(source_key)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_account ON opportunity_sources(account)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_updated ON opportunities(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_account_received ON processed_emails(account, received_at)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) Has(ctx context.Context, sourceKey string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_emails WHERE source_key = $1)
		    OR EXISTS(SELECT 1 FROM opportunity_sources WHERE source_key = $1)`,
		sourceKey).Scan(&found)
	if err != nil {
		return false, wrap("has", err)
	}
	return found, nil
}

func (s *Postgres) Query(ctx context.Context, f Filter) ([]*opportunity.Opportunity, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.IDs) > 0 {
		where = append(where, "o.id = ANY("+arg(f.IDs)+")")
	}
	if f.Account != "" {
		n := arg(f.Account)
		where = append(where, "(o.account = "+n+" OR EXISTS (SELECT 1 FROM opportunity_sources s WHERE s.opportunity_id = o.id AND s.account = "+n+"))")
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "o.updated_at >= "+arg(f.UpdatedSince.UTC()))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "o.status = ANY("+arg(statusStrings(f.Statuses))+")")
	}

	q := `SELECT o.id, o.title, o.description, o.type, o.deadline, o.location, o.primary_url,
		o.organization, o.eligibility, o.account, o.matched_keywords, o.confidence, o.priority, o.status, o.first_seen, o.updated_at,
		COALESCE((SELECT array_agg(s.source_key ORDER BY s.source_key)
		          FROM opportunity_sources s WHERE s.opportunity_id = o.id), '{}')
		FROM opportunities o`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY o.first_seen, o.id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap("query", err)
	}
	defer rows.Close()

	var out []*opportunity.Opportunity
	for rows.Next() {
		var (
			o           opportunity.Opportunity
			typ, status string
			deadline    *time.Time
		)
		if err := rows.Scan(&o.ID, &o.Title, &o.Description, &typ, &deadline, &o.Location, &o.PrimaryURL,
			&o.Organization, &o.Eligibility, &o.Account, &o.MatchedKeywords, &o.Confidence, &o.Priority, &status, &o.FirstSeen, &o.UpdatedAt,
			&o.SourceKeys); err != nil {
			return nil, wrap("query", err)
		}
		o.Type = opportunity.Type(typ)
		o.Status = opportunity.Status(status)
		o.FirstSeen = o.FirstSeen.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		if deadline != nil {
			d := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 0, 0, 0, 0, time.UTC)
			o.Deadline = &d
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query", err)
	}
	return out, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	out, err := s.Query(ctx, Filter{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s *Postgres) Upsert(ctx context.Context, o *opportunity.Opportunity) error {
	if err := o.Validate(); err != nil {
		return wrap("upsert", err)
	}
	var deadline any
	if o.Deadline != nil {
		deadline = o.Deadline.UTC().Format(dateLayout)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO opportunities(id, title, description, type, deadline, location, primary_url,
				organization, eligibility, account, matched_keywords, confidence, priority, status,
				first_seen, updated_at)
			VALUES($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT(id) DO UPDATE SET
				title=EXCLUDED.title,
				description=EXCLUDED.description,
				type=EXCLUDED.type,
				deadline=EXCLUDED.deadline,
				location=EXCLUDED.location,
				primary_url=EXCLUDED.primary_url,
				organization=EXCLUDED.organization,
				eligibility=EXCLUDED.eligibility,
				matched_keywords=EXCLUDED.matched_keywords,
				confidence=EXCLUDED.confidence,
				priority=EXCLUDED.priority,
				status=EXCLUDED.status,
				first_seen=EXCLUDED.first_seen,
				updated_at=EXCLUDED.updated_at`,
			o.ID, o.Title, o.Description, string(o.Type), deadline, o.Location, o.PrimaryURL,
			o.Organization, o.Eligibility, o.Account, nonNil(o.MatchedKeywords), o.Confidence, o.Priority, string(o.Status),
			o.FirstSeen.UTC(), o.UpdatedAt.UTC())
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, key := range o.SourceKeys {
			batch.Queue(`
				INSERT INTO opportunity_sources(opportunity_id, source_key, account)
				VALUES($1, $2, $3)
				ON CONFLICT(opportunity_id, source_key) DO NOTHING`,
				o.ID, key, opportunity.AccountFromSourceKey(key))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return wrap("upsert", err)
}

func (s *Postgres) MarkProcessed(ctx context.Context, p ProcessedEmail) error {
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = time.Now()
	}
	var received any
	if !p.ReceivedAt.IsZero() {
		received = p.ReceivedAt.UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_emails(source_key, account, outcome, reason, opportunity_id, received_at, processed_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(source_key) DO UPDATE SET
			outcome=EXCLUDED.outcome,
			reason=EXCLUDED.reason,
			opportunity_id=EXCLUDED.opportunity_id,
			received_at=EXCLUDED.received_at,
			processed_at=EXCLUDED.processed_at`,
		p.SourceKey, p.Account, string(p.Outcome), p.Reason, p.OpportunityID, received, p.ProcessedAt.UTC())
	return wrap("mark processed", err)
}

func (s *Postgres) MarkSeen(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $1, updated_at = $2 WHERE id = ANY($3) AND status = $4`,
		string(opportunity.StatusSeen), time.Now().UTC(), ids, string(opportunity.StatusNew))
	if err != nil {
		return 0, wrap("mark seen", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) Archive(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $1, updated_at = $2 WHERE status <> $1 AND first_seen < $3`,
		string(opportunity.StatusArchived), time.Now().UTC(), before.UTC())
	if err != nil {
		return 0, wrap("archive", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) LatestReceived(ctx context.Context, account string) (time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(received_at) FROM processed_emails WHERE account = $1`, account).Scan(&latest)
	if err != nil {
		return time.Time{}, wrap("latest received", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

func (s *Postgres) Stats(ctx context.Context) (*Stats, error) {
	st := newStats()

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM opportunities GROUP BY status`)
	if err != nil {
		return nil, wrap("stats", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, wrap("stats", err)
		}
		st.ByStatus[opportunity.Status(status)] = n
		st.Opportunities += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("stats", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT outcome, COUNT(*) FROM processed_emails GROUP BY outcome`)
	if err != nil {
		return nil, wrap("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, wrap("stats", err)
		}
		st.ByOutcome[Outcome(outcome)] = n
		st.Processed += n
	}
	return st, wrap("stats", rows.Err())
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
