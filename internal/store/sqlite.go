package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// Times are stored as fixed-width UTC text so they compare lexically.
const (
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout       = "2006-01-02"
)

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" opens a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, wrap("open", errors.New("sqlite path is required"))
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, wrap("open", fmt.Errorf("create store directory: %w", err))
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	return &SQLite{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			deadline TEXT,
			location TEXT NOT NULL DEFAULT '',
			primary_url TEXT NOT NULL DEFAULT '',
			organization TEXT NOT NULL DEFAULT '',
			eligibility TEXT NOT NULL DEFAULT '',
			account TEXT NOT NULL DEFAULT '',
			matched_keywords TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			priority REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'new',
			first_seen TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS opportunity_sources (
			opportunity_id TEXT NOT NULL,
			source_key TEXT NOT NULL,
			account TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (opportunity_id, source_key),
			FOREIGN KEY (opportunity_id) REFERENCES opportunities(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS processed_emails (
			source_key TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			opportunity_id TEXT NOT NULL DEFAULT '',
			received_at TEXT,
			processed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sources_source_key ON opportunity_sources(source_key);`,
		`CREATE INDEX IF NOT EXISTS idx_sources_account ON opportunity_sources(account);`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_updated ON opportunities(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_account_received ON processed_emails(account, received_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	for _, col := range []string{"organization", "eligibility"} {
		if err := addSQLiteColumn(db, "opportunities", col, "TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

// addSQLiteColumn adds column to tables created before it existed.
func addSQLiteColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

func (s *SQLite) Has(ctx context.Context, sourceKey string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_emails WHERE source_key = ?)
		    OR EXISTS(SELECT 1 FROM opportunity_sources WHERE source_key = ?)`,
		sourceKey, sourceKey).Scan(&found)
	if err != nil {
		return false, wrap("has", err)
	}
	return found == 1, nil
}

func (s *SQLite) Query(ctx context.Context, f Filter) ([]*opportunity.Opportunity, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "o.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Account != "" {
		where = append(where, "(o.account = ? OR EXISTS (SELECT 1 FROM opportunity_sources s WHERE s.opportunity_id = o.id AND s.account = ?))")
		args = append(args, f.Account, f.Account)
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "o.updated_at >= ?")
		args = append(args, formatTime(f.UpdatedSince))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "o.status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range statusStrings(f.Statuses) {
			args = append(args, st)
		}
	}

	q := `SELECT o.id, o.title, o.description, o.type, o.deadline, o.location, o.primary_url,
		o.organization, o.eligibility, o.account, o.matched_keywords, o.confidence, o.priority, o.status,
		o.first_seen, o.updated_at
		FROM opportunities o`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY o.first_seen, o.id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("query", err)
	}
	defer rows.Close()

	var out []*opportunity.Opportunity
	byID := make(map[string]*opportunity.Opportunity)
	for rows.Next() {
		o, err := scanSQLiteOpportunity(rows)
		if err != nil {
			return nil, wrap("query", err)
		}
		out = append(out, o)
		byID[o.ID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query", err)
	}
	if err := s.loadSources(ctx, byID); err != nil {
		return nil, wrap("query", err)
	}
	return out, nil
}

func (s *SQLite) loadSources(ctx context.Context, byID map[string]*opportunity.Opportunity) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT opportunity_id, source_key FROM opportunity_sources
		 WHERE opportunity_id IN (`+placeholders(len(ids))+`)
		 ORDER BY opportunity_id, source_key`, ids...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return err
		}
		if o := byID[id]; o != nil {
			o.SourceKeys = append(o.SourceKeys, key)
		}
	}
	return rows.Err()
}

func (s *SQLite) Get(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	out, err := s.Query(ctx, Filter{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s *SQLite) Upsert(ctx context.Context, o *opportunity.Opportunity) error {
	if err := o.Validate(); err != nil {
		return wrap("upsert", err)
	}
	keywords, err := json.Marshal(nonNil(o.MatchedKeywords))
	if err != nil {
		return wrap("upsert", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO opportunities(id, title, description, type, deadline, location, primary_url,
			organization, eligibility, account, matched_keywords, confidence, priority, status,
			first_seen, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			type=excluded.type,
			deadline=excluded.deadline,
			location=excluded.location,
			primary_url=excluded.primary_url,
			organization=excluded.organization,
			eligibility=excluded.eligibility,
			matched_keywords=excluded.matched_keywords,
			confidence=excluded.confidence,
			priority=excluded.priority,
			status=excluded.status,
			first_seen=excluded.first_seen,
			updated_at=excluded.updated_at`,
		o.ID, o.Title, o.Description, string(o.Type), formatDate(o.Deadline), o.Location, o.PrimaryURL,
		o.Organization, o.Eligibility, o.Account, string(keywords), o.Confidence, o.Priority, string(o.Status),
		formatTime(o.FirstSeen), formatTime(o.UpdatedAt))
	if err != nil {
		return wrap("upsert", err)
	}

	for _, key := range o.SourceKeys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO opportunity_sources(opportunity_id, source_key, account)
			VALUES(?, ?, ?)
			ON CONFLICT(opportunity_id, source_key) DO NOTHING`,
			o.ID, key, opportunity.AccountFromSourceKey(key))
		if err != nil {
			return wrap("upsert", err)
		}
	}
	return wrap("upsert", tx.Commit())
}

func (s *SQLite) MarkProcessed(ctx context.Context, p ProcessedEmail) error {
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = time.Now()
	}
	var received any
	if !p.ReceivedAt.IsZero() {
		received = formatTime(p.ReceivedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_emails(source_key, account, outcome, reason, opportunity_id, received_at, processed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			outcome=excluded.outcome,
			reason=excluded.reason,
			opportunity_id=excluded.opportunity_id,
			received_at=excluded.received_at,
			processed_at=excluded.processed_at`,
		p.SourceKey, p.Account, string(p.Outcome), p.Reason, p.OpportunityID, received, formatTime(p.ProcessedAt))
	return wrap("mark processed", err)
}

func (s *SQLite) MarkSeen(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{formatTime(time.Now()), string(opportunity.StatusSeen)}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(opportunity.StatusNew))
	res, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET updated_at = ?, status = ?
		 WHERE id IN (`+placeholders(len(ids))+`) AND status = ?`, args...)
	if err != nil {
		return 0, wrap("mark seen", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("mark seen", err)
}

func (s *SQLite) Archive(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET status = ?, updated_at = ?
		 WHERE status != ? AND first_seen < ?`,
		string(opportunity.StatusArchived), formatTime(time.Now()),
		string(opportunity.StatusArchived), formatTime(before))
	if err != nil {
		return 0, wrap("archive", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("archive", err)
}

func (s *SQLite) LatestReceived(ctx context.Context, account string) (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(received_at) FROM processed_emails WHERE account = ?`, account).Scan(&latest)
	if err != nil {
		return time.Time{}, wrap("latest received", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTimeLayout, latest.String)
	return t, wrap("latest received", err)
}

func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	st := newStats()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM opportunities GROUP BY status`)
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

	rows, err = s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM processed_emails GROUP BY outcome`)
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

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanSQLiteOpportunity(rows *sql.Rows) (*opportunity.Opportunity, error) {
	var (
		o                     opportunity.Opportunity
		typ, status, keywords string
		deadline              sql.NullString
		firstSeen, updatedAt  string
	)
	err := rows.Scan(&o.ID, &o.Title, &o.Description, &typ, &deadline, &o.Location, &o.PrimaryURL,
		&o.Organization, &o.Eligibility, &o.Account, &keywords, &o.Confidence, &o.Priority, &status, &firstSeen, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Type = opportunity.Type(typ)
	o.Status = opportunity.Status(status)
	if err := json.Unmarshal([]byte(keywords), &o.MatchedKeywords); err != nil {
		return nil, fmt.Errorf("decode matched keywords for %s: %w", o.ID, err)
	}
	if deadline.Valid && deadline.String != "" {
		d, err := time.Parse(dateLayout, deadline.String)
		if err != nil {
			return nil, fmt.Errorf("decode deadline for %s: %w", o.ID, err)
		}
		o.Deadline = &d
	}
	if o.FirstSeen, err = time.Parse(sqliteTimeLayout, firstSeen); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatDate(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.UTC().Format(dateLayout)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*SQLite)(nil)
