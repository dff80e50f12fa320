// Package opportunity defines the data model shared by every pipeline stage:
// the raw email borrowed from the ingester, the unfiltered candidate produced
// by extraction, and the persisted opportunity record.
package opportunity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Common validation errors.
var (
	ErrInvalid           = errors.New("invalid opportunity")
	ErrEmptyTitle        = errors.New("title cannot be empty")
	ErrNoSources         = errors.New("opportunity must reference at least one source message")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrInvalidType       = errors.New("unknown opportunity type")
	ErrInvalidStatus     = errors.New("unknown opportunity status")
	ErrEmptyAccount      = errors.New("source account cannot be empty")
	ErrEmptyMessageID    = errors.New("message identifier cannot be empty")
)

// RawEmail is the immutable input to the pipeline. It is owned by the
// ingester and only borrowed for the duration of one processing call.
type RawEmail struct {
	// Account identifies the mailbox the message was fetched from.
	Account string `json:"account"`

	// MessageID is stable and unique within Account.
	MessageID string `json:"message_id"`

	Sender   string    `json:"sender"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"` // plain text, HTML already stripped
	Received time.Time `json:"received"`
}

// SourceKey returns the store-wide identifier of the message. Message IDs are
// only unique within an account, so the account name is part of the key.
func (e RawEmail) SourceKey() string {
	return SourceKey(e.Account, e.MessageID)
}

// Validate checks that the email can be tracked for idempotence.
func (e RawEmail) Validate() error {
	if strings.TrimSpace(e.Account) == "" {
		return ErrEmptyAccount
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return ErrEmptyMessageID
	}
	return nil
}

// SourceKey joins an account and message identifier.
func SourceKey(account, messageID string) string {
	return account + "/" + messageID
}

// AccountFromSourceKey returns the account part of a key built by SourceKey.
func AccountFromSourceKey(key string) string {
	if i := strings.Index(key, "/"); i >= 0 {
		return key[:i]
	}
	return ""
}

// Type is the closed set of opportunity kinds the extractor may emit.
type Type string

const (
	TypeFellowship Type = "fellowship"
	TypeJob        Type = "job"
	TypeGrant      Type = "grant"
	TypeEvent      Type = "event"
	TypeOther      Type = "other"
)

// Types lists every valid Type in schema order.
func Types() []Type {
	return []Type{TypeFellowship, TypeJob, TypeGrant, TypeEvent, TypeOther}
}

// ParseType converts a model or config value into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Status is the lifecycle state of a stored opportunity.
type Status string

const (
	// StatusNew marks an opportunity that has not been included in a summary.
	StatusNew Status = "new"

	// StatusSeen marks an opportunity already included in a summary.
	StatusSeen Status = "seen"

	// StatusArchived marks an opportunity retired by retention. History is kept.
	StatusArchived Status = "archived"
)

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusNew:
		return StatusNew, nil
	case StatusSeen:
		return StatusSeen, nil
	case StatusArchived:
		return StatusArchived, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Candidate is the unfiltered, unscored result of extraction. It is not an
// opportunity until it passes the profile matcher.
type Candidate struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Type         Type       `json:"type"`
	Organization string     `json:"organization,omitempty"`
	Eligibility  string     `json:"eligibility,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Location     string     `json:"location,omitempty"`
	PrimaryURL   string     `json:"primary_url,omitempty"`

	// SourceKey is the composite identifier of the originating email.
	SourceKey string `json:"source_key"`

	// Account is the mailbox the originating email came from.
	Account string `json:"account"`

	// Received is when the originating email arrived.
	Received time.Time `json:"received"`

	// Confidence is advisory model output with no calibration guarantee.
	Confidence float64 `json:"confidence"`
}

// Validate checks the structural invariants of a candidate.
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return ErrEmptyTitle
	}
	if c.SourceKey == "" {
		return ErrNoSources
	}
	if _, err := ParseType(string(c.Type)); err != nil {
		return err
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return ErrInvalidConfidence
	}
	return nil
}

// Opportunity is the persisted entity.
type Opportunity struct {
	// ID is derived from the normalized title and originating account.
	ID string `json:"id"`

	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        Type       `json:"type"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Location    string     `json:"location,omitempty"`
	PrimaryURL  string     `json:"primary_url,omitempty"`

	// Organization is who offers the opportunity. Records from the same
	// organization with the same type are treated as likely duplicates.
	Organization string `json:"organization,omitempty"`

	// Eligibility says who may apply.
	Eligibility string `json:"eligibility,omitempty"`

	// Account is the mailbox of the first contributing message.
	Account string `json:"account"`

	// SourceKeys lists every message that contributed to this record. It only
	// ever grows; merges union it.
	SourceKeys []string `json:"source_keys"`

	// MatchedKeywords explains which profile interests matched.
	MatchedKeywords []string `json:"matched_keywords,omitempty"`

	Confidence float64 `json:"confidence"`

	// Priority is derived data. Readers recompute it from the current profile.
	Priority float64 `json:"priority"`

	Status    Status    `json:"status"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FromCandidate builds a new opportunity record from an accepted candidate.
func FromCandidate(c *Candidate, matched []string, now time.Time) *Opportunity {
	firstSeen := c.Received
	if firstSeen.IsZero() {
		firstSeen = now
	}
	return &Opportunity{
		ID:              DeriveID(c.Title, c.Account),
		Title:           c.Title,
		Description:     c.Description,
		Type:            c.Type,
		Organization:    c.Organization,
		Eligibility:     c.Eligibility,
		Deadline:        c.Deadline,
		Location:        c.Location,
		PrimaryURL:      c.PrimaryURL,
		Account:         c.Account,
		SourceKeys:      []string{c.SourceKey},
		MatchedKeywords: SortedUnion(nil, matched),
		Confidence:      c.Confidence,
		Status:          StatusNew,
		FirstSeen:       firstSeen.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

// Validate checks the structural invariants of a stored record.
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if strings.TrimSpace(o.Title) == "" {
		return ErrEmptyTitle
	}
	if len(o.SourceKeys) == 0 {
		return ErrNoSources
	}
	if _, err := ParseType(string(o.Type)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(o.Status)); err != nil {
		return err
	}
	return nil
}

// HasSource reports whether key already contributed to the record.
func (o *Opportunity) HasSource(key string) bool {
	for _, k := range o.SourceKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Text is the title and description used for matching and similarity.
func (o *Opportunity) Text() string {
	return o.Title + " " + o.Description
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (o *Opportunity) Clone() *Opportunity {
	cp := *o
	cp.SourceKeys = append([]string(nil), o.SourceKeys...)
	cp.MatchedKeywords = append([]string(nil), o.MatchedKeywords...)
	if o.Deadline != nil {
		d := *o.Deadline
		cp.Deadline = &d
	}
	return &cp
}

// SortedUnion returns the sorted set union of a and b without duplicates.
func SortedUnion(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
