// Package dedup decides whether a newly accepted opportunity duplicates one
// already stored, and merges the two when it does.
//
// Resolve is pure: it compares one candidate against the records it is given
// and never touches storage. Choosing which records to compare against (the
// recent window of the same account, then the wider corpus) and serializing
// compare-then-write are the coordinator's job.
package dedup

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// DefaultThreshold is the similarity at or above which records merge.
const DefaultThreshold = 0.8

// Action is the outcome kind of Resolve.
type Action string

const (
	ActionNew   Action = "new"
	ActionMerge Action = "merge"
)

// Resolution is the result of comparing a candidate with existing records.
type Resolution struct {
	Action Action

	// TargetID is the record to merge into when Action is ActionMerge.
	TargetID string

	// Similarity is the best score seen, whether or not it crossed the
	// threshold.
	Similarity float64
}

// Config holds deduplication settings.
type Config struct {
	Threshold float64
	Method    Method
}

// Deduplicator compares candidates against existing opportunities.
type Deduplicator struct {
	threshold float64
	method    Method
}

// New creates a Deduplicator. The threshold must be in (0, 1].
func New(cfg Config) (*Deduplicator, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in (0,1], got %v", cfg.Threshold)
	}
	if cfg.Method == "" {
		cfg.Method = MethodCosine
	}
	if cfg.Method != MethodCosine && cfg.Method != MethodJaccard {
		return nil, fmt.Errorf("unknown similarity method %q", cfg.Method)
	}
	return &Deduplicator{threshold: cfg.Threshold, method: cfg.Method}, nil
}

// Threshold returns the configured merge threshold.
func (d *Deduplicator) Threshold() float64 {
	return d.threshold
}

// Resolve compares candidate with existing. When several records reach the
// threshold the single most similar one wins; ties go to the earliest first
// seen, then the smaller ID, so the result does not depend on input order.
// A record with the candidate's own ID always wins.
func (d *Deduplicator) Resolve(candidate *opportunity.Opportunity, existing []*opportunity.Opportunity) Resolution {
	best := Resolution{Action: ActionNew}
	var bestRec *opportunity.Opportunity

	for _, e := range existing {
		if e == nil {
			continue
		}
		if e.ID == candidate.ID {
			return Resolution{Action: ActionMerge, TargetID: e.ID, Similarity: 1}
		}
		s := Similarity(candidate, e, d.method)
		if bestRec == nil || s > best.Similarity || (s == best.Similarity && earlier(e, bestRec)) {
			best.Similarity = s
			bestRec = e
		}
	}

	if bestRec != nil && best.Similarity >= d.threshold {
		best.Action = ActionMerge
		best.TargetID = bestRec.ID
	}
	return best
}

func earlier(a, b *opportunity.Opportunity) bool {
	if !a.FirstSeen.Equal(b.FirstSeen) {
		return a.FirstSeen.Before(b.FirstSeen)
	}
	return a.ID < b.ID
}

// Merge folds incoming into existing and returns the merged record. Source
// identifiers and matched keywords are unioned, the earlier first-seen time
// and the longer description win, and missing optional fields are filled from
// incoming. The existing ID, title and status are kept. Neither argument is
// modified.
func Merge(existing, incoming *opportunity.Opportunity, now time.Time) *opportunity.Opportunity {
	m := existing.Clone()

	m.SourceKeys = opportunity.SortedUnion(existing.SourceKeys, incoming.SourceKeys)
	m.MatchedKeywords = opportunity.SortedUnion(existing.MatchedKeywords, incoming.MatchedKeywords)

	if !incoming.FirstSeen.IsZero() && (m.FirstSeen.IsZero() || incoming.FirstSeen.Before(m.FirstSeen)) {
		m.FirstSeen = incoming.FirstSeen
	}
	if utf8.RuneCountInString(incoming.Description) > utf8.RuneCountInString(m.Description) {
		m.Description = incoming.Description
	}
	if m.Deadline == nil && incoming.Deadline != nil {
		d := *incoming.Deadline
		m.Deadline = &d
	}
	if m.Location == "" {
		m.Location = incoming.Location
	}
	if m.Organization == "" {
		m.Organization = incoming.Organization
	}
	if m.Eligibility == "" {
		m.Eligibility = incoming.Eligibility
	}
	if m.PrimaryURL == "" {
		m.PrimaryURL = incoming.PrimaryURL
	}
	if incoming.Confidence > m.Confidence {
		m.Confidence = incoming.Confidence
	}
	m.UpdatedAt = now.UTC()
	return m
}
