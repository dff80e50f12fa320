package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// Memory is an in-process Store. Records are deep-copied on the way in and
// out.
type Memory struct {
	mu        sync.RWMutex
	opps      map[string]*opportunity.Opportunity
	sources   map[string]string // source key -> opportunity ID
	processed map[string]ProcessedEmail
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		opps:      make(map[string]*opportunity.Opportunity),
		sources:   make(map[string]string),
		processed: make(map[string]ProcessedEmail),
	}
}

func (m *Memory) Has(_ context.Context, sourceKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.processed[sourceKey]; ok {
		return true, nil
	}
	_, ok := m.sources[sourceKey]
	return ok, nil
}

func (m *Memory) Query(_ context.Context, f Filter) ([]*opportunity.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	var out []*opportunity.Opportunity
	for _, o := range m.opps {
		if ids != nil && !ids[o.ID] {
			continue
		}
		if f.Account != "" && !hasAccount(o, f.Account) {
			continue
		}
		if !f.UpdatedSince.IsZero() && o.UpdatedAt.Before(f.UpdatedSince) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*opportunity.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.opps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) Upsert(_ context.Context, o *opportunity.Opportunity) error {
	if err := o.Validate(); err != nil {
		return wrap("upsert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := o.Clone()
	if prev, ok := m.opps[o.ID]; ok {
		rec.SourceKeys = opportunity.SortedUnion(prev.SourceKeys, rec.SourceKeys)
	} else {
		rec.SourceKeys = opportunity.SortedUnion(nil, rec.SourceKeys)
	}
	m.opps[o.ID] = rec
	for _, k := range rec.SourceKeys {
		if _, ok := m.sources[k]; !ok {
			m.sources[k] = o.ID
		}
	}
	return nil
}

func (m *Memory) MarkProcessed(_ context.Context, p ProcessedEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = time.Now().UTC()
	}
	m.processed[p.SourceKey] = p
	return nil
}

func (m *Memory) MarkSeen(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, id := range ids {
		if o, ok := m.opps[id]; ok && o.Status == opportunity.StatusNew {
			o.Status = opportunity.StatusSeen
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) Archive(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, o := range m.opps {
		if o.Status != opportunity.StatusArchived && o.FirstSeen.Before(before) {
			o.Status = opportunity.StatusArchived
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) LatestReceived(_ context.Context, account string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	for _, p := range m.processed {
		if p.Account == account && p.ReceivedAt.After(latest) {
			latest = p.ReceivedAt
		}
	}
	return latest, nil
}

func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := newStats()
	s.Opportunities = len(m.opps)
	for _, o := range m.opps {
		s.ByStatus[o.Status]++
	}
	s.Processed = len(m.processed)
	for _, p := range m.processed {
		s.ByOutcome[p.Outcome]++
	}
	return s, nil
}

func (m *Memory) Close() error { return nil }

func hasAccount(o *opportunity.Opportunity, account string) bool {
	if o.Account == account {
		return true
	}
	prefix := account + "/"
	for _, k := range o.SourceKeys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func containsStatus(list []opportunity.Status, s opportunity.Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

var _ Store = (*Memory)(nil)
