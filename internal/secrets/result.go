package secrets

import "sort"

// Finding is one redacted match.
type Finding struct {
	RuleID string
	Start  int
	End    int
	Line   int
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string
	Findings []Finding
	ByRule   map[string]int
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rules that matched, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
