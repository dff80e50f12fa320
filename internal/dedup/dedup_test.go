package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func rec(id, title, desc string, sources ...string) *opportunity.Opportunity {
	return &opportunity.Opportunity{
		ID:          id,
		Title:       title,
		Description: desc,
		Type:        opportunity.TypeFellowship,
		SourceKeys:  sources,
		Status:      opportunity.StatusNew,
		FirstSeen:   t0,
	}
}

func newDedup(t *testing.T) *Deduplicator {
	d, err := New(Config{})
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, d.Threshold())

	_, err = New(Config{Threshold: 1.5})
	assert.Error(t, err)
	_, err = New(Config{Threshold: -0.1})
	assert.Error(t, err)
	_, err = New(Config{Method: "levenshtein"})
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 0.8165, Cosine("XYZ Fellowship 2024", "XYZ Fellowship"), 1e-3)
	assert.InDelta(t, 1.0, Cosine("The XYZ fellowship", "xyz FELLOWSHIP!"), 1e-9)
	assert.Equal(t, 0.0, Cosine("XYZ Fellowship", "Biology grant"))
	assert.Equal(t, 0.0, Cosine("", "anything"))
	assert.Equal(t, 0.0, Cosine("the of and", "the of and"), "stopwords alone carry no signal")
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 2.0/3.0, Jaccard("XYZ Fellowship 2024", "XYZ Fellowship"), 1e-9)
	assert.Equal(t, 0.0, Jaccard("alpha", "beta"))
}

func TestSimilarity_ExactTitle(t *testing.T) {
	a := rec("a", "XYZ Fellowship", "short")
	b := rec("b", "xyz fellowship!", "a completely different and much longer description text")
	assert.Equal(t, 1.0, Similarity(a, b, MethodCosine))
}

func TestSimilarity_SameOrganizationAndType(t *testing.T) {
	a := rec("a", "Summer research program", "Paid research for undergraduates")
	a.Organization = "XYZ Foundation"
	b := rec("b", "Call for applicants: visiting scholars", "Spend a term with our labs")
	b.Organization = "xyz foundation"

	base := Cosine(a.Text(), b.Text())
	require.Less(t, base, SameOrganizationFloor)
	assert.Equal(t, SameOrganizationFloor, Similarity(a, b, MethodCosine))
	assert.Equal(t, SameOrganizationFloor, Similarity(a, b, MethodJaccard))

	d := newDedup(t)
	res := d.Resolve(b, []*opportunity.Opportunity{a})
	assert.Equal(t, ActionMerge, res.Action)
	assert.Equal(t, "a", res.TargetID)

	b.Type = opportunity.TypeEvent
	assert.Equal(t, base, Similarity(a, b, MethodCosine), "different type gets no floor")

	b.Type = a.Type
	a.Organization, b.Organization = "", ""
	assert.Equal(t, base, Similarity(a, b, MethodCosine), "unknown organization gets no floor")
}

func TestResolve_MergeScenario(t *testing.T) {
	d := newDedup(t)
	existing := rec("old", "XYZ Fellowship", "", "work/1")
	cand := rec("new", "XYZ Fellowship 2024", "", "work/2")

	res := d.Resolve(cand, []*opportunity.Opportunity{existing})
	assert.Equal(t, ActionMerge, res.Action)
	assert.Equal(t, "old", res.TargetID)
	assert.GreaterOrEqual(t, res.Similarity, 0.8)

	merged := Merge(existing, cand, t0.Add(time.Hour))
	assert.Equal(t, "old", merged.ID)
	assert.Equal(t, []string{"work/1", "work/2"}, merged.SourceKeys)
	assert.Len(t, merged.SourceKeys, len(existing.SourceKeys)+1)
}

func TestResolve_BelowThresholdIsNew(t *testing.T) {
	d := newDedup(t)
	res := d.Resolve(rec("new", "ABC Biology Grant", "", "work/2"),
		[]*opportunity.Opportunity{rec("old", "XYZ Fellowship", "", "work/1")})
	assert.Equal(t, ActionNew, res.Action)
	assert.Empty(t, res.TargetID)
	assert.Less(t, res.Similarity, 0.8)

	assert.Equal(t, ActionNew, d.Resolve(rec("new", "x", ""), nil).Action)
}

func TestResolve_SingleHighestMatch(t *testing.T) {
	d := newDedup(t)
	cand := rec("c", "Quantum computing summer school 2025", "", "work/9")
	a := rec("a", "Quantum computing summer school", "", "work/1")
	b := rec("b", "Quantum computing summer school 2025 Berlin", "", "work/2")

	require.GreaterOrEqual(t, Similarity(cand, a, MethodCosine), 0.8)
	require.GreaterOrEqual(t, Similarity(cand, b, MethodCosine), 0.8)

	for _, order := range [][]*opportunity.Opportunity{{a, b}, {b, a}} {
		res := d.Resolve(cand, order)
		assert.Equal(t, ActionMerge, res.Action)
		assert.Equal(t, "b", res.TargetID)
	}
}

func TestResolve_TieBreakIsOrderIndependent(t *testing.T) {
	d := newDedup(t)
	cand := rec("c", "Robotics fellowship", "", "work/9")
	older := rec("z-older", "Robotics fellowship", "", "work/1")
	older.FirstSeen = t0.Add(-time.Hour)
	newer := rec("a-newer", "Robotics fellowship", "", "work/2")

	for _, order := range [][]*opportunity.Opportunity{{older, newer}, {newer, older}} {
		assert.Equal(t, "z-older", d.Resolve(cand, order).TargetID)
	}
}

func TestResolve_SameIDAlwaysMerges(t *testing.T) {
	d := newDedup(t)
	cand := rec("same", "Completely different words", "", "work/9")
	res := d.Resolve(cand, []*opportunity.Opportunity{rec("same", "Title", "", "work/1")})
	assert.Equal(t, ActionMerge, res.Action)
	assert.Equal(t, "same", res.TargetID)
}

func TestMerge(t *testing.T) {
	deadline := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	existing := rec("old", "XYZ Fellowship", "short", "work/1")
	existing.MatchedKeywords = []string{"fellowship"}
	existing.Status = opportunity.StatusSeen
	existing.Confidence = 0.5

	incoming := rec("new", "XYZ Fellowship 2024", "a much longer description", "personal/7", "work/1")
	incoming.FirstSeen = t0.Add(-24 * time.Hour)
	incoming.MatchedKeywords = []string{"research"}
	incoming.Deadline = &deadline
	incoming.Location = "remote"
	incoming.PrimaryURL = "https://xyz.org/apply"
	incoming.Organization = "XYZ Foundation"
	incoming.Eligibility = "PhD students"
	incoming.Confidence = 0.9

	now := t0.Add(48 * time.Hour)
	m := Merge(existing, incoming, now)

	assert.Equal(t, "old", m.ID)
	assert.Equal(t, "XYZ Fellowship", m.Title)
	assert.Equal(t, opportunity.StatusSeen, m.Status)
	assert.Equal(t, []string{"personal/7", "work/1"}, m.SourceKeys)
	assert.Equal(t, []string{"fellowship", "research"}, m.MatchedKeywords)
	assert.Equal(t, incoming.FirstSeen, m.FirstSeen)
	assert.Equal(t, "a much longer description", m.Description)
	assert.Equal(t, deadline, *m.Deadline)
	assert.Equal(t, "remote", m.Location)
	assert.Equal(t, "https://xyz.org/apply", m.PrimaryURL)
	assert.Equal(t, "XYZ Foundation", m.Organization)
	assert.Equal(t, "PhD students", m.Eligibility)
	assert.Equal(t, 0.9, m.Confidence)
	assert.Equal(t, now, m.UpdatedAt)

	// Inputs are untouched.
	assert.Equal(t, []string{"work/1"}, existing.SourceKeys)
	assert.Equal(t, "short", existing.Description)
	assert.Nil(t, existing.Deadline)
}

func TestMerge_KeepsExistingFields(t *testing.T) {
	d1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	existing := rec("old", "T", "the longer of the two", "a/1")
	existing.Deadline = &d1
	existing.Location = "Berlin"
	incoming := rec("new", "T", "short", "a/2")
	incoming.Deadline = &d2
	incoming.Location = "Paris"
	incoming.FirstSeen = t0.Add(time.Hour)

	m := Merge(existing, incoming, t0)
	assert.Equal(t, d1, *m.Deadline)
	assert.Equal(t, "Berlin", m.Location)
	assert.Equal(t, "the longer of the two", m.Description)
	assert.Equal(t, t0, m.FirstSeen)
}

func TestMerge_Idempotent(t *testing.T) {
	existing := rec("old", "T", "d", "a/1")
	incoming := rec("new", "T", "d", "a/2")
	once := Merge(existing, incoming, t0)
	twice := Merge(once, incoming, t0)
	assert.Equal(t, once, twice)
}
