package matcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
)

func candidate(title, desc string) *opportunity.Candidate {
	return &opportunity.Candidate{
		Title:       title,
		Description: desc,
		Type:        opportunity.TypeFellowship,
		SourceKey:   "work/1",
		Account:     "work",
		Confidence:  0.5,
	}
}

func testProfile() *profile.Profile {
	p := profile.Default()
	p.Interests = []string{"fellowship", "Machine Learning", "AI"}
	p.Exclusions = []string{"unpaid"}
	return p
}

func TestEvaluate_AcceptsInterestMatch(t *testing.T) {
	d := Evaluate(candidate("XYZ Fellowship", "Apply now for the XYZ Fellowship, deadline June 1"), testProfile())
	assert.True(t, d.Accept)
	assert.Equal(t, []string{"fellowship"}, d.MatchedKeywords)
}

func TestEvaluate_CaseAndPunctuationInsensitive(t *testing.T) {
	d := Evaluate(candidate("MACHINE-LEARNING residency", "Work on A.I. safety"), testProfile())
	assert.True(t, d.Accept)
	assert.Equal(t, []string{"Machine Learning"}, d.MatchedKeywords)
}

func TestEvaluate_WordStartBoundary(t *testing.T) {
	// "ai" must not match inside "said" or "maintain".
	d := Evaluate(candidate("Office hours", "She said we maintain the lab"), testProfile())
	assert.False(t, d.Accept)
	assert.Equal(t, "no interest matched", d.Reason)

	// Prefix matches are allowed: "fellow" covers "fellowships".
	p := profile.Default()
	p.Interests = []string{"fellow"}
	assert.True(t, Evaluate(candidate("Two fellowships", ""), p).Accept)
}

func TestEvaluate_ExclusionTakesPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		title string
		desc  string
	}{
		{"exclusion in title", "Unpaid fellowship", "machine learning"},
		{"exclusion in description", "AI fellowship", "This position is UNPAID."},
		{"spam pattern", "Fellowship in forex trading", ""},
		{"builtin mlm", "AI fellowship", "join our MLM network"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(candidate(tt.title, tt.desc), testProfile())
			assert.False(t, d.Accept)
			assert.Empty(t, d.MatchedKeywords)
			assert.Contains(t, d.Reason, "matches")
		})
	}
}

func TestEvaluate_ExcludedTypeAndLocation(t *testing.T) {
	p := testProfile()
	p.ExcludedTypes = []opportunity.Type{opportunity.TypeEvent}
	p.ExcludedLocations = []string{"Antarctica"}

	c := candidate("AI summit", "")
	c.Type = opportunity.TypeEvent
	assert.False(t, Evaluate(c, p).Accept)

	c = candidate("AI fellowship", "")
	c.Location = "McMurdo Station, Antarctica"
	assert.False(t, Evaluate(c, p).Accept)

	// Preferences alone never reject.
	p = testProfile()
	p.PreferredTypes = []opportunity.Type{opportunity.TypeGrant}
	p.PreferredLocations = []string{"Berlin"}
	c = candidate("AI fellowship", "")
	c.Location = "Tokyo"
	assert.True(t, Evaluate(c, p).Accept)
}

func TestEvaluate_InterestRequirement(t *testing.T) {
	// No interests configured: everything not excluded passes.
	p := profile.Default()
	assert.True(t, Evaluate(candidate("Anything", ""), p).Accept)

	p = testProfile()
	off := false
	p.RequireInterestMatch = &off
	d := Evaluate(candidate("Gardening job", ""), p)
	assert.True(t, d.Accept)
	assert.Empty(t, d.MatchedKeywords)
}

func TestEvaluate_Deterministic(t *testing.T) {
	c := candidate("AI and machine learning fellowship", "fellowship for AI")
	p := testProfile()
	first := Evaluate(c, p)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Evaluate(c, p))
	}
	assert.Equal(t, []string{"AI", "Machine Learning", "fellowship"}, first.MatchedKeywords)
}

func TestEvaluate_IgnoresConfidence(t *testing.T) {
	low := candidate("AI fellowship", "")
	low.Confidence = 0.01
	high := candidate("Unpaid AI fellowship", "")
	high.Confidence = 1

	assert.True(t, Evaluate(low, testProfile()).Accept)
	assert.False(t, Evaluate(high, testProfile()).Accept)
}

func TestEvaluateChecked(t *testing.T) {
	var fe *opportunity.FilterError

	_, err := EvaluateChecked(nil, testProfile())
	require.True(t, errors.As(err, &fe))

	_, err = EvaluateChecked(candidate("AI", ""), nil)
	require.True(t, errors.As(err, &fe))

	bad := candidate("", "")
	_, err = EvaluateChecked(bad, testProfile())
	require.True(t, errors.As(err, &fe))
	assert.ErrorIs(t, err, opportunity.ErrEmptyTitle)

	d, err := EvaluateChecked(candidate("AI fellowship", ""), testProfile())
	require.NoError(t, err)
	assert.True(t, d.Accept)
}

func TestLocationMatches(t *testing.T) {
	assert.True(t, LocationMatches("Remote", "anywhere"))
	assert.True(t, LocationMatches("Online / virtual", "remote"))
	assert.True(t, LocationMatches("Berlin, Germany", "berlin"))
	assert.True(t, LocationMatches("Berlin", "Berlin, Germany"))
	assert.False(t, LocationMatches("Paris", "Berlin"))
	assert.False(t, LocationMatches("", "Berlin"))
	assert.True(t, IsRemote("Fully remote"))
	assert.False(t, IsRemote("Berlin"))
}
