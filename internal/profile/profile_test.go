package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

const sampleProfile = `
interests:
  - fellowship
  - machine learning
  - node.js
interest_weights:
  fellowship: 2
  node.js: 0.5
exclusions:
  - unpaid
preferred_types: [fellowship, Grant]
excluded_types: [event]
preferred_locations: [remote, Berlin]
excluded_locations: [antarctica]
time_sensitivity:
  urgent_days: 5
scoring_weights:
  interest_match: 0.5
  urgency: 0.5
require_interest_match: false
sender_allow: [grants@nsf.gov]
sender_block: [promotions@]
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	require.NoError(t, err)

	assert.Equal(t, []string{"fellowship", "machine learning", "node.js"}, p.Interests)
	assert.Equal(t, 2.0, p.InterestWeight("Fellowship"))
	assert.Equal(t, 0.5, p.InterestWeight("node.js"))
	assert.Equal(t, 1.0, p.InterestWeight("machine learning"))
	assert.Equal(t, []opportunity.Type{opportunity.TypeFellowship, opportunity.TypeGrant}, p.PreferredTypes)
	assert.Equal(t, []opportunity.Type{opportunity.TypeEvent}, p.ExcludedTypes)
	assert.Equal(t, 5, p.TimeSensitivity.UrgentDays)
	assert.Equal(t, 30, p.TimeSensitivity.ImportantDays)
	assert.Equal(t, 90, p.TimeSensitivity.ExploratoryDays)
	assert.Equal(t, 0.5, p.Weight(SignalUrgency))
	assert.Equal(t, 0.0, p.Weight(SignalLocationMatch))
	assert.False(t, p.RequiresInterestMatch())
	assert.Equal(t, []string{"grants@nsf.gov"}, p.SenderAllow)
	assert.Equal(t, []string{"promotions@"}, p.SenderBlock)
}

func TestDefault(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, DefaultScoringWeights(), p.ScoringWeights)
	assert.True(t, p.RequiresInterestMatch())
	assert.Empty(t, p.Interests)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown signal", "scoring_weights: {popularity: 1}"},
		{"negative weight", "scoring_weights: {urgency: -1}"},
		{"negative interest weight", "interests: [ai]\ninterest_weights: {ai: -2}"},
		{"bad type", "preferred_types: [webinar]"},
		{"bad buckets", "time_sensitivity: {urgent_days: 40, important_days: 30}"},
		{"empty phrase", "exclusions: ['  ']"},
		{"empty sender", "sender_block: ['']"},
		{"not yaml", "interests: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte("preferred_types: [webinar]"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestClone(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	require.NoError(t, err)

	cp := p.Clone()
	cp.Interests[0] = "changed"
	cp.ScoringWeights[SignalUrgency] = 9
	cp.InterestWeights["fellowship"] = 9
	*cp.RequireInterestMatch = true
	cp.SenderBlock[0] = "changed"

	assert.Equal(t, "fellowship", p.Interests[0])
	assert.Equal(t, 0.5, p.Weight(SignalUrgency))
	assert.Equal(t, 2.0, p.InterestWeight("fellowship"))
	assert.False(t, p.RequiresInterestMatch())
	assert.Equal(t, "promotions@", p.SenderBlock[0])
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfile), 0600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Interests, 3)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interests: [fellowship]\n"), 0600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	assert.Equal(t, []string{"fellowship"}, w.Current().Interests)

	// An invalid edit keeps the previous snapshot.
	require.NoError(t, os.WriteFile(path, []byte("scoring_weights: {popularity: 1}\n"), 0600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"fellowship"}, w.Current().Interests)

	require.NoError(t, os.WriteFile(path, []byte("interests: [grant, job]\n"), 0600))
	select {
	case <-w.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("profile was not reloaded")
	}
	assert.Eventually(t, func() bool {
		return len(w.Current().Interests) == 2
	}, 5*time.Second, 20*time.Millisecond)
}
