package prefilter

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
)

// topicEmbedder maps text onto two topics: fellowships and discounts.
type topicEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *topicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	t := strings.ToLower(text)
	v := []float32{0, 0, 0.01}
	if strings.Contains(t, "fellowship") {
		v[0] = 1
	}
	if strings.Contains(t, "discount") {
		v[1] = 1
	}
	return v, nil
}

func email(sender, subject, body string) opportunity.RawEmail {
	return opportunity.RawEmail{
		Account:   "work",
		MessageID: "m-1",
		Sender:    sender,
		Subject:   subject,
		Body:      body,
		Received:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func bind(t *testing.T, emb *topicEmbedder, cfg Config, p *profile.Profile) *Gate {
	t.Helper()
	f, err := New(emb, cfg, nil)
	require.NoError(t, err)
	if p == nil {
		p = profile.Default()
	}
	g, err := f.Bind(context.Background(), p)
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.Error(t, err)

	_, err = New(&topicEmbedder{}, Config{Threshold: 1.5}, nil)
	assert.Error(t, err)

	f, err := New(&topicEmbedder{}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, f.cfg.Threshold)
}

func TestGate_Check(t *testing.T) {
	emb := &topicEmbedder{}
	g := bind(t, emb, Config{
		SenderAllow: []string{"Grants@NSF.gov"},
		SenderBlock: []string{"promotions@"},
	}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		email   opportunity.RawEmail
		pass    bool
		verdict Verdict
	}{
		{"relevant", email("news@xyz.org", "XYZ Fellowship", "Apply for the fellowship."), true, VerdictRelevant},
		{"below threshold", email("shop@store.com", "Spring sale", "50% discount on shoes"), false, VerdictBelow},
		{"allowed sender bypasses scoring", email("NSF <grants@nsf.gov>", "Spring sale", "discount"), true, VerdictAllowed},
		{"blocked sender", email("promotions@xyz.org", "XYZ Fellowship", "fellowship"), false, VerdictBlocked},
		{"empty text", email("a@b.com", "", ""), false, VerdictBelow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Check(ctx, tt.email)
			assert.Equal(t, tt.pass, d.Pass)
			assert.Equal(t, tt.verdict, d.Verdict)
		})
	}
}

func TestGate_BlockBeatsAllow(t *testing.T) {
	g := bind(t, &topicEmbedder{}, Config{
		SenderAllow: []string{"xyz.org"},
		SenderBlock: []string{"promotions@xyz.org"},
	}, nil)

	d := g.Check(context.Background(), email("promotions@xyz.org", "Fellowship", ""))
	assert.False(t, d.Pass)
	assert.Equal(t, "blocked sender", d.Reason())
}

func TestGate_ProfileListsExtendConfig(t *testing.T) {
	p, err := profile.Parse([]byte("interests: [fellowship]\nsender_block: [digest@]\n"))
	require.NoError(t, err)
	g := bind(t, &topicEmbedder{}, Config{}, p)

	d := g.Check(context.Background(), email("digest@xyz.org", "Fellowship", "fellowship"))
	assert.Equal(t, VerdictBlocked, d.Verdict)
}

func TestGate_SendersSkipEmbedding(t *testing.T) {
	emb := &topicEmbedder{}
	g := bind(t, emb, Config{SenderAllow: []string{"nsf.gov"}, SenderBlock: []string{"spam.com"}}, nil)
	require.Equal(t, int32(1), emb.calls.Load(), "profile embedded once")

	g.Check(context.Background(), email("grants@nsf.gov", "x", "y"))
	g.Check(context.Background(), email("a@spam.com", "x", "y"))
	assert.Equal(t, int32(1), emb.calls.Load())

	g.Check(context.Background(), email("a@b.com", "x", "y"))
	assert.Equal(t, int32(2), emb.calls.Load())
}

func TestGate_EmbeddingFailureLetsMailThrough(t *testing.T) {
	emb := &topicEmbedder{}
	g := bind(t, emb, Config{}, nil)
	emb.err = errors.New("embedder down")

	d := g.Check(context.Background(), email("shop@store.com", "Spring sale", "discount"))
	assert.True(t, d.Pass)
	assert.Equal(t, VerdictUnscored, d.Verdict)
}

func TestBind_ProfileEmbeddingError(t *testing.T) {
	f, err := New(&topicEmbedder{err: errors.New("down")}, Config{}, nil)
	require.NoError(t, err)
	_, err = f.Bind(context.Background(), profile.Default())
	assert.Error(t, err)
}

func TestAdaptiveThreshold(t *testing.T) {
	tests := []struct {
		name    string
		base    float64
		sender  string
		subject string
		want    float64
	}{
		{"no signals", 0.2, "a@b.com", "Hello", 0.2},
		{"one subject signal", 0.2, "a@b.com", "Workshop", 0.15},
		{"institutional sender", 0.2, "x@mit.edu", "Hello", 0.17},
		{"relaxation capped and floored", 0.2, "grants@nsf.gov", "Research fellowship deadline", 0.1},
		{"low base is kept", 0.05, "grants@nsf.gov", "Research fellowship deadline", 0.05},
		{"high base relaxes by the cap", 0.6, "grants@nsf.gov", "Research fellowship deadline", 0.45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdaptiveThreshold(tt.base, email(tt.sender, tt.subject, ""))
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEmailText(t *testing.T) {
	plain := EmailText(email("a@b.com", "Hello", "world"))
	assert.Equal(t, "Hello Hello Hello world", plain)

	urgent := EmailText(email("a@b.com", "Grant", "deadline soon"))
	assert.Equal(t, 5, strings.Count(urgent, "Grant"))

	long := EmailText(email("a@b.com", "s", strings.Repeat("x", 5000)))
	assert.LessOrEqual(t, len(long), 1500+len("s s s "))
}

func TestProfileText(t *testing.T) {
	p, err := profile.Parse([]byte("interests: [robotics]\npreferred_types: [grant]\npreferred_locations: [Berlin]\n"))
	require.NoError(t, err)

	text := ProfileText(p)
	assert.Contains(t, text, "robotics")
	assert.Contains(t, text, "grant")
	assert.Contains(t, text, "Berlin")
	assert.Contains(t, ProfileText(profile.Default()), "fellowship")
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
