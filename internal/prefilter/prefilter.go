// Package prefilter screens emails before they reach the extraction model.
//
// A Filter is bound to one profile snapshot per run: the profile is embedded
// once and every email is compared with it. Senders on the block list are
// dropped without comparison and senders on the allow list always pass.
// Everyone else must reach a similarity threshold that relaxes when the
// subject or sender carries strong opportunity signals.
//
// An email that cannot be embedded passes, so an unavailable embedder costs
// model calls rather than opportunities.
package prefilter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/vectorstore"
)

// DefaultThreshold is the base similarity an email must reach.
const DefaultThreshold = 0.20

// Adaptive threshold bounds.
const (
	subjectSignalStep = 0.05
	senderSignalStep  = 0.03
	maxRelaxation     = 0.15
	minThreshold      = 0.10
)

// maxBodyRunes bounds the body text that is embedded.
const maxBodyRunes = 1500

var (
	subjectSignals = []string{
		"fellowship", "grant", "funding", "nsf", "nih", "darpa", "research",
		"opportunity", "position", "application", "deadline", "conference",
		"workshop", "beta", "early access", "invitation", "exclusive",
	}
	senderSignals = []string{"edu", "gov", "nsf", "nih", "research", "university", "institute"}

	// emphasisKeywords repeat the subject in the embedded text.
	emphasisKeywords = []string{
		"deadline", "due", "expires", "closing", "last chance", "final", "urgent",
		"fellowship", "grant", "position", "opportunity", "application", "apply",
	}
)

// profileVocabulary anchors the profile text so that a profile with few
// interests still looks like an opportunity search.
const profileVocabulary = "fellowship grant funding scholarship position job internship " +
	"conference workshop call for applications deadline apply"

// Config holds prefilter settings.
type Config struct {
	// Threshold is the base similarity in (0,1].
	Threshold float64

	// SenderAllow and SenderBlock hold case-insensitive fragments matched
	// against the sender address.
	SenderAllow []string
	SenderBlock []string
}

// Verdict names how an email was judged.
type Verdict string

const (
	VerdictAllowed  Verdict = "allowed"
	VerdictBlocked  Verdict = "blocked"
	VerdictRelevant Verdict = "relevant"
	VerdictBelow    Verdict = "below_threshold"
	VerdictUnscored Verdict = "unscored"
)

// Decision is the outcome of Gate.Check.
type Decision struct {
	Pass      bool
	Verdict   Verdict
	Score     float64
	Threshold float64
}

// Reason renders the decision as a processed-email reason.
func (d Decision) Reason() string {
	switch d.Verdict {
	case VerdictBlocked:
		return "blocked sender"
	case VerdictBelow:
		return fmt.Sprintf("below relevance threshold (%.2f < %.2f)", d.Score, d.Threshold)
	}
	return string(d.Verdict)
}

// Filter embeds emails and compares them with a profile.
type Filter struct {
	embedder vectorstore.Embedder
	cfg      Config
	logger   *zap.Logger
}

// New creates a Filter.
func New(embedder vectorstore.Embedder, cfg Config, logger *zap.Logger) (*Filter, error) {
	if embedder == nil {
		return nil, errors.New("embedder cannot be nil")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("semantic filter threshold must be in (0,1], got %v", cfg.Threshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.SenderAllow = normalize(cfg.SenderAllow)
	cfg.SenderBlock = normalize(cfg.SenderBlock)
	return &Filter{embedder: embedder, cfg: cfg, logger: logger}, nil
}

// Gate is a Filter bound to one profile snapshot.
type Gate struct {
	f       *Filter
	profile []float32
	allow   []string
	block   []string
}

// Bind embeds p and returns a gate for one run. The profile's sender lists
// extend the configured ones.
func (f *Filter) Bind(ctx context.Context, p *profile.Profile) (*Gate, error) {
	vec, err := f.embedder.Embed(ctx, ProfileText(p))
	if err != nil {
		return nil, fmt.Errorf("embed profile: %w", err)
	}
	return &Gate{
		f:       f,
		profile: vec,
		allow:   append(append([]string(nil), f.cfg.SenderAllow...), normalize(p.SenderAllow)...),
		block:   append(append([]string(nil), f.cfg.SenderBlock...), normalize(p.SenderBlock)...),
	}, nil
}

// Check judges one email. Block beats allow.
func (g *Gate) Check(ctx context.Context, email opportunity.RawEmail) Decision {
	sender := strings.ToLower(email.Sender)
	if containsAny(sender, g.block) {
		return Decision{Verdict: VerdictBlocked}
	}
	if containsAny(sender, g.allow) {
		return Decision{Pass: true, Verdict: VerdictAllowed}
	}

	threshold := AdaptiveThreshold(g.f.cfg.Threshold, email)
	text := EmailText(email)
	if text == "" {
		return Decision{Verdict: VerdictBelow, Threshold: threshold}
	}
	vec, err := g.f.embedder.Embed(ctx, text)
	if err != nil {
		g.f.logger.Warn("embedding email failed, letting it through",
			zap.String("source", email.SourceKey()),
			zap.Error(err),
		)
		return Decision{Pass: true, Verdict: VerdictUnscored, Threshold: threshold}
	}

	score := CosineSimilarity(g.profile, vec)
	d := Decision{Score: score, Threshold: threshold, Verdict: VerdictBelow}
	if score >= threshold {
		d.Pass = true
		d.Verdict = VerdictRelevant
	}
	return d
}

// AdaptiveThreshold lowers base for every opportunity signal in the subject
// and every institutional signal in the sender, by at most 0.15. The result
// never drops below 0.10 unless base itself is lower.
func AdaptiveThreshold(base float64, email opportunity.RawEmail) float64 {
	subject := strings.ToLower(email.Subject)
	sender := strings.ToLower(email.Sender)

	relax := subjectSignalStep*float64(countAny(subject, subjectSignals)) +
		senderSignalStep*float64(countAny(sender, senderSignals))
	relax = math.Min(relax, maxRelaxation)
	return math.Max(math.Min(minThreshold, base), base-relax)
}

// EmailText builds the text embedded for email. The subject is repeated so
// it outweighs the body, and repeated again when the mail carries urgency or
// opportunity wording.
func EmailText(email opportunity.RawEmail) string {
	subject := strings.TrimSpace(email.Subject)
	body := opportunity.Truncate(strings.TrimSpace(email.Body), maxBodyRunes)

	parts := []string{subject, subject, subject, body}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if containsAny(strings.ToLower(text), emphasisKeywords) {
		text = subject + " " + subject + " " + text
	}
	return strings.TrimSpace(text)
}

// ProfileText describes p for embedding.
func ProfileText(p *profile.Profile) string {
	var b strings.Builder
	if len(p.Interests) > 0 {
		b.WriteString("Interests: ")
		b.WriteString(strings.Join(p.Interests, ", "))
		b.WriteString(". ")
	}
	if len(p.PreferredTypes) > 0 {
		types := make([]string, len(p.PreferredTypes))
		for i, t := range p.PreferredTypes {
			types[i] = string(t)
		}
		b.WriteString("Looking for: ")
		b.WriteString(strings.Join(types, ", "))
		b.WriteString(". ")
	}
	if len(p.PreferredLocations) > 0 {
		b.WriteString("Locations: ")
		b.WriteString(strings.Join(p.PreferredLocations, ", "))
		b.WriteString(". ")
	}
	b.WriteString(profileVocabulary)
	return b.String()
}

// CosineSimilarity returns the cosine of the angle between two vectors, or
// 0 when either is empty, zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func countAny(s string, fragments []string) int {
	n := 0
	for _, f := range fragments {
		if strings.Contains(s, f) {
			n++
		}
	}
	return n
}
