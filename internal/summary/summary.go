// Package summary builds the periodic digest of new opportunities and moves
// the ones it included from new to seen.
//
// Sending the digest is someone else's job. Build reads, Render formats and
// Commit records that the digest went out; callers that fail to deliver simply
// skip Commit and the same opportunities show up in the next digest.
package summary

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
	"github.com/kiwaku/Sentinel/internal/scoring"
	"github.com/kiwaku/Sentinel/internal/store"
)

// Default section sizes.
const (
	DefaultMaxHighPriority = 10
	DefaultMaxExploratory  = 15
)

// Config caps the number of entries per section.
type Config struct {
	MaxHighPriority int
	MaxExploratory  int
}

func (c *Config) applyDefaults() {
	if c.MaxHighPriority <= 0 {
		c.MaxHighPriority = DefaultMaxHighPriority
	}
	if c.MaxExploratory <= 0 {
		c.MaxExploratory = DefaultMaxExploratory
	}
}

// Item is one digest entry with its score as of the build time.
type Item struct {
	Opportunity *opportunity.Opportunity `json:"opportunity"`
	Score       float64                  `json:"score"`
	Category    scoring.Category         `json:"category"`
}

// Digest is the content of one summary.
type Digest struct {
	GeneratedAt  time.Time `json:"generated_at"`
	HighPriority []Item    `json:"high_priority"`
	Exploratory  []Item    `json:"exploratory"`

	// Held counts new opportunities left out, either scored below the
	// exploratory threshold or over a section cap. They stay new.
	Held int `json:"held"`
}

// Total returns the number of included opportunities.
func (d *Digest) Total() int {
	return len(d.HighPriority) + len(d.Exploratory)
}

// IDs returns the IDs of every included opportunity.
func (d *Digest) IDs() []string {
	ids := make([]string, 0, d.Total())
	for _, it := range d.HighPriority {
		ids = append(ids, it.Opportunity.ID)
	}
	for _, it := range d.Exploratory {
		ids = append(ids, it.Opportunity.ID)
	}
	return ids
}

// Subject is a one-line title for the digest.
func (d *Digest) Subject() string {
	return fmt.Sprintf("Sentinel daily discovery: %d opportunities (%s)", d.Total(), d.GeneratedAt.Format("2006-01-02"))
}

// Build collects new opportunities, rescoring each against p at now.
func Build(ctx context.Context, st store.Store, p *profile.Profile, now time.Time, cfg Config) (*Digest, error) {
	cfg.applyDefaults()
	opps, err := st.Query(ctx, store.Filter{Statuses: []opportunity.Status{opportunity.StatusNew}})
	if err != nil {
		return nil, fmt.Errorf("query new opportunities: %w", err)
	}

	items := make([]Item, 0, len(opps))
	for _, o := range opps {
		s := scoring.Score(o, p, now)
		items = append(items, Item{Opportunity: o, Score: s, Category: scoring.Categorize(s)})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		di, dj := items[i].Opportunity.Deadline, items[j].Opportunity.Deadline
		if (di == nil) != (dj == nil) {
			return di != nil
		}
		if di != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		return items[i].Opportunity.ID < items[j].Opportunity.ID
	})

	d := &Digest{GeneratedAt: now.UTC()}
	for _, it := range items {
		switch {
		case it.Category == scoring.CategoryHigh && len(d.HighPriority) < cfg.MaxHighPriority:
			d.HighPriority = append(d.HighPriority, it)
		case it.Category == scoring.CategoryExploratory && len(d.Exploratory) < cfg.MaxExploratory:
			d.Exploratory = append(d.Exploratory, it)
		default:
			d.Held++
		}
	}
	return d, nil
}

// Commit marks every included opportunity as seen and returns how many
// changed state.
func Commit(ctx context.Context, st store.Store, d *Digest) (int, error) {
	ids := d.IDs()
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := st.MarkSeen(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return n, nil
}

// Render writes d as plain text.
func Render(w io.Writer, d *Digest) error {
	var b strings.Builder
	b.WriteString("SENTINEL DAILY OPPORTUNITY REPORT\n")
	b.WriteString(strings.Repeat("=", 50) + "\n")
	fmt.Fprintf(&b, "Report date: %s\n", d.GeneratedAt.Format("January 2, 2006"))
	fmt.Fprintf(&b, "Total opportunities: %d\n\n", d.Total())

	section(&b, "HIGH PRIORITY OPPORTUNITIES", d.HighPriority, d.GeneratedAt, "No high priority opportunities found.")
	section(&b, "EXPLORATORY OPPORTUNITIES", d.Exploratory, d.GeneratedAt, "No exploratory opportunities found.")

	b.WriteString(strings.Repeat("-", 50) + "\n")
	if d.Held > 0 {
		fmt.Fprintf(&b, "%d more new opportunities held back.\n", d.Held)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func section(b *strings.Builder, title string, items []Item, now time.Time, empty string) {
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("-", 30) + "\n")
	if len(items) == 0 {
		b.WriteString(empty + "\n\n")
		return
	}
	for i, it := range items {
		o := it.Opportunity
		fmt.Fprintf(b, "%d. %s\n", i+1, o.Title)
		fmt.Fprintf(b, "   Type: %s\n", o.Type)
		if o.Organization != "" {
			fmt.Fprintf(b, "   Organization: %s\n", o.Organization)
		}
		if o.Location != "" {
			fmt.Fprintf(b, "   Location: %s\n", o.Location)
		}
		if o.Deadline != nil {
			fmt.Fprintf(b, "   Deadline: %s (%s)\n", o.Deadline.Format("2006-01-02"), daysLeft(*o.Deadline, now))
		}
		fmt.Fprintf(b, "   Priority score: %.2f\n", it.Score)
		if len(o.MatchedKeywords) > 0 {
			fmt.Fprintf(b, "   Matched: %s\n", strings.Join(o.MatchedKeywords, ", "))
		}
		if o.Eligibility != "" {
			fmt.Fprintf(b, "   Eligibility: %s\n", opportunity.Truncate(o.Eligibility, 200))
		}
		if o.PrimaryURL != "" {
			fmt.Fprintf(b, "   Apply: %s\n", o.PrimaryURL)
		}
		if o.Description != "" {
			fmt.Fprintf(b, "   Notes: %s\n", opportunity.Truncate(o.Description, 200))
		}
		b.WriteString("\n")
	}
}

func daysLeft(deadline, now time.Time) string {
	switch n := scoring.DaysUntil(deadline, now); {
	case n < 0:
		return "passed"
	case n == 0:
		return "today"
	case n == 1:
		return "1 day left"
	default:
		return fmt.Sprintf("%d days left", n)
	}
}
