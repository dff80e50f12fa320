// Package scoring computes opportunity priority from the current profile.
//
// Scores are derived data. They are recomputed on every read so weight
// changes apply to stored opportunities without a migration.
package scoring

import (
	"math"
	"time"

	"github.com/kiwaku/Sentinel/internal/matcher"
	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
)

// Signal values used when the profile or the opportunity carries no data.
const (
	NeutralPreference = 0.5
	NoDeadlineUrgency = 0.3
	PastDeadline      = -0.5
)

// Category thresholds for digests.
const (
	HighPriorityThreshold = 0.7
	ExploratoryThreshold  = 0.12
)

// Category groups scored opportunities for digests.
type Category string

const (
	CategoryHigh        Category = "high_priority"
	CategoryExploratory Category = "exploratory"
	CategoryLow         Category = "low"
)

// Breakdown holds the individual signals and the weighted total.
type Breakdown struct {
	InterestMatch   float64  `json:"interest_match"`
	OpportunityType float64  `json:"opportunity_type"`
	LocationMatch   float64  `json:"location_match"`
	Urgency         float64  `json:"urgency"`
	Matched         []string `json:"matched"`
	Total           float64  `json:"total"`
}

// Score returns the priority of o under p at time now.
func Score(o *opportunity.Opportunity, p *profile.Profile, now time.Time) float64 {
	return Explain(o, p, now).Total
}

// Explain returns every signal that contributes to the score.
func Explain(o *opportunity.Opportunity, p *profile.Profile, now time.Time) Breakdown {
	matched := matcher.MatchInterests(opportunity.Normalize(o.Text()), p.Interests)
	b := Breakdown{
		InterestMatch:   interestSignal(matched, p),
		OpportunityType: typeSignal(o.Type, p),
		LocationMatch:   locationSignal(o.Location, p),
		Urgency:         UrgencySignal(o.Deadline, p.TimeSensitivity, now),
		Matched:         matched,
	}
	b.Total = b.InterestMatch*p.Weight(profile.SignalInterestMatch) +
		b.OpportunityType*p.Weight(profile.SignalOpportunityType) +
		b.LocationMatch*p.Weight(profile.SignalLocationMatch) +
		b.Urgency*p.Weight(profile.SignalUrgency)
	return b
}

// interestSignal is the matched share of total interest weight.
func interestSignal(matched []string, p *profile.Profile) float64 {
	var total, hit float64
	for _, in := range p.Interests {
		total += p.InterestWeight(in)
	}
	for _, m := range matched {
		hit += p.InterestWeight(m)
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

func typeSignal(t opportunity.Type, p *profile.Profile) float64 {
	if len(p.PreferredTypes) == 0 {
		return NeutralPreference
	}
	for _, pt := range p.PreferredTypes {
		if pt == t {
			return 1
		}
	}
	return 0
}

func locationSignal(loc string, p *profile.Profile) float64 {
	if len(p.PreferredLocations) == 0 || loc == "" {
		return NeutralPreference
	}
	for _, want := range p.PreferredLocations {
		if matcher.LocationMatches(loc, want) {
			return 1
		}
	}
	return 0
}

// UrgencySignal maps days until deadline onto the profile's buckets. Past
// deadlines contribute negatively.
func UrgencySignal(deadline *time.Time, ts profile.TimeSensitivity, now time.Time) float64 {
	if deadline == nil {
		return NoDeadlineUrgency
	}
	days := DaysUntil(*deadline, now)
	switch {
	case days < 0:
		return PastDeadline
	case days <= ts.UrgentDays:
		return 1.0
	case days <= ts.ImportantDays:
		return 0.7
	case days <= ts.ExploratoryDays:
		return 0.4
	default:
		return 0.1
	}
}

// DaysUntil counts whole calendar days from now to deadline in UTC. A
// deadline today is 0.
func DaysUntil(deadline, now time.Time) int {
	d := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 0, 0, 0, 0, time.UTC)
	n := now.UTC()
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(d.Sub(today).Hours() / 24))
}

// Categorize assigns a digest category to a score.
func Categorize(score float64) Category {
	switch {
	case score >= HighPriorityThreshold:
		return CategoryHigh
	case score >= ExploratoryThreshold:
		return CategoryExploratory
	default:
		return CategoryLow
	}
}
