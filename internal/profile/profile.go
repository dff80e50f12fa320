// Package profile loads the user's interest profile: what to look for, what to
// exclude, and how to weigh the scoring signals.
//
// A loaded Profile is an immutable snapshot. Callers that need hot reload use
// Watcher, which swaps whole snapshots between pipeline runs.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// Scoring signal names accepted in scoring_weights.
const (
	SignalInterestMatch   = "interest_match"
	SignalOpportunityType = "opportunity_type"
	SignalLocationMatch   = "location_match"
	SignalUrgency         = "urgency"
)

const maxProfileSize = 1024 * 1024

var (
	// ErrInvalid is returned when a profile fails validation.
	ErrInvalid = errors.New("invalid profile")
)

// TimeSensitivity holds the days-until-deadline bucket boundaries.
type TimeSensitivity struct {
	UrgentDays      int `koanf:"urgent_days" json:"urgent_days"`
	ImportantDays   int `koanf:"important_days" json:"important_days"`
	ExploratoryDays int `koanf:"exploratory_days" json:"exploratory_days"`
}

// Profile is the user's interest and exclusion profile.
type Profile struct {
	Interests []string `koanf:"interests" json:"interests"`

	// InterestWeights overrides the default weight of 1 for individual
	// interest phrases. Keys are matched case-insensitively.
	InterestWeights map[string]float64 `koanf:"interest_weights" json:"interest_weights,omitempty"`

	Exclusions []string `koanf:"exclusions" json:"exclusions"`

	PreferredTypes []opportunity.Type `koanf:"preferred_types" json:"preferred_types"`
	ExcludedTypes  []opportunity.Type `koanf:"excluded_types" json:"excluded_types"`

	PreferredLocations []string `koanf:"preferred_locations" json:"preferred_locations"`
	ExcludedLocations  []string `koanf:"excluded_locations" json:"excluded_locations"`

	TimeSensitivity TimeSensitivity    `koanf:"time_sensitivity" json:"time_sensitivity"`
	ScoringWeights  map[string]float64 `koanf:"scoring_weights" json:"scoring_weights"`

	// SenderAllow and SenderBlock extend the semantic filter's sender lists.
	// Entries are case-insensitive fragments of the sender address.
	SenderAllow []string `koanf:"sender_allow" json:"sender_allow,omitempty"`
	SenderBlock []string `koanf:"sender_block" json:"sender_block,omitempty"`

	// RequireInterestMatch rejects candidates matching no interest. Nil means
	// true. Profiles with no interests at all accept everything.
	RequireInterestMatch *bool `koanf:"require_interest_match" json:"require_interest_match,omitempty"`
}

// Default returns a profile with no interests and the default weights.
func Default() *Profile {
	p := &Profile{}
	p.applyDefaults()
	return p
}

// DefaultScoringWeights returns the stock signal weights.
func DefaultScoringWeights() map[string]float64 {
	return map[string]float64{
		SignalInterestMatch:   0.4,
		SignalOpportunityType: 0.3,
		SignalLocationMatch:   0.2,
		SignalUrgency:         0.1,
	}
}

// Load reads a YAML profile from path, applies defaults and validates it.
func Load(path string) (*Profile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat profile: %w", err)
	}
	if info.Size() > maxProfileSize {
		return nil, fmt.Errorf("%w: profile file too large: %d bytes (max %d)", ErrInvalid, info.Size(), maxProfileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML profile document.
func Parse(content []byte) (*Profile, error) {
	// Interest phrases may contain dots.
	k := koanf.New("::")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	var p Profile
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}

	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.TimeSensitivity.UrgentDays == 0 {
		p.TimeSensitivity.UrgentDays = 7
	}
	if p.TimeSensitivity.ImportantDays == 0 {
		p.TimeSensitivity.ImportantDays = 30
	}
	if p.TimeSensitivity.ExploratoryDays == 0 {
		p.TimeSensitivity.ExploratoryDays = 90
	}
	if len(p.ScoringWeights) == 0 {
		p.ScoringWeights = DefaultScoringWeights()
	}
	for i, t := range p.PreferredTypes {
		p.PreferredTypes[i] = opportunity.Type(strings.ToLower(strings.TrimSpace(string(t))))
	}
	for i, t := range p.ExcludedTypes {
		p.ExcludedTypes[i] = opportunity.Type(strings.ToLower(strings.TrimSpace(string(t))))
	}
	if len(p.InterestWeights) > 0 {
		normalized := make(map[string]float64, len(p.InterestWeights))
		for k, v := range p.InterestWeights {
			normalized[strings.ToLower(strings.TrimSpace(k))] = v
		}
		p.InterestWeights = normalized
	}
}

// Validate checks weights, buckets and enum values.
func (p *Profile) Validate() error {
	for name, w := range p.ScoringWeights {
		switch name {
		case SignalInterestMatch, SignalOpportunityType, SignalLocationMatch, SignalUrgency:
		default:
			return fmt.Errorf("%w: unknown scoring signal %q", ErrInvalid, name)
		}
		if w < 0 {
			return fmt.Errorf("%w: scoring weight %s must not be negative", ErrInvalid, name)
		}
	}
	for phrase, w := range p.InterestWeights {
		if w < 0 {
			return fmt.Errorf("%w: interest weight for %q must not be negative", ErrInvalid, phrase)
		}
	}
	ts := p.TimeSensitivity
	if ts.UrgentDays < 0 || ts.UrgentDays > ts.ImportantDays || ts.ImportantDays > ts.ExploratoryDays {
		return fmt.Errorf("%w: time_sensitivity buckets must satisfy 0 <= urgent <= important <= exploratory", ErrInvalid)
	}
	for _, list := range [][]opportunity.Type{p.PreferredTypes, p.ExcludedTypes} {
		for _, t := range list {
			if _, err := opportunity.ParseType(string(t)); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	}
	for _, lists := range [][]string{p.Interests, p.Exclusions, p.PreferredLocations, p.ExcludedLocations, p.SenderAllow, p.SenderBlock} {
		for _, s := range lists {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%w: empty phrase in profile list", ErrInvalid)
			}
		}
	}
	return nil
}

// Weight returns the configured weight of a scoring signal, zero if unset.
func (p *Profile) Weight(signal string) float64 {
	return p.ScoringWeights[signal]
}

// InterestWeight returns the weight of an interest phrase, default 1.
func (p *Profile) InterestWeight(interest string) float64 {
	if w, ok := p.InterestWeights[strings.ToLower(strings.TrimSpace(interest))]; ok {
		return w
	}
	return 1
}

// RequiresInterestMatch reports whether candidates must match an interest.
func (p *Profile) RequiresInterestMatch() bool {
	if p.RequireInterestMatch == nil {
		return true
	}
	return *p.RequireInterestMatch
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Interests = append([]string(nil), p.Interests...)
	cp.Exclusions = append([]string(nil), p.Exclusions...)
	cp.PreferredTypes = append([]opportunity.Type(nil), p.PreferredTypes...)
	cp.ExcludedTypes = append([]opportunity.Type(nil), p.ExcludedTypes...)
	cp.PreferredLocations = append([]string(nil), p.PreferredLocations...)
	cp.ExcludedLocations = append([]string(nil), p.ExcludedLocations...)
	cp.SenderAllow = append([]string(nil), p.SenderAllow...)
	cp.SenderBlock = append([]string(nil), p.SenderBlock...)
	cp.ScoringWeights = make(map[string]float64, len(p.ScoringWeights))
	for k, v := range p.ScoringWeights {
		cp.ScoringWeights[k] = v
	}
	if p.InterestWeights != nil {
		cp.InterestWeights = make(map[string]float64, len(p.InterestWeights))
		for k, v := range p.InterestWeights {
			cp.InterestWeights[k] = v
		}
	}
	if p.RequireInterestMatch != nil {
		v := *p.RequireInterestMatch
		cp.RequireInterestMatch = &v
	}
	return &cp
}
