// Package matcher decides whether a candidate fits the user's profile.
//
// Matching is deterministic: the same candidate and profile always produce
// the same decision. Exclusions are checked before interests and win over
// them. Type and location preferences only reject when the profile lists the
// value as excluded; otherwise they are left to scoring.
package matcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/profile"
)

// SpamPatterns always reject, in addition to profile exclusions.
var SpamPatterns = []string{
	"pyramid scheme",
	"mlm",
	"get rich quick",
	"binary options",
	"forex trading",
}

// remoteAliases are location words treated as equivalent.
var remoteAliases = []string{"remote", "virtual", "online", "anywhere"}

// Decision is the outcome of Evaluate.
type Decision struct {
	Accept bool

	// MatchedKeywords lists the profile interests found, sorted.
	MatchedKeywords []string

	// Reason explains a rejection, or summarises an acceptance.
	Reason string
}

// Evaluate checks candidate against p.
func Evaluate(c *opportunity.Candidate, p *profile.Profile) Decision {
	text := opportunity.Normalize(c.Title + " " + c.Description)

	for _, s := range SpamPatterns {
		if ContainsPhrase(text, s) {
			return Decision{Reason: fmt.Sprintf("matches spam pattern %q", s)}
		}
	}
	for _, ex := range p.Exclusions {
		if ContainsPhrase(text, ex) {
			return Decision{Reason: fmt.Sprintf("matches exclusion %q", ex)}
		}
	}
	for _, t := range p.ExcludedTypes {
		if c.Type == t {
			return Decision{Reason: fmt.Sprintf("type %s is excluded", t)}
		}
	}
	if c.Location != "" {
		for _, loc := range p.ExcludedLocations {
			if LocationMatches(c.Location, loc) {
				return Decision{Reason: fmt.Sprintf("location %q is excluded", loc)}
			}
		}
	}

	matched := MatchInterests(text, p.Interests)
	if len(matched) == 0 && len(p.Interests) > 0 && p.RequiresInterestMatch() {
		return Decision{Reason: "no interest matched"}
	}

	reason := "accepted"
	if len(matched) > 0 {
		reason = "matched " + strings.Join(matched, ", ")
	}
	return Decision{Accept: true, MatchedKeywords: matched, Reason: reason}
}

// EvaluateChecked validates its inputs before calling Evaluate. A nil or
// malformed candidate or profile is a programming error and is reported as
// *opportunity.FilterError.
func EvaluateChecked(c *opportunity.Candidate, p *profile.Profile) (Decision, error) {
	if c == nil {
		return Decision{}, &opportunity.FilterError{Err: fmt.Errorf("nil candidate")}
	}
	if p == nil {
		return Decision{}, &opportunity.FilterError{SourceKey: c.SourceKey, Err: fmt.Errorf("nil profile")}
	}
	if err := c.Validate(); err != nil {
		return Decision{}, &opportunity.FilterError{SourceKey: c.SourceKey, Err: err}
	}
	return Evaluate(c, p), nil
}

// MatchInterests returns the interests found in normalized text, sorted and
// without duplicates. Each returned entry is the interest as written in the
// profile.
func MatchInterests(normalizedText string, interests []string) []string {
	seen := make(map[string]bool)
	var matched []string
	for _, in := range interests {
		if seen[in] {
			continue
		}
		if ContainsPhrase(normalizedText, in) {
			seen[in] = true
			matched = append(matched, in)
		}
	}
	sort.Strings(matched)
	return matched
}

// ContainsPhrase reports whether phrase occurs in normalizedText starting on
// a word boundary. Both sides are compared in normalized form, so case and
// punctuation are ignored; "fellow" matches "fellowship" but "ai" does not
// match "said".
func ContainsPhrase(normalizedText, phrase string) bool {
	needle := opportunity.Normalize(phrase)
	if needle == "" {
		return false
	}
	hay := " " + normalizedText
	return strings.Contains(hay, " "+needle)
}

// LocationMatches compares a candidate location with a profile location.
// Remote-style words are interchangeable; other values match when one
// contains the other as a phrase.
func LocationMatches(candidate, want string) bool {
	c := opportunity.Normalize(candidate)
	w := opportunity.Normalize(want)
	if c == "" || w == "" {
		return false
	}
	if isRemote(c) && isRemote(w) {
		return true
	}
	return ContainsPhrase(c, w) || ContainsPhrase(w, c)
}

// IsRemote reports whether a location names remote work.
func IsRemote(location string) bool {
	return isRemote(opportunity.Normalize(location))
}

func isRemote(normalized string) bool {
	for _, alias := range remoteAliases {
		if ContainsPhrase(normalized, alias) {
			return true
		}
	}
	return false
}
