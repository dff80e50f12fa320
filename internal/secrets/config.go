package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultReplacement is written in place of redacted text.
const DefaultReplacement = "[REDACTED]"

// Config holds scrubber configuration.
type Config struct {
	Enabled     bool
	Rules       []Rule
	Replacement string

	// AllowList holds patterns for matches that are kept as is.
	AllowList []string
}

// DefaultConfig returns the built-in rules with scrubbing enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Rules:       DefaultRules(),
		Replacement: DefaultReplacement,
	}
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []string
}

// compile validates c and returns its compiled rules and allow list.
func (c *Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	var errs []error
	seen := make(map[string]bool, len(c.Rules))
	rules := make([]compiledRule, 0, len(c.Rules))

	for i, r := range c.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule %d: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
			continue
		}
		seen[r.ID] = true
		if r.Check != "" && r.Check != "luhn" {
			errs = append(errs, fmt.Errorf("rule %s: unknown check %q", r.ID, r.Check))
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err))
			continue
		}
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("rule %s: pattern is required", r.ID))
			continue
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		rules = append(rules, compiledRule{Rule: r, pattern: re, keywords: kws})
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for _, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("allow list %q: %w", p, err))
			continue
		}
		allow = append(allow, re)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return rules, allow, nil
}
