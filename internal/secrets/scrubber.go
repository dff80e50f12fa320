package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// Scrubber redacts sensitive text. It is safe for concurrent use.
type Scrubber struct {
	enabled     bool
	replacement string
	rules       []compiledRule
	allow       []*regexp.Regexp
}

// New creates a Scrubber. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultReplacement
	}
	return &Scrubber{
		enabled:     cfg.Enabled,
		replacement: replacement,
		rules:       rules,
		allow:       allow,
	}, nil
}

// Enabled reports whether Scrub redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled
}

type span struct{ start, end int }

// Scrub returns content with every match replaced. Overlapping matches from
// different rules collapse into one replacement.
func (s *Scrubber) Scrub(content string) *Result {
	res := &Result{Text: content, ByRule: map[string]int{}}
	if !s.Enabled() || content == "" {
		return res
	}

	lower := strings.ToLower(content)
	var spans []span
	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			match := content[m[0]:m[1]]
			if s.allowed(match) || (r.Check == "luhn" && !luhn(match)) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID: r.ID,
				Start:  m[0],
				End:    m[1],
				Line:   strings.Count(content[:m[0]], "\n") + 1,
			})
			res.ByRule[r.ID]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return res
	}

	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, sp := range merge(spans) {
		b.WriteString(content[last:sp.start])
		b.WriteString(s.replacement)
		last = sp.end
	}
	b.WriteString(content[last:])
	res.Text = b.String()
	return res
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge sorts spans and joins the ones that overlap or touch.
func merge(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := spans[:1]
	for _, sp := range spans[1:] {
		cur := &out[len(out)-1]
		if sp.start <= cur.end {
			if sp.end > cur.end {
				cur.end = sp.end
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}
