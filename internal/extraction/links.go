package extraction

import (
	"net/url"
	"regexp"
	"strings"
)

// Link is a URL found in an email body with the text around it.
type Link struct {
	URL     string
	Anchor  string
	Context string
}

var (
	// anchoredLinkRe matches "anchor text (https://...)" as rendered by the
	// HTML to text conversion.
	anchoredLinkRe = regexp.MustCompile(`([^\n()]{1,80})\((https?://[^\s()<>]+)\)`)
	bareLinkRe     = regexp.MustCompile(`https?://[^\s()<>"']+`)
)

var (
	highPriorityLinkWords = []string{
		"apply", "application", "submit", "register", "enrollment",
		"nomination", "proposal", "deadline", "form",
	}
	mediumPriorityLinkWords = []string{
		"details", "information", "more", "learn", "about",
		"program", "opportunity", "fellowship", "grant",
	}
	socialHosts   = []string{"facebook", "twitter", "linkedin", "instagram"}
	boilerplateIn = []string{"unsubscribe", "privacy", "terms"}
)

const linkContextRunes = 100

// FindLinks returns the distinct links in body in order of appearance.
func FindLinks(body string) []Link {
	var links []Link
	seen := make(map[string]bool)

	for _, m := range anchoredLinkRe.FindAllStringSubmatchIndex(body, -1) {
		u := trimURL(body[m[4]:m[5]])
		if seen[u] {
			continue
		}
		seen[u] = true
		links = append(links, Link{
			URL:     u,
			Anchor:  strings.TrimSpace(body[m[2]:m[3]]),
			Context: surrounding(body, m[0], m[1]),
		})
	}
	for _, m := range bareLinkRe.FindAllStringIndex(body, -1) {
		u := trimURL(body[m[0]:m[1]])
		if seen[u] {
			continue
		}
		seen[u] = true
		links = append(links, Link{URL: u, Context: surrounding(body, m[0], m[1])})
	}
	return links
}

// ScoreLink rates how likely a link is the place to act on an opportunity.
func ScoreLink(l Link) int {
	anchor := strings.ToLower(l.Anchor)
	context := strings.ToLower(l.Context)
	lowerURL := strings.ToLower(l.URL)

	score := 0
	for _, w := range highPriorityLinkWords {
		if strings.Contains(anchor, w) {
			score += 10
		} else if strings.Contains(context, w) {
			score += 5
		}
	}
	for _, w := range mediumPriorityLinkWords {
		if strings.Contains(anchor, w) {
			score += 3
		} else if strings.Contains(context, w) {
			score++
		}
	}

	host := lowerURL
	if u, err := url.Parse(l.URL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	switch {
	case hasAnySuffix(host, ".edu", ".gov", ".org"):
		score += 5
	case hasAnySuffix(host, ".com", ".net"):
		score += 2
	}

	if containsAny(lowerURL, ".pdf", "form", "application") {
		score += 8
	}
	if containsAny(lowerURL, socialHosts...) {
		score -= 5
	} else if containsAny(lowerURL, boilerplateIn...) {
		score -= 10
	}
	return score
}

// SelectPrimaryURL returns the highest scoring link with a positive score, or
// "" when no link qualifies. Ties keep the earlier link.
func SelectPrimaryURL(body string) string {
	best, bestScore := "", 0
	for _, l := range FindLinks(body) {
		if s := ScoreLink(l); s > bestScore {
			best, bestScore = l.URL, s
		}
	}
	return best
}

func surrounding(s string, start, end int) string {
	lo := start - linkContextRunes
	if lo < 0 {
		lo = 0
	}
	hi := end + linkContextRunes
	if hi > len(s) {
		hi = len(s)
	}
	return strings.ToValidUTF8(s[lo:hi], "")
}

func trimURL(u string) string {
	return strings.TrimRight(u, ".,;:!?")
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
