package extraction

import (
	"context"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// typeKeywords maps opportunity types to trigger phrases, checked in order.
var typeKeywords = []struct {
	Type     opportunity.Type
	Keywords []string
}{
	{opportunity.TypeFellowship, []string{"fellowship", "fellow program", "research fellow"}},
	{opportunity.TypeJob, []string{"job opening", "position available", "hiring", "career opportunity", "internship", "intern position", "we are looking for"}},
	{opportunity.TypeEvent, []string{"conference", "symposium", "workshop", "summit", "hackathon", "call for papers"}},
	{opportunity.TypeGrant, []string{"grant", "funding", "award", "scholarship"}},
}

var heuristicExclusions = []string{
	"spam", "advertisement", "promotional", "newsletter only",
}

// freeMailDomains name no organization.
var freeMailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "hotmail.com": true,
	"outlook.com": true, "live.com": true, "icloud.com": true, "proton.me": true,
	"protonmail.com": true, "aol.com": true, "gmx.net": true,
}

// secondLevelLabels are registry labels such as the "ac" in "ox.ac.uk".
var secondLevelLabels = map[string]bool{
	"ac": true, "co": true, "com": true, "edu": true, "gov": true, "org": true, "net": true,
}

var deadlineCueRe = regexp.MustCompile(`(?i)\b(deadline|due|apply by|applications? close|closes|closing date|submit by|until|by)\b`)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	isoDateRe      = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRe  = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})[/.](\d{2,4})\b`)
	monthDayRe     = regexp.MustCompile(`(?i)\b` + monthPattern + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
	dayMonthRe     = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `\.?(?:,?\s+(\d{4}))?\b`)
	remoteMentions = regexp.MustCompile(`(?i)\b(remote|virtual|online)\b`)
)

// deadlineWindow is how far after a cue word a date is searched for.
const deadlineWindow = 80

// HeuristicExtractor recognises opportunities with keyword tables. It never
// returns an error.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates a heuristic extractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// Extract implements Extractor.
func (h *HeuristicExtractor) Extract(_ context.Context, email opportunity.RawEmail) (*opportunity.Candidate, error) {
	content := strings.ToLower(email.Subject + "\n" + email.Body)

	for _, p := range heuristicExclusions {
		if strings.Contains(content, p) {
			return nil, nil
		}
	}

	typ, ok := classify(content)
	if !ok {
		return nil, nil
	}

	title := strings.TrimSpace(email.Subject)
	if title == "" {
		title = "Untitled Opportunity"
	}

	c := &opportunity.Candidate{
		Title:       opportunity.Truncate(title, MaxTitleChars),
		Description: opportunity.Truncate(firstParagraph(email.Body), MaxDescriptionChars),
		Type:        typ,
		SourceKey:   email.SourceKey(),
		Account:     email.Account,
		Received:    email.Received,
		PrimaryURL:  SelectPrimaryURL(email.Body),
		Confidence:  0.4,

		Organization: OrganizationFromSender(email.Sender),
	}

	ref := email.Received
	if ref.IsZero() {
		ref = time.Now()
	}
	if d := ParseDeadline(email.Subject+"\n"+email.Body, ref); d != nil {
		c.Deadline = d
		c.Confidence = 0.6
	}
	if remoteMentions.MatchString(content) {
		c.Location = "remote"
	}
	return c, nil
}

// OrganizationFromSender names the organization behind a sender address by
// its registered domain: "Programs <news@mail.xyz.org>" gives "XYZ". Free
// mail providers and unparsable senders give "".
func OrganizationFromSender(sender string) string {
	addr := strings.TrimSpace(sender)
	if a, err := mail.ParseAddress(addr); err == nil {
		addr = a.Address
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	domain := strings.ToLower(strings.Trim(addr[at+1:], " <>."))
	if domain == "" || freeMailDomains[domain] {
		return ""
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return ""
	}
	name := labels[len(labels)-2]
	if len(labels) >= 3 && secondLevelLabels[name] {
		name = labels[len(labels)-3]
	}
	if name == "" {
		return ""
	}
	if len(name) <= 4 {
		return strings.ToUpper(name)
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func classify(content string) (opportunity.Type, bool) {
	for _, entry := range typeKeywords {
		for _, kw := range entry.Keywords {
			if strings.Contains(content, kw) {
				return entry.Type, true
			}
		}
	}
	return "", false
}

func firstParagraph(body string) string {
	body = strings.TrimSpace(body)
	if i := strings.Index(body, "\n\n"); i > 0 {
		body = body[:i]
	}
	return strings.Join(strings.Fields(body), " ")
}

// ParseDeadline finds the first date that follows a deadline cue ("deadline",
// "apply by", "due" ...) in text. Dates without a year resolve to their next
// occurrence on or after ref.
func ParseDeadline(text string, ref time.Time) *time.Time {
	for _, cue := range deadlineCueRe.FindAllStringIndex(text, -1) {
		end := cue[1] + deadlineWindow
		if end > len(text) {
			end = len(text)
		}
		if d := firstDate(text[cue[1]:end], ref); d != nil {
			return d
		}
	}
	return nil
}

// firstDate returns the earliest-positioned date in s.
func firstDate(s string, ref time.Time) *time.Time {
	type hit struct {
		pos int
		t   time.Time
	}
	var best *hit
	consider := func(pos int, t time.Time, ok bool) {
		if ok && (best == nil || pos < best.pos) {
			best = &hit{pos, t}
		}
	}

	if m := isoDateRe.FindStringSubmatchIndex(s); m != nil {
		y, _ := strconv.Atoi(s[m[2]:m[3]])
		mo, _ := strconv.Atoi(s[m[4]:m[5]])
		d, _ := strconv.Atoi(s[m[6]:m[7]])
		t, ok := makeDate(y, mo, d)
		consider(m[0], t, ok)
	}
	if m := numericDateRe.FindStringSubmatchIndex(s); m != nil {
		mo, _ := strconv.Atoi(s[m[2]:m[3]])
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		y, _ := strconv.Atoi(s[m[6]:m[7]])
		if y < 100 {
			y += 2000
		}
		t, ok := makeDate(y, mo, d)
		consider(m[0], t, ok)
	}
	if m := monthDayRe.FindStringSubmatchIndex(s); m != nil {
		month := monthIndex[strings.ToLower(s[m[2]:m[2]+3])]
		d, _ := strconv.Atoi(s[m[4]:m[5]])
		t, ok := resolveYear(month, d, s, m[6], m[7], ref)
		consider(m[0], t, ok)
	}
	if m := dayMonthRe.FindStringSubmatchIndex(s); m != nil {
		d, _ := strconv.Atoi(s[m[2]:m[3]])
		month := monthIndex[strings.ToLower(s[m[4]:m[4]+3])]
		t, ok := resolveYear(month, d, s, m[6], m[7], ref)
		consider(m[0], t, ok)
	}

	if best == nil {
		return nil
	}
	return &best.t
}

func resolveYear(month time.Month, day int, s string, yStart, yEnd int, ref time.Time) (time.Time, bool) {
	if yStart >= 0 {
		y, _ := strconv.Atoi(s[yStart:yEnd])
		return makeDate(y, int(month), day)
	}
	t, ok := makeDate(ref.Year(), int(month), day)
	if !ok {
		return t, false
	}
	refDay := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	if t.Before(refDay) {
		t = t.AddDate(1, 0, 0)
	}
	return t, true
}

func makeDate(y, m, d int) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 || y < 1900 || y > 2200 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

var _ Extractor = (*HeuristicExtractor)(nil)
