package extraction

import (
	"fmt"
	"strings"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// SchemaVersion identifies the answer schema the prompt asks for. Answers
// carrying a different version are rejected.
const SchemaVersion = "1"

const truncationMarker = "\n[truncated]"

// systemPrompt fixes the answer format. Field names here must stay in sync
// with modelAnswer.
const systemPrompt = `You classify emails for a single reader who is looking for career and academic opportunities: fellowships, jobs, grants, and events such as conferences or workshops.

Decide whether the email announces one concrete opportunity the reader could act on. Newsletters, receipts, social notifications and marketing are not opportunities.

Answer with exactly one JSON object and nothing else, following schema version ` + SchemaVersion + `:
{
  "schema_version": "` + SchemaVersion + `",
  "is_opportunity": true or false,
  "title": short name of the opportunity,
  "description": one to three sentences on what it is and who it is for,
  "opportunity_type": one of "fellowship", "job", "grant", "event", "other",
  "organization": who offers it, or null,
  "eligibility": who may apply, or null,
  "deadline": "YYYY-MM-DD" or null,
  "location": city, country, "remote", or null,
  "confidence": number between 0.0 and 1.0
}

When is_opportunity is false, send only schema_version, is_opportunity and confidence.
If several opportunities are listed, describe the most prominent one.`

// BuildPrompt renders the user prompt for email. The subject is kept in full;
// the body is cut to maxBodyChars runes.
func BuildPrompt(email opportunity.RawEmail, maxBodyChars int) string {
	if maxBodyChars <= 0 {
		maxBodyChars = DefaultMaxBodyChars
	}
	body := strings.TrimSpace(email.Body)
	if truncated := opportunity.Truncate(body, maxBodyChars); len(truncated) < len(body) {
		body = truncated + truncationMarker
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", email.Sender)
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if !email.Received.IsZero() {
		fmt.Fprintf(&b, "Received: %s\n", email.Received.UTC().Format("2006-01-02"))
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String()
}

// SystemPrompt returns the fixed extraction instructions.
func SystemPrompt() string {
	return systemPrompt
}
