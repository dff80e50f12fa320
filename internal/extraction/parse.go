package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

// Validation failures reported inside *opportunity.ParseError.
var (
	ErrNotJSON          = errors.New("model output is not a JSON object")
	ErrSchemaVersion    = errors.New("schema version mismatch")
	ErrMissingField     = errors.New("required field missing")
	ErrBadDeadline      = errors.New("deadline must be YYYY-MM-DD")
	ErrConfidenceBounds = errors.New("confidence outside [0,1]")
)

// modelAnswer mirrors the schema in systemPrompt. Pointers distinguish
// missing fields from zero values.
type modelAnswer struct {
	SchemaVersion   *string  `json:"schema_version"`
	IsOpportunity   *bool    `json:"is_opportunity"`
	Title           *string  `json:"title"`
	Description     *string  `json:"description"`
	OpportunityType *string  `json:"opportunity_type"`
	Organization    *string  `json:"organization"`
	Eligibility     *string  `json:"eligibility"`
	Deadline        *string  `json:"deadline"`
	Location        *string  `json:"location"`
	Confidence      *float64 `json:"confidence"`
}

// ParseResponse validates raw model output for email. It returns (nil, nil)
// when the model says the email is not an opportunity and a
// *opportunity.ParseError when the output does not follow the schema.
func ParseResponse(raw string, email opportunity.RawEmail) (*opportunity.Candidate, error) {
	key := email.SourceKey()
	fail := func(err error) (*opportunity.Candidate, error) {
		return nil, opportunity.NewParseError(key, raw, err)
	}

	payload := stripCodeFence(raw)
	if !strings.HasPrefix(payload, "{") {
		return fail(ErrNotJSON)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.DisallowUnknownFields()
	var ans modelAnswer
	if err := dec.Decode(&ans); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrNotJSON, err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return fail(fmt.Errorf("%w: trailing data after object", ErrNotJSON))
	}

	if ans.SchemaVersion == nil {
		return fail(fmt.Errorf("%w: schema_version", ErrMissingField))
	}
	if *ans.SchemaVersion != SchemaVersion {
		return fail(fmt.Errorf("%w: got %q, want %q", ErrSchemaVersion, *ans.SchemaVersion, SchemaVersion))
	}
	if ans.IsOpportunity == nil {
		return fail(fmt.Errorf("%w: is_opportunity", ErrMissingField))
	}
	if ans.Confidence == nil {
		return fail(fmt.Errorf("%w: confidence", ErrMissingField))
	}
	if *ans.Confidence < 0 || *ans.Confidence > 1 {
		return fail(fmt.Errorf("%w: %v", ErrConfidenceBounds, *ans.Confidence))
	}
	if !*ans.IsOpportunity {
		return nil, nil
	}

	if ans.Title == nil || strings.TrimSpace(*ans.Title) == "" {
		return fail(fmt.Errorf("%w: title", ErrMissingField))
	}
	if ans.OpportunityType == nil {
		return fail(fmt.Errorf("%w: opportunity_type", ErrMissingField))
	}
	typ, err := opportunity.ParseType(*ans.OpportunityType)
	if err != nil {
		return fail(err)
	}

	c := &opportunity.Candidate{
		Title:      opportunity.Truncate(strings.TrimSpace(*ans.Title), MaxTitleChars),
		Type:       typ,
		SourceKey:  key,
		Account:    email.Account,
		Received:   email.Received,
		Confidence: *ans.Confidence,
	}
	if ans.Description != nil {
		c.Description = opportunity.Truncate(strings.TrimSpace(*ans.Description), MaxDescriptionChars)
	}
	if ans.Organization != nil {
		c.Organization = opportunity.Truncate(strings.TrimSpace(*ans.Organization), MaxOrganizationChars)
	}
	if ans.Eligibility != nil {
		c.Eligibility = opportunity.Truncate(strings.TrimSpace(*ans.Eligibility), MaxEligibilityChars)
	}
	if ans.Location != nil {
		c.Location = opportunity.Truncate(strings.TrimSpace(*ans.Location), MaxLocationChars)
	}
	if ans.Deadline != nil && strings.TrimSpace(*ans.Deadline) != "" {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(*ans.Deadline))
		if err != nil {
			return fail(fmt.Errorf("%w: %q", ErrBadDeadline, *ans.Deadline))
		}
		c.Deadline = &d
	}
	return c, nil
}

// stripCodeFence removes a surrounding ```json fence some models add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
