package extraction

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

var testEmail = opportunity.RawEmail{
	Account:   "work",
	MessageID: "m-1",
	Sender:    "programs@xyz.org",
	Subject:   "XYZ Fellowship",
	Body:      "Apply now for the XYZ Fellowship, deadline June 1",
	Received:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
}

func TestParseResponse_Opportunity(t *testing.T) {
	raw := "```json\n" + `{
		"schema_version": "1",
		"is_opportunity": true,
		"title": "XYZ Fellowship",
		"description": "A fellowship for researchers.",
		"opportunity_type": "Fellowship",
		"organization": " XYZ Foundation ",
		"eligibility": "Early-career researchers",
		"deadline": "2024-06-01",
		"location": "remote",
		"confidence": 0.92
	}` + "\n```"

	c, err := ParseResponse(raw, testEmail)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, "XYZ Fellowship", c.Title)
	assert.Equal(t, opportunity.TypeFellowship, c.Type)
	assert.Equal(t, "XYZ Foundation", c.Organization)
	assert.Equal(t, "Early-career researchers", c.Eligibility)
	require.NotNil(t, c.Deadline)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), *c.Deadline)
	assert.Equal(t, "remote", c.Location)
	assert.Equal(t, "work/m-1", c.SourceKey)
	assert.Equal(t, "work", c.Account)
	assert.Equal(t, testEmail.Received, c.Received)
	assert.InDelta(t, 0.92, c.Confidence, 1e-9)
	require.NoError(t, c.Validate())
}

func TestParseResponse_NotOpportunity(t *testing.T) {
	c, err := ParseResponse(`{"schema_version":"1","is_opportunity":false,"confidence":0.97}`, testEmail)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestParseResponse_NullOptionalFields(t *testing.T) {
	raw := `{"schema_version":"1","is_opportunity":true,"title":"Grant","description":null,"opportunity_type":"grant","organization":null,"eligibility":null,"deadline":null,"location":null,"confidence":0.5}`
	c, err := ParseResponse(raw, testEmail)
	require.NoError(t, err)
	assert.Empty(t, c.Organization)
	assert.Empty(t, c.Eligibility)
	assert.Nil(t, c.Deadline)
	assert.Empty(t, c.Location)
	assert.Empty(t, c.Description)
}

func TestParseResponse_Truncates(t *testing.T) {
	long := strings.Repeat("a", 1500)
	raw := `{"schema_version":"1","is_opportunity":true,"title":"` + long + `","description":"` + long + `","opportunity_type":"job","location":"` + long +
		`","organization":"` + long + `","eligibility":"` + long + `","confidence":0.5}`
	c, err := ParseResponse(raw, testEmail)
	require.NoError(t, err)
	assert.Len(t, c.Title, MaxTitleChars)
	assert.Len(t, c.Description, MaxDescriptionChars)
	assert.Len(t, c.Location, MaxLocationChars)
	assert.Len(t, c.Organization, MaxOrganizationChars)
	assert.Len(t, c.Eligibility, MaxEligibilityChars)
}

func TestParseResponse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"prose", "Sure! This email is about a fellowship.", ErrNotJSON},
		{"truncated json", `{"schema_version":"1","is_opportunity":tru`, ErrNotJSON},
		{"trailing data", `{"schema_version":"1","is_opportunity":false,"confidence":0.1} {}`, ErrNotJSON},
		{"unknown field", `{"schema_version":"1","is_opportunity":false,"confidence":0.1,"organization":"x"}`, ErrNotJSON},
		{"wrong version", `{"schema_version":"2","is_opportunity":false,"confidence":0.1}`, ErrSchemaVersion},
		{"missing version", `{"is_opportunity":false,"confidence":0.1}`, ErrMissingField},
		{"missing flag", `{"schema_version":"1","confidence":0.1}`, ErrMissingField},
		{"missing confidence", `{"schema_version":"1","is_opportunity":false}`, ErrMissingField},
		{"confidence too high", `{"schema_version":"1","is_opportunity":false,"confidence":1.5}`, ErrConfidenceBounds},
		{"missing title", `{"schema_version":"1","is_opportunity":true,"opportunity_type":"job","confidence":0.5}`, ErrMissingField},
		{"missing type", `{"schema_version":"1","is_opportunity":true,"title":"t","confidence":0.5}`, ErrMissingField},
		{"bad type", `{"schema_version":"1","is_opportunity":true,"title":"t","opportunity_type":"internship","confidence":0.5}`, opportunity.ErrInvalidType},
		{"bad deadline", `{"schema_version":"1","is_opportunity":true,"title":"t","opportunity_type":"job","deadline":"June 1","confidence":0.5}`, ErrBadDeadline},
		{"wrong field type", `{"schema_version":"1","is_opportunity":"yes","confidence":0.5}`, ErrNotJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseResponse(tt.raw, testEmail)
			assert.Nil(t, c)
			var pe *opportunity.ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %T", err)
			assert.Equal(t, "work/m-1", pe.SourceKey)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	email := testEmail
	email.Subject = strings.Repeat("S", 300)
	email.Body = strings.Repeat("é", 50)

	p := BuildPrompt(email, 20)
	assert.Contains(t, p, "Subject: "+email.Subject, "subject is never truncated")
	assert.Contains(t, p, strings.Repeat("é", 20)+truncationMarker)
	assert.NotContains(t, p, strings.Repeat("é", 21))
	assert.Contains(t, p, "Received: 2024-05-01")

	short := BuildPrompt(testEmail, 0)
	assert.NotContains(t, short, "[truncated]")
	assert.Contains(t, short, testEmail.Body)

	assert.Contains(t, SystemPrompt(), `"schema_version": "`+SchemaVersion+`"`)
	assert.Contains(t, SystemPrompt(), `"organization"`)
	assert.Contains(t, SystemPrompt(), `"eligibility"`)
}
