package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
)

func TestHeuristicExtractor_Extract(t *testing.T) {
	received := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		subject      string
		body         string
		wantNil      bool
		wantType     opportunity.Type
		wantDeadline *time.Time
		wantLocation string
	}{
		{
			name:         "fellowship with month-name deadline",
			subject:      "XYZ Fellowship",
			body:         "Apply now for the XYZ Fellowship, deadline June 1",
			wantType:     opportunity.TypeFellowship,
			wantDeadline: ptr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		},
		{
			name:         "remote job with ISO deadline",
			subject:      "We're hiring",
			body:         "Remote position. Applications close 2024-07-15.",
			wantType:     opportunity.TypeJob,
			wantDeadline: ptr(time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)),
			wantLocation: "remote",
		},
		{
			name:     "event without deadline",
			subject:  "Workshop on robotics",
			body:     "Join us in Berlin.",
			wantType: opportunity.TypeEvent,
		},
		{
			name:         "grant with numeric deadline",
			subject:      "Research funding",
			body:         "Submit by 9/30/2024 to be considered.",
			wantType:     opportunity.TypeGrant,
			wantDeadline: ptr(time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)),
		},
		{
			name:    "promotional mail",
			subject: "Scholarship offers",
			body:    "This is a promotional message.",
			wantNil: true,
		},
		{
			name:    "no keywords",
			subject: "Lunch on Friday?",
			body:    "Let me know.",
			wantNil: true,
		},
	}

	h := NewHeuristicExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := opportunity.RawEmail{Account: "a", MessageID: "1", Subject: tt.subject, Body: tt.body, Received: received}
			c, err := h.Extract(context.Background(), email)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			require.NoError(t, c.Validate())
			assert.Equal(t, tt.wantType, c.Type)
			assert.Equal(t, tt.subject, c.Title)
			assert.Equal(t, tt.wantLocation, c.Location)
			if tt.wantDeadline == nil {
				assert.Nil(t, c.Deadline)
			} else {
				require.NotNil(t, c.Deadline)
				assert.Equal(t, *tt.wantDeadline, *c.Deadline)
			}
		})
	}
}

func TestHeuristicExtractor_OrganizationFromSender(t *testing.T) {
	email := opportunity.RawEmail{
		Account:   "a",
		MessageID: "1",
		Sender:    "Programs <news@mail.stanford.edu>",
		Subject:   "Research fellowship",
		Body:      "Apply now.",
	}
	c, err := NewHeuristicExtractor().Extract(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Stanford", c.Organization)
}

func TestOrganizationFromSender(t *testing.T) {
	tests := map[string]string{
		"fellowship@nsf.gov":                "NSF",
		"NSF Programs <grants@nsf.gov>":     "NSF",
		"jobs@careers.example.com":          "Example",
		"admissions@ox.ac.uk":               "OX",
		"Alumni Office <alumni@cam.ac.uk>":  "CAM",
		"someone@gmail.com":                 "",
		"Friend <friend@outlook.com>":       "",
		"not an address":                    "",
		"root@localhost":                    "",
		"Research Team <team@deepmind.com>": "Deepmind",
	}
	for in, want := range tests {
		assert.Equal(t, want, OrganizationFromSender(in), in)
	}
}

func TestParseDeadline(t *testing.T) {
	ref := time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		text string
		want *time.Time
	}{
		{"Deadline: March 3rd, 2025", ptr(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))},
		{"apply by 1 October", ptr(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC))},
		{"deadline June 1", ptr(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))},
		{"due Sept. 20", ptr(time.Date(2024, 9, 20, 0, 0, 0, 0, time.UTC))},
		{"deadline 2024-02-30", nil},
		{"Published on June 1", nil},
		{"no date here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ParseDeadline(tt.text, ref)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func ptr[T any](v T) *T { return &v }
