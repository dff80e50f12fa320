package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/secrets"
)

type fakeProvider struct {
	answer  string
	err     error
	prompts []string
}

func (f *fakeProvider) Complete(_ context.Context, system, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func (f *fakeProvider) Name() string { return "fake/model" }

func TestNewLLMExtractor_RequiresProvider(t *testing.T) {
	_, err := NewLLMExtractor(nil, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestLLMExtractor_Extract(t *testing.T) {
	provider := &fakeProvider{answer: `{"schema_version":"1","is_opportunity":true,"title":"XYZ Fellowship","description":"Apply now","opportunity_type":"fellowship","deadline":"2024-06-01","location":null,"confidence":0.9}`}
	ext, err := NewLLMExtractor(provider, Config{MaxBodyChars: 100}, nil)
	require.NoError(t, err)

	email := testEmail
	email.Body += "\nApply here (https://xyz.org/apply)\nUnsubscribe (https://xyz.org/unsubscribe)"

	c, err := ext.Extract(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, opportunity.TypeFellowship, c.Type)
	assert.Equal(t, "https://xyz.org/apply", c.PrimaryURL)
	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "Subject: XYZ Fellowship")
}

func TestLLMExtractor_NotOpportunity(t *testing.T) {
	ext, err := NewLLMExtractor(&fakeProvider{answer: `{"schema_version":"1","is_opportunity":false,"confidence":0.8}`}, DefaultConfig(), nil)
	require.NoError(t, err)

	c, err := ext.Extract(context.Background(), testEmail)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestLLMExtractor_MalformedOutputIsParseError(t *testing.T) {
	ext, err := NewLLMExtractor(&fakeProvider{answer: "I think this is a fellowship!"}, DefaultConfig(), nil)
	require.NoError(t, err)

	c, err := ext.Extract(context.Background(), testEmail)
	assert.Nil(t, c)
	var pe *opportunity.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestLLMExtractor_ProviderFailureIsExtractionError(t *testing.T) {
	cause := errors.New("503 service unavailable")
	ext, err := NewLLMExtractor(&fakeProvider{err: cause}, DefaultConfig(), nil)
	require.NoError(t, err)

	c, err := ext.Extract(context.Background(), testEmail)
	assert.Nil(t, c)
	var ee *opportunity.ExtractionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "work/m-1", ee.SourceKey)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fake/model")
}

func TestLLMExtractor_RedactsPrompt(t *testing.T) {
	scrubber, err := secrets.New(nil)
	require.NoError(t, err)
	provider := &fakeProvider{answer: `{"schema_version":"1","is_opportunity":true,"title":"Portal access","opportunity_type":"job","confidence":0.7}`}
	ext, err := NewLLMExtractor(provider, Config{Scrubber: scrubber}, nil)
	require.NoError(t, err)

	email := testEmail
	email.Subject = "Your verification code is 123456"
	email.Body = "Log in to the applicant portal.\nPassword: s3cret-Pa55\nhttps://xyz.org/jobs/apply"

	c, err := ext.Extract(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "https://xyz.org/jobs/apply", c.PrimaryURL)

	require.Len(t, provider.prompts, 1)
	prompt := provider.prompts[0]
	assert.NotContains(t, prompt, "123456")
	assert.NotContains(t, prompt, "s3cret-Pa55")
	assert.Contains(t, prompt, secrets.DefaultReplacement)
	assert.Contains(t, prompt, "applicant portal")
}
