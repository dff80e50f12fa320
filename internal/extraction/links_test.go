package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLinks(t *testing.T) {
	body := "Read more (https://example.com/info).\nOr go to https://example.org/apply, today."
	links := FindLinks(body)
	require.Len(t, links, 2)

	assert.Equal(t, "https://example.com/info", links[0].URL)
	assert.Equal(t, "Read more", links[0].Anchor)
	assert.Equal(t, "https://example.org/apply", links[1].URL)
	assert.Empty(t, links[1].Anchor)
}

func TestScoreLink(t *testing.T) {
	apply := ScoreLink(Link{URL: "https://grants.example.gov/application.pdf", Anchor: "Apply now"})
	social := ScoreLink(Link{URL: "https://twitter.com/example", Anchor: "Follow us"})
	unsubscribe := ScoreLink(Link{URL: "https://example.com/unsubscribe", Anchor: "Unsubscribe"})

	assert.Greater(t, apply, 0)
	assert.Less(t, social, apply)
	assert.Less(t, unsubscribe, 0)
}

func TestSelectPrimaryURL(t *testing.T) {
	body := `Dear colleague,
Follow us (https://twitter.com/xyz)
Learn about the program (https://xyz.org/about)
Apply here (https://xyz.org/apply/form)
Unsubscribe (https://mail.xyz.com/unsubscribe)`
	assert.Equal(t, "https://xyz.org/apply/form", SelectPrimaryURL(body))

	assert.Empty(t, SelectPrimaryURL("Unsubscribe (https://mail.example.com/unsubscribe)"))
	assert.Empty(t, SelectPrimaryURL("no links"))
}
