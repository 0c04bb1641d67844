package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelAccessors(t *testing.T) {
	m := &Model{
		ID: "ekn:///abc",
		Fields: map[string]any{
			"title": "Whales",
			"tags":  []any{"EknArticleObject", 3, "EknHasDiscoveryFeedTitle"},
			"discovery_feed_content": map[string]any{
				"blurbs": []any{"Big", "Blue"},
			},
			"license": nil,
		},
	}

	assert.Equal(t, "Whales", m.Text("title"))
	assert.Equal(t, "", m.Text("synopsis"))
	assert.Equal(t, []string{"EknArticleObject", "EknHasDiscoveryFeedTitle"}, m.Strings("tags"))
	assert.Nil(t, m.Strings("title"))
	assert.True(t, m.Has("title"))
	assert.False(t, m.Has("license"))

	blurbs, err := m.Lookup("$.discovery_feed_content.blurbs[*]")
	require.NoError(t, err)
	assert.Equal(t, []any{"Big", "Blue"}, blurbs)
	assert.Equal(t, []string{"Big", "Blue"}, m.LookupStrings("$.discovery_feed_content.blurbs[*]"))

	_, err = m.Lookup("$[")
	assert.Error(t, err)
}
