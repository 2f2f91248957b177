package cachekey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalDeterminism(t *testing.T) {
	codec := NewCodec("cache")

	a := Key{
		Type:    "story",
		ID:      "s-42",
		Version: "3",
		UserID:  "user-7",
		Metadata: map[string]string{
			"lang":  "en",
			"theme": "space",
			"level": "2",
		},
	}
	b := Key{
		Type:    "story",
		ID:      "s-42",
		Version: "3",
		UserID:  "user-7",
		Metadata: map[string]string{
			"theme": "space",
			"level": "2",
			"lang":  "en",
		},
	}

	assert.Equal(t, codec.Canonical(a), codec.Canonical(b),
		"metadata insertion order must not change the canonical key")
}

func TestCanonicalUserPrivacy(t *testing.T) {
	codec := NewCodec("cache")
	key := Key{Type: "story", ID: "s-1", UserID: "alice@example.com"}

	canonical := codec.Canonical(key)
	assert.NotContains(t, canonical, "alice", "user identifiers must never appear in clear")
	assert.Contains(t, canonical, codec.UserToken("alice@example.com"))
}

func TestCanonicalDistinguishesFields(t *testing.T) {
	codec := NewCodec("cache")
	base := Key{Type: "story", ID: "s-1", UserID: "u1"}

	variants := []Key{
		{Type: "story", ID: "s-2", UserID: "u1"},
		{Type: "asset", ID: "s-1", UserID: "u1"},
		{Type: "story", ID: "s-1", UserID: "u2"},
		{Type: "story", ID: "s-1", UserID: "u1", Version: "2"},
		{Type: "story", ID: "s-1", UserID: "u1", Metadata: map[string]string{"x": "y"}},
	}
	seen := map[string]bool{codec.Canonical(base): true}
	for _, v := range variants {
		c := codec.Canonical(v)
		assert.False(t, seen[c], "key %q collided", c)
		seen[c] = true
	}
}

func TestPatterns(t *testing.T) {
	codec := NewCodec("cache")
	key := Key{Type: "story", ID: "s-1", UserID: "u1"}
	canonical := codec.Canonical(key)

	t.Run("type pattern matches all ids", func(t *testing.T) {
		assert.True(t, Match(codec.TypePattern("story"), canonical))
		assert.False(t, Match(codec.TypePattern("asset"), canonical))
	})

	t.Run("user pattern matches only that user", func(t *testing.T) {
		assert.True(t, Match(codec.UserPattern("u1"), canonical))
		assert.False(t, Match(codec.UserPattern("u2"), canonical))
	})

	t.Run("exact prefix", func(t *testing.T) {
		require.True(t, strings.HasPrefix(canonical, "cache:"))
	})
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("cache:story:*", "cache:story:s-1"))
	assert.True(t, Match("cache:story:*", "cache:story:s-1:v2"))
	assert.False(t, Match("cache:asset:*", "cache:story:s-1"))
	assert.False(t, Match("[", "cache:story:s-1"), "malformed pattern matches nothing")
}
