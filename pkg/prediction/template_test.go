package prediction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storyCtx(chars ...string) StoryContext {
	return StoryContext{
		Theme:        "Space",
		ChapterIndex: 2,
		Characters:   chars,
		ReadingLevel: "2",
	}
}

func TestFeatureKeyDeterminism(t *testing.T) {
	a := storyCtx("Luna", "Max")
	b := storyCtx("Max", "Luna")

	assert.Equal(t, featureKey(a.Kind(), a.Features()), featureKey(b.Kind(), b.Features()),
		"feature order must not change the pattern key")

	c := storyCtx("Luna", "Nova")
	assert.NotEqual(t, featureKey(a.Kind(), a.Features()), featureKey(c.Kind(), c.Features()))
}

func TestChapterBucketing(t *testing.T) {
	a := StoryContext{Theme: "space", ChapterIndex: 3, ReadingLevel: "2"}
	b := StoryContext{Theme: "space", ChapterIndex: 5, ReadingLevel: "2"}
	c := StoryContext{Theme: "space", ChapterIndex: 6, ReadingLevel: "2"}

	assert.Equal(t, featureKey(a.Kind(), a.Features()), featureKey(b.Kind(), b.Features()),
		"neighboring chapters share a bucket")
	assert.NotEqual(t, featureKey(a.Kind(), a.Features()), featureKey(c.Kind(), c.Features()))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
	assert.InDelta(t, 0.5, jaccard([]string{"a", "b", "c"}, []string{"b", "c", "d"}), 0.001)
	assert.Equal(t, 1.0, jaccard(nil, nil))
	assert.Equal(t, 0.0, jaccard([]string{"a"}, nil))
}

func TestConfidenceAccumulates(t *testing.T) {
	store := NewTemplateStore(TemplateConfig{ConfidenceThreshold: 0.5})
	response := json.RawMessage(`{"story":"..."}`)

	// Below the threshold after two stores, served after the third
	store.StoreResponse("story_gen", storyCtx("Luna"), response, 80*time.Millisecond)
	_, ok := store.Lookup("story_gen", storyCtx("Luna"))
	assert.False(t, ok)

	store.StoreResponse("story_gen", storyCtx("Luna"), response, 80*time.Millisecond)
	_, ok = store.Lookup("story_gen", storyCtx("Luna"))
	assert.False(t, ok)

	store.StoreResponse("story_gen", storyCtx("Luna"), response, 80*time.Millisecond)
	got, ok := store.Lookup("story_gen", storyCtx("Luna"))
	require.True(t, ok)
	assert.Equal(t, response, got)
}

func TestApproximateMatch(t *testing.T) {
	store := NewTemplateStore(TemplateConfig{ConfidenceThreshold: 0.5, SimilarityThreshold: 0.7})
	response := json.RawMessage(`{"story":"learned"}`)

	learned := storyCtx("Luna", "Max")
	for i := 0; i < 3; i++ {
		store.StoreResponse("story_gen", learned, response, 0)
	}

	t.Run("similar context is served", func(t *testing.T) {
		// One extra character: overlap 5/6 clears the 0.7 floor
		similar := storyCtx("Luna", "Max", "Nova")
		got, ok := store.Lookup("story_gen", similar)
		require.True(t, ok)
		assert.Equal(t, response, got)
	})

	t.Run("dissimilar context misses", func(t *testing.T) {
		other := StoryContext{Theme: "ocean", ChapterIndex: 20, ReadingLevel: "5", Characters: []string{"Coral"}}
		_, ok := store.Lookup("story_gen", other)
		assert.False(t, ok)
	})

	t.Run("response types are isolated", func(t *testing.T) {
		_, ok := store.Lookup("image_gen", learned)
		assert.False(t, ok)
	})
}

func TestConfidenceCap(t *testing.T) {
	store := NewTemplateStore(TemplateConfig{})
	ctx := storyCtx("Luna")
	for i := 0; i < 20; i++ {
		store.StoreResponse("story_gen", ctx, json.RawMessage(`1`), 0)
	}

	key := featureKey(ctx.Kind(), ctx.Features())
	store.mu.Lock()
	p := store.patterns["story_gen"][key]
	store.mu.Unlock()
	assert.LessOrEqual(t, p.Confidence, 1.0)
	assert.Equal(t, 20, p.UsageCount)
}

func TestPatternCapEvictsOldest(t *testing.T) {
	store := NewTemplateStore(TemplateConfig{MaxPatternsPerType: 2})

	store.StoreResponse("story_gen", storyCtx("A"), json.RawMessage(`1`), 0)
	store.StoreResponse("story_gen", storyCtx("B"), json.RawMessage(`2`), 0)
	store.StoreResponse("story_gen", storyCtx("C"), json.RawMessage(`3`), 0)

	assert.Equal(t, 2, store.PatternCount("story_gen"))
}
