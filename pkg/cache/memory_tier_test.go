package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTierBasics(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1024, MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "k1", []byte("v1"), 0))

	data, found, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), data)

	_, found, err = tier.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tier.Delete(ctx, "k1"))
	_, found, _ = tier.Get(ctx, "k1")
	assert.False(t, found)
}

func TestMemoryTierExpiry(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1024, MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	_, found, err := tier.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "expired entries read as misses")
	assert.Zero(t, tier.Len())
}

func TestMemoryTierByteBudgetEviction(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 100, MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	evictions := 0
	tier.SetEvictionObserver(func(count int) { evictions += count })

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "a", bytes.Repeat([]byte("x"), 60), 0))
	require.NoError(t, tier.Set(ctx, "b", bytes.Repeat([]byte("y"), 60), 0))

	// a had to go to make room for b
	_, found, _ := tier.Get(ctx, "a")
	assert.False(t, found)
	_, found, _ = tier.Get(ctx, "b")
	assert.True(t, found)
	assert.Equal(t, 1, evictions)
	assert.LessOrEqual(t, tier.UsedBytes(), int64(100))
}

func TestMemoryTierRejectsOversizedValue(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 100, MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "resident", bytes.Repeat([]byte("x"), 40), 0))

	// A value that exceeds the whole budget must be refused up front, not
	// admitted after evicting every resident entry
	err = tier.Set(ctx, "huge", bytes.Repeat([]byte("y"), 200), 0)
	require.ErrorIs(t, err, ErrValueTooLarge)

	_, found, _ := tier.Get(ctx, "resident")
	assert.True(t, found, "resident entries survive a rejected write")
	_, found, _ = tier.Get(ctx, "huge")
	assert.False(t, found)
	assert.Equal(t, int64(40), tier.UsedBytes())
}

func TestMemoryTierAccounting(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1024, MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "k1", []byte("12345"), 0))
	assert.Equal(t, int64(5), tier.UsedBytes())

	// Overwrite replaces, never double counts
	require.NoError(t, tier.Set(ctx, "k1", []byte("123"), 0))
	assert.Equal(t, int64(3), tier.UsedBytes())

	require.NoError(t, tier.Delete(ctx, "k1"))
	assert.Zero(t, tier.UsedBytes())
}

func TestMemoryTierDeletePattern(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1024, MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "cache:story:s-1", []byte("a"), 0))
	require.NoError(t, tier.Set(ctx, "cache:story:s-2", []byte("b"), 0))
	require.NoError(t, tier.Set(ctx, "cache:asset:a-1", []byte("c"), 0))

	n, err := tier.DeletePattern(ctx, "cache:story:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, tier.Len())
}

func TestMemoryTierEvictOldest(t *testing.T) {
	tier, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1024, MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, tier.Set(ctx, key, []byte("v"), 0))
	}

	assert.Equal(t, 2, tier.EvictOldest(2))
	assert.Equal(t, 1, tier.Len())

	// Only the most recent survives
	_, found, _ := tier.Get(ctx, "c")
	assert.True(t, found)
}
