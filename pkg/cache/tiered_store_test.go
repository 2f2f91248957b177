package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, loader SourceLoader) (*TieredStore, *MemoryTier, *DurableTier, *memBlobStore) {
	t.Helper()
	memory, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1 << 20, MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)

	blobs := newMemBlobStore()
	durable := NewDurableTier(blobs, DurableTierConfig{TTL: time.Hour})

	store := NewTieredStore([]Tier{durable, memory}, loader, TieredStoreConfig{
		DurableWriteThresholdBytes: 256,
		IOTimeout:                  time.Second,
	}, nil, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, memory, durable, blobs
}

func TestTieredStoreSetGet(t *testing.T) {
	store, _, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	value := json.RawMessage(`{"title":"hello"}`)
	_, err := store.Set(ctx, "cache:story:s-1", value, PriorityNormal)
	require.NoError(t, err)

	entry, err := store.Get(ctx, "cache:story:s-1")
	require.NoError(t, err)
	assert.Equal(t, value, entry.Data)
	assert.Equal(t, TierMemory, entry.Tier)

	_, err = store.Get(ctx, "cache:story:absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTieredStoreDurableWriteGating(t *testing.T) {
	store, _, _, blobs := newTestStore(t, nil)
	ctx := context.Background()

	t.Run("small normal value stays out of the durable tier", func(t *testing.T) {
		_, err := store.Set(ctx, "cache:story:small", json.RawMessage(`"x"`), PriorityNormal)
		require.NoError(t, err)
		assert.Empty(t, blobs.objects)
	})

	t.Run("high priority forces a durable write", func(t *testing.T) {
		_, err := store.Set(ctx, "cache:story:vip", json.RawMessage(`"x"`), PriorityHigh)
		require.NoError(t, err)
		assert.Len(t, blobs.objects, 1)
	})

	t.Run("large value crosses the size threshold", func(t *testing.T) {
		big, err := json.Marshal(map[string]string{"data": string(make([]byte, 512))})
		require.NoError(t, err)
		_, err = store.Set(ctx, "cache:story:big", big, PriorityLow)
		require.NoError(t, err)
		assert.Len(t, blobs.objects, 2)
	})
}

func TestTieredStorePromotion(t *testing.T) {
	store, memory, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	value := json.RawMessage(`{"title":"warm me"}`)
	_, err := store.Set(ctx, "cache:story:s-1", value, PriorityHigh)
	require.NoError(t, err)

	// Drop the fast copy so the next read hits the durable tier
	require.NoError(t, memory.Delete(ctx, "cache:story:s-1"))

	entry, err := store.Get(ctx, "cache:story:s-1")
	require.NoError(t, err)
	assert.Equal(t, TierDurable, entry.Tier)

	// Promotion is asynchronous but bounded
	assert.Eventually(t, func() bool {
		_, found, _ := memory.Get(ctx, "cache:story:s-1")
		return found
	}, 2*time.Second, 10*time.Millisecond, "durable hit must land in the memory tier")
}

func TestTieredStoreSourceLoader(t *testing.T) {
	var loads int64
	loader := SourceLoaderFunc(func(ctx context.Context, key string) (json.RawMessage, bool, error) {
		atomic.AddInt64(&loads, 1)
		if key == "cache:story:absent" {
			return nil, false, nil
		}
		return json.RawMessage(`{"from":"source"}`), true, nil
	})
	store, _, _, _ := newTestStore(t, loader)
	ctx := context.Background()

	entry, err := store.Get(ctx, "cache:story:s-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"source"}`, string(entry.Data))
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads))

	// Second read is served from cache
	_, err = store.Get(ctx, "cache:story:s-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads))

	_, err = store.Get(ctx, "cache:story:absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTieredStoreTierErrorAbsorbed(t *testing.T) {
	memory, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1 << 20, MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)

	blobs := newMemBlobStore()
	blobs.fail = true
	durable := NewDurableTier(blobs, DurableTierConfig{TTL: time.Hour})

	var loads int64
	loader := SourceLoaderFunc(func(ctx context.Context, key string) (json.RawMessage, bool, error) {
		atomic.AddInt64(&loads, 1)
		return json.RawMessage(`"fallback"`), true, nil
	})
	store := NewTieredStore([]Tier{memory, durable}, loader, TieredStoreConfig{IOTimeout: time.Second}, nil, nil)
	defer func() { _ = store.Close() }()

	// The broken durable tier is a miss, not a failure; the loader fills in.
	entry, err := store.Get(context.Background(), "cache:story:s-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"fallback"`, string(entry.Data))
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads))
}

func TestTieredStoreOpenDurableBreakerStillLoadsFromSource(t *testing.T) {
	memory, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1 << 20, MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)

	blobs := newMemBlobStore()
	blobs.fail = true
	durable := NewDurableTier(blobs, DurableTierConfig{TTL: time.Hour})

	var loads int64
	loader := SourceLoaderFunc(func(ctx context.Context, key string) (json.RawMessage, bool, error) {
		atomic.AddInt64(&loads, 1)
		return json.RawMessage(`"fresh"`), true, nil
	})
	store := NewTieredStore([]Tier{memory, durable}, loader, TieredStoreConfig{IOTimeout: time.Second}, nil, nil)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	// Enough failed durable writes to open its breaker
	for i := 0; i < 6; i++ {
		_, err := store.Set(ctx, fmt.Sprintf("cache:story:s-%d", i), json.RawMessage(`"v"`), PriorityHigh)
		require.NoError(t, err)
	}

	// A full miss must still fall through to the healthy source loader;
	// the durable tier being down degrades to a miss, never to a failed get.
	entry, err := store.Get(ctx, "cache:story:uncached")
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(entry.Data))
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads))
}

func TestTieredStoreInvalidate(t *testing.T) {
	store, memory, _, blobs := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Set(ctx, "cache:story:s-1", json.RawMessage(`"v"`), PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, store.Invalidate(ctx, "cache:story:s-1"))

	_, found, _ := memory.Get(ctx, "cache:story:s-1")
	assert.False(t, found)
	assert.Empty(t, blobs.objects)

	_, err = store.Get(ctx, "cache:story:s-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTieredStoreInvalidatePattern(t *testing.T) {
	store, _, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, key := range []string{"cache:story:s-1", "cache:story:s-2", "cache:asset:a-1"} {
		_, err := store.Set(ctx, key, json.RawMessage(`"v"`), PriorityNormal)
		require.NoError(t, err)
	}

	n, err := store.InvalidatePattern(ctx, "cache:story:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, "cache:story:s-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "cache:asset:a-1")
	assert.NoError(t, err)
}

func TestTieredStoreExpiredEnvelope(t *testing.T) {
	memory, err := NewMemoryTier(MemoryTierConfig{MaxSizeBytes: 1 << 20, MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)
	store := NewTieredStore([]Tier{memory}, nil, TieredStoreConfig{}, nil, nil)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	// Seed an envelope whose TTL already elapsed
	stale := Entry{
		Key:       "cache:story:old",
		Data:      json.RawMessage(`"stale"`),
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, memory.Set(ctx, "cache:story:old", data, time.Hour))

	_, err = store.Get(ctx, "cache:story:old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTieredStoreWarmup(t *testing.T) {
	store, memory, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Set(ctx, "cache:story:s-1", json.RawMessage(`"v"`), PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, memory.Delete(ctx, "cache:story:s-1"))

	warmed := store.Warmup(ctx, []string{"cache:story:s-1", "cache:story:missing"})
	assert.Equal(t, 1, warmed)
}

func TestTieredStoreMetrics(t *testing.T) {
	store, _, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Set(ctx, "cache:story:s-1", json.RawMessage(`"v"`), PriorityNormal)
	require.NoError(t, err)
	_, _ = store.Get(ctx, "cache:story:s-1")
	_, _ = store.Get(ctx, "cache:story:missing")

	snap := store.Metrics().Snapshot()
	assert.Greater(t, snap.HitRate, 0.0)
	assert.Greater(t, snap.MissRate, 0.0)
	assert.EqualValues(t, 2, snap.TotalRequests)
	assert.Greater(t, snap.MemoryUsageBytes, int64(0))
}
