// Package engine exposes the two composition façades of the cache engine:
// CacheStrategy for tiered reads and writes gated by the resource
// allocator, and LatencyOptimizer for running handlers under admission
// control, pooled connections and adaptive timeouts.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/storyintelligence/cache-engine/pkg/cache"
	"github.com/storyintelligence/cache-engine/pkg/cachekey"
	"github.com/storyintelligence/cache-engine/pkg/observability"
	"github.com/storyintelligence/cache-engine/pkg/prediction"
	"github.com/storyintelligence/cache-engine/pkg/resource"
)

// ErrResourceExhausted is returned when an allocation is still denied after
// the eviction retry.
var ErrResourceExhausted = errors.New("resource budget exhausted after eviction retry")

// evictBatch is how many LRU entries one denied allocation reclaims
const evictBatch = 32

// BatchItem is one key/value pair for BatchSet
type BatchItem struct {
	Key      cachekey.Key
	Value    json.RawMessage
	Priority cache.Priority
}

// CacheStrategy is the read/write entry point. Every operation is gated by
// the resource allocator; a denied allocation triggers one bounded round of
// memory-tier eviction before failing hard.
type CacheStrategy struct {
	store     *cache.TieredStore
	allocator *resource.Allocator
	predictor *prediction.Predictor
	keys      *cachekey.Codec

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCacheStrategy composes the store, allocator and predictor
func NewCacheStrategy(store *cache.TieredStore, allocator *resource.Allocator, predictor *prediction.Predictor, keys *cachekey.Codec, logger observability.Logger, metrics observability.MetricsClient) *CacheStrategy {
	if keys == nil {
		keys = cachekey.NewCodec("cache")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &CacheStrategy{
		store:     store,
		allocator: allocator,
		predictor: predictor,
		keys:      keys,
		logger:    logger.WithPrefix("cache-strategy"),
		metrics:   metrics,
	}
}

// Get returns the cached value for the key, falling through the tiers and
// the source loader. A full miss returns cache.ErrNotFound.
func (s *CacheStrategy) Get(ctx context.Context, key cachekey.Key) (json.RawMessage, error) {
	canonical := s.keys.Canonical(key)

	var entry *cache.Entry
	err := s.withBudget(ctx, resource.KindRequests, 1, func(ctx context.Context) error {
		var err error
		entry, err = s.store.Get(ctx, canonical)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAccess(key, canonical)
	return entry.Data, nil
}

// Set stores the value at the given priority. The value's size is charged
// against the memory budget for the duration of the write.
func (s *CacheStrategy) Set(ctx context.Context, key cachekey.Key, value json.RawMessage, priority cache.Priority) error {
	canonical := s.keys.Canonical(key)

	return s.withBudget(ctx, resource.KindMemory, int64(len(value)), func(ctx context.Context) error {
		_, err := s.store.Set(ctx, canonical, value, priority)
		return err
	})
}

// BatchGet fetches many keys and returns the hits, keyed by canonical key.
// Misses are skipped; tier and loader failures beyond not-found abort.
func (s *CacheStrategy) BatchGet(ctx context.Context, keys []cachekey.Key) (map[string]json.RawMessage, error) {
	results := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return results, err
		}
		results[s.keys.Canonical(key)] = value
	}
	return results, nil
}

// BatchSet stores many values, continuing past per-item failures and
// returning them joined.
func (s *CacheStrategy) BatchSet(ctx context.Context, items []BatchItem) error {
	var errs []error
	for _, item := range items {
		if err := s.Set(ctx, item.Key, item.Value, item.Priority); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", s.keys.Canonical(item.Key), err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate removes the key from every tier
func (s *CacheStrategy) Invalidate(ctx context.Context, key cachekey.Key) error {
	return s.store.Invalidate(ctx, s.keys.Canonical(key))
}

// InvalidatePattern removes every key matching the glob pattern
func (s *CacheStrategy) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	return s.store.InvalidatePattern(ctx, pattern)
}

// InvalidateUser removes every entry belonging to the user and purges the
// user's learned access patterns.
func (s *CacheStrategy) InvalidateUser(ctx context.Context, userID string) (int, error) {
	n, err := s.store.InvalidatePattern(ctx, s.keys.UserPattern(userID))
	if s.predictor != nil {
		s.predictor.ClearUser(userID)
	}
	return n, err
}

// Warmup pulls the keys through the read path so later reads hit the
// in-process tier. Returns how many keys were warmed.
func (s *CacheStrategy) Warmup(ctx context.Context, keys []cachekey.Key) int {
	canonical := make([]string, len(keys))
	for i, key := range keys {
		canonical[i] = s.keys.Canonical(key)
	}
	return s.store.Warmup(ctx, canonical)
}

// Prefetch implements prediction.Prefetcher over the warmup path
func (s *CacheStrategy) Prefetch(ctx context.Context, keys []string) {
	warmed := s.store.Warmup(ctx, keys)
	if warmed > 0 {
		s.metrics.RecordCounter("cache_prefetch_warmed_total", float64(warmed), nil)
	}
}

// GetMetrics returns the engine's rolling cache metrics
func (s *CacheStrategy) GetMetrics() cache.MetricsSnapshot {
	return s.store.Metrics().Snapshot()
}

// Keys exposes the key codec so callers build patterns consistently
func (s *CacheStrategy) Keys() *cachekey.Codec { return s.keys }

// withBudget runs fn under a scoped allocation. On denial it evicts a
// bounded batch from the memory tier and retries exactly once.
func (s *CacheStrategy) withBudget(ctx context.Context, kind resource.Kind, amount int64, fn func(ctx context.Context) error) error {
	if s.allocator == nil {
		return fn(ctx)
	}

	err := s.allocator.WithResource(ctx, kind, amount, fn)
	if !errors.Is(err, resource.ErrExhausted) {
		return err
	}

	evicted := s.store.ReclaimMemory(evictBatch)
	s.logger.Warn("allocation denied, evicted and retrying", map[string]interface{}{
		"kind":    string(kind),
		"amount":  amount,
		"evicted": evicted,
	})
	s.metrics.RecordCounter("cache_budget_denials_total", 1, map[string]string{"kind": string(kind)})

	err = s.allocator.WithResource(ctx, kind, amount, fn)
	if errors.Is(err, resource.ErrExhausted) {
		return fmt.Errorf("%w: %s", ErrResourceExhausted, kind)
	}
	return err
}

func (s *CacheStrategy) recordAccess(key cachekey.Key, canonical string) {
	if s.predictor == nil || key.UserID == "" {
		return
	}
	s.predictor.RecordAccess(key.UserID, canonical, key.Type)
	s.predictor.SchedulePrefetches(key.UserID)
}
