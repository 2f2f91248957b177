package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/storyintelligence/cache-engine/pkg/observability"
)

// TieredStoreConfig holds configuration for the tiered store
type TieredStoreConfig struct {
	// DurableWriteThresholdBytes bounds durable-tier write amplification:
	// only values at least this large (or explicitly high priority) are
	// written durably
	DurableWriteThresholdBytes int `mapstructure:"durable_write_threshold_bytes"`

	// IOTimeout bounds each read/write against the network and durable tiers
	IOTimeout time.Duration `mapstructure:"io_timeout"`

	// PromoteWorkers and PromoteQueueSize size the async promotion pipeline
	PromoteWorkers   int `mapstructure:"promote_workers"`
	PromoteQueueSize int `mapstructure:"promote_queue_size"`
}

type promoteRequest struct {
	key       string
	entry     Entry
	fromLevel TierLevel
}

// TieredStore owns the storage tiers and serves reads through them in
// increasing latency order, promoting hits into faster tiers. Tier-level
// failures are absorbed as misses for that tier; availability wins over
// strict freshness.
type TieredStore struct {
	tiers   []Tier
	loader  SourceLoader
	config  TieredStoreConfig
	metrics *Metrics

	// One breaker per protected resource: a down durable tier must degrade
	// to misses without taking the source loader with it, and vice versa.
	durableBreaker *gobreaker.CircuitBreaker
	sourceBreaker  *gobreaker.CircuitBreaker

	promoteQueue chan promoteRequest
	wg           sync.WaitGroup
	closeOnce    sync.Once

	logger        observability.Logger
	metricsClient observability.MetricsClient
}

// NewTieredStore creates a store over the given tiers. The loader may be nil
// when the caller handles full misses itself.
func NewTieredStore(tiers []Tier, loader SourceLoader, config TieredStoreConfig, logger observability.Logger, metricsClient observability.MetricsClient) *TieredStore {
	if config.DurableWriteThresholdBytes <= 0 {
		config.DurableWriteThresholdBytes = 64 * 1024
	}
	if config.IOTimeout <= 0 {
		config.IOTimeout = 2 * time.Second
	}
	if config.PromoteWorkers <= 0 {
		config.PromoteWorkers = 2
	}
	if config.PromoteQueueSize <= 0 {
		config.PromoteQueueSize = 256
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metricsClient == nil {
		metricsClient = observability.NewNoopMetricsClient()
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level() < sorted[j].Level() })

	s := &TieredStore{
		tiers:         sorted,
		loader:        loader,
		config:        config,
		metrics:       NewMetrics(),
		promoteQueue:  make(chan promoteRequest, config.PromoteQueueSize),
		logger:        logger.WithPrefix("tiered-store"),
		metricsClient: metricsClient,
	}

	s.durableBreaker = s.newBreaker("cache-durable")
	s.sourceBreaker = s.newBreaker("cache-source")

	for i := 0; i < config.PromoteWorkers; i++ {
		s.wg.Add(1)
		go s.promoteWorker()
	}

	if mt := s.memoryTier(); mt != nil {
		mt.SetEvictionObserver(func(count int) {
			s.metrics.ObserveEviction(count)
			s.metricsClient.RecordCounter("cache_evictions_total", float64(count), map[string]string{"tier": "memory"})
		})
	}

	return s
}

// Metrics returns the store's rolling metrics
func (s *TieredStore) Metrics() *Metrics { return s.metrics }

// Get probes tiers fastest-first and falls through to the source loader on a
// full miss. A hit at a slow tier is promoted asynchronously into every
// faster tier before the entry is returned.
func (s *TieredStore) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()

	for _, tier := range s.tiers {
		data, found, err := s.tierGet(ctx, tier, key)
		if err != nil {
			// Absorbed: this tier is a miss, the read continues below it.
			s.logger.Warn("tier read failed", map[string]interface{}{
				"tier": tier.Level().String(),
				"key":  key,
			})
			s.metricsClient.RecordCounter("cache_tier_errors_total", 1, map[string]string{"tier": tier.Level().String(), "op": "get"})
			continue
		}
		if !found {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warn("corrupt cache envelope, dropping", map[string]interface{}{
				"tier": tier.Level().String(),
				"key":  key,
			})
			s.deleteAsync(tier, key)
			continue
		}
		if entry.Expired(time.Now()) {
			s.deleteAsync(tier, key)
			continue
		}

		entry.AccessCount++
		entry.LastAccessedAt = time.Now()
		entry.Tier = tier.Level()

		if tier.Level() > TierMemory {
			s.enqueuePromotion(key, entry, tier.Level())
		}

		s.metrics.ObserveHit(time.Since(start))
		s.metricsClient.RecordCacheOperation("get", true, time.Since(start).Seconds())
		return &entry, nil
	}

	// Full miss: consult the backing source if we have one.
	if s.loader != nil {
		value, found, err := s.loadFromSource(ctx, key)
		if err != nil {
			s.metrics.ObserveError()
			return nil, fmt.Errorf("%w: %v", ErrSourceLoadFailure, err)
		}
		if found {
			entry, err := s.Set(ctx, key, value, PriorityNormal)
			if err != nil {
				return nil, err
			}
			s.metrics.ObserveMiss(time.Since(start))
			s.metricsClient.RecordCacheOperation("get", false, time.Since(start).Seconds())
			return entry, nil
		}
	}

	s.metrics.ObserveMiss(time.Since(start))
	s.metricsClient.RecordCacheOperation("get", false, time.Since(start).Seconds())
	return nil, ErrNotFound
}

// Set writes the value to the fast tiers and, when the value is large or
// high priority, to the durable tier as well.
func (s *TieredStore) Set(ctx context.Context, key string, value json.RawMessage, priority Priority) (*Entry, error) {
	start := time.Now()
	now := time.Now()
	entry := Entry{
		Key:            key,
		Data:           value,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		SizeBytes:      len(value),
		Tier:           TierMemory,
		Priority:       priority,
	}

	var firstErr error
	wroteAny := false
	for _, tier := range s.tiers {
		if tier.Level() == TierDurable && !s.durableEligible(&entry) {
			continue
		}
		if err := s.tierSet(ctx, tier, key, entry); err != nil {
			s.logger.Warn("tier write failed", map[string]interface{}{
				"tier": tier.Level().String(),
				"key":  key,
			})
			s.metricsClient.RecordCounter("cache_tier_errors_total", 1, map[string]string{"tier": tier.Level().String(), "op": "set"})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		wroteAny = true
	}

	if mt := s.memoryTier(); mt != nil {
		s.metrics.SetMemoryUsage(mt.UsedBytes())
	}
	s.metricsClient.RecordCacheOperation("set", wroteAny, time.Since(start).Seconds())

	if !wroteAny && firstErr != nil {
		s.metrics.ObserveError()
		return nil, firstErr
	}
	return &entry, nil
}

// Invalidate removes the key from every tier
func (s *TieredStore) Invalidate(ctx context.Context, key string) error {
	var errs []error
	for _, tier := range s.tiers {
		tctx, cancel := s.ioContext(ctx, tier)
		err := tier.Delete(tctx, key)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidatePattern removes every key matching the glob pattern from every
// tier and returns the total number of entries removed.
func (s *TieredStore) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var (
		errs  []error
		total int
	)
	for _, tier := range s.tiers {
		tctx, cancel := s.ioContext(ctx, tier)
		n, err := tier.DeletePattern(tctx, pattern)
		cancel()
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Warmup pulls the given keys through the read path so slow-tier entries are
// promoted before they are needed. Keys already resident in the fastest tier
// are skipped.
func (s *TieredStore) Warmup(ctx context.Context, keys []string) int {
	warmed := 0
	mt := s.memoryTier()
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if mt != nil {
			if _, found, _ := mt.Get(ctx, key); found {
				continue
			}
		}
		if _, err := s.Get(ctx, key); err == nil {
			warmed++
		}
	}
	return warmed
}

// ReclaimMemory evicts up to n least-recently-used entries from the
// in-process tier and returns how many were evicted.
func (s *TieredStore) ReclaimMemory(n int) int {
	mt := s.memoryTier()
	if mt == nil {
		return 0
	}
	evicted := mt.EvictOldest(n)
	s.metrics.SetMemoryUsage(mt.UsedBytes())
	return evicted
}

// MemoryUsedBytes reports the bytes resident in the in-process tier
func (s *TieredStore) MemoryUsedBytes() int64 {
	if mt := s.memoryTier(); mt != nil {
		return mt.UsedBytes()
	}
	return 0
}

// Close drains the promotion pipeline and closes every tier
func (s *TieredStore) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.promoteQueue)
		s.wg.Wait()
		for _, tier := range s.tiers {
			if err := tier.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (s *TieredStore) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

func (s *TieredStore) durableEligible(entry *Entry) bool {
	if entry.Priority == PriorityHigh || entry.Priority == PriorityCritical {
		return true
	}
	return entry.SizeBytes >= s.config.DurableWriteThresholdBytes
}

func (s *TieredStore) memoryTier() *MemoryTier {
	for _, tier := range s.tiers {
		if mt, ok := tier.(*MemoryTier); ok {
			return mt
		}
	}
	return nil
}

// tierGet reads one tier, bounding I/O time for remote tiers and routing
// durable reads through the circuit breaker.
func (s *TieredStore) tierGet(ctx context.Context, tier Tier, key string) ([]byte, bool, error) {
	tctx, cancel := s.ioContext(ctx, tier)
	defer cancel()

	if tier.Level() != TierDurable {
		return tier.Get(tctx, key)
	}

	type result struct {
		data  []byte
		found bool
	}
	res, err := s.durableBreaker.Execute(func() (interface{}, error) {
		data, found, err := tier.Get(tctx, key)
		if err != nil {
			return nil, err
		}
		return result{data: data, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(result)
	return r.data, r.found, nil
}

func (s *TieredStore) tierSet(ctx context.Context, tier Tier, key string, entry Entry) error {
	entry.Tier = tier.Level()
	// Each tier gets its own envelope expiry: shortest in memory, longest
	// durable. The durable tier has no native expiry, so reads rely on this.
	entry.ExpiresAt = time.Now().Add(tier.DefaultTTL())
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tctx, cancel := s.ioContext(ctx, tier)
	defer cancel()

	if tier.Level() != TierDurable {
		return tier.Set(tctx, key, data, 0)
	}
	_, err = s.durableBreaker.Execute(func() (interface{}, error) {
		return nil, tier.Set(tctx, key, data, 0)
	})
	return err
}

func (s *TieredStore) loadFromSource(ctx context.Context, key string) (json.RawMessage, bool, error) {
	type result struct {
		value json.RawMessage
		found bool
	}
	res, err := s.sourceBreaker.Execute(func() (interface{}, error) {
		value, found, err := s.loader.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		return result{value: value, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(result)
	return r.value, r.found, nil
}

func (s *TieredStore) ioContext(ctx context.Context, tier Tier) (context.Context, context.CancelFunc) {
	if tier.Level() == TierMemory {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.IOTimeout)
}

func (s *TieredStore) enqueuePromotion(key string, entry Entry, fromLevel TierLevel) {
	select {
	case s.promoteQueue <- promoteRequest{key: key, entry: entry, fromLevel: fromLevel}:
	default:
		// Queue full; the next hit will try again.
	}
}

func (s *TieredStore) promoteWorker() {
	defer s.wg.Done()
	for req := range s.promoteQueue {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.IOTimeout)
		for _, tier := range s.tiers {
			if tier.Level() >= req.fromLevel {
				break
			}
			entry := req.entry
			entry.Tier = tier.Level()
			entry.ExpiresAt = time.Now().Add(tier.DefaultTTL())
			data, err := json.Marshal(entry)
			if err != nil {
				break
			}
			if err := tier.Set(ctx, req.key, data, 0); err != nil {
				s.logger.Debug("promotion write failed", map[string]interface{}{
					"tier": tier.Level().String(),
					"key":  req.key,
				})
			}
		}
		cancel()
	}
}

func (s *TieredStore) deleteAsync(tier Tier, key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.IOTimeout)
		defer cancel()
		_ = tier.Delete(ctx, key)
	}()
}
