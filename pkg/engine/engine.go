package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/storyintelligence/cache-engine/pkg/cache"
	"github.com/storyintelligence/cache-engine/pkg/cachekey"
	"github.com/storyintelligence/cache-engine/pkg/config"
	"github.com/storyintelligence/cache-engine/pkg/observability"
	"github.com/storyintelligence/cache-engine/pkg/pool"
	"github.com/storyintelligence/cache-engine/pkg/prediction"
	"github.com/storyintelligence/cache-engine/pkg/resource"
	"github.com/storyintelligence/cache-engine/pkg/storage"
	"github.com/storyintelligence/cache-engine/pkg/timeout"

	admissionctl "github.com/storyintelligence/cache-engine/pkg/admission"
)

// metricsAggregationInterval paces mirroring of the store's rolling rates
// into the metrics client gauges
const metricsAggregationInterval = 15 * time.Second

// Engine owns every component of the cache engine, wired from one Config.
// Construct with New, use the Strategy and Optimizer façades, and call
// Close on shutdown so all background timers stop.
type Engine struct {
	Strategy  *CacheStrategy
	Optimizer *LatencyOptimizer

	store     *cache.TieredStore
	allocator *resource.Allocator
	predictor *prediction.Predictor
	connPool  *pool.Pool

	metrics     observability.MetricsClient
	metricsStop chan struct{}
	metricsDone chan struct{}
	stopOnce    sync.Once

	logger observability.Logger
}

// Options carries the collaborators the engine cannot build itself
type Options struct {
	// Loader serves full tier misses; nil leaves misses unfilled
	Loader cache.SourceLoader

	// ConnFactory backs the connection pool; nil disables pooling
	ConnFactory pool.Factory

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// New builds the full engine from configuration. The memory tier is always
// present; the Redis and S3 tiers are added when their config sections name
// a backend.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewStandardLogger("cache-engine")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	tiers, err := buildTiers(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := cache.NewTieredStore(tiers, opts.Loader, cfg.Store, logger, metrics)
	allocator := resource.NewAllocator(cfg.Resources.Budget, cfg.Resources.Scaling, logger, metrics)
	keys := cachekey.NewCodec(cfg.Redis.KeyPrefix)

	strategy := NewCacheStrategy(store, allocator, nil, keys, logger, metrics)
	predictor := prediction.NewPredictor(cfg.Prediction, strategy, logger, metrics)
	strategy.predictor = predictor

	var connPool *pool.Pool
	if opts.ConnFactory != nil {
		connPool = pool.New(opts.ConnFactory, cfg.Pool, logger, metrics)
	}
	adm := admissionctl.NewController(cfg.Admission, logger, metrics)
	timeouts := timeout.NewController(cfg.Timeouts, logger, metrics)

	optimizer := NewLatencyOptimizer(adm, connPool, timeouts, predictor, retryPolicy(cfg.Retry), logger, metrics)
	optimizer.AttachCacheMetrics(store.Metrics())

	e := &Engine{
		Strategy:    strategy,
		Optimizer:   optimizer,
		store:       store,
		allocator:   allocator,
		predictor:   predictor,
		connPool:    connPool,
		metrics:     metrics,
		metricsStop: make(chan struct{}),
		metricsDone: make(chan struct{}),
		logger:      logger,
	}
	go e.metricsLoop(metricsAggregationInterval)
	return e, nil
}

// metricsLoop periodically mirrors the store's rolling rates and the pool's
// connection gauge into the metrics client until Close.
func (e *Engine) metricsLoop(interval time.Duration) {
	defer close(e.metricsDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.publishMetrics()
		case <-e.metricsStop:
			return
		}
	}
}

func (e *Engine) publishMetrics() {
	if e.connPool != nil {
		e.store.Metrics().SetActiveConnections(int64(e.connPool.ActiveConnections()))
	}
	snap := e.store.Metrics().Snapshot()
	e.metrics.RecordGauge("cache_hit_rate", snap.HitRate, nil)
	e.metrics.RecordGauge("cache_miss_rate", snap.MissRate, nil)
	e.metrics.RecordGauge("cache_eviction_rate", snap.EvictionRate, nil)
	e.metrics.RecordGauge("cache_error_rate", snap.ErrorRate, nil)
	e.metrics.RecordGauge("cache_predictive_hit_rate", snap.PredictiveHitRate, nil)
	e.metrics.RecordGauge("cache_avg_response_time_ms", snap.AvgResponseTimeMs, nil)
	e.metrics.RecordGauge("cache_memory_usage_bytes", float64(snap.MemoryUsageBytes), nil)
	e.metrics.RecordGauge("cache_active_connections", float64(snap.ActiveConnections), nil)
}

// Close shuts down the façades, the allocator and the store. Safe to call
// once; components guard their own idempotence.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		close(e.metricsStop)
		<-e.metricsDone
	})
	e.Optimizer.Shutdown()
	e.allocator.Close()
	return e.store.Close()
}

func buildTiers(ctx context.Context, cfg *config.Config) ([]cache.Tier, error) {
	memory, err := cache.NewMemoryTier(cfg.Memory)
	if err != nil {
		return nil, errors.Wrap(err, "memory tier")
	}
	tiers := []cache.Tier{memory}

	if cfg.Redis.Address != "" {
		network, err := cache.NewRedisTier(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, "redis tier")
		}
		tiers = append(tiers, network)
	}

	if cfg.S3.Bucket != "" {
		blobs, err := storage.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, errors.Wrap(err, "s3 client")
		}
		tiers = append(tiers, cache.NewDurableTier(blobs, cfg.Durable))
	}
	return tiers, nil
}

func retryPolicy(cfg config.RetryConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if d, err := time.ParseDuration(cfg.InitialInterval); err == nil && d > 0 {
		policy.InitialInterval = d
	}
	if d, err := time.ParseDuration(cfg.MaxInterval); err == nil && d > 0 {
		policy.MaxInterval = d
	}
	return policy
}
