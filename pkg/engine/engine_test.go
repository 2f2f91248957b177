package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyintelligence/cache-engine/pkg/cache"
	"github.com/storyintelligence/cache-engine/pkg/cachekey"
	"github.com/storyintelligence/cache-engine/pkg/config"
	"github.com/storyintelligence/cache-engine/pkg/observability"
	"github.com/storyintelligence/cache-engine/pkg/pool"
)

func engineConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	yaml := `
redis:
  address: "` + redisAddr + `"
memory:
  max_size_bytes: 1048576
timeouts:
  base: 1s
  max: 5s
retry:
  max_attempts: 2
  initial_interval: 1ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache-engine.yaml"), []byte(yaml), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

func TestEngineEndToEnd(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := engineConfig(t, srv.Addr())
	ctx := context.Background()

	loader := cache.SourceLoaderFunc(func(ctx context.Context, key string) (json.RawMessage, bool, error) {
		return json.RawMessage(`{"loaded":true}`), true, nil
	})
	factory := pool.FactoryFuncs{
		CreateFunc: func(ctx context.Context, connType string) (interface{}, error) {
			return struct{}{}, nil
		},
	}

	eng, err := New(ctx, cfg, Options{Loader: loader, ConnFactory: factory})
	require.NoError(t, err)

	key := cachekey.Key{Type: "asset", ID: "a1"}
	value := json.RawMessage(`{"pixels":"..."}`)
	require.NoError(t, eng.Strategy.Set(ctx, key, value, cache.PriorityHigh))

	got, err := eng.Strategy.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// The high-priority write reached the network tier under its prefix
	assert.True(t, srv.Exists("cache:"+eng.Strategy.Keys().Canonical(key)))

	result, err := eng.Optimizer.OptimizeRequest(ctx, Request{Type: "render"},
		func(ctx context.Context, conn *pool.Conn) (json.RawMessage, error) {
			return json.RawMessage(`"rendered"`), nil
		})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"rendered"`), result)

	require.NoError(t, eng.Close())
}

// gaugeRecorder captures gauge writes so tests can assert on the values
// the aggregation loop publishes
type gaugeRecorder struct {
	observability.NoopMetricsClient
	mu     sync.Mutex
	gauges map[string]float64
}

func newGaugeRecorder() *gaugeRecorder {
	return &gaugeRecorder{gauges: map[string]float64{}}
}

func (r *gaugeRecorder) RecordGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *gaugeRecorder) gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

func TestEngineAggregatesMetricsIntoGauges(t *testing.T) {
	cfg := engineConfig(t, "")
	ctx := context.Background()
	rec := newGaugeRecorder()

	factory := pool.FactoryFuncs{
		CreateFunc: func(ctx context.Context, connType string) (interface{}, error) {
			return struct{}{}, nil
		},
	}
	eng, err := New(ctx, cfg, Options{ConnFactory: factory, Metrics: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	key := cachekey.Key{Type: "asset", ID: "a1"}
	require.NoError(t, eng.Strategy.Set(ctx, key, json.RawMessage(`1`), cache.PriorityNormal))
	_, err = eng.Strategy.Get(ctx, key)
	require.NoError(t, err)

	// Publish while the handler holds its pooled connection so the
	// connection gauge reflects a live acquisition
	_, err = eng.Optimizer.OptimizeRequest(ctx, Request{Type: "render"},
		func(ctx context.Context, conn *pool.Conn) (json.RawMessage, error) {
			eng.publishMetrics()
			return json.RawMessage(`"ok"`), nil
		})
	require.NoError(t, err)

	assert.Equal(t, 1.0, rec.gauge("cache_active_connections"))
	assert.Greater(t, rec.gauge("cache_hit_rate"), 0.0)
	assert.EqualValues(t, 1, eng.store.Metrics().Snapshot().ActiveConnections)
}

func TestEngineMemoryOnly(t *testing.T) {
	cfg := engineConfig(t, "")
	ctx := context.Background()

	eng, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	key := cachekey.Key{Type: "asset", ID: "a1"}
	require.NoError(t, eng.Strategy.Set(ctx, key, json.RawMessage(`1`), cache.PriorityNormal))

	got, err := eng.Strategy.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`1`), got)

	_, err = eng.Strategy.Get(ctx, cachekey.Key{Type: "asset", ID: "missing"})
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
