package cache

import (
	"sync"
	"time"
)

// ewmaAlpha is the smoothing factor for all rolling rates
const ewmaAlpha = 0.1

// Metrics holds exponentially-weighted moving averages of cache behavior
// plus point-in-time counters. All methods are safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	hitRate           float64
	missRate          float64
	evictionRate      float64
	avgResponseTimeMs float64
	errorRate         float64
	predictiveHitRate float64

	memoryUsageBytes  int64
	activeConnections int64
	totalRequests     int64
	seeded            bool
}

// NewMetrics creates an empty metrics accumulator
func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time copy of the rolling metrics
type MetricsSnapshot struct {
	HitRate           float64 `json:"hit_rate"`
	MissRate          float64 `json:"miss_rate"`
	EvictionRate      float64 `json:"eviction_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	PredictiveHitRate float64 `json:"predictive_hit_rate"`
	MemoryUsageBytes  int64   `json:"memory_usage_bytes"`
	ActiveConnections int64   `json:"active_connections"`
	TotalRequests     int64   `json:"total_requests"`
}

// ObserveHit records a cache hit and its latency
func (m *Metrics) ObserveHit(latency time.Duration) {
	m.observe(1, 0, 0, latency)
}

// ObserveMiss records a cache miss and its latency
func (m *Metrics) ObserveMiss(latency time.Duration) {
	m.observe(0, 1, 0, latency)
}

// ObservePredictiveHit records a hit served from a learned pattern
func (m *Metrics) ObservePredictiveHit(latency time.Duration) {
	m.observe(1, 0, 0, latency)
	m.mu.Lock()
	m.predictiveHitRate = ewma(m.predictiveHitRate, 1)
	m.mu.Unlock()
}

// ObservePredictiveMiss records a request that carried prediction context
// but could not be served from a learned pattern, decaying the rate.
func (m *Metrics) ObservePredictiveMiss() {
	m.mu.Lock()
	m.predictiveHitRate = ewma(m.predictiveHitRate, 0)
	m.mu.Unlock()
}

// ObserveError records a failed cache operation
func (m *Metrics) ObserveError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.errorRate = ewma(m.errorRate, 1)
}

// ObserveEviction records entries evicted from a tier
func (m *Metrics) ObserveEviction(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictionRate = ewma(m.evictionRate, float64(count))
}

// SetMemoryUsage updates the point-in-time memory usage gauge
func (m *Metrics) SetMemoryUsage(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryUsageBytes = bytes
}

// SetActiveConnections updates the point-in-time connection gauge
func (m *Metrics) SetActiveConnections(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections = n
}

// Snapshot returns a copy of the current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		HitRate:           m.hitRate,
		MissRate:          m.missRate,
		EvictionRate:      m.evictionRate,
		AvgResponseTimeMs: m.avgResponseTimeMs,
		ErrorRate:         m.errorRate,
		PredictiveHitRate: m.predictiveHitRate,
		MemoryUsageBytes:  m.memoryUsageBytes,
		ActiveConnections: m.activeConnections,
		TotalRequests:     m.totalRequests,
	}
}

func (m *Metrics) observe(hit, miss, errVal float64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	latencyMs := float64(latency) / float64(time.Millisecond)
	if !m.seeded {
		// Seed the rolling averages from the first observation so early
		// snapshots are not dragged toward zero.
		m.hitRate = hit
		m.missRate = miss
		m.avgResponseTimeMs = latencyMs
		m.seeded = true
		return
	}

	m.hitRate = ewma(m.hitRate, hit)
	m.missRate = ewma(m.missRate, miss)
	m.errorRate = ewma(m.errorRate, errVal)
	m.avgResponseTimeMs = ewma(m.avgResponseTimeMs, latencyMs)
}

func ewma(current, sample float64) float64 {
	return ewmaAlpha*sample + (1-ewmaAlpha)*current
}
