// Package timeout maintains a self-tuning timeout per request type from
// rolling success and timeout statistics.
package timeout

import (
	"sync"
	"time"

	"github.com/storyintelligence/cache-engine/pkg/observability"
)

const (
	// maxHistory bounds the per-type adjustment history
	maxHistory = 20

	// statsAlpha smooths the rolling latency and rate statistics
	statsAlpha = 0.2
)

// Config holds timeout controller configuration
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// Base is both the starting timeout and the floor anchor: adapted
	// values never drop below 0.5 x Base
	Base time.Duration `mapstructure:"base"`

	// Max caps the adapted timeout
	Max time.Duration `mapstructure:"max"`

	// AdjustmentFactor smooths each recalculation step, e.g. 0.1
	AdjustmentFactor float64 `mapstructure:"adjustment_factor"`

	// RecalcInterval is the recalculation cadence; adjustment happens on
	// this cadence, never per request
	RecalcInterval time.Duration `mapstructure:"recalc_interval"`

	// PeakHourStart and PeakHourEnd bound the daily window in which
	// timeouts are inflated
	PeakHourStart int `mapstructure:"peak_hour_start"`
	PeakHourEnd   int `mapstructure:"peak_hour_end"`
}

// Complexity is the caller-declared cost class of a request
type Complexity string

// Complexity classes
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// CallContext carries per-call modifiers applied on top of the per-type
// adaptive value.
type CallContext struct {
	// RetryAttempt widens the timeout on each successive attempt
	RetryAttempt int

	// Complexity scales by declared request cost
	Complexity Complexity

	// SystemLoad is a 0..1 load hint; higher load widens the timeout
	SystemLoad float64

	// PriorityTier 0 (highest) gets headroom over best-effort tiers
	PriorityTier int
}

// Adjustment is one recorded timeout change
type Adjustment struct {
	Timestamp time.Time     `json:"timestamp"`
	Old       time.Duration `json:"old"`
	New       time.Duration `json:"new"`
	Reason    string        `json:"reason"`
}

// typeStats is the rolling state for one request type
type typeStats struct {
	avgLatencyMs   float64
	successRate    float64
	timeoutRate    float64
	currentTimeout time.Duration
	seeded         bool

	// counts since the last recalculation
	successes int
	failures  int
	timeouts  int

	history []Adjustment
}

// Stats is an exported snapshot of one type's timeout state
type Stats struct {
	AvgLatencyMs   float64       `json:"avg_latency_ms"`
	SuccessRate    float64       `json:"success_rate"`
	TimeoutRate    float64       `json:"timeout_rate"`
	CurrentTimeout time.Duration `json:"current_timeout"`
	History        []Adjustment  `json:"history"`
}

// Controller owns the per-type adaptive timeouts. All methods are safe for
// concurrent use.
type Controller struct {
	mu     sync.Mutex
	config Config
	types  map[string]*typeStats

	nowFunc   func() time.Time
	done      chan struct{}
	closeOnce sync.Once

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewController creates a timeout controller. When adaptation is enabled a
// background recalculation loop runs until Close.
func NewController(config Config, logger observability.Logger, metrics observability.MetricsClient) *Controller {
	if config.Base <= 0 {
		config.Base = 10 * time.Second
	}
	if config.Max <= 0 {
		config.Max = 60 * time.Second
	}
	if config.AdjustmentFactor <= 0 || config.AdjustmentFactor > 1 {
		config.AdjustmentFactor = 0.1
	}
	if config.RecalcInterval <= 0 {
		config.RecalcInterval = time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	c := &Controller{
		config:  config,
		types:   make(map[string]*typeStats),
		nowFunc: time.Now,
		done:    make(chan struct{}),
		logger:  logger.WithPrefix("timeout-controller"),
		metrics: metrics,
	}
	if config.Enabled {
		go c.recalcLoop()
	}
	return c
}

// GetTimeout returns the timeout to apply for one call of the given type.
// With adaptation disabled it returns Base with the context modifiers only.
func (c *Controller) GetTimeout(reqType string, callCtx *CallContext) time.Duration {
	base := c.config.Base
	if c.config.Enabled {
		c.mu.Lock()
		if ts, ok := c.types[reqType]; ok && ts.currentTimeout > 0 {
			base = ts.currentTimeout
		}
		c.mu.Unlock()
	}

	adjusted := time.Duration(float64(base) * c.contextMultiplier(callCtx))
	return clamp(adjusted, c.config.Base/2, c.config.Max)
}

// RecordSuccess feeds a successful call's latency into the rolling stats
func (c *Controller) RecordSuccess(reqType string, latency time.Duration) {
	c.record(reqType, latency, func(ts *typeStats) { ts.successes++ })
}

// RecordFailure feeds a failed (non-timeout) call into the rolling stats
func (c *Controller) RecordFailure(reqType string, latency time.Duration) {
	c.record(reqType, latency, func(ts *typeStats) { ts.failures++ })
}

// RecordTimeout feeds a timed-out call into the rolling stats
func (c *Controller) RecordTimeout(reqType string, latency time.Duration) {
	c.record(reqType, latency, func(ts *typeStats) { ts.timeouts++ })
}

// GetStats returns a snapshot for one request type
func (c *Controller) GetStats(reqType string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.types[reqType]
	if !ok {
		return Stats{}, false
	}
	history := make([]Adjustment, len(ts.history))
	copy(history, ts.history)
	return Stats{
		AvgLatencyMs:   ts.avgLatencyMs,
		SuccessRate:    ts.successRate,
		TimeoutRate:    ts.timeoutRate,
		CurrentTimeout: ts.currentTimeout,
		History:        history,
	}, true
}

// Close stops the recalculation loop
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Controller) record(reqType string, latency time.Duration, count func(*typeStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.typeStatsLocked(reqType)
	count(ts)
	latencyMs := float64(latency) / float64(time.Millisecond)
	if !ts.seeded {
		ts.avgLatencyMs = latencyMs
		ts.seeded = true
		return
	}
	ts.avgLatencyMs = statsAlpha*latencyMs + (1-statsAlpha)*ts.avgLatencyMs
}

func (c *Controller) typeStatsLocked(reqType string) *typeStats {
	ts, ok := c.types[reqType]
	if !ok {
		ts = &typeStats{
			currentTimeout: c.config.Base,
			successRate:    1.0,
		}
		c.types[reqType] = ts
	}
	return ts
}

func (c *Controller) recalcLoop() {
	ticker := time.NewTicker(c.config.RecalcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RecalculateAll()
		case <-c.done:
			return
		}
	}
}

// RecalculateAll re-derives every type's timeout from its rolling stats.
// Exported so tests can drive adjustment cycles deterministically.
func (c *Controller) RecalculateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for reqType, ts := range c.types {
		c.recalcTypeLocked(reqType, ts, now)
	}
}

func (c *Controller) recalcTypeLocked(reqType string, ts *typeStats, now time.Time) {
	total := ts.successes + ts.failures + ts.timeouts
	if total > 0 {
		windowSuccess := float64(ts.successes) / float64(total)
		windowTimeout := float64(ts.timeouts) / float64(total)
		ts.successRate = statsAlpha*windowSuccess + (1-statsAlpha)*ts.successRate
		ts.timeoutRate = statsAlpha*windowTimeout + (1-statsAlpha)*ts.timeoutRate
	}
	ts.successes, ts.failures, ts.timeouts = 0, 0, 0

	if ts.avgLatencyMs <= 0 {
		return
	}

	// Steer toward twice the observed average latency, inflated while the
	// type is struggling, trimmed when it is consistently healthy.
	target := 2 * ts.avgLatencyMs
	reason := "track_latency"
	switch {
	case ts.timeoutRate > 0.1:
		target *= 1.5
		reason = "high_timeout_rate"
	case ts.successRate < 0.9:
		target *= 1.3
		reason = "low_success_rate"
	case ts.successRate > 0.98 && ts.timeoutRate < 0.01:
		target *= 0.95
		reason = "healthy"
	}

	old := ts.currentTimeout
	stepped := float64(old) + c.config.AdjustmentFactor*(target*float64(time.Millisecond)-float64(old))
	next := clamp(time.Duration(stepped), c.config.Base/2, c.config.Max)
	if next == old {
		return
	}

	ts.currentTimeout = next
	ts.history = append(ts.history, Adjustment{Timestamp: now, Old: old, New: next, Reason: reason})
	if len(ts.history) > maxHistory {
		ts.history = ts.history[len(ts.history)-maxHistory:]
	}
	c.metrics.RecordGauge("adaptive_timeout_ms", float64(next)/float64(time.Millisecond), map[string]string{"type": reqType})
}

// contextMultiplier folds the per-call modifiers into one factor. Each
// modifier is independent and multiplicative.
func (c *Controller) contextMultiplier(callCtx *CallContext) float64 {
	if callCtx == nil {
		callCtx = &CallContext{}
	}
	m := 1.0

	if callCtx.RetryAttempt > 0 {
		retry := 1 + 0.5*float64(callCtx.RetryAttempt)
		if retry > 2.5 {
			retry = 2.5
		}
		m *= retry
	}

	switch callCtx.Complexity {
	case ComplexityLow:
		m *= 0.8
	case ComplexityHigh:
		m *= 1.5
	}

	if callCtx.SystemLoad > 0 {
		load := callCtx.SystemLoad
		if load > 1 {
			load = 1
		}
		m *= 1 + 0.5*load
	}

	if callCtx.PriorityTier == 0 {
		m *= 1.25
	}

	if c.inPeakWindow(c.nowFunc()) {
		m *= 1.2
	}
	return m
}

func (c *Controller) inPeakWindow(now time.Time) bool {
	if c.config.PeakHourStart == c.config.PeakHourEnd {
		return false
	}
	hour := now.Hour()
	if c.config.PeakHourStart < c.config.PeakHourEnd {
		return hour >= c.config.PeakHourStart && hour < c.config.PeakHourEnd
	}
	return hour >= c.config.PeakHourStart || hour < c.config.PeakHourEnd
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
