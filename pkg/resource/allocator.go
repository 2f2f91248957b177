// Package resource tracks usage of finite resources against budgets,
// grants or denies allocations, and adaptively scales budgets under
// sustained pressure.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/storyintelligence/cache-engine/pkg/observability"
)

// ErrExhausted is returned when an allocation would exceed the current budget
var ErrExhausted = errors.New("resource budget exhausted")

// sustainedSamples is how many consecutive evaluation samples must sit
// beyond a threshold before a scaling event fires
const sustainedSamples = 2

// Kind identifies a tracked resource
type Kind string

// Tracked resource kinds
const (
	KindMemory      Kind = "memory"
	KindRequests    Kind = "requests"
	KindConnections Kind = "connections"
	KindBandwidth   Kind = "bandwidth"
)

// Kinds lists every tracked resource kind
var Kinds = []Kind{KindMemory, KindRequests, KindConnections, KindBandwidth}

// Budget holds the configured limits per resource kind
type Budget struct {
	MaxMemoryBytes        int64 `mapstructure:"max_memory_bytes"`
	MaxConcurrentRequests int64 `mapstructure:"max_concurrent_requests"`
	MaxConnections        int64 `mapstructure:"max_connections"`
	MaxBandwidthBytes     int64 `mapstructure:"max_bandwidth_bytes"`
}

func (b Budget) limit(kind Kind) int64 {
	switch kind {
	case KindMemory:
		return b.MaxMemoryBytes
	case KindRequests:
		return b.MaxConcurrentRequests
	case KindConnections:
		return b.MaxConnections
	case KindBandwidth:
		return b.MaxBandwidthBytes
	default:
		return 0
	}
}

// ScalingConfig controls adaptive budget scaling
type ScalingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ScaleUpThresholdPct and ScaleDownThresholdPct bound the hysteresis
	// band, expressed as 0-100 percentages of the current budget
	ScaleUpThresholdPct   float64 `mapstructure:"scale_up_threshold_pct"`
	ScaleDownThresholdPct float64 `mapstructure:"scale_down_threshold_pct"`

	// Cooldown must elapse between scaling events in either direction
	Cooldown time.Duration `mapstructure:"cooldown"`

	// Factor is the multiplicative step per scaling event
	Factor float64 `mapstructure:"factor"`

	// MaxFactor bounds how far budgets may grow above the configured values
	MaxFactor float64 `mapstructure:"max_factor"`

	// EvaluateInterval is the sampling cadence
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
}

// ScalingState is the scaling state machine's current phase
type ScalingState string

// Scaling states. A direction change is rejected while not idle.
const (
	ScalingIdle     ScalingState = "idle"
	ScalingUp       ScalingState = "scaling_up"
	ScalingDown     ScalingState = "scaling_down"
	ScalingCooldown ScalingState = "cooldown"
)

// Allocator tracks resource usage against budgets. All methods are safe for
// concurrent use.
type Allocator struct {
	mu sync.Mutex

	// original is the configured budget; scaling never lowers budgets
	// below it
	original Budget
	current  Budget
	usage    map[Kind]int64

	scaling       ScalingConfig
	state         ScalingState
	cooldownUntil time.Time
	scaleEvents   int64

	// consecutive samples beyond a threshold; scaling needs sustained
	// pressure, not a single spike
	consecutiveHigh int
	consecutiveLow  int

	throttle *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Stats is a point-in-time view of allocator state
type Stats struct {
	Usage       map[Kind]int64 `json:"usage"`
	Budget      map[Kind]int64 `json:"budget"`
	State       ScalingState   `json:"state"`
	ScaleEvents int64          `json:"scale_events"`
}

// NewAllocator creates an allocator with the given budget
func NewAllocator(budget Budget, scaling ScalingConfig, logger observability.Logger, metrics observability.MetricsClient) *Allocator {
	if scaling.ScaleUpThresholdPct <= 0 {
		scaling.ScaleUpThresholdPct = 80
	}
	if scaling.ScaleDownThresholdPct <= 0 {
		scaling.ScaleDownThresholdPct = 30
	}
	if scaling.Cooldown <= 0 {
		scaling.Cooldown = time.Minute
	}
	if scaling.Factor <= 1.0 {
		scaling.Factor = 1.5
	}
	if scaling.MaxFactor <= 1.0 {
		scaling.MaxFactor = 4.0
	}
	if scaling.EvaluateInterval <= 0 {
		scaling.EvaluateInterval = 5 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	a := &Allocator{
		original: budget,
		current:  budget,
		usage:    make(map[Kind]int64, len(Kinds)),
		scaling:  scaling,
		state:    ScalingIdle,
		throttle: rate.NewLimiter(rate.Every(10*time.Millisecond), 100),
		done:     make(chan struct{}),
		logger:   logger.WithPrefix("resource-allocator"),
		metrics:  metrics,
	}

	if scaling.Enabled {
		go a.evaluateLoop()
	}
	return a
}

// Allocate requests amount units of kind. It returns false when granting
// would exceed the current budget; the caller may evict and retry once.
func (a *Allocator) Allocate(kind Kind, amount int64) bool {
	if amount <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.current.limit(kind)
	if limit > 0 && a.usage[kind]+amount > limit {
		a.metrics.RecordCounter("resource_denied_total", 1, map[string]string{"kind": string(kind)})
		return false
	}
	a.usage[kind] += amount
	return true
}

// Release returns amount units of kind. Usage never goes negative.
func (a *Allocator) Release(kind Kind, amount int64) {
	if amount <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.usage[kind] -= amount
	if a.usage[kind] < 0 {
		a.logger.Warn("release without matching allocate", map[string]interface{}{"kind": string(kind)})
		a.usage[kind] = 0
	}
}

// WithResource runs fn while holding amount units of kind, guaranteeing the
// release on every exit path including panics.
func (a *Allocator) WithResource(ctx context.Context, kind Kind, amount int64, fn func(ctx context.Context) error) error {
	if !a.Allocate(kind, amount) {
		return errors.Wrapf(ErrExhausted, "%s x%d", kind, amount)
	}
	defer a.Release(kind, amount)
	return fn(ctx)
}

// ShouldThrottle reports whether callers should back off before submitting
// more work.
func (a *Allocator) ShouldThrottle() bool {
	return a.pressure() >= a.scaling.ScaleUpThresholdPct/100
}

// ThrottleDelay returns how long a throttled caller should wait. The delay
// grows with pressure and is paced by a shared rate limiter so a burst of
// throttled callers does not thundering-herd back in.
func (a *Allocator) ThrottleDelay() time.Duration {
	p := a.pressure()
	if p < a.scaling.ScaleUpThresholdPct/100 {
		return 0
	}
	base := time.Duration(float64(100*time.Millisecond) * p * 2)
	reservation := a.throttle.Reserve()
	if !reservation.OK() {
		return base
	}
	return base + reservation.Delay()
}

// Usage returns the current usage for kind
func (a *Allocator) Usage(kind Kind) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[kind]
}

// BudgetFor returns the current (possibly scaled) budget for kind
func (a *Allocator) BudgetFor(kind Kind) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.limit(kind)
}

// State returns the scaling state machine's current phase
func (a *Allocator) State() ScalingState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// GetStats returns a snapshot of usage, budgets and scaling state
func (a *Allocator) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := make(map[Kind]int64, len(Kinds))
	budget := make(map[Kind]int64, len(Kinds))
	for _, kind := range Kinds {
		usage[kind] = a.usage[kind]
		budget[kind] = a.current.limit(kind)
	}
	return Stats{Usage: usage, Budget: budget, State: a.state, ScaleEvents: a.scaleEvents}
}

// Close stops the background scaling evaluator
func (a *Allocator) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// pressure returns the highest usage/budget ratio across kinds
func (a *Allocator) pressure() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pressureLocked()
}

func (a *Allocator) pressureLocked() float64 {
	max := 0.0
	for _, kind := range Kinds {
		limit := a.current.limit(kind)
		if limit <= 0 {
			continue
		}
		p := float64(a.usage[kind]) / float64(limit)
		if p > max {
			max = p
		}
	}
	return max
}

func (a *Allocator) evaluateLoop() {
	ticker := time.NewTicker(a.scaling.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.EvaluateScaling(time.Now())
		case <-a.done:
			return
		}
	}
}

// EvaluateScaling runs one scaling evaluation. Exported so tests can drive
// the state machine without waiting on the ticker.
func (a *Allocator) EvaluateScaling(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Leave cooldown once the window has elapsed
	if a.state == ScalingCooldown && now.After(a.cooldownUntil) {
		a.state = ScalingIdle
	}
	if a.state != ScalingIdle {
		return
	}

	pressure := a.pressureLocked() * 100
	switch {
	case pressure >= a.scaling.ScaleUpThresholdPct:
		a.consecutiveHigh++
		a.consecutiveLow = 0
	case pressure <= a.scaling.ScaleDownThresholdPct:
		a.consecutiveLow++
		a.consecutiveHigh = 0
	default:
		a.consecutiveHigh = 0
		a.consecutiveLow = 0
	}

	switch {
	case a.consecutiveHigh >= sustainedSamples:
		a.consecutiveHigh = 0
		a.state = ScalingUp
		a.applyFactorLocked(a.scaling.Factor)
		a.finishTransitionLocked(now, "scale_up", pressure)
	case a.consecutiveLow >= sustainedSamples && a.scaledUpLocked():
		a.consecutiveLow = 0
		a.state = ScalingDown
		a.applyFactorLocked(1 / a.scaling.Factor)
		a.finishTransitionLocked(now, "scale_down", pressure)
	}
}

// applyFactorLocked multiplies every budget by factor, clamped between the
// original budget and original x MaxFactor.
func (a *Allocator) applyFactorLocked(factor float64) {
	scale := func(current, original int64) int64 {
		if original <= 0 {
			return current
		}
		scaled := int64(float64(current) * factor)
		maxVal := int64(float64(original) * a.scaling.MaxFactor)
		if scaled > maxVal {
			scaled = maxVal
		}
		if scaled < original {
			scaled = original
		}
		return scaled
	}
	a.current.MaxMemoryBytes = scale(a.current.MaxMemoryBytes, a.original.MaxMemoryBytes)
	a.current.MaxConcurrentRequests = scale(a.current.MaxConcurrentRequests, a.original.MaxConcurrentRequests)
	a.current.MaxConnections = scale(a.current.MaxConnections, a.original.MaxConnections)
	a.current.MaxBandwidthBytes = scale(a.current.MaxBandwidthBytes, a.original.MaxBandwidthBytes)
}

func (a *Allocator) scaledUpLocked() bool {
	for _, kind := range Kinds {
		if a.current.limit(kind) > a.original.limit(kind) {
			return true
		}
	}
	return false
}

func (a *Allocator) finishTransitionLocked(now time.Time, direction string, pressure float64) {
	a.scaleEvents++
	a.state = ScalingCooldown
	a.cooldownUntil = now.Add(a.scaling.Cooldown)
	a.logger.Info("budget scaling applied", map[string]interface{}{
		"direction":    direction,
		"pressure_pct": pressure,
	})
	a.metrics.RecordCounter("resource_scale_events_total", 1, map[string]string{"direction": direction})
}
