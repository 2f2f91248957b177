// Package admission bounds how many requests execute concurrently and
// reorders the rest in a multi-level priority queue.
package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/storyintelligence/cache-engine/pkg/observability"
)

// Admission errors
var (
	// ErrRequestTimeout is returned when a request's own timeout elapses
	// while it is still queued
	ErrRequestTimeout = errors.New("request timed out waiting for admission")

	// ErrClosed is returned on enqueue after Close
	ErrClosed = errors.New("admission controller is closed")
)

// Config holds admission configuration
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// MaxConcurrent caps requests executing at once
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// PriorityLevels is the number of buckets; level 0 is the highest
	PriorityLevels int `mapstructure:"priority_levels"`

	// DefaultTimeout applies to requests that carry none
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// LatencySensitiveTypes are request types bumped one level up
	LatencySensitiveTypes []string `mapstructure:"latency_sensitive_types"`

	// PeakHourStart and PeakHourEnd bound the daily window (local hours)
	// in which all requests are bumped one level up
	PeakHourStart int `mapstructure:"peak_hour_start"`
	PeakHourEnd   int `mapstructure:"peak_hour_end"`
}

// Request describes one unit of work seeking admission
type Request struct {
	ID           string
	Type         string
	UserID       string
	BasePriority int
	RetryAttempt int
	NewUser      bool
	Timeout      time.Duration
}

type queued struct {
	req        Request
	level      int
	urgency    float64
	seq        uint64
	enqueuedAt time.Time
	admit      chan struct{}
	admitted   bool
	abandoned  bool

	// err is set under the controller lock before admit is closed when the
	// wakeup is a rejection rather than an admission
	err error
}

// Controller admits up to MaxConcurrent requests and queues the rest in
// priority buckets. Buckets drain highest-priority-first; within a bucket,
// highest urgency first with FIFO tie-breaks.
type Controller struct {
	mu      sync.Mutex
	config  Config
	buckets [][]*queued
	active  map[string]struct{}
	seq     uint64
	closed  bool

	// nowFunc is swapped in tests to pin the peak-hour window
	nowFunc func() time.Time

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Stats is a point-in-time view of the controller
type Stats struct {
	Active  int `json:"active"`
	Queued  int `json:"queued"`
	MaxSlot int `json:"max_concurrent"`
}

// NewController creates an admission controller
func NewController(config Config, logger observability.Logger, metrics observability.MetricsClient) *Controller {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 50
	}
	if config.PriorityLevels <= 0 {
		config.PriorityLevels = 4
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Controller{
		config:  config,
		buckets: make([][]*queued, config.PriorityLevels),
		active:  make(map[string]struct{}),
		nowFunc: time.Now,
		logger:  logger.WithPrefix("admission"),
		metrics: metrics,
	}
}

// Enqueue blocks until the request is admitted or its timeout elapses. It
// returns the request ID to pass to Complete. When admission is disabled the
// request is admitted immediately.
func (c *Controller) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if !c.config.Enabled {
		return req.ID, nil
	}
	if req.Timeout <= 0 {
		req.Timeout = c.config.DefaultTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}

	if len(c.active) < c.config.MaxConcurrent {
		c.active[req.ID] = struct{}{}
		c.mu.Unlock()
		return req.ID, nil
	}

	q := &queued{
		req:        req,
		level:      c.effectiveLevel(req),
		urgency:    c.urgencyScore(req),
		seq:        c.nextSeqLocked(),
		enqueuedAt: c.nowFunc(),
		admit:      make(chan struct{}),
	}
	c.buckets[q.level] = append(c.buckets[q.level], q)
	queuedTotal := c.queuedLocked()
	c.mu.Unlock()

	c.metrics.RecordGauge("admission_queued", float64(queuedTotal), nil)

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case <-q.admit:
		c.mu.Lock()
		err := q.err
		c.mu.Unlock()
		if err != nil {
			return "", err
		}
		return req.ID, nil
	case <-timer.C:
		if err := c.abandon(q, ErrRequestTimeout); err != nil {
			return "", err
		}
		return req.ID, nil
	case <-ctx.Done():
		if err := c.abandon(q, ctx.Err()); err != nil {
			return "", err
		}
		return req.ID, nil
	}
}

// Complete releases the slot held by requestID and admits the next queued
// request, if any.
func (c *Controller) Complete(requestID string) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.active, requestID)
	c.dispatchLocked()
}

// GetStats returns controller statistics
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:  len(c.active),
		Queued:  c.queuedLocked(),
		MaxSlot: c.config.MaxConcurrent,
	}
}

// Close rejects all queued requests, waking their blocked Enqueue calls
// with ErrClosed, and refuses new ones.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for level := range c.buckets {
		for _, q := range c.buckets[level] {
			if q.admitted || q.abandoned {
				continue
			}
			q.abandoned = true
			q.err = ErrClosed
			close(q.admit)
		}
		c.buckets[level] = nil
	}
}

// effectiveLevel derives the bucket from the base priority. Every
// adjustment strictly increases urgency; the result never goes below 0.
func (c *Controller) effectiveLevel(req Request) int {
	level := req.BasePriority
	if level >= c.config.PriorityLevels {
		level = c.config.PriorityLevels - 1
	}
	if req.NewUser {
		level--
	}
	if req.RetryAttempt > 0 {
		level--
	}
	if c.isLatencySensitive(req.Type) {
		level--
	}
	if c.inPeakWindow(c.nowFunc()) {
		level--
	}
	if level < 0 {
		level = 0
	}
	return level
}

// urgencyScore orders requests within a bucket. Deterministic for a given
// request; ties fall back to enqueue order.
func (c *Controller) urgencyScore(req Request) float64 {
	score := 0.0
	if req.NewUser {
		score += 2.0
	}
	score += float64(req.RetryAttempt) * 1.5
	if c.isLatencySensitive(req.Type) {
		score += 3.0
	}
	return score
}

func (c *Controller) isLatencySensitive(reqType string) bool {
	for _, t := range c.config.LatencySensitiveTypes {
		if t == reqType {
			return true
		}
	}
	return false
}

func (c *Controller) inPeakWindow(now time.Time) bool {
	if c.config.PeakHourStart == c.config.PeakHourEnd {
		return false
	}
	hour := now.Hour()
	if c.config.PeakHourStart < c.config.PeakHourEnd {
		return hour >= c.config.PeakHourStart && hour < c.config.PeakHourEnd
	}
	// Window wraps midnight
	return hour >= c.config.PeakHourStart || hour < c.config.PeakHourEnd
}

func (c *Controller) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

func (c *Controller) queuedLocked() int {
	total := 0
	for _, bucket := range c.buckets {
		for _, q := range bucket {
			if !q.abandoned {
				total++
			}
		}
	}
	return total
}

// dispatchLocked admits queued requests while slots are free, draining
// buckets highest-priority-first.
func (c *Controller) dispatchLocked() {
	for len(c.active) < c.config.MaxConcurrent {
		q := c.popNextLocked()
		if q == nil {
			return
		}
		q.admitted = true
		c.active[q.req.ID] = struct{}{}
		close(q.admit)
	}
}

func (c *Controller) popNextLocked() *queued {
	for level := 0; level < len(c.buckets); level++ {
		bucket := c.buckets[level]
		if len(bucket) == 0 {
			continue
		}
		// Highest urgency first, FIFO within equal urgency
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].urgency != bucket[j].urgency {
				return bucket[i].urgency > bucket[j].urgency
			}
			return bucket[i].seq < bucket[j].seq
		})

		for len(bucket) > 0 {
			q := bucket[0]
			bucket = bucket[1:]
			if q.abandoned {
				continue
			}
			c.buckets[level] = bucket
			return q
		}
		c.buckets[level] = bucket
	}
	return nil
}

// abandon removes a queued request after its timeout or cancellation. A
// request admitted before the timer was processed is still delivered.
func (c *Controller) abandon(q *queued, cause error) error {
	c.mu.Lock()
	if q.admitted {
		c.mu.Unlock()
		return nil
	}
	q.abandoned = true
	c.mu.Unlock()

	if errors.Is(cause, ErrRequestTimeout) {
		c.metrics.RecordCounter("admission_timeouts_total", 1, nil)
	}
	return cause
}
