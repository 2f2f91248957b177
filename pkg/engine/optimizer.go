package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/storyintelligence/cache-engine/pkg/admission"
	"github.com/storyintelligence/cache-engine/pkg/cache"
	"github.com/storyintelligence/cache-engine/pkg/observability"
	"github.com/storyintelligence/cache-engine/pkg/pool"
	"github.com/storyintelligence/cache-engine/pkg/prediction"
	"github.com/storyintelligence/cache-engine/pkg/timeout"
)

// ErrRequestTimeout is returned when the handler exceeds the current
// adaptive timeout. Queue-expiry timeouts surface admission.ErrRequestTimeout.
var ErrRequestTimeout = errors.New("request exceeded adaptive timeout")

// transientError marks a handler failure as retryable
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error so the optimizer's retry policy treats it as
// retryable. Unwrapped handler errors are treated as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error was marked retryable
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// RetryPolicy bounds the optimizer's retry loop
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy returns the standard bounded exponential policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}
}

// Request describes one unit of work submitted to the optimizer
type Request struct {
	ID           string
	Type         string
	UserID       string
	Priority     int
	RetryAttempt int
	NewUser      bool

	// ConnectionType selects the pool the handler's connection comes from;
	// empty means the request type's pool
	ConnectionType string

	// Complexity and SystemLoad feed the adaptive timeout's call context
	Complexity timeout.Complexity
	SystemLoad float64

	// PredictionContext, when set, enables the predictive shortcut and
	// template learning for this request
	PredictionContext prediction.Context

	// QueueTimeout bounds the admission wait; zero uses the controller default
	QueueTimeout time.Duration
}

// Handler produces the response for a request over a pooled connection
type Handler func(ctx context.Context, conn *pool.Conn) (json.RawMessage, error)

// Result is one entry of a batch response
type Result struct {
	RequestID string
	Value     json.RawMessage
	Err       error
}

// PerformanceReport aggregates the optimizer's component statistics
type PerformanceReport struct {
	Admission admission.Stats          `json:"admission"`
	Pools     map[string]pool.Stats    `json:"pools"`
	Timeouts  map[string]timeout.Stats `json:"timeouts"`
	Patterns  map[string]int           `json:"patterns"`
}

// LatencyOptimizer runs caller-supplied handlers under admission control,
// pooled connections and adaptive timeouts, with a predictive shortcut that
// can answer from a learned response template without invoking the handler.
type LatencyOptimizer struct {
	admission *admission.Controller
	pool      *pool.Pool
	timeouts  *timeout.Controller
	predictor *prediction.Predictor
	retry     RetryPolicy

	// reportTypes remembers request types seen, for the performance report
	reportTypes *typeSet

	// cacheMetrics, when attached, receives predictive hit and miss samples
	// so the store's rolling rates cover template-served responses too
	cacheMetrics *cache.Metrics

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewLatencyOptimizer composes the admission controller, connection pool,
// timeout controller and predictor around caller handlers.
func NewLatencyOptimizer(adm *admission.Controller, connPool *pool.Pool, timeouts *timeout.Controller, predictor *prediction.Predictor, retry RetryPolicy, logger observability.Logger, metrics observability.MetricsClient) *LatencyOptimizer {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &LatencyOptimizer{
		admission:   adm,
		pool:        connPool,
		timeouts:    timeouts,
		predictor:   predictor,
		retry:       retry,
		reportTypes: newTypeSet(),
		logger:      logger.WithPrefix("latency-optimizer"),
		metrics:     metrics,
	}
}

// AttachCacheMetrics wires the store's rolling metrics into the predictive
// shortcut. Call before serving requests; not safe to swap concurrently.
func (o *LatencyOptimizer) AttachCacheMetrics(m *cache.Metrics) {
	o.cacheMetrics = m
}

// OptimizeRequest runs the handler for the request. A confident pattern
// template answers immediately without invoking the handler; otherwise the
// request is admitted, given a pooled connection, and raced against the
// current adaptive timeout. Retryable failures are retried with exponential
// backoff per the configured policy.
func (o *LatencyOptimizer) OptimizeRequest(ctx context.Context, req Request, handler Handler) (json.RawMessage, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	o.reportTypes.add(req.Type)

	if value, ok := o.predictiveShortcut(req); ok {
		return value, nil
	}

	policy := backoff.WithContext(o.newBackOff(), ctx)
	attempt := 0

	var value json.RawMessage
	err := backoff.Retry(func() error {
		attemptReq := req
		attemptReq.RetryAttempt = req.RetryAttempt + attempt
		attempt++

		v, err := o.runOnce(ctx, attemptReq, handler)
		if err != nil {
			if o.retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		value = v
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// BatchOptimize runs every request, preserving input order in the results.
// Individual failures do not abort the batch.
func (o *LatencyOptimizer) BatchOptimize(ctx context.Context, reqs []Request, handler Handler) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		value, err := o.OptimizeRequest(ctx, req, handler)
		results[i] = Result{RequestID: req.ID, Value: value, Err: err}
	}
	return results
}

// PreloadPredictiveResponses generates and stores template responses for
// contexts not yet covered, so later similar requests take the shortcut.
// Returns how many contexts were generated.
func (o *LatencyOptimizer) PreloadPredictiveResponses(ctx context.Context, reqType string, contexts []prediction.Context, priority int, handler Handler) int {
	generated := 0
	for _, pctx := range contexts {
		if ctx.Err() != nil {
			break
		}
		if o.predictor != nil {
			if _, ok := o.predictor.Templates().Lookup(reqType, pctx); ok {
				continue
			}
		}
		req := Request{
			Type:              reqType,
			Priority:          priority,
			PredictionContext: pctx,
		}
		if _, err := o.OptimizeRequest(ctx, req, handler); err != nil {
			o.logger.Warn("preload generation failed", map[string]interface{}{
				"type": reqType,
			})
			continue
		}
		generated++
	}
	return generated
}

// GetPerformanceReport snapshots admission, pool, timeout and pattern state
func (o *LatencyOptimizer) GetPerformanceReport() PerformanceReport {
	report := PerformanceReport{
		Pools:    map[string]pool.Stats{},
		Timeouts: map[string]timeout.Stats{},
		Patterns: map[string]int{},
	}
	if o.admission != nil {
		report.Admission = o.admission.GetStats()
	}
	if o.pool != nil {
		report.Pools = o.pool.GetStats()
	}
	for _, reqType := range o.reportTypes.all() {
		if o.timeouts != nil {
			if stats, ok := o.timeouts.GetStats(reqType); ok {
				report.Timeouts[reqType] = stats
			}
		}
		if o.predictor != nil {
			report.Patterns[reqType] = o.predictor.Templates().PatternCount(reqType)
		}
	}
	return report
}

// Shutdown stops every owned component and cancels their background timers
func (o *LatencyOptimizer) Shutdown() {
	if o.admission != nil {
		o.admission.Close()
	}
	if o.pool != nil {
		o.pool.Close()
	}
	if o.timeouts != nil {
		o.timeouts.Close()
	}
	if o.predictor != nil {
		o.predictor.Close()
	}
}

// runOnce is one admission+pool+timeout cycle for a single attempt
func (o *LatencyOptimizer) runOnce(ctx context.Context, req Request, handler Handler) (json.RawMessage, error) {
	if o.admission != nil {
		id, err := o.admission.Enqueue(ctx, admission.Request{
			ID:           req.ID,
			Type:         req.Type,
			UserID:       req.UserID,
			BasePriority: req.Priority,
			RetryAttempt: req.RetryAttempt,
			NewUser:      req.NewUser,
			Timeout:      req.QueueTimeout,
		})
		if err != nil {
			return nil, err
		}
		defer o.admission.Complete(id)
	}

	var conn *pool.Conn
	if o.pool != nil {
		connType := req.ConnectionType
		if connType == "" {
			connType = req.Type
		}
		var err error
		conn, err = o.pool.Acquire(ctx, connType)
		if err != nil {
			return nil, err
		}
		defer o.pool.Release(conn)
	}

	deadline := o.currentTimeout(req)
	start := time.Now()
	value, err := o.raceHandler(ctx, deadline, conn, handler)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrRequestTimeout):
		o.recordOutcome(req.Type, elapsed, o.timeouts.RecordTimeout)
		return nil, err
	case err != nil:
		o.recordOutcome(req.Type, elapsed, o.timeouts.RecordFailure)
		return nil, err
	}

	o.recordOutcome(req.Type, elapsed, o.timeouts.RecordSuccess)
	o.learn(req, value, elapsed)
	return value, nil
}

// raceHandler races the handler against the adaptive timeout. Losing the
// race cancels the wait, not necessarily the underlying work; the handler
// observes cancellation through its context.
func (o *LatencyOptimizer) raceHandler(ctx context.Context, deadline time.Duration, conn *pool.Conn, handler Handler) (json.RawMessage, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type handlerResult struct {
		value json.RawMessage
		err   error
	}
	done := make(chan handlerResult, 1)
	go func() {
		value, err := handler(hctx, conn)
		done <- handlerResult{value: value, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrRequestTimeout, deadline)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *LatencyOptimizer) currentTimeout(req Request) time.Duration {
	if o.timeouts == nil {
		return 30 * time.Second
	}
	return o.timeouts.GetTimeout(req.Type, &timeout.CallContext{
		RetryAttempt: req.RetryAttempt,
		Complexity:   req.Complexity,
		SystemLoad:   req.SystemLoad,
		PriorityTier: req.Priority,
	})
}

func (o *LatencyOptimizer) predictiveShortcut(req Request) (json.RawMessage, bool) {
	if o.predictor == nil || req.PredictionContext == nil {
		return nil, false
	}
	start := time.Now()
	value, ok := o.predictor.Templates().Lookup(req.Type, req.PredictionContext)
	if !ok {
		if o.cacheMetrics != nil {
			o.cacheMetrics.ObservePredictiveMiss()
		}
		return nil, false
	}
	if o.cacheMetrics != nil {
		o.cacheMetrics.ObservePredictiveHit(time.Since(start))
	}
	o.metrics.RecordCounter("optimizer_predictive_hits_total", 1, map[string]string{"type": req.Type})
	o.logger.Debug("predictive shortcut", map[string]interface{}{
		"type": req.Type,
		"id":   req.ID,
	})
	return value, true
}

// learn feeds a successful response into the template store and the
// per-user usage patterns.
func (o *LatencyOptimizer) learn(req Request, value json.RawMessage, elapsed time.Duration) {
	if o.predictor == nil {
		return
	}
	if req.PredictionContext != nil {
		o.predictor.Templates().StoreResponse(req.Type, req.PredictionContext, value, elapsed)
	}
	if req.UserID != "" {
		o.predictor.RecordAccess(req.UserID, req.ID, req.Type)
	}
}

func (o *LatencyOptimizer) recordOutcome(reqType string, elapsed time.Duration, record func(string, time.Duration)) {
	if o.timeouts == nil {
		return
	}
	record(reqType, elapsed)
}

// retryable classifies failures for the retry policy. Timeout and pool
// exhaustion are transient; admission queue expiry and handler errors are
// permanent unless wrapped with Transient.
func (o *LatencyOptimizer) retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return true
	case errors.Is(err, pool.ErrPoolTimeout):
		return true
	case IsTransient(err):
		return true
	default:
		return false
	}
}

func (o *LatencyOptimizer) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retry.InitialInterval
	bo.MaxInterval = o.retry.MaxInterval
	bo.Multiplier = o.retry.Multiplier
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(o.retry.MaxAttempts-1))
}

// typeSet is a small concurrent set of request types seen by the optimizer
type typeSet struct {
	mu    sync.Mutex
	types map[string]struct{}
}

func newTypeSet() *typeSet {
	return &typeSet{types: make(map[string]struct{})}
}

func (s *typeSet) add(t string) {
	if t == "" {
		return
	}
	s.mu.Lock()
	s.types[t] = struct{}{}
	s.mu.Unlock()
}

func (s *typeSet) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
