// Package pool provides per-resource-type bounded pools of reusable
// connection handles with a FIFO waiting queue and idle reaping.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/storyintelligence/cache-engine/pkg/observability"
)

// Pool errors
var (
	// ErrPoolTimeout is returned when a waiter's acquisition timeout
	// elapses before a handle frees up
	ErrPoolTimeout = errors.New("timed out waiting for connection")

	// ErrPoolClosed is returned on acquire after Close
	ErrPoolClosed = errors.New("connection pool is closed")
)

// Factory creates and destroys the underlying handles
type Factory interface {
	Create(ctx context.Context, connType string) (interface{}, error)
	Destroy(connType string, handle interface{}) error
}

// FactoryFuncs adapts plain functions to the Factory interface
type FactoryFuncs struct {
	CreateFunc  func(ctx context.Context, connType string) (interface{}, error)
	DestroyFunc func(connType string, handle interface{}) error
}

func (f FactoryFuncs) Create(ctx context.Context, connType string) (interface{}, error) {
	return f.CreateFunc(ctx, connType)
}

func (f FactoryFuncs) Destroy(connType string, handle interface{}) error {
	if f.DestroyFunc == nil {
		return nil
	}
	return f.DestroyFunc(connType, handle)
}

// Conn is a pooled connection handle
type Conn struct {
	ID         string
	Type       string
	CreatedAt  time.Time
	LastUsedAt time.Time
	KeepAlive  bool
	Handle     interface{}
}

// Config holds pool configuration
type Config struct {
	// MaxConnections bounds available + in-use handles per type
	MaxConnections int `mapstructure:"max_connections"`

	// AcquireTimeout bounds how long a waiter blocks. It is independent of
	// the request timeout governing the work done with the handle.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// IdleTimeout is how long an idle handle survives between sweeps
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SweepInterval is the idle-reaping cadence
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type waiter struct {
	ch        chan *Conn
	abandoned bool
}

// typePool holds the state for one connection type
type typePool struct {
	idle    []*Conn
	inUse   map[string]*Conn
	waiters []*waiter
	max     int
}

// Pool is a set of bounded per-type connection pools. The invariant
// len(idle) + len(inUse) <= max holds per type at all times; waiters are
// served FIFO and a released handle is handed directly to the oldest waiter
// rather than parked idle first.
type Pool struct {
	mu      sync.Mutex
	pools   map[string]*typePool
	factory Factory
	config  Config
	closed  bool

	done      chan struct{}
	sweeperWG sync.WaitGroup
	closeOnce sync.Once

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Stats is a point-in-time view of one type's pool
type Stats struct {
	Type    string `json:"type"`
	Idle    int    `json:"idle"`
	InUse   int    `json:"in_use"`
	Waiting int    `json:"waiting"`
	Max     int    `json:"max"`
}

// New creates a connection pool
func New(factory Factory, config Config, logger observability.Logger, metrics observability.MetricsClient) *Pool {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 5 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 15 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	p := &Pool{
		pools:   make(map[string]*typePool),
		factory: factory,
		config:  config,
		done:    make(chan struct{}),
		logger:  logger.WithPrefix("connection-pool"),
		metrics: metrics,
	}
	p.sweeperWG.Add(1)
	go p.sweepLoop()
	return p
}

// Acquire returns a handle for connType, blocking up to the acquisition
// timeout when the pool is exhausted.
func (p *Pool) Acquire(ctx context.Context, connType string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	tp := p.typePoolLocked(connType)

	// Fast path: reuse an idle handle
	if n := len(tp.idle); n > 0 {
		conn := tp.idle[0]
		tp.idle = tp.idle[1:]
		conn.LastUsedAt = time.Now()
		tp.inUse[conn.ID] = conn
		p.mu.Unlock()
		return conn, nil
	}

	// Create a new handle while under the bound
	if len(tp.inUse) < tp.max {
		// Reserve the slot with a placeholder so concurrent acquirers
		// cannot overshoot max while the factory runs.
		placeholder := &Conn{ID: uuid.New().String(), Type: connType}
		tp.inUse[placeholder.ID] = placeholder
		p.mu.Unlock()

		handle, err := p.factory.Create(ctx, connType)

		p.mu.Lock()
		delete(tp.inUse, placeholder.ID)
		if err != nil {
			p.mu.Unlock()
			return nil, errors.Wrap(err, "connection create failed")
		}
		now := time.Now()
		conn := &Conn{
			ID:         uuid.New().String(),
			Type:       connType,
			CreatedAt:  now,
			LastUsedAt: now,
			KeepAlive:  true,
			Handle:     handle,
		}
		tp.inUse[conn.ID] = conn
		p.mu.Unlock()
		return conn, nil
	}

	// Exhausted: join the FIFO waiting queue
	w := &waiter{ch: make(chan *Conn, 1)}
	tp.waiters = append(tp.waiters, w)
	p.mu.Unlock()

	p.metrics.RecordGauge("pool_waiting", float64(p.waitingCount(connType)), map[string]string{"type": connType})

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		return conn, nil
	case <-timer.C:
		return nil, p.abandonWaiter(connType, w, ErrPoolTimeout)
	case <-ctx.Done():
		return nil, p.abandonWaiter(connType, w, ctx.Err())
	}
}

// Release returns a handle to the pool. The oldest live waiter receives it
// directly; otherwise it goes idle when keep-alive, or is destroyed.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	tp := p.typePoolLocked(conn.Type)
	delete(tp.inUse, conn.ID)
	conn.LastUsedAt = time.Now()

	// Hand off to the oldest waiter that has not abandoned its spot. The
	// send happens under the lock: the channel is buffered and receives at
	// most one handle, so it cannot block, and holding the lock means a
	// waiter cannot abandon and drain between our check and our send.
	for len(tp.waiters) > 0 {
		w := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		if w.abandoned {
			continue
		}
		tp.inUse[conn.ID] = conn
		w.ch <- conn
		p.mu.Unlock()
		return
	}

	if p.closed || !conn.KeepAlive || len(tp.idle)+len(tp.inUse) >= tp.max {
		p.mu.Unlock()
		p.destroy(conn)
		return
	}
	tp.idle = append(tp.idle, conn)
	p.mu.Unlock()
}

// Resize changes the per-type bound. Shrinking destroys excess idle handles
// immediately; in-use handles are never forcibly destroyed.
func (p *Pool) Resize(connType string, max int) {
	if max <= 0 {
		return
	}
	p.mu.Lock()
	tp := p.typePoolLocked(connType)
	tp.max = max

	var excess []*Conn
	for len(tp.idle) > 0 && len(tp.idle)+len(tp.inUse) > max {
		conn := tp.idle[len(tp.idle)-1]
		tp.idle = tp.idle[:len(tp.idle)-1]
		excess = append(excess, conn)
	}
	p.mu.Unlock()

	for _, conn := range excess {
		p.destroy(conn)
	}
}

// GetStats returns per-type pool statistics
func (p *Pool) GetStats() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]Stats, len(p.pools))
	for connType, tp := range p.pools {
		waiting := 0
		for _, w := range tp.waiters {
			if !w.abandoned {
				waiting++
			}
		}
		stats[connType] = Stats{
			Type:    connType,
			Idle:    len(tp.idle),
			InUse:   len(tp.inUse),
			Waiting: waiting,
			Max:     tp.max,
		}
	}
	return stats
}

// ActiveConnections returns the total in-use handles across types
func (p *Pool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, tp := range p.pools {
		total += len(tp.inUse)
	}
	return total
}

// Close destroys idle handles and stops the sweeper. In-flight handles are
// destroyed as they are released.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.sweeperWG.Wait()

		p.mu.Lock()
		p.closed = true
		var toDestroy []*Conn
		for _, tp := range p.pools {
			toDestroy = append(toDestroy, tp.idle...)
			tp.idle = nil
			for _, w := range tp.waiters {
				w.abandoned = true
			}
			tp.waiters = nil
		}
		p.mu.Unlock()

		for _, conn := range toDestroy {
			p.destroy(conn)
		}
	})
}

func (p *Pool) typePoolLocked(connType string) *typePool {
	tp, ok := p.pools[connType]
	if !ok {
		tp = &typePool{
			inUse: make(map[string]*Conn),
			max:   p.config.MaxConnections,
		}
		p.pools[connType] = tp
	}
	return tp
}

// abandonWaiter marks the waiter dead, but first claims any handle that was
// handed off concurrently so it is not stranded.
func (p *Pool) abandonWaiter(connType string, w *waiter, cause error) error {
	p.mu.Lock()
	w.abandoned = true
	p.mu.Unlock()

	select {
	case conn := <-w.ch:
		p.Release(conn)
	default:
	}

	if errors.Is(cause, ErrPoolTimeout) {
		p.metrics.RecordCounter("pool_acquire_timeouts_total", 1, map[string]string{"type": connType})
	}
	return cause
}

func (p *Pool) waitingCount(connType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp, ok := p.pools[connType]
	if !ok {
		return 0
	}
	return len(tp.waiters)
}

func (p *Pool) destroy(conn *Conn) {
	if err := p.factory.Destroy(conn.Type, conn.Handle); err != nil {
		p.logger.Warn("connection destroy failed", map[string]interface{}{
			"type": conn.Type,
			"id":   conn.ID,
		})
	}
}

func (p *Pool) sweepLoop() {
	defer p.sweeperWG.Done()
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.SweepIdle(time.Now())
		case <-p.done:
			return
		}
	}
}

// SweepIdle destroys idle handles whose idle duration exceeds the idle
// timeout. Exported so tests can trigger a sweep deterministically.
func (p *Pool) SweepIdle(now time.Time) int {
	p.mu.Lock()
	var expired []*Conn
	for _, tp := range p.pools {
		kept := tp.idle[:0]
		for _, conn := range tp.idle {
			if now.Sub(conn.LastUsedAt) > p.config.IdleTimeout {
				expired = append(expired, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		tp.idle = kept
	}
	p.mu.Unlock()

	for _, conn := range expired {
		p.destroy(conn)
	}
	return len(expired)
}
