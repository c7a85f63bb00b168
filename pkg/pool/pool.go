// Package pool provides a bounded pool of Bolt connections. Idle
// connections are reused most-recent-first so hot sockets stay warm;
// callers waiting at capacity are served strictly first-come.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orneryd/nornicdb-go/pkg/bolt"
)

// Errors for pool operations.
var (
	ErrPoolExhausted = errors.New("pool: acquire timed out waiting for a connection")
	ErrPoolClosed    = errors.New("pool: closed")
)

// Connector establishes a new authenticated connection.
type Connector func(ctx context.Context) (*bolt.Conn, error)

// Config holds pool tuning knobs.
type Config struct {
	MaxConnections        int           // upper bound, in use + idle
	AcquireTimeout        time.Duration // wait cap when at capacity
	HealthCheckThreshold  time.Duration // idle age that triggers a RESET probe on acquire
	MaxConnectionLifetime time.Duration // 0 disables
	IdleTimeout           time.Duration // 0 disables
	Logger                bolt.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       16,
		AcquireTimeout:       60 * time.Second,
		HealthCheckThreshold: 30 * time.Second,
	}
}

type slot struct {
	conn     *bolt.Conn
	lastUsed time.Time
}

// waiter receives a healthy connection, or nil as a signal to retry
// the acquire loop (capacity was freed).
type waiter struct {
	ch chan *bolt.Conn
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	InUse   int
	Idle    int
	Waiting int
}

// Pool is a bounded connection pool. Safe for concurrent use; the
// mutex only ever guards bookkeeping, never I/O.
type Pool struct {
	mu      sync.Mutex
	connect Connector
	cfg     Config
	idle    []slot // stack: top at the end
	inUse   int
	waiters []*waiter // FIFO: front at index 0
	closed  bool
	log     bolt.Logger
}

// New creates a pool. Connections are established lazily on first
// miss, never ahead of demand.
func New(cfg Config, connect Connector) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.HealthCheckThreshold <= 0 {
		cfg.HealthCheckThreshold = DefaultConfig().HealthCheckThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = bolt.NoopLogger{}
	}
	return &Pool{connect: connect, cfg: cfg, log: logger}
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUse, Idle: len(p.idle), Waiting: len(p.waiters)}
}

// Acquire returns a connection owned exclusively by the caller until
// Release. At capacity it waits fairly behind earlier callers, up to
// AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*bolt.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		conn, w, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			return conn, nil
		}
		if w == nil {
			// Capacity reserved for us; establish a fresh connection.
			conn, err = p.connect(ctx)
			if err != nil {
				p.forget()
				return nil, err
			}
			return conn, nil
		}

		select {
		case conn := <-w.ch:
			if conn != nil {
				return conn, nil
			}
			// Capacity freed; loop around and compete for it.
		case <-ctx.Done():
			if !p.abandon(w) {
				// Already dequeued by a releaser: a handoff is in
				// flight, wait for it rather than leak the connection.
				if conn, ok := <-w.ch; ok && conn != nil {
					return conn, nil
				}
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrPoolExhausted
			}
			return nil, ctx.Err()
		}
	}
}

// tryAcquire pops an idle connection, reserves capacity for a new
// one, or enqueues a waiter. At most one of the returns is set; all
// nil means capacity was reserved for a new connection.
func (p *Pool) tryAcquire(ctx context.Context) (*bolt.Conn, *waiter, error) {
	var stale []*bolt.Conn
	defer func() {
		// Evicted connections are closed outside the lock.
		for _, c := range stale {
			c.Close(ctx)
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	now := time.Now()
	for len(p.idle) > 0 {
		top := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(top, now) {
			stale = append(stale, top.conn)
			continue
		}
		p.inUse++
		p.mu.Unlock()

		if now.Sub(top.lastUsed) > p.cfg.HealthCheckThreshold || top.conn.HasFailed() {
			if err := top.conn.Reset(ctx); err != nil || !top.conn.IsAlive() {
				top.conn.Close(ctx)
				p.forget()
				p.mu.Lock()
				if p.closed {
					p.mu.Unlock()
					return nil, nil, ErrPoolClosed
				}
				continue
			}
		}
		return top.conn, nil, nil
	}

	if p.inUse < p.cfg.MaxConnections {
		p.inUse++
		p.mu.Unlock()
		return nil, nil, nil
	}

	w := &waiter{ch: make(chan *bolt.Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	return nil, w, nil
}

func (p *Pool) expired(s slot, now time.Time) bool {
	if p.cfg.MaxConnectionLifetime > 0 && now.Sub(s.conn.Birthdate()) > p.cfg.MaxConnectionLifetime {
		return true
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
		return true
	}
	return !s.conn.IsAlive()
}

// Release returns a connection to the pool. Failed connections get
// one RESET attempt; anything unrecoverable is dropped and the freed
// capacity is offered to the next waiter.
func (p *Pool) Release(ctx context.Context, conn *bolt.Conn) {
	if conn == nil {
		return
	}

	if conn.IsAlive() && !conn.IsReady() {
		// Leftover transaction, open stream or failure state; RESET
		// is the only self-healing path.
		_ = conn.Reset(ctx)
	}
	if !conn.IsAlive() || !conn.IsReady() {
		p.log.Debugf("pool", "dropping unrecoverable connection")
		conn.Close(ctx)
		p.forget()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.inUse--
		p.mu.Unlock()
		conn.Close(ctx)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- conn
		return
	}
	p.inUse--
	p.idle = append(p.idle, slot{conn: conn, lastUsed: time.Now()})
	p.mu.Unlock()
}

// forget gives up the capacity held for a connection that died or
// failed to establish, waking the next waiter so it can recreate.
func (p *Pool) forget() {
	p.mu.Lock()
	p.dropLocked()
	p.mu.Unlock()
}

func (p *Pool) dropLocked() {
	p.inUse--
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- nil
	}
}

// abandon removes w from the wait queue. A false return means a
// releaser already dequeued it and a handoff is guaranteed.
func (p *Pool) abandon(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return p.closed
}

// Close drops all idle connections and fails pending waiters. In-use
// connections are closed as they are released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, s := range idle {
		s.conn.Close(ctx)
	}
}
