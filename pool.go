// Package redisssh provides a Redis connection pool whose transport rides
// inside an SSH tunnel to an intermediary host. Client code keeps the
// go-redis call surface; only the bytes underneath travel differently.
//
// The pool runs in one of two modes. In shared mode (the default) every
// pooled connection multiplexes its forwarded channel over one pool-wide
// SSH session, lazily opened under single-flight and replaced the same way
// after a transport failure. With DedicatedSessions set, each pooled
// connection owns a private SSH session that lives and dies with it.
package redisssh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/un1tz3r0/redisssh/internal/obs"
	"github.com/un1tz3r0/redisssh/internal/tunnel"
)

// Pool hands out tunneled store-client connections up to a configured
// maximum, blocking borrowers (with a timeout) when it is at capacity.
// Safe for concurrent use.
type Pool struct {
	cfg    Config
	opener sessionOpener

	// tokens is the slot semaphore: one token per leasable connection.
	tokens chan struct{}

	mu     sync.Mutex
	idle   []*Conn
	shared tunnel.Session
	closed bool

	reopen singleflight.Group

	leased    atomic.Int64
	created   atomic.Uint64
	discarded atomic.Uint64
	reopens   atomic.Uint64
}

// Stats is a point-in-time snapshot of pool accounting.
type Stats struct {
	Leased    int
	Idle      int
	Created   uint64
	Discarded uint64
	Reopens   uint64
}

// New validates cfg and constructs a pool. No tunnel session is opened
// until the first Get.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:    cfg,
		opener: tunnel.Open,
		tokens: make(chan struct{}, cfg.MaxConns),
	}
	for i := 0; i < cfg.MaxConns; i++ {
		p.tokens <- struct{}{}
	}
	return p, nil
}

// Get leases a connection, reusing a free one when available and dialing a
// fresh one otherwise. It blocks while the pool is at capacity, failing
// with ErrAcquireTimeout once the configured acquire timeout elapses, or
// with ctx.Err() if the caller gives up first. An abandoned wait consumes
// no capacity.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, &PoolError{Kind: PoolClosed}
	}
	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case <-p.tokens:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		obs.ErrorsTotal.WithLabelValues("acquire_timeout").Inc()
		return nil, &PoolError{Kind: PoolTimeout}
	}
	obs.AcquireWaitSeconds.Observe(time.Since(start).Seconds())
	return p.lease(ctx)
}

// TryGet is the non-blocking variant of Get; it fails with
// ErrPoolExhausted when no slot is immediately free.
func (p *Pool) TryGet(ctx context.Context) (*Conn, error) {
	if p.isClosed() {
		return nil, &PoolError{Kind: PoolClosed}
	}
	select {
	case <-p.tokens:
	default:
		return nil, &PoolError{Kind: PoolExhausted}
	}
	return p.lease(ctx)
}

// lease is called with a slot token held; on failure the token goes back.
func (p *Pool) lease(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.putToken()
			return nil, &PoolError{Kind: PoolClosed}
		}
		var c *Conn
		if n := len(p.idle); n > 0 {
			c = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()
		if c == nil {
			break
		}
		if p.validate(c) {
			return p.checkOut(c), nil
		}
		p.discard(c)
	}

	c, err := p.dialConn(ctx)
	if err != nil {
		p.putToken()
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		return nil, err
	}
	p.created.Add(1)
	return p.checkOut(c), nil
}

func (p *Pool) checkOut(c *Conn) *Conn {
	c.released.Store(false)
	p.leased.Add(1)
	obs.ConnsLeased.Inc()
	return c
}

// validate decides whether an idle connection may be handed out again. A
// dedicated session is additionally probed with a keepalive so borrowers
// never receive a zombie transport.
func (p *Pool) validate(c *Conn) bool {
	if !c.healthy() {
		return false
	}
	if c.dedicated {
		return c.session.Ping() == nil
	}
	return true
}

// Release returns a leased connection. Healthy connections go back on the
// free list; a connection whose transport reported an error is discarded
// permanently, which in dedicated mode also closes its private session.
// Releasing twice is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	p.leased.Add(-1)
	obs.ConnsLeased.Dec()

	p.mu.Lock()
	if !p.closed && c.healthy() {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.putToken()
		return
	}
	p.mu.Unlock()
	p.discard(c)
	p.putToken()
}

func (p *Pool) discard(c *Conn) {
	c.teardown()
	p.discarded.Add(1)
	obs.ConnsDiscardedTotal.Inc()
	obs.Debug("pool.conn.discard", obs.Fields{"dedicated": c.dedicated})
}

func (p *Pool) putToken() { p.tokens <- struct{}{} }

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close tears down idle connections and the shared session. Connections
// still leased are closed as their borrowers release them. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	shared := p.shared
	p.shared = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.teardown()
	}
	if shared != nil {
		_ = shared.Close()
	}
	obs.Info("pool.close", obs.Fields{"idle_closed": len(idle)})
	return nil
}

// Stats returns a snapshot of pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Leased:    int(p.leased.Load()),
		Idle:      idle,
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
		Reopens:   p.reopens.Load(),
	}
}
