package redisssh

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/un1tz3r0/redisssh/internal/obs"
	"github.com/un1tz3r0/redisssh/internal/tunnel"
)

// sessionOpener abstracts tunnel.Open so pool tests can count and fail
// session establishment deterministically.
type sessionOpener func(ctx context.Context, ep tunnel.Endpoint) (tunnel.Session, error)

// dialConn builds one fresh pooled connection, choosing the acquisition
// path for the configured mode.
func (p *Pool) dialConn(ctx context.Context) (*Conn, error) {
	if p.cfg.DedicatedSessions {
		return p.dialDedicated(ctx)
	}
	return p.dialShared(ctx)
}

// dialDedicated opens a private session per connection; the two share a
// lifecycle.
func (p *Pool) dialDedicated(ctx context.Context) (*Conn, error) {
	sess, err := p.opener(ctx, p.cfg.Tunnel)
	if err != nil {
		return nil, err
	}
	ch, err := sess.OpenChannel(p.cfg.Target)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return p.newConn(sess, ch, true), nil
}

// dialShared multiplexes over the pool-wide session, (re)opening it under
// single-flight when missing or dead. A channel-open refusal on a healthy
// session is a transient resource error surfaced as ErrChannelUnavailable;
// a session-fatal failure triggers exactly one reopen before giving up.
func (p *Pool) dialShared(ctx context.Context) (*Conn, error) {
	sess, err := p.sharedSession(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := sess.OpenChannel(p.cfg.Target)
	if err == nil {
		return p.newConn(sess, ch, false), nil
	}
	if channelLocal(err) {
		obs.ErrorsTotal.WithLabelValues("channel_unavailable").Inc()
		return nil, &PoolError{Kind: PoolChannelUnavailable, Err: err}
	}

	p.invalidateShared(sess)
	sess, err = p.sharedSession(ctx)
	if err != nil {
		return nil, err
	}
	ch, err = sess.OpenChannel(p.cfg.Target)
	if err != nil {
		if channelLocal(err) {
			obs.ErrorsTotal.WithLabelValues("channel_unavailable").Inc()
			return nil, &PoolError{Kind: PoolChannelUnavailable, Err: err}
		}
		return nil, err
	}
	return p.newConn(sess, ch, false), nil
}

// channelLocal reports whether a channel-open failure leaves the session
// itself usable.
func channelLocal(err error) bool {
	return tunnel.IsKind(err, tunnel.KindChannelLimitExceeded) || tunnel.IsKind(err, tunnel.KindRemoteRefused)
}

// sharedSession returns the pool-wide session, opening or replacing it if
// needed. Concurrent callers coordinate through single-flight: exactly one
// performs the open, the rest wait for its outcome or fail fast with
// SessionUnavailable once SessionWaitTimeout elapses.
func (p *Pool) sharedSession(ctx context.Context) (tunnel.Session, error) {
	p.mu.Lock()
	sess := p.shared
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &PoolError{Kind: PoolClosed}
	}
	if sess != nil && sess.State() == tunnel.StateOpen {
		return sess, nil
	}

	resCh := p.reopen.DoChan("shared", func() (any, error) {
		p.mu.Lock()
		cur := p.shared
		p.mu.Unlock()
		if cur != nil && cur.State() == tunnel.StateOpen {
			return cur, nil
		}
		if cur != nil {
			p.invalidateShared(cur)
			p.reopens.Add(1)
			obs.SessionReopensTotal.Inc()
			obs.Info("pool.session.reopen", obs.Fields{"addr": p.cfg.Tunnel.Addr()})
		}
		timeout := p.cfg.Tunnel.ConnectTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		// Detached from any single waiter: one caller abandoning the wait
		// must not cancel the open everyone else is waiting on.
		openCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s, err := p.opener(openCtx, p.cfg.Tunnel)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = s.Close()
			return nil, &PoolError{Kind: PoolClosed}
		}
		p.shared = s
		p.mu.Unlock()
		return s, nil
	})

	var bound <-chan time.Time
	if p.cfg.SessionWaitTimeout > 0 {
		t := time.NewTimer(p.cfg.SessionWaitTimeout)
		defer t.Stop()
		bound = t.C
	}
	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(tunnel.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-bound:
		obs.ErrorsTotal.WithLabelValues("session_unavailable").Inc()
		return nil, &tunnel.TunnelError{Op: "open", Kind: tunnel.KindSessionUnavailable}
	}
}

// invalidateShared drops the pool's reference if it still points at sess,
// then closes it, invalidating its channels immediately.
func (p *Pool) invalidateShared(sess tunnel.Session) {
	p.mu.Lock()
	if p.shared == sess {
		p.shared = nil
	}
	p.mu.Unlock()
	_ = sess.Close()
}

func (p *Pool) newConn(sess tunnel.Session, ch *tunnel.Channel, dedicated bool) *Conn {
	c := &Conn{
		pool:      p,
		session:   sess,
		channel:   ch,
		dedicated: dedicated,
		createdAt: time.Now(),
	}
	c.client = newStoreClient(p.cfg, ch)
	return c
}

// newStoreClient builds the single-connection Redis client riding on the
// tunneled transport. The dialer hands the pre-opened channel out exactly
// once; if the client ever tries to redial, the connection is broken and
// the error forces it back to the pool for discard.
func newStoreClient(cfg Config, transport net.Conn) *redis.Client {
	var spent atomic.Bool
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Target.Addr(),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if spent.CompareAndSwap(false, true) {
				return transport, nil
			}
			return nil, errTransportSpent
		},
		PoolSize:        1,
		MinIdleConns:    0,
		ConnMaxIdleTime: -1, // lifecycle belongs to the outer pool
		ConnMaxLifetime: 0,
		MaxRetries:      -1, // retry policy belongs to the caller
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
	})
}
