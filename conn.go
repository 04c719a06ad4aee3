package redisssh

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/un1tz3r0/redisssh/internal/tunnel"
)

// Conn is one pooled store-client connection. It wraps exactly one
// forwarded channel; the Redis client riding on it never dials anything
// else. A Conn is leased to at most one caller at a time.
type Conn struct {
	pool      *Pool
	session   tunnel.Session
	channel   *tunnel.Channel
	dedicated bool
	client    *redis.Client
	released  atomic.Bool
	createdAt time.Time
}

// Redis returns the store client bound to this connection's tunneled
// transport. Valid until the Conn is released.
func (c *Conn) Redis() *redis.Client { return c.client }

// Transport exposes the raw tunneled byte stream, for callers that speak
// the wire protocol themselves.
func (c *Conn) Transport() net.Conn { return c.channel }

// Release returns the connection to its pool. Equivalent to
// pool.Release(c); calling it twice is a no-op.
func (c *Conn) Release() { c.pool.Release(c) }

// CreatedAt reports when the underlying channel was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// healthy reports whether the transport can be handed to another borrower.
func (c *Conn) healthy() bool {
	return c.channel.Healthy() && c.session.State() == tunnel.StateOpen
}

// teardown releases all resources owned by the connection. In dedicated
// mode the private session dies with its connection; in shared mode only
// the channel is closed.
func (c *Conn) teardown() {
	_ = c.client.Close()
	_ = c.channel.Close()
	if c.dedicated {
		_ = c.session.Close()
	}
}
