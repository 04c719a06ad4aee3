package redisssh

import (
	"errors"
	"time"

	"github.com/un1tz3r0/redisssh/internal/tunnel"
)

// Config holds everything needed to construct a Pool. All fields are fixed
// once the pool is built.
type Config struct {
	// Tunnel is the intermediary SSH host the pool connects through.
	Tunnel tunnel.Endpoint
	// Target is the Redis server as reachable from the intermediary host.
	// Zero value means 127.0.0.1:6379.
	Target tunnel.Target
	// Redis configures the store client riding on each tunneled transport.
	Redis RedisConfig

	// MaxConns caps the number of simultaneously existing pooled
	// connections. 0 means DefaultMaxConns.
	MaxConns int
	// AcquireTimeout bounds how long Get blocks waiting for a free slot.
	// 0 means DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// DedicatedSessions gives every pooled connection its own SSH session.
	// The default (false) multiplexes all connections over one shared
	// session.
	DedicatedSessions bool
	// SessionWaitTimeout bounds how long a Get waits for an in-progress
	// shared-session (re)open before failing fast. 0 waits for the
	// outcome.
	SessionWaitTimeout time.Duration
}

// RedisConfig is passed through to the store client.
type RedisConfig struct {
	Username     string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	DefaultMaxConns       = 8
	DefaultAcquireTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.Tunnel.Host == "" {
		return errors.New("redisssh: config: tunnel host is required")
	}
	if c.MaxConns < 0 {
		return errors.New("redisssh: config: MaxConns must not be negative")
	}
	if c.AcquireTimeout < 0 {
		return errors.New("redisssh: config: AcquireTimeout must not be negative")
	}
	if c.SessionWaitTimeout < 0 {
		return errors.New("redisssh: config: SessionWaitTimeout must not be negative")
	}
	return nil
}
