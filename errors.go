package redisssh

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Nil is the reply Redis returns when a key does not exist, re-exported so
// callers need not import go-redis for the common existence check.
const Nil = redis.Nil

// PoolErrorKind classifies pool-level failures.
type PoolErrorKind int

const (
	PoolTimeout PoolErrorKind = iota + 1
	PoolChannelUnavailable
	PoolExhausted
	PoolClosed
)

func (k PoolErrorKind) String() string {
	switch k {
	case PoolTimeout:
		return "timeout"
	case PoolChannelUnavailable:
		return "channel_unavailable"
	case PoolExhausted:
		return "exhausted"
	case PoolClosed:
		return "closed"
	}
	return "unknown"
}

// PoolError is returned by Get, TryGet and Release paths.
type PoolError struct {
	Kind PoolErrorKind
	Err  error
}

func (e *PoolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("redisssh: pool: %s", e.Kind)
	}
	return fmt.Sprintf("redisssh: pool: %s: %v", e.Kind, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// Is matches any *PoolError with the same Kind, so callers can compare
// against the Err* sentinels below.
func (e *PoolError) Is(target error) bool {
	t, ok := target.(*PoolError)
	return ok && t.Kind == e.Kind
}

var (
	// ErrAcquireTimeout is returned when Get cannot obtain a slot within
	// the configured acquire timeout.
	ErrAcquireTimeout = &PoolError{Kind: PoolTimeout}
	// ErrChannelUnavailable is returned when the shared session is healthy
	// but the intermediary host refused a new forwarded channel; safe to
	// retry.
	ErrChannelUnavailable = &PoolError{Kind: PoolChannelUnavailable}
	// ErrPoolExhausted is returned by TryGet when no slot is free.
	ErrPoolExhausted = &PoolError{Kind: PoolExhausted}
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = &PoolError{Kind: PoolClosed}
)

// errTransportSpent guards the one-shot dialer handed to the store client:
// a pooled connection's transport is bound at construction and never
// redialed behind the pool's back.
var errTransportSpent = errors.New("redisssh: tunneled transport already consumed; connection must be discarded")
