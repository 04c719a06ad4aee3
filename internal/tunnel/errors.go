package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Kind classifies session-level failures.
type Kind int

const (
	KindAuthFailed Kind = iota + 1
	KindTimeout
	KindNetworkUnreachable
	KindSessionClosed
	KindChannelLimitExceeded
	KindRemoteRefused
	KindSessionUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth_failed"
	case KindTimeout:
		return "timeout"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindSessionClosed:
		return "session_closed"
	case KindChannelLimitExceeded:
		return "channel_limit_exceeded"
	case KindRemoteRefused:
		return "remote_refused"
	case KindSessionUnavailable:
		return "session_unavailable"
	}
	return "unknown"
}

// TunnelError wraps a transport-level failure with its classification.
type TunnelError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *TunnelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tunnel: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("tunnel: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// Is matches any *TunnelError with the same Kind, so callers can compare
// against a bare &TunnelError{Kind: ...} sentinel.
func (e *TunnelError) Is(target error) bool {
	t, ok := target.(*TunnelError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// IsKind reports whether err is (or wraps) a TunnelError of the given kind.
func IsKind(err error, k Kind) bool {
	var te *TunnelError
	return errors.As(err, &te) && te.Kind == k
}

// classifyDialErr maps an SSH dial/handshake failure to a Kind.
func classifyDialErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var ke *knownhosts.KeyError
	if errors.As(err, &ke) {
		return KindAuthFailed
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return KindAuthFailed
	}
	return KindNetworkUnreachable
}

// classifyOpenChannelErr maps a direct-tcpip open failure to a Kind. The
// intermediary host signals resource exhaustion and refusals via distinct
// rejection reasons.
func classifyOpenChannelErr(err error) Kind {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		if oce.Reason == ssh.ResourceShortage {
			return KindChannelLimitExceeded
		}
		return KindRemoteRefused
	}
	return KindSessionClosed
}

// IoKind classifies channel I/O failures.
type IoKind int

const (
	IoTimeout IoKind = iota + 1
	IoSessionBroken
	IoPeerClosed
)

func (k IoKind) String() string {
	switch k {
	case IoTimeout:
		return "timeout"
	case IoSessionBroken:
		return "session_broken"
	case IoPeerClosed:
		return "peer_closed"
	}
	return "unknown"
}

// IoError is returned by Channel reads and writes. It implements net.Error
// so the store client's own timeout handling sees tunnel deadline expiry
// the same way it would see a socket timeout.
type IoError struct {
	Op   string
	Kind IoKind
	Err  error
}

func (e *IoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tunnel: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("tunnel: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func (e *IoError) Timeout() bool { return e.Kind == IoTimeout }

func (e *IoError) Temporary() bool { return e.Kind == IoTimeout }

func (e *IoError) Is(target error) bool {
	t, ok := target.(*IoError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// IsIoKind reports whether err is (or wraps) an IoError of the given kind.
func IsIoKind(err error, k IoKind) bool {
	var ie *IoError
	return errors.As(err, &ie) && ie.Kind == k
}
