// Package tunnel manages authenticated SSH sessions to an intermediary host
// and the direct-tcpip channels forwarded through them. A Session owns one
// SSH transport; each Channel it opens behaves as a net.Conn bound to one
// remote target.
package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/un1tz3r0/redisssh/internal/obs"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Session is one authenticated transport connection to the intermediary
// host. Implementations must be safe for concurrent use.
type Session interface {
	// OpenChannel requests a new forwarded byte stream to target. It fails
	// with KindSessionClosed if the session is not open, and with
	// KindChannelLimitExceeded or KindRemoteRefused if the intermediary
	// rejects the forward.
	OpenChannel(target Target) (*Channel, error)
	// Close releases the transport and invalidates all open channels.
	// Closing an already-closed session is a no-op.
	Close() error
	// Ping probes transport liveness with an SSH keepalive request and
	// marks the session errored on failure.
	Ping() error
	State() State
	// OpenChannels reports the number of channels currently open.
	OpenChannels() int
	// Done is closed when the session reaches a terminal state.
	Done() <-chan struct{}
}

// sshClient is the slice of *ssh.Client the session uses; kept as an
// interface so tests can substitute a fake transport.
type sshClient interface {
	Dial(network, addr string) (net.Conn, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// dialSSH establishes the TCP connection and SSH handshake; overridden in
// tests. The handshake runs under the endpoint's connect timeout.
var dialSSH = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (sshClient, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

type session struct {
	ep     Endpoint
	client sshClient
	state  atomic.Int32
	done   chan struct{}

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// Open establishes and authenticates a session to the endpoint.
func Open(ctx context.Context, ep Endpoint) (Session, error) {
	cfg, err := clientConfig(ep)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("session_config").Inc()
		return nil, &TunnelError{Op: "open", Kind: KindAuthFailed, Err: err}
	}
	client, err := dialSSH(ctx, ep.Addr(), cfg)
	if err != nil {
		kind := classifyDialErr(err)
		obs.Error("tunnel.session.open", obs.Fields{"addr": ep.Addr(), "kind": kind.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("session_open").Inc()
		return nil, &TunnelError{Op: "open", Kind: kind, Err: err}
	}
	s := &session{
		ep:       ep,
		client:   client,
		done:     make(chan struct{}),
		channels: make(map[*Channel]struct{}),
	}
	s.state.Store(int32(StateOpen))
	obs.SessionsOpen.Inc()
	obs.SessionsOpenedTotal.Inc()
	obs.Debug("tunnel.session.open", obs.Fields{"addr": ep.Addr(), "user": cfg.User})
	go s.watch()
	return s, nil
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *session) OpenChannel(target Target) (*Channel, error) {
	if s.State() != StateOpen {
		return nil, &TunnelError{Op: "open-channel", Kind: KindSessionClosed}
	}
	conn, err := s.client.Dial("tcp", target.Addr())
	if err != nil {
		kind := classifyOpenChannelErr(err)
		if s.State() != StateOpen {
			kind = KindSessionClosed
		}
		obs.ErrorsTotal.WithLabelValues("channel_open").Inc()
		return nil, &TunnelError{Op: "open-channel", Kind: kind, Err: err}
	}
	var ch *Channel
	ch = NewChannel(s, target, conn, func() {
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
	})
	s.mu.Lock()
	if s.State() != StateOpen {
		// session died between dial and registration
		s.mu.Unlock()
		ch.invalidate()
		return nil, &TunnelError{Op: "open-channel", Kind: KindSessionClosed}
	}
	s.channels[ch] = struct{}{}
	s.mu.Unlock()
	obs.Debug("tunnel.channel.open", obs.Fields{"target": target.Addr()})
	return ch, nil
}

func (s *session) Ping() error {
	if s.State() != StateOpen {
		return &TunnelError{Op: "ping", Kind: KindSessionClosed}
	}
	if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		s.terminate(StateErrored)
		return &TunnelError{Op: "ping", Kind: KindSessionClosed, Err: err}
	}
	return nil
}

func (s *session) Close() error {
	s.terminate(StateClosed)
	return nil
}

// watch waits for the SSH transport to end and marks the session errored if
// it did not end through Close.
func (s *session) watch() {
	err := s.client.Wait()
	if s.State() == StateOpen && err != nil {
		obs.Error("tunnel.session.broken", obs.Fields{"addr": s.ep.Addr(), "err": err.Error()})
	}
	s.terminate(StateErrored)
}

// terminate performs the single terminal transition. The first caller wins;
// later calls only re-close the transport handle.
func (s *session) terminate(to State) {
	if s.state.CompareAndSwap(int32(StateOpen), int32(to)) {
		_ = s.client.Close()
		s.mu.Lock()
		open := make([]*Channel, 0, len(s.channels))
		for ch := range s.channels {
			open = append(open, ch)
		}
		s.mu.Unlock()
		for _, ch := range open {
			ch.invalidate()
		}
		close(s.done)
		obs.SessionsOpen.Dec()
		obs.Debug("tunnel.session.terminate", obs.Fields{"addr": s.ep.Addr(), "state": to.String(), "invalidated": len(open)})
		return
	}
	if to == StateClosed {
		_ = s.client.Close()
	}
}
