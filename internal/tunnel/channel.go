package tunnel

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/un1tz3r0/redisssh/internal/obs"
)

// Channel is a single forwarded byte stream, owned by exactly one Session
// and bound to one remote target. It implements net.Conn so the store
// client's protocol code runs over it unchanged.
//
// SSH channels carry no native deadline support, so deadlines are emulated:
// when a deadline expires mid-operation the underlying stream is torn down
// to unblock the I/O and the operation reports a timeout that satisfies
// net.Error. A timed-out channel is dead and must be discarded, which
// matches how the store client treats socket timeouts.
type Channel struct {
	owner   Session
	target  Target
	conn    net.Conn
	onClose func()

	closeOnce  sync.Once
	userClosed atomic.Bool
	broken     atomic.Bool
	timedOut   atomic.Bool

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Channel)(nil)

// NewChannel wraps conn as a forwarded channel owned by owner. onClose runs
// exactly once when the channel shuts down, however that happens. Intended
// for Session implementations.
func NewChannel(owner Session, target Target, conn net.Conn, onClose func()) *Channel {
	obs.ChannelsOpen.Inc()
	obs.ChannelsOpenedTotal.Inc()
	return &Channel{owner: owner, target: target, conn: conn, onClose: onClose}
}

// Target returns the remote endpoint this channel is bound to.
func (c *Channel) Target() Target { return c.target }

// Healthy reports whether the channel is still usable for I/O.
func (c *Channel) Healthy() bool {
	return !c.userClosed.Load() && !c.broken.Load() && !c.timedOut.Load() && c.owner.State() == StateOpen
}

// ioGate rejects I/O on a channel that is already known dead. A broken
// owning session must surface as a session error, never as a clean EOF the
// store client would mistake for an orderly close.
func (c *Channel) ioGate(op string) error {
	if c.userClosed.Load() {
		return net.ErrClosed
	}
	if c.timedOut.Load() {
		return &IoError{Op: op, Kind: IoTimeout, Err: os.ErrDeadlineExceeded}
	}
	if c.broken.Load() || c.owner.State() != StateOpen {
		c.broken.Store(true)
		return &IoError{Op: op, Kind: IoSessionBroken}
	}
	return nil
}

func (c *Channel) Read(p []byte) (int, error) {
	if err := c.ioGate("read"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	dl := c.readDeadline
	c.mu.Unlock()
	cancel, terr := c.arm(dl)
	if terr != nil {
		return 0, &IoError{Op: "read", Kind: IoTimeout, Err: terr}
	}
	n, err := c.conn.Read(p)
	fired := cancel()
	if err == nil {
		return n, nil
	}
	if fired || c.timedOut.Load() {
		return n, &IoError{Op: "read", Kind: IoTimeout, Err: os.ErrDeadlineExceeded}
	}
	if c.userClosed.Load() {
		return n, net.ErrClosed
	}
	if c.broken.Load() || c.owner.State() != StateOpen {
		c.broken.Store(true)
		return n, &IoError{Op: "read", Kind: IoSessionBroken, Err: err}
	}
	if errors.Is(err, io.EOF) {
		// orderly close by the remote peer
		return n, io.EOF
	}
	c.broken.Store(true)
	return n, &IoError{Op: "read", Kind: IoSessionBroken, Err: err}
}

func (c *Channel) Write(p []byte) (int, error) {
	if err := c.ioGate("write"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	dl := c.writeDeadline
	c.mu.Unlock()
	cancel, terr := c.arm(dl)
	if terr != nil {
		return 0, &IoError{Op: "write", Kind: IoTimeout, Err: terr}
	}
	n, err := c.conn.Write(p)
	fired := cancel()
	if err == nil {
		return n, nil
	}
	if fired || c.timedOut.Load() {
		return n, &IoError{Op: "write", Kind: IoTimeout, Err: os.ErrDeadlineExceeded}
	}
	if c.userClosed.Load() {
		return n, net.ErrClosed
	}
	if c.broken.Load() || c.owner.State() != StateOpen {
		c.broken.Store(true)
		return n, &IoError{Op: "write", Kind: IoSessionBroken, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		c.broken.Store(true)
		return n, &IoError{Op: "write", Kind: IoPeerClosed, Err: err}
	}
	c.broken.Store(true)
	return n, &IoError{Op: "write", Kind: IoSessionBroken, Err: err}
}

// arm schedules the deadline watchdog for one I/O operation. The returned
// cancel reports whether the watchdog fired before the operation finished.
// An already-expired deadline yields an immediate error without touching
// the stream.
func (c *Channel) arm(dl time.Time) (cancel func() bool, err error) {
	if dl.IsZero() {
		return func() bool { return false }, nil
	}
	d := time.Until(dl)
	if d <= 0 {
		return nil, os.ErrDeadlineExceeded
	}
	t := time.AfterFunc(d, func() {
		c.timedOut.Store(true)
		c.broken.Store(true)
		_ = c.conn.Close()
	})
	return func() bool { return !t.Stop() }, nil
}

// Close closes the channel. Idempotent.
func (c *Channel) Close() error {
	c.userClosed.Store(true)
	c.shutdown()
	return nil
}

// invalidate is called by the owning session when it reaches a terminal
// state: the channel becomes unusable and subsequent I/O reports a broken
// session.
func (c *Channel) invalidate() {
	c.broken.Store(true)
	c.shutdown()
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		obs.ChannelsOpen.Dec()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Channel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Channel) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Channel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Channel) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}
