package redisssh

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/un1tz3r0/redisssh/internal/tunnel"
)

// fakeSession implements tunnel.Session over in-memory pipes.
type fakeSession struct {
	mu        sync.Mutex
	state     tunnel.State
	channels  int
	peers     []net.Conn
	openChErr error
	pingErr   error
	closes    int
	done      chan struct{}
	once      sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{state: tunnel.StateOpen, done: make(chan struct{})}
}

func (s *fakeSession) OpenChannel(target tunnel.Target) (*tunnel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != tunnel.StateOpen {
		return nil, &tunnel.TunnelError{Op: "open-channel", Kind: tunnel.KindSessionClosed}
	}
	if s.openChErr != nil {
		return nil, s.openChErr
	}
	local, peer := net.Pipe()
	s.peers = append(s.peers, peer)
	s.channels++
	return tunnel.NewChannel(s, target, local, func() {
		s.mu.Lock()
		s.channels--
		s.mu.Unlock()
	}), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	if s.state == tunnel.StateOpen {
		s.state = tunnel.StateClosed
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) State() tunnel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

// fail simulates the transport dropping out from under the session.
func (s *fakeSession) fail() {
	s.mu.Lock()
	s.state = tunnel.StateErrored
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSession) setOpenChannelErr(err error) {
	s.mu.Lock()
	s.openChErr = err
	s.mu.Unlock()
}

// fakeOpener counts session open attempts.
type fakeOpener struct {
	mu       sync.Mutex
	opens    int
	err      error
	delay    time.Duration
	onCreate func(*fakeSession)
	sessions []*fakeSession
}

func (o *fakeOpener) open(ctx context.Context, ep tunnel.Endpoint) (tunnel.Session, error) {
	o.mu.Lock()
	o.opens++
	err := o.err
	delay := o.delay
	o.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	s := newFakeSession()
	o.mu.Lock()
	if o.onCreate != nil {
		o.onCreate(s)
	}
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) session(i int) *fakeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[i]
}

func newTestPool(t *testing.T, cfg Config, opener *fakeOpener) *Pool {
	t.Helper()
	if cfg.Tunnel.Host == "" {
		cfg.Tunnel.Host = "bastion.test"
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.opener = opener.open
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing tunnel host")
	}
	if _, err := New(Config{Tunnel: tunnel.Endpoint{Host: "h"}, MaxConns: -1}); err == nil {
		t.Error("expected error for negative MaxConns")
	}
	p, err := New(Config{Tunnel: tunnel.Endpoint{Host: "h"}})
	if err != nil {
		t.Fatalf("New with defaults failed: %v", err)
	}
	if p.cfg.MaxConns != DefaultMaxConns {
		t.Errorf("MaxConns = %d, want default %d", p.cfg.MaxConns, DefaultMaxConns)
	}
	if p.cfg.AcquireTimeout != DefaultAcquireTimeout {
		t.Errorf("AcquireTimeout = %v, want default %v", p.cfg.AcquireTimeout, DefaultAcquireTimeout)
	}
}

func TestSequentialReuseStaysWithinMax(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 2, DedicatedSessions: true}, opener)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c, err := p.Get(ctx)
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		if c.Redis() == nil {
			t.Fatal("pooled connection must carry a store client")
		}
		p.Release(c)
	}
	if got := opener.openCount(); got != 1 {
		t.Errorf("session opens = %d, want 1 (idle connection reused)", got)
	}
	if st := p.Stats(); st.Leased != 0 || st.Idle != 1 {
		t.Errorf("stats = %+v, want 0 leased / 1 idle", st)
	}
}

func TestThirdBorrowerBlocksUntilRelease(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 2, DedicatedSessions: true, AcquireTimeout: 2 * time.Second}, opener)

	ctx := context.Background()
	c1, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	c2, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Get(ctx)
		if err != nil {
			t.Errorf("blocked Get failed: %v", err)
		}
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("third Get should block while the pool is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(c1)
	select {
	case c3 := <-got:
		if c3 == nil {
			t.Fatal("blocked Get returned nil conn")
		}
		p.Release(c3)
	case <-time.After(time.Second):
		t.Fatal("third Get did not complete after a release")
	}
	p.Release(c2)

	if got := opener.openCount(); got != 2 {
		t.Errorf("session opens = %d, want 2 (freed slot reused)", got)
	}
}

func TestAcquireTimeoutLeavesCapacity(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 1, DedicatedSessions: true, AcquireTimeout: 40 * time.Millisecond}, opener)

	ctx := context.Background()
	c1, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	start := time.Now()
	_, err = p.Get(ctx)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("timeout fired too early")
	}

	// the failed wait must not leak capacity
	p.Release(c1)
	c2, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get after release failed: %v", err)
	}
	p.Release(c2)
}

func TestCancelledWaitLeavesCapacity(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 1, DedicatedSessions: true, AcquireTimeout: 5 * time.Second}, opener)

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get(ctx)
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	p.Release(c1)
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get after cancelled wait failed: %v", err)
	}
	p.Release(c2)
}

func TestTryGetExhausted(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 1, DedicatedSessions: true}, opener)

	ctx := context.Background()
	c, err := p.TryGet(ctx)
	if err != nil {
		t.Fatalf("TryGet: %v", err)
	}
	if _, err := p.TryGet(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	p.Release(c)
	c2, err := p.TryGet(ctx)
	if err != nil {
		t.Fatalf("TryGet after release: %v", err)
	}
	p.Release(c2)
}

func TestSharedSingleFlight(t *testing.T) {
	opener := &fakeOpener{delay: 50 * time.Millisecond}
	p := newTestPool(t, Config{MaxConns: 8}, opener)

	const k = 8
	var wg sync.WaitGroup
	conns := make([]*Conn, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Get(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
	}
	if got := opener.openCount(); got != 1 {
		t.Errorf("session opens = %d, want 1 (single-flight)", got)
	}
	if got := opener.session(0).OpenChannels(); got != k {
		t.Errorf("channels on shared session = %d, want %d", got, k)
	}
	for _, c := range conns {
		p.Release(c)
	}
}

func TestSharedSessionReopenAfterFailure(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 4}, opener)

	ctx := context.Background()
	c, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	opener.session(0).fail()
	p.Release(c) // transport errored: Leased -> Discarded

	c2, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get after session failure: %v", err)
	}
	if got := opener.openCount(); got != 2 {
		t.Errorf("session opens = %d, want 2 (exactly one reopen)", got)
	}
	if st := p.Stats(); st.Reopens != 1 || st.Discarded != 1 {
		t.Errorf("stats = %+v, want 1 reopen / 1 discarded", st)
	}
	if c2.session == c.session {
		t.Error("connection after reopen must ride the replacement session")
	}
	p.Release(c2)
}

func TestSharedReopenConcurrentWaiters(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 4}, opener)

	ctx := context.Background()
	c, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Release(c)
	opener.session(0).fail()

	// slow down the reopen so both borrowers overlap with it
	opener.mu.Lock()
	opener.delay = 100 * time.Millisecond
	opener.mu.Unlock()

	var wg sync.WaitGroup
	conns := make([]*Conn, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Get(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get %d during reopen failed: %v", i, err)
		}
	}
	if got := opener.openCount(); got != 2 {
		t.Errorf("session opens = %d, want 2 (one initial + one shared reopen)", got)
	}
	for _, c := range conns {
		if c.session != opener.session(1) {
			t.Error("borrowers during reopen must receive the replacement session")
		}
		p.Release(c)
	}
}

func TestChannelRefusalDoesNotKillSharedSession(t *testing.T) {
	opener := &fakeOpener{
		onCreate: func(s *fakeSession) {
			s.openChErr = &tunnel.TunnelError{Op: "open-channel", Kind: tunnel.KindChannelLimitExceeded}
		},
	}
	p := newTestPool(t, Config{MaxConns: 4}, opener)

	ctx := context.Background()
	_, err := p.Get(ctx)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	sess := opener.session(0)
	if sess.State() != tunnel.StateOpen {
		t.Error("channel refusal must not tear down the shared session")
	}

	// the refusal was transient; a retry on the same session succeeds
	sess.setOpenChannelErr(nil)
	c, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("retry Get failed: %v", err)
	}
	if got := opener.openCount(); got != 1 {
		t.Errorf("session opens = %d, want 1 (session kept across refusal)", got)
	}
	p.Release(c)
}

func TestSessionWaitTimeoutFailsFast(t *testing.T) {
	opener := &fakeOpener{delay: 200 * time.Millisecond}
	p := newTestPool(t, Config{MaxConns: 2, SessionWaitTimeout: 30 * time.Millisecond}, opener)

	start := time.Now()
	_, err := p.Get(context.Background())
	if !tunnel.IsKind(err, tunnel.KindSessionUnavailable) {
		t.Fatalf("expected KindSessionUnavailable, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("bounded session wait should fail before the open completes")
	}
}

func TestBrokenSharedSessionSurfacesOnRead(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 2}, opener)

	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	opener.session(0).fail()

	_, err = c.Transport().Read(make([]byte, 8))
	if errors.Is(err, io.EOF) {
		t.Fatal("broken session must not read as a clean EOF")
	}
	if !tunnel.IsIoKind(err, tunnel.IoSessionBroken) {
		t.Fatalf("expected IoSessionBroken, got %v", err)
	}

	p.Release(c)
	if st := p.Stats(); st.Discarded != 1 {
		t.Errorf("discarded = %d, want 1", st.Discarded)
	}
}

func TestDedicatedSessionIsolation(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 2, DedicatedSessions: true}, opener)

	ctx := context.Background()
	c1, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	c2, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if c1.session == c2.session {
		t.Fatal("dedicated mode must give each connection its own session")
	}

	_ = c1.session.Close()
	if !c2.healthy() {
		t.Error("closing one dedicated session must not affect other connections")
	}

	p.Release(c2)
	p.Release(c1)
	st := p.Stats()
	if st.Idle != 1 {
		t.Errorf("idle = %d, want 1 (healthy conn kept)", st.Idle)
	}
	if st.Discarded != 1 {
		t.Errorf("discarded = %d, want 1 (conn with closed session dropped)", st.Discarded)
	}
}

func TestPoolCloseRejectsAndIsIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	p := newTestPool(t, Config{MaxConns: 2}, opener)

	ctx := context.Background()
	c, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	held, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Release(c)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("double Close should be a no-op, got %v", err)
	}
	if _, err := p.Get(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if opener.session(0).State() != tunnel.StateClosed {
		t.Error("Close must tear down the shared session")
	}
	// releasing a straggler after Close discards it without panicking
	p.Release(held)
	if st := p.Stats(); st.Leased != 0 {
		t.Errorf("leased = %d, want 0", st.Leased)
	}
}
