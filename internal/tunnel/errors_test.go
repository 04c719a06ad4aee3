package tunnel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestClassifyOpenChannelErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"resource shortage", &ssh.OpenChannelError{Reason: ssh.ResourceShortage, Message: "too many channels"}, KindChannelLimitExceeded},
		{"prohibited", &ssh.OpenChannelError{Reason: ssh.Prohibited, Message: "administratively prohibited"}, KindRemoteRefused},
		{"connection failed", &ssh.OpenChannelError{Reason: ssh.ConnectionFailed, Message: "connect failed"}, KindRemoteRefused},
		{"dead transport", errors.New("ssh: session closed"), KindSessionClosed},
	}
	for _, tc := range cases {
		if got := classifyOpenChannelErr(tc.err); got != tc.want {
			t.Errorf("%s: classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClassifyDialErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), KindAuthFailed},
		{"refused", errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), KindNetworkUnreachable},
	}
	for _, tc := range cases {
		if got := classifyDialErr(tc.err); got != tc.want {
			t.Errorf("%s: classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTunnelErrorMatching(t *testing.T) {
	err := fmt.Errorf("factory: %w", &TunnelError{Op: "open-channel", Kind: KindChannelLimitExceeded, Err: errors.New("boom")})
	if !IsKind(err, KindChannelLimitExceeded) {
		t.Error("IsKind should see through wrapping")
	}
	if IsKind(err, KindAuthFailed) {
		t.Error("IsKind must not match a different kind")
	}
	if !errors.Is(err, &TunnelError{Kind: KindChannelLimitExceeded}) {
		t.Error("errors.Is against a kind-only sentinel should match")
	}
	var te *TunnelError
	if !errors.As(err, &te) || te.Op != "open-channel" {
		t.Errorf("errors.As should recover the original error, got %+v", te)
	}
}

func TestIoErrorNetError(t *testing.T) {
	timeout := &IoError{Op: "read", Kind: IoTimeout}
	if !timeout.Timeout() {
		t.Error("IoTimeout must report Timeout()=true")
	}
	broken := &IoError{Op: "read", Kind: IoSessionBroken}
	if broken.Timeout() {
		t.Error("IoSessionBroken must not look like a timeout")
	}
	wrapped := fmt.Errorf("conn: %w", broken)
	if !IsIoKind(wrapped, IoSessionBroken) {
		t.Error("IsIoKind should see through wrapping")
	}
	if !errors.Is(wrapped, &IoError{Kind: IoSessionBroken}) {
		t.Error("errors.Is against a kind-only sentinel should match")
	}
}
