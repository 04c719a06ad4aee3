package tunnel

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Endpoint identifies the intermediary SSH host and how to authenticate to
// it. It is immutable once a pool is constructed around it.
type Endpoint struct {
	Host string
	Port int // 0 means 22
	User string

	// Exactly one key source is used, in order of precedence: Signer,
	// KeyData (PEM bytes), KeyFile (path, "~" expanded). If none is set,
	// KeyFile defaults to ~/.ssh/id_rsa.
	Signer  ssh.Signer
	KeyData []byte
	KeyFile string

	// Password enables password auth in addition to public-key auth.
	Password string

	// KnownHostsFile enables host key verification against an OpenSSH
	// known_hosts file. When empty, host keys are not verified.
	KnownHostsFile string

	ConnectTimeout time.Duration
}

// Addr returns the dialable host:port of the intermediary.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Target identifies the store server as reachable from the intermediary
// host. Immutable.
type Target struct {
	Host string // "" means 127.0.0.1
	Port int    // 0 means 6379
}

// Addr returns the dialable host:port of the store server.
func (t Target) Addr() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := t.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
