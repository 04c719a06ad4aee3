package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	SSHHost        string
	SSHPort        int
	SSHUser        string
	KeyFile        string
	SSHPassword    string
	KnownHosts     string
	ConnectTimeout time.Duration

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	MaxConns           int
	AcquireTimeout     time.Duration
	Dedicated          bool
	SessionWaitTimeout time.Duration

	Workers     int
	Rate        int
	Burst       int
	Duration    time.Duration
	MetricsAddr string
	Debug       bool
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.SSHHost, "ssh-host", "", "intermediary SSH host (required)")
	flag.IntVar(&cfg.SSHPort, "ssh-port", 22, "intermediary SSH port")
	flag.StringVar(&cfg.SSHUser, "ssh-user", "", "SSH username (default: current user)")
	flag.StringVar(&cfg.KeyFile, "ssh-key", "", "private key file (default: ~/.ssh/id_rsa)")
	flag.StringVar(&cfg.SSHPassword, "ssh-password", "", "SSH password (tried after public key)")
	flag.StringVar(&cfg.KnownHosts, "known-hosts", "", "known_hosts file for host key verification; unset skips verification")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second, "SSH dial and handshake timeout")

	flag.StringVar(&cfg.RedisHost, "redis-host", "127.0.0.1", "Redis host as seen from the intermediary")
	flag.IntVar(&cfg.RedisPort, "redis-port", 6379, "Redis port as seen from the intermediary")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis AUTH password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")

	flag.IntVar(&cfg.MaxConns, "max-conns", 8, "maximum pooled connections")
	flag.DurationVar(&cfg.AcquireTimeout, "acquire-timeout", 5*time.Second, "time limit for borrowing a pooled connection")
	flag.BoolVar(&cfg.Dedicated, "dedicated", false, "give each pooled connection its own SSH session instead of sharing one")
	flag.DurationVar(&cfg.SessionWaitTimeout, "session-wait-timeout", 0, "fail-fast bound on waiting for a shared session (re)open (0 = wait for the open)")

	flag.IntVar(&cfg.Workers, "workers", 4, "concurrent load workers")
	flag.IntVar(&cfg.Rate, "rate", 0, "operations per second across all workers (0 = unpaced)")
	flag.IntVar(&cfg.Burst, "burst", 10, "rate limiter burst size")
	flag.DurationVar(&cfg.Duration, "duration", 0, "stop after this long (0 = run until signalled)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.Parse()
}
