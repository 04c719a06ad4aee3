// Command redisssh-ping drives load through a tunneled Redis pool. It is
// both a smoke test for an SSH-reachable Redis and a demo of the pool's
// shared vs dedicated session modes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/un1tz3r0/redisssh"
	"github.com/un1tz3r0/redisssh/internal/obs"
	"github.com/un1tz3r0/redisssh/internal/ratelimit"
	"github.com/un1tz3r0/redisssh/internal/tunnel"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.SSHHost == "" {
		obs.Error("config.ssh_host.missing", obs.Fields{})
		os.Exit(2)
	}

	pool, err := redisssh.New(redisssh.Config{
		Tunnel: tunnel.Endpoint{
			Host:           cfg.SSHHost,
			Port:           cfg.SSHPort,
			User:           cfg.SSHUser,
			KeyFile:        cfg.KeyFile,
			Password:       cfg.SSHPassword,
			KnownHostsFile: cfg.KnownHosts,
			ConnectTimeout: cfg.ConnectTimeout,
		},
		Target: tunnel.Target{Host: cfg.RedisHost, Port: cfg.RedisPort},
		Redis: redisssh.RedisConfig{
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		MaxConns:           cfg.MaxConns,
		AcquireTimeout:     cfg.AcquireTimeout,
		DedicatedSessions:  cfg.Dedicated,
		SessionWaitTimeout: cfg.SessionWaitTimeout,
	})
	if err != nil {
		obs.Error("pool.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	go startMetricsServer(cfg.MetricsAddr)

	obs.Info("ping.start", obs.Fields{
		"ssh":       fmt.Sprintf("%s:%d", cfg.SSHHost, cfg.SSHPort),
		"redis":     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		"workers":   cfg.Workers,
		"rate":      cfg.Rate,
		"dedicated": cfg.Dedicated,
	})

	bucket := ratelimit.NewTokenBucket(cfg.Rate, cfg.Burst)
	var ops, fails atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, id, pool, bucket, &ops, &fails)
		}(i)
	}

	go reportLoop(ctx, pool, &ops, &fails)

	<-ctx.Done()
	obs.Info("ping.shutdown.signal", obs.Fields{})
	wg.Wait()

	st := pool.Stats()
	obs.Info("ping.shutdown.complete", obs.Fields{
		"ops":       ops.Load(),
		"failures":  fails.Load(),
		"created":   st.Created,
		"discarded": st.Discarded,
		"reopens":   st.Reopens,
	})
}

// runWorker borrows a connection per operation, round-robining PING, SET
// and GET so both directions of the tunnel carry payload.
func runWorker(ctx context.Context, id int, pool *redisssh.Pool, bucket *ratelimit.TokenBucket, ops, fails *atomic.Uint64) {
	key := fmt.Sprintf("redisssh:ping:%d", id)
	for n := 0; ; n++ {
		if err := bucket.Wait(ctx); err != nil {
			return
		}
		if err := runOp(ctx, pool, key, n); err != nil {
			if ctx.Err() != nil {
				return
			}
			fails.Add(1)
			obs.Error("worker.op", obs.Fields{"worker": id, "err": err.Error()})
			// transient channel refusals and acquire timeouts are retryable;
			// back off briefly instead of hammering the session
			if errors.Is(err, redisssh.ErrChannelUnavailable) || errors.Is(err, redisssh.ErrAcquireTimeout) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			if errors.Is(err, redisssh.ErrPoolClosed) {
				return
			}
			continue
		}
		ops.Add(1)
	}
}

func runOp(ctx context.Context, pool *redisssh.Pool, key string, n int) error {
	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	rdb := conn.Redis()
	switch n % 3 {
	case 0:
		return rdb.Ping(ctx).Err()
	case 1:
		return rdb.Set(ctx, key, n, time.Minute).Err()
	default:
		err := rdb.Get(ctx, key).Err()
		if errors.Is(err, redisssh.Nil) {
			return nil // key expired between SET and GET
		}
		return err
	}
}

func reportLoop(ctx context.Context, pool *redisssh.Pool, ops, fails *atomic.Uint64) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			total := ops.Load()
			st := pool.Stats()
			obs.Info("ping.report", obs.Fields{
				"ops":       total,
				"ops_10s":   total - last,
				"failures":  fails.Load(),
				"leased":    st.Leased,
				"idle":      st.Idle,
				"created":   st.Created,
				"discarded": st.Discarded,
				"reopens":   st.Reopens,
			})
			last = total
		}
	}
}

// startMetricsServer serves Prometheus metrics and a simple health endpoint.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
