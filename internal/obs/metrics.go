package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsOpen        = promauto.NewGauge(prometheus.GaugeOpts{Name: "redisssh_sessions_open", Help: "Currently open tunnel sessions"})
	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "redisssh_sessions_opened_total", Help: "Tunnel sessions opened"})
	SessionReopensTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "redisssh_session_reopens_total", Help: "Shared tunnel session reopen attempts"})
	ChannelsOpen        = promauto.NewGauge(prometheus.GaugeOpts{Name: "redisssh_channels_open", Help: "Currently open forwarded channels"})
	ChannelsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "redisssh_channels_opened_total", Help: "Forwarded channels opened"})
	ConnsLeased         = promauto.NewGauge(prometheus.GaugeOpts{Name: "redisssh_conns_leased", Help: "Pool connections currently checked out"})
	ConnsDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "redisssh_conns_discarded_total", Help: "Pool connections discarded after transport errors"})
	AcquireWaitSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "redisssh_acquire_wait_seconds", Help: "Time spent waiting in Pool.Get", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16)})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "redisssh_errors_total", Help: "Errors by type"}, []string{"type"})
)
