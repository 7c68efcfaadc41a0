package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Telemetry
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalink_messages_total",
		Help: "Telemetry messages received, by decode result",
	}, []string{"result"})

	ActiveAlarms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "climalink_active_alarms",
		Help: "Number of alarms active in the latest decoded state",
	})

	// Liveness
	WatchdogTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalink_watchdog_timeouts_total",
		Help: "Watchdog deadlines that elapsed, by reason",
	}, []string{"reason"})

	LinkPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "climalink_link_phase",
		Help: "Current link phase: 0 pending, 1 live, 2 stale",
	})

	// Forwarding
	ForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalink_forward_total",
		Help: "Forwarded snapshots, by outcome",
	}, []string{"result"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "climalink_forward_duration_seconds",
		Help:    "Time spent delivering one snapshot, retries included",
		Buckets: prometheus.DefBuckets,
	})
)

const (
	ResultDecoded  = "decoded"
	ResultInvalid  = "invalid"
	ResultSent     = "sent"
	ResultBuffered = "buffered"
	ResultDropped  = "dropped"
)
