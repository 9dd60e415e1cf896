// Package metrics holds the Prometheus instrumentation for the presence
// backend. All metrics register on the default registry and are exposed at
// /metrics on the control listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument so components share one registration.
type Metrics struct {
	// Gateway / registry
	ConnectionsOpen  prometheus.Gauge
	PresencesJoined  prometheus.Gauge
	FramesTotal      *prometheus.CounterVec
	BroadcastsTotal  prometheus.Counter
	BroadcastDropped prometheus.Counter
	SweeperReaped    prometheus.Counter

	// Rate limiting
	RateLimitDenials *prometheus.CounterVec

	// Sessions
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionDuration prometheus.Histogram

	// Store
	StoreErrors prometheus.Counter
}

// New creates and registers all metrics. Call once per process.
func New() *Metrics {
	return &Metrics{
		ConnectionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "presence_connections_open",
			Help: "Currently open duplex channels",
		}),
		PresencesJoined: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "presence_joined",
			Help: "Sockets currently joined to a moment",
		}),
		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_frames_total",
				Help: "Inbound frames by type",
			},
			[]string{"type"},
		),
		BroadcastsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presence_broadcasts_total",
			Help: "presence_update fan-outs emitted",
		}),
		BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presence_broadcast_dropped_total",
			Help: "Broadcast sends dropped because a recipient was unwritable",
		}),
		SweeperReaped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presence_sweeper_reaped_total",
			Help: "Connections closed by the heartbeat-timeout sweeper",
		}),
		RateLimitDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presence_rate_limit_denials_total",
				Help: "Denied rate-limit checks by scope",
			},
			[]string{"scope"}, // control, api, heartbeat, session_begin
		),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presence_sessions_started_total",
			Help: "Anonymous sessions created",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presence_sessions_ended_total",
			Help: "Sessions ended explicitly or by the stale sweeper",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_session_duration_seconds",
			Help:    "Duration of ended sessions",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presence_store_errors_total",
			Help: "Durable-store operations that failed",
		}),
	}
}
