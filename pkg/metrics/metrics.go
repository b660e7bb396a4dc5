package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients tracks live websocket connections by role (user|admin).
	ConnectedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_connected_clients",
			Help: "Number of live websocket connections",
		},
		[]string{"role"},
	)

	// ActiveSessions tracks chat sessions currently held in the session store.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_active_sessions",
			Help: "Number of chat sessions in the in-memory store",
		},
	)

	// MessagesRelayed counts chat messages fanned out, by sender role.
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_total",
			Help: "Total chat messages relayed through the broker",
		},
		[]string{"sender"},
	)

	// FrameErrors counts inbound frames rejected at the broker boundary.
	FrameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_frame_errors_total",
			Help: "Total inbound frames rejected with an error event",
		},
		[]string{"code"},
	)

	// SessionsReaped counts sessions closed by the idle reaper.
	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_sessions_reaped_total",
			Help: "Total idle chat sessions closed by the background reaper",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
