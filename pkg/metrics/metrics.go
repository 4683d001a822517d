package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ICEResolutions counts ICE server resolutions by the tier that produced the answer (provider|fallback|stun).
	ICEResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_ice_resolutions_total",
			Help: "ICE server resolutions by fallback tier",
		},
		[]string{"tier"},
	)

	// SignalMessages counts signaling messages accepted for relay by kind.
	SignalMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_signal_messages_total",
			Help: "Signaling messages relayed",
		},
		[]string{"kind"},
	)

	// SignalRejected counts frames dropped at the signaling boundary.
	SignalRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_signal_rejected_total",
			Help: "Signaling frames rejected",
		},
		[]string{"reason"},
	)

	// SignalConnections tracks open signaling sockets.
	SignalConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campus_signal_connections",
			Help: "Open signaling WebSocket connections",
		},
	)

	// CallRecords counts call history writes by status and result (success|failure).
	CallRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_call_records_total",
			Help: "Call history records written",
		},
		[]string{"status", "result"},
	)

	// Notifications counts notification dispatches by type and result (sent|muted|failed).
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campus_notifications_total",
			Help: "Notifications dispatched",
		},
		[]string{"type", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campus_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
