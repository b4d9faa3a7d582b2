package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics, registered once at package init and scraped from /metrics.
var (
	// Connections
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	IdentitiesBound = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_identities_bound",
		Help: "Current number of connections bound to an agent identity",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_connections_rejected_total",
		Help: "WebSocket upgrades rejected by the connection rate limiter",
	}, []string{"scope"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_disconnects_total",
		Help: "Disconnections by reason",
	}, []string{"reason"})

	// Envelopes
	EnvelopesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_envelopes_received_total",
		Help: "Inbound envelopes by type",
	}, []string{"type"})

	EnvelopesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_envelopes_rejected_total",
		Help: "Inbound envelopes answered with an error, by error code",
	}, []string{"code"})

	EnvelopesBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_envelopes_broadcast_total",
		Help: "Fan-out envelopes by type",
	}, []string{"type"})

	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsync_handler_duration_seconds",
		Help:    "Time spent handling one inbound envelope",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"type"})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_rate_limited_total",
		Help: "Envelopes rejected by the rate limiter, by category",
	}, []string{"category"})

	// Reaper
	ReapedIdentities = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_reaped_identities_total",
		Help: "Identities unbound by the stale-connection reaper",
	})

	// Notifications
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_notifications_total",
		Help: "Notification attempts by outcome",
	}, []string{"outcome"})

	NotificationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_notification_queue_depth",
		Help: "Notifications waiting in the dispatcher queue",
	})

	NotificationsDiverted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_notifications_diverted_total",
		Help: "Notifications sent straight to the fallback log because the dispatcher queue was full",
	})

	// Mirror
	MirrorPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_mirror_published_total",
		Help: "Envelopes published to the event mirror, by result",
	}, []string{"result"})

	// Runtime
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_cpu_usage_percent",
		Help: "Process CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_memory_usage_bytes",
		Help: "Process resident memory in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_goroutines_active",
		Help: "Current number of goroutines",
	})

	PanicsRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_panics_recovered_total",
		Help: "Panics recovered per goroutine name",
	}, []string{"goroutine"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		IdentitiesBound,
		ConnectionsRejected,
		DisconnectsTotal,
		EnvelopesReceived,
		EnvelopesRejected,
		EnvelopesBroadcast,
		HandlerDuration,
		RateLimited,
		ReapedIdentities,
		NotificationsTotal,
		NotificationQueueDepth,
		NotificationsDiverted,
		MirrorPublished,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
		PanicsRecovered,
	)
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
