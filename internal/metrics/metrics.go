// Package metrics exposes the broker's Prometheus counters and gauges
// (spec.md §6 "Monitoring" ambient stack), grounded on the teacher's
// flat package-level metric set registered once at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_connections_total",
		Help: "Total connections accepted, by protocol dialect.",
	}, []string{"protocol"})

	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qio_connections_active",
		Help: "Currently open connections, by protocol dialect.",
	}, []string{"protocol"})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_connections_rejected_total",
		Help: "Connections rejected before handshake, by reason.",
	}, []string{"reason"})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qio_subscriptions_active",
		Help: "Current process-wide subscription count (matches the fairness policy's shared total).",
	})

	SubscriptionsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_subscriptions_denied_total",
		Help: "Subscribe attempts denied, by reason (fairness, unauthorized, not_found).",
	}, []string{"reason"})

	EventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qio_events_routed_total",
		Help: "Inbound events dispatched through the router, by callback code.",
	}, []string{"code"})

	BroadcastsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_broadcasts_enqueued_total",
		Help: "Broadcasts accepted onto the pipeline queue.",
	})

	BroadcastTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qio_broadcast_tick_seconds",
		Help:    "Wall time spent draining the broadcast queue per tick.",
		Buckets: prometheus.DefBuckets,
	})

	CallbacksFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_callbacks_fired_total",
		Help: "Server callbacks that completed via client reply.",
	})

	CallbacksPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_callbacks_pruned_total",
		Help: "Server callbacks dropped by the heartbeat sweep's age cutoff.",
	})

	HeartbeatChallenges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_heartbeat_challenges_total",
		Help: "Connections sent a heartbeat challenge.",
	})

	HeartbeatDeaths = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_heartbeat_deaths_total",
		Help: "Connections closed by the heartbeat sweep for unanswered challenges.",
	})

	BusMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_bus_messages_received_total",
		Help: "Messages received from the external NATS publish ingest.",
	})

	BusMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qio_bus_messages_dropped_total",
		Help: "Bus messages dropped because no event was registered for their subject or it had no subscription.",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qio_cpu_usage_percent",
		Help: "Host-wide CPU usage percentage (internal/platform).",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qio_memory_usage_bytes",
		Help: "Resident memory usage in bytes (internal/platform).",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qio_goroutines_active",
		Help: "Current runtime.NumGoroutine() reading.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		SubscriptionsActive,
		SubscriptionsDenied,
		EventsRouted,
		BroadcastsEnqueued,
		BroadcastTickDuration,
		CallbacksFired,
		CallbacksPruned,
		HeartbeatChallenges,
		HeartbeatDeaths,
		BusMessagesReceived,
		BusMessagesDropped,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
	)
}

// Handler returns the /metrics HTTP handler for the monitoring listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
