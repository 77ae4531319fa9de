// Package metrics exposes the process's Prometheus instrumentation: provider
// allocation outcomes, active-user/connection gauges, shared-stream
// subscriber counts, and bytes relayed. Registered once at startup and read
// by the router's /metrics handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ProviderAllocations counts allocation attempts by outcome.
var ProviderAllocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "iptv_relay_provider_allocations_total",
		Help: "Provider slot allocation attempts by outcome (available, grace_period, exhausted).",
	},
	[]string{"outcome"},
)

// ActiveUsers reports the current number of distinct users with at least
// one open connection.
var ActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_relay_active_users",
	Help: "Number of distinct usernames with at least one open connection.",
})

// ActiveConnections reports the current total connection count across all users.
var ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_relay_active_connections",
	Help: "Total open client connections across all users.",
})

// SharedStreamSubscribers reports live subscriber count per upstream URL hash.
var SharedStreamSubscribers = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "iptv_relay_shared_stream_subscribers",
		Help: "Current subscriber count for a shared upstream broadcast.",
	},
	[]string{"url_hash"},
)

// SharedStreamBroadcasts reports the number of live broadcast entries.
var SharedStreamBroadcasts = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_relay_shared_stream_broadcasts",
	Help: "Number of currently active shared-stream broadcast entries.",
})

// BytesRelayed counts total bytes written to clients.
var BytesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "iptv_relay_bytes_relayed_total",
	Help: "Total bytes relayed to downstream clients.",
})

// Register adds every metric to reg. Called once from cmd/iptv-relay's
// startup path.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		ProviderAllocations,
		ActiveUsers,
		ActiveConnections,
		SharedStreamSubscribers,
		SharedStreamBroadcasts,
		BytesRelayed,
	)
}
