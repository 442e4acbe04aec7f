// Package metrics exposes Prometheus collectors for the message plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the relay.
type Registry struct {
	ActiveSessions     prometheus.Gauge
	MessagesPublished  prometheus.Counter
	MessagesDelivered  prometheus.Counter
	ConsumptionsSaved  prometheus.Counter
	FanoutDropped      prometheus.Counter
	BatchFlushes       prometheus.Counter
	BatchFlushFailures prometheus.Counter
	BatchCommandsDropped prometheus.Counter
	RetentionSweeps    prometheus.Counter
	RetentionFailures  prometheus.Counter
	RetentionRowsPurged prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	EventBusDropped    prometheus.Counter
	DashboardToggles   prometheus.Counter
}

// NewRegistry creates the Prometheus collectors for the relay.
func NewRegistry() *Registry {
	return &Registry{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pubsub_relay_sessions_active",
			Help: "Number of live subscriber sessions.",
		}),
		MessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_messages_published_total",
			Help: "Total number of messages accepted via /publish.",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_messages_delivered_total",
			Help: "Total number of message deliveries made to subscriber egress queues.",
		}),
		ConsumptionsSaved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_consumptions_total",
			Help: "Total number of consumption acknowledgements recorded.",
		}),
		FanoutDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_fanout_dropped_total",
			Help: "Total number of fan-out deliveries dropped due to a lagging subscriber.",
		}),
		BatchFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_batch_flushes_total",
			Help: "Total number of write-batcher flushes committed.",
		}),
		BatchFlushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_batch_flush_failures_total",
			Help: "Total number of write-batcher flushes that failed at begin, on a command error, or at commit.",
		}),
		BatchCommandsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_batch_commands_dropped_total",
			Help: "Total number of commands dropped by a failed batch flush.",
		}),
		RetentionSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_retention_sweeps_total",
			Help: "Total number of retention sweeps that committed successfully.",
		}),
		RetentionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_retention_failures_total",
			Help: "Total number of retention sweeps that failed and were skipped.",
		}),
		RetentionRowsPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_retention_rows_purged_total",
			Help: "Total number of rows removed across all retention sweeps.",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_cache_hits_total",
			Help: "Total number of dashboard read-cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_cache_misses_total",
			Help: "Total number of dashboard read-cache misses.",
		}),
		EventBusDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_eventbus_dropped_total",
			Help: "Total number of event-bus deliveries dropped due to a lagging receiver.",
		}),
		DashboardToggles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pubsub_relay_dashboard_toggles_total",
			Help: "Total number of dashboard mode login/logout toggles.",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
