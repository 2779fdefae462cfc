package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_operations_total",
			Help: "Total lifecycle operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_operation_duration_seconds",
			Help:    "Lifecycle operation duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	InstancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_instances_total",
			Help: "Registered instances by lifecycle state",
		},
		[]string{"state"},
	)

	// Publisher metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_key_events_published_total",
			Help: "Key change events published by operation",
		},
		[]string{"op"},
	)

	SnapshotsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_snapshots_served_total",
			Help: "Full key snapshots served to agents",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_queue_depth",
			Help: "Messages waiting per delivery queue",
		},
		[]string{"queue"},
	)

	QueueRedeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_queue_redeliveries_total",
			Help: "Deliveries handed out more than once",
		},
	)

	// Agent metrics
	AgentEventsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_agent_events_applied_total",
			Help: "Change events applied to the authorized keys file",
		},
	)

	AgentEventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_agent_events_duplicate_total",
			Help: "Redelivered change events dropped as already applied",
		},
	)

	AgentSyncGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_agent_sync_gaps_total",
			Help: "Sequence gaps detected in the event stream",
		},
	)

	AgentResyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_agent_resyncs_total",
			Help: "Full snapshot resyncs performed",
		},
	)

	AgentWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_agent_watermark",
			Help: "Highest change event sequence applied, per key scope",
		},
		[]string{"scope"},
	)

	AgentFileWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_agent_file_writes_total",
			Help: "Atomic rewrites of the authorized keys file",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	WatchSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_watch_sessions",
			Help: "Open event watch websocket sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(InstancesByState)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(SnapshotsServed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueRedeliveries)
	prometheus.MustRegister(AgentEventsApplied)
	prometheus.MustRegister(AgentEventsDuplicate)
	prometheus.MustRegister(AgentSyncGaps)
	prometheus.MustRegister(AgentResyncs)
	prometheus.MustRegister(AgentWatermark)
	prometheus.MustRegister(AgentFileWrites)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WatchSessions)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
