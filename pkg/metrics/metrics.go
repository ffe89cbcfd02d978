package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_nodes_total",
			Help: "Total number of nodes by runtime and status",
		},
		[]string{"runtime", "status"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "muster_services_total",
			Help: "Total number of services",
		},
	)

	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_pods_total",
			Help: "Total number of pods by status",
		},
		[]string{"status"},
	)

	PacksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "muster_packs_total",
			Help: "Total number of registered pack versions",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_scheduling_latency_seconds",
			Help:    "Time taken to place a pending pod in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PodsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_pods_scheduled_total",
			Help: "Total number of pods placed on a node",
		},
	)

	PodsPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_pods_preempted_total",
			Help: "Total number of pods evicted to make room for higher priority pods",
		},
	)

	PodsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_pods_failed_total",
			Help: "Total number of failed pods",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connection manager metrics
	SessionsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_sessions_connected",
			Help: "Currently connected sessions by kind (node or pod)",
		},
		[]string{"kind"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_messages_dropped_total",
			Help: "Messages dropped by reason (congested, oversize, decode)",
		},
		[]string{"reason"},
	)

	CorrelationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_correlation_timeouts_total",
			Help: "Correlated requests that timed out waiting for a response",
		},
	)

	// Signaling metrics
	SignalsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_signals_forwarded_total",
			Help: "Peer signaling frames forwarded between pod sessions",
		},
	)

	SignalsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_signals_rejected_total",
			Help: "Peer signaling frames rejected by reason",
		},
		[]string{"reason"},
	)

	// Bundle distribution metrics
	BundleCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_bundle_cache_hits_total",
			Help: "Bundle resolutions served from the local cache",
		},
	)

	BundleCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_bundle_cache_misses_total",
			Help: "Bundle resolutions that had to fetch from origin",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(PacksTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PodsScheduled)
	prometheus.MustRegister(PodsPreempted)
	prometheus.MustRegister(PodsFailed)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(SessionsConnected)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(CorrelationTimeouts)
	prometheus.MustRegister(SignalsForwarded)
	prometheus.MustRegister(SignalsRejected)
	prometheus.MustRegister(BundleCacheHits)
	prometheus.MustRegister(BundleCacheMisses)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
