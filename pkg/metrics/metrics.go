package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	SessionContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_session_containers_total",
			Help: "Total number of session containers by status",
		},
		[]string{"status"},
	)

	// Provisioner metrics
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_provision_duration_seconds",
			Help:    "Time taken to provision all containers of a session",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_provisions_total",
			Help: "Total number of session provisioning runs by result",
		},
		[]string{"result"}, // success, failed, cycle, orphaned
	)

	ContainersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_containers_started_total",
			Help: "Total number of session containers started",
		},
	)

	// Pool metrics
	PoolClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_pool_claims_total",
			Help: "Total number of pool claim attempts by result",
		},
		[]string{"result"}, // hit, miss, disabled
	)

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_pool_sessions",
			Help: "Pooled sessions per project observed at the end of a reconciliation",
		},
		[]string{"project"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_reconciliation_duration_seconds",
			Help:    "Time taken by one pool reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_reconciliation_cycles_total",
			Help: "Total number of pool reconciliation cycles by outcome",
		},
		[]string{"outcome"}, // settled, completed_with_errors, timeout
	)

	// Cleanup metrics
	CleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_cleanups_total",
			Help: "Total number of session teardowns by flavor",
		},
		[]string{"flavor"}, // full, orphaned, error
	)

	CleanupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_cleanup_failures_total",
			Help: "Total number of failed teardown steps by step",
		},
		[]string{"step"},
	)

	// Monitor metrics
	MonitorReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_monitor_reconnects_total",
			Help: "Total number of event stream resubscriptions by monitor",
		},
		[]string{"monitor"},
	)

	MonitorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_monitor_events_total",
			Help: "Total number of stream events processed by monitor",
		},
		[]string{"monitor"},
	)

	NotificationsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_notifications_published_total",
			Help: "Total number of notifications published by channel and kind",
		},
		[]string{"channel", "kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionContainersTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ContainersStarted)
	prometheus.MustRegister(PoolClaimsTotal)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(CleanupsTotal)
	prometheus.MustRegister(CleanupFailuresTotal)
	prometheus.MustRegister(MonitorReconnectsTotal)
	prometheus.MustRegister(MonitorEventsTotal)
	prometheus.MustRegister(NotificationsPublishedTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
