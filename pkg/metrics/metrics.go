package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_jobs_submitted_total",
			Help: "Total number of jobs admitted through the API",
		},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_jobs",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrphansRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_orphan_containers_removed_total",
			Help: "Total number of orphaned containers removed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	ActiveLogStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_active_log_streams",
			Help: "Number of currently connected log stream clients",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(OrphansRemoved)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(ActiveLogStreams)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
