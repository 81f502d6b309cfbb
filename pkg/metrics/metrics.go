package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "control_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	ClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_claims_total",
			Help: "Total number of successful task claims",
		},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "control_claim_conflicts_total",
			Help: "Total number of claims reverted on file-ownership conflict",
		},
	)

	FileOwnershipRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "control_file_ownership_rows",
			Help: "Current number of file-ownership rows",
		},
	)

	// Scheduler metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_dispatches_total",
			Help: "Total number of gateway dispatches by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "control_dispatch_duration_seconds",
			Help:    "Duration of gateway action dispatches",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 130},
		},
	)

	// Reaper metrics
	ReaperActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_reaper_actions_total",
			Help: "Total number of reaper decisions by action",
		},
		[]string{"action"},
	)

	// Registry metrics
	GatewaysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "control_gateways_total",
			Help: "Total number of registered gateways by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "control_workers_total",
			Help: "Total number of registered workers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_api_requests_total",
			Help: "Total number of API requests by path and status code",
		},
		[]string{"path", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		ClaimsTotal,
		ClaimConflictsTotal,
		FileOwnershipRows,
		DispatchesTotal,
		DispatchDuration,
		ReaperActionsTotal,
		GatewaysTotal,
		WorkersTotal,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
