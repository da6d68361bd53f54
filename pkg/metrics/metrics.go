package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_tasks_dispatched_total",
			Help: "Total number of tasks enqueued by queue",
		},
		[]string{"queue"},
	)

	TasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_tasks_rejected_total",
			Help: "Total number of rejected payloads by reason",
		},
		[]string{"reason"},
	)

	UpstreamPollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_upstream_poll_errors_total",
			Help: "Total number of failed upstream poll iterations",
		},
	)

	// Monitor metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_reconciliation_cycles_total",
			Help: "Total number of monitor reconciliation passes",
		},
	)

	TaskStatusUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_task_status_updates_total",
			Help: "Total number of reconciled status updates by status",
		},
		[]string{"status"},
	)

	// Worker metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"stage"},
	)

	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_tasks_processed_total",
			Help: "Total number of tasks processed by terminal state",
		},
		[]string{"state"},
	)

	ArtifactsUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_artifacts_uploaded_total",
			Help: "Total number of artifact files uploaded",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksRejected)
	prometheus.MustRegister(UpstreamPollErrors)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(TaskStatusUpdates)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(ArtifactsUploaded)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
