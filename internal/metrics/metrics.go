package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_jobs_queued_total",
			Help: "Total number of jobs queued",
		},
		[]string{"job_name"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_jobs_finished_total",
			Help: "Total number of jobs finished",
		},
		[]string{"job_name", "status"}, // success, failure
	)

	SpacerResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_spacer_results_total",
			Help: "Total number of spacer results collected",
		},
		[]string{"task", "outcome"}, // outcome: success, failure, skipped, lost
	)

	SpacerSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_spacer_submissions_total",
			Help: "Total number of tasks submitted to spacer",
		},
		[]string{"task"},
	)

	ClassifierDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_classifier_decisions_total",
			Help: "Total number of classifier accept/reject decisions",
		},
		[]string{"status"},
	)

	AnnotationWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_annotation_writes_total",
			Help: "Robot annotation actions taken while applying classifications",
		},
		[]string{"action"}, // create, update, unchanged, skip_confirmed
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vb_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	HTTPPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vb_http_panics_total",
			Help: "Handler panics recovered by the API server",
		},
	)

	// Gauges
	JobsInProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vb_jobs_in_progress",
			Help: "Current number of jobs being run by this process",
		},
		[]string{"job_name"},
	)

	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vb_jobs_by_status",
			Help: "Jobs in the jobs table per status, as of the last stuck-job report",
		},
		[]string{"status"},
	)

	// Buckets: 10ms to ~163s
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vb_job_duration_seconds",
			Help:    "Job run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"job_name"},
	)
)
