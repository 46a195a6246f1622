// Package metrics holds the Prometheus collectors shared by the server and worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewpipe_jobs_submitted_total",
			Help: "Total number of review jobs accepted by the producer",
		},
		[]string{"lane"},
	)

	// JobsFinishedTotal counts terminal writes; outcome is completed or failed.
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewpipe_jobs_finished_total",
			Help: "Total number of review jobs that reached a terminal state",
		},
		[]string{"outcome", "stage"},
	)

	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewpipe_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
		[]string{"stage"},
	)

	QueueRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewpipe_queue_retries_total",
			Help: "Total number of failed deliveries scheduled for another attempt",
		},
		[]string{"lane"},
	)

	QueueDeadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewpipe_queue_dead_total",
			Help: "Total number of tasks moved to failed history after exhausting attempts",
		},
		[]string{"lane"},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reviewpipe_queue_length",
			Help: "Current number of tasks per queue state",
		},
		[]string{"state"}, // priority, standard, active, delayed
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reviewpipe_workers_busy",
			Help: "Current number of workers processing a job",
		},
	)
)
