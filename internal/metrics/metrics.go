// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and exposed by the API server on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted submissions by mode (sync, async).
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_jobs_submitted_total",
		Help: "Jobs accepted by the API, by execution mode.",
	}, []string{"mode"})

	// JobsProcessed counts worker-completed jobs by terminal status.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_jobs_processed_total",
		Help: "Jobs finished by the worker pool, by terminal status.",
	}, []string{"status"})

	// JobDuration observes wall time per job from dequeue to terminal update.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ansible_job_duration_seconds",
		Help:    "Wall-clock job execution time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// QueueDepth is sampled by the readiness probe.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_queue_depth",
		Help: "Jobs currently waiting in the work queue.",
	})

	// WorkersBusy tracks workers currently executing a job.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_workers_busy",
		Help: "Workers currently executing a job.",
	})
)
