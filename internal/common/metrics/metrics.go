// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)

// Engine collectors.
var (
	IntentsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlcqe_intents_total",
			Help: "Classified utterances by source (local, generative) and resulting action",
		},
		[]string{"source", "action"},
	)

	FallbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlcqe_fallback_total",
			Help: "Generative fallback invocations by outcome",
		},
		[]string{"outcome"},
	)

	ExecutorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlcqe_executor_duration_seconds",
			Help:    "Executor latency by plan kind (read, action) and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	SnapshotCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlcqe_snapshot_cache_total",
			Help: "Context snapshot lookups by result (hit, miss, refresh, error)",
		},
		[]string{"result"},
	)

	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlcqe_gate_rejections_total",
			Help: "Plans rejected by the tenant-safety gate",
		},
		[]string{"reason"},
	)
)
