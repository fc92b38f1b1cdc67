package jobs

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		},
		[]string{"connection", "queue", "job_name", "status"},
	)

	jobsReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_released_total",
			Help: "Total number of jobs released back to their queue after a failed attempt",
		},
		[]string{"connection", "queue", "job_name"},
	)

	jobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_jobs_failed_total",
			Help: "Total number of jobs marked as failed",
		},
		[]string{"connection", "queue", "job_name", "reason"},
	)

	jobsPopErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_pop_errors_total",
			Help: "Total number of failed attempts to reserve a job",
		},
		[]string{"connection", "queue"},
	)

	jobsRedeliveryHazardTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobqueue_redelivery_hazard_total",
			Help: "Total number of reserved entries a delete could not remove",
		},
		[]string{"connection", "queue"},
	)

	jobsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobqueue_job_duration_seconds",
			Help:    "Duration of job execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connection", "queue", "job_name"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobqueue_jobs_inflight",
			Help: "Current number of in-flight jobs being processed by workers",
		},
		[]string{"connection", "queue"},
	)
)

func recordJobProcessed(job *Job, status string, elapsed time.Duration) {
	connection, queue, name := jobLabels(job)
	jobsProcessedTotal.WithLabelValues(connection, queue, name, normalizeMetricLabel(status, "unknown")).Inc()
	jobsDuration.WithLabelValues(connection, queue, name).Observe(elapsed.Seconds())
}

func recordJobReleased(job *Job) {
	connection, queue, name := jobLabels(job)
	jobsReleasedTotal.WithLabelValues(connection, queue, name).Inc()
}

func recordJobFailed(job *Job, reason string) {
	connection, queue, name := jobLabels(job)
	jobsFailedTotal.WithLabelValues(connection, queue, name, normalizeMetricLabel(reason, "unknown")).Inc()
}

func recordPopError(connection, queue string) {
	jobsPopErrorsTotal.WithLabelValues(
		normalizeMetricLabel(connection, "unknown"),
		normalizeMetricLabel(queue, "unknown"),
	).Inc()
}

func incrementJobInFlight(connection, queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(connection, "unknown"), normalizeMetricLabel(queue, "unknown")).Inc()
}

func decrementJobInFlight(connection, queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(connection, "unknown"), normalizeMetricLabel(queue, "unknown")).Dec()
}

// RecordRedeliveryHazard counts a delete that left its reserved entry behind.
func RecordRedeliveryHazard(connection, queue string) {
	jobsRedeliveryHazardTotal.WithLabelValues(
		normalizeMetricLabel(connection, "unknown"),
		normalizeMetricLabel(queue, "unknown"),
	).Inc()
}

func jobLabels(job *Job) (string, string, string) {
	if job == nil {
		return "unknown", "unknown", "unknown"
	}
	return normalizeMetricLabel(job.Connection(), "unknown"),
		normalizeMetricLabel(job.Queue(), "unknown"),
		normalizeMetricLabel(job.ResolvedName(), "unknown")
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
