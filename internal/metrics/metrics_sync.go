package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depsync_repository_sync_failed_total",
			Help: "Total number of failed repository sync operations",
		},
		[]string{"repo", "error_type"},
	)

	syncCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depsync_repository_sync_total",
			Help: "Total number of repository sync operations",
		},
		[]string{"operation"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depsync_repository_sync_duration_seconds",
			Help:    "Repository sync duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120},
		},
		[]string{"repo", "operation"},
	)

	lastSyncStart = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depsync_last_repository_sync_start_timestamp",
			Help: "Unix timestamp of when the last repository sync started",
		},
		[]string{"repo"},
	)

	lastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depsync_last_repository_sync_end_timestamp",
			Help: "Unix timestamp of when the last repository sync ended",
		},
		[]string{"repo"},
	)

	jobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "depsync_jobs_in_progress",
			Help: "Number of repository jobs currently running",
		},
	)
)

// SyncStarted records the start of a clone or update of repo.
func SyncStarted(repo string) time.Time {
	now := time.Now()
	lastSyncStart.WithLabelValues(repo).Set(float64(now.Unix()))
	jobsInProgress.Inc()
	return now
}

// SyncSucceeded records a successful clone or update that started at start.
func SyncSucceeded(repo, operation string, start time.Time) {
	syncDone(repo, operation, start)
}

// SyncFailed records a failed sync, labelled with the error kind.
func SyncFailed(repo, operation, kind string, start time.Time) {
	syncFailed.WithLabelValues(repo, kind).Inc()
	syncDone(repo, operation, start)
}

func syncDone(repo, operation string, start time.Time) {
	syncCount.WithLabelValues(operation).Inc()
	syncDuration.WithLabelValues(repo, operation).Observe(time.Since(start).Seconds())
	lastSyncEnd.WithLabelValues(repo).Set(float64(time.Now().Unix()))
	jobsInProgress.Dec()
}
