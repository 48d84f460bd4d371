package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drbackup"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// BackupsTotal counts backup attempts by trigger and result.
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_total",
		Help:      "Total number of backup attempts",
	}, []string{"trigger", "result"})

	BackupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backup_duration_seconds",
		Help:      "Wall time of a full backup including dump, compression and hashing",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	// LastBackupSizeBytes is the compressed size of the most recent completed backup.
	LastBackupSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_backup_size_bytes",
		Help:      "Compressed size of the most recent completed backup",
	})

	LastBackupTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_backup_timestamp_seconds",
		Help:      "Unix time of the most recent completed backup",
	})

	// RestoresTotal counts restores by final state (completed, validated, failed).
	RestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restores_total",
		Help:      "Total number of restore runs by outcome",
	}, []string{"outcome"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Total number of integrity verifications",
	}, []string{"result"})

	RetentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_total",
		Help:      "Total number of backups removed by the retention sweep",
	})

	RetentionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_errors_total",
		Help:      "Total number of artifact deletions that failed and were kept for retry",
	})

	WALSegmentsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wal_segments_applied_total",
		Help:      "Total number of WAL segments replayed",
	})

	WALRecentSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wal_recent_segments",
		Help:      "Segments archived within the freshness window at the last check",
	})

	BackupDiskUsedRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backup_disk_used_ratio",
		Help:      "Used fraction of the filesystem holding the backup directory",
	})

	OffloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "offloads_total",
		Help:      "Total number of remote offload uploads",
	}, []string{"result"})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Total number of alerts dispatched",
	}, []string{"kind", "result"})

	// AlertBreakerState is 0 closed, 1 half-open, 2 open.
	AlertBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_circuit_breaker_state",
		Help:      "State of the alert webhook circuit breaker",
	})
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
