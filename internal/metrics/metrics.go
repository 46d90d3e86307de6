// Package metrics exposes Prometheus metrics for backup runs and storage.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BackupAttempts counts backup runs by trigger and outcome.
	BackupAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbackup_backup_attempts_total",
		Help: "Total number of backup attempts",
	}, []string{"trigger", "status"})

	// BackupDuration tracks each phase of a backup.
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgbackup_backup_duration_seconds",
		Help:    "Duration of backup phases in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"phase"})

	// BackupSize is the stored size of the last backup per target.
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgbackup_backup_size_bytes",
		Help: "Size of the last stored backup in bytes",
	}, []string{"server", "database"})

	// LastBackupTimestamp is when the last successful backup per target
	// finished.
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgbackup_last_success_timestamp",
		Help: "Unix timestamp of the last successful backup",
	}, []string{"server", "database"})

	// StorageOperations counts storage calls.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbackup_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	// BackupsDeleted counts backups removed by retention.
	BackupsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbackup_retention_deleted_total",
		Help: "Total number of old backups deleted by retention",
	})

	// ScheduledJobs is the number of jobs registered with the scheduler.
	ScheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgbackup_scheduled_jobs",
		Help: "Number of backup jobs currently scheduled",
	})
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordBackupAttempt records a backup run. trigger is "manual" or
// "scheduled".
func RecordBackupAttempt(trigger string, success bool) {
	BackupAttempts.WithLabelValues(trigger, status(success)).Inc()
}

// RecordStorageOperation records a storage call.
func RecordStorageOperation(operation string, success bool) {
	StorageOperations.WithLabelValues(operation, status(success)).Inc()
}

// ObservePhase records how long a backup phase took since start.
func ObservePhase(phase string, start time.Time) {
	BackupDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
