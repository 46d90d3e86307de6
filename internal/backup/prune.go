package backup

import (
	"context"
	"fmt"

	"github.com/lupppig/pgbackup/internal/manifest"
	"github.com/lupppig/pgbackup/internal/metrics"
	"github.com/lupppig/pgbackup/internal/storage"
)

// Prune keeps the keep newest backups of every server and database and
// deletes the rest. A keep below 1 means the configured retention.
func (s *Service) Prune(ctx context.Context, keep int) ([]manifest.Backup, error) {
	if keep < 1 {
		keep = s.retention.KeepMostRecent
	}
	deleted, err := s.storage.CleanOldBackups(ctx, keep)
	return s.recordPrune(deleted, err)
}

// pruneTarget is the retention run after an upload: only backups of the
// same server and database as b are considered.
func (s *Service) pruneTarget(ctx context.Context, b manifest.Backup) ([]manifest.Backup, error) {
	deleted, err := storage.CleanGroup(ctx, s.storage, b, s.retention.KeepMostRecent)
	return s.recordPrune(deleted, err)
}

func (s *Service) recordPrune(deleted []manifest.Backup, err error) ([]manifest.Backup, error) {
	metrics.RecordStorageOperation("clean", err == nil)
	metrics.BackupsDeleted.Add(float64(len(deleted)))
	for _, b := range deleted {
		s.log.Info("Deleted old backup", "name", b.Filename(), "created_at", b.CreatedAt)
	}
	if err != nil {
		return deleted, fmt.Errorf("retention failed: %w", err)
	}
	return deleted, nil
}
