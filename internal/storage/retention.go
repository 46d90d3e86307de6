package storage

import (
	"context"
	"fmt"

	"github.com/lupppig/pgbackup/internal/manifest"
)

// SelectExpired returns the backups beyond the keep newest of each
// server/database group, oldest last within each group.
func SelectExpired(backups []manifest.Backup, keep int) []manifest.Backup {
	sorted := append([]manifest.Backup(nil), backups...)
	manifest.SortNewestFirst(sorted)

	seen := map[string]int{}
	var expired []manifest.Backup
	for _, b := range sorted {
		k := b.GroupKey()
		seen[k]++
		if seen[k] > keep {
			expired = append(expired, b)
		}
	}
	return expired
}

// cleanOld is the shared CleanOldBackups body for every backend.
func cleanOld(ctx context.Context, s Storage, keep int) ([]manifest.Backup, error) {
	return cleanExpired(ctx, s, keep, "")
}

// CleanGroup applies retention to the backups sharing group's GroupKey
// only, leaving every other server and database untouched.
func CleanGroup(ctx context.Context, s Storage, group manifest.Backup, keep int) ([]manifest.Backup, error) {
	return cleanExpired(ctx, s, keep, group.GroupKey())
}

// cleanExpired deletes expired backups, restricted to one group unless
// group is empty.
func cleanExpired(ctx context.Context, s Storage, keep int, group string) ([]manifest.Backup, error) {
	if keep < 1 {
		return nil, fmt.Errorf("retention count must be at least 1, got %d", keep)
	}
	backups, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if group != "" {
		scoped := backups[:0:0]
		for _, b := range backups {
			if b.GroupKey() == group {
				scoped = append(scoped, b)
			}
		}
		backups = scoped
	}

	deleted := []manifest.Backup{}
	for _, b := range SelectExpired(backups, keep) {
		if err := s.DeleteBackup(ctx, b.Filename()); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", b.Filename(), err)
		}
		deleted = append(deleted, b)
	}
	return deleted, nil
}
