package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lupppig/pgbackup/internal/manifest"
)

type LocalStorage struct {
	baseDir string
}

func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./"
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup folder: %w", err)
	}
	return &LocalStorage{baseDir: abs}, nil
}

func (s *LocalStorage) List(ctx context.Context) ([]manifest.Backup, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.baseDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	backups := manifest.ParseAll(names)
	manifest.SortNewestFirst(backups)
	return backups, nil
}

func (s *LocalStorage) Upload(ctx context.Context, localPath string) (string, error) {
	dest := filepath.Join(s.baseDir, filepath.Base(localPath))
	if err := os.Rename(localPath, dest); err == nil {
		return dest, nil
	}

	// rename fails across filesystems
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()
	if err := writeAtomic(dest, f); err != nil {
		return "", err
	}
	f.Close()
	if err := os.Remove(localPath); err != nil {
		return "", fmt.Errorf("failed to remove staging file: %w", err)
	}
	return dest, nil
}

func (s *LocalStorage) Download(ctx context.Context, name, dest string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	f, err := os.Open(filepath.Join(s.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", notFound(name)
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	path, err := resolveDest(dest, name)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(path, f); err != nil {
		return "", err
	}
	return path, nil
}

func (s *LocalStorage) DeleteBackup(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return notFound(name)
	}
	return err
}

func (s *LocalStorage) CleanOldBackups(ctx context.Context, keep int) ([]manifest.Backup, error) {
	return cleanOld(ctx, s, keep)
}

func (s *LocalStorage) Location() string {
	return s.baseDir
}
