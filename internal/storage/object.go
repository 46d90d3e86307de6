package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/manifest"
)

// ObjectInfo describes one stored object. Key is relative to the client's
// bucket, with the storage prefix still attached.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectClient is the minimal verb set ObjectStorage needs from an
// S3-compatible service. Get returns an error wrapping ErrNotFound for a
// missing key.
type ObjectClient interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

type ObjectStorage struct {
	client ObjectClient
	bucket string
	prefix string
	log    *logger.Logger
}

type ObjectOption func(*ObjectStorage)

func WithObjectLogger(l *logger.Logger) ObjectOption {
	return func(s *ObjectStorage) { s.log = l }
}

func NewObjectStorage(client ObjectClient, bucket, prefix string, opts ...ObjectOption) *ObjectStorage {
	s := &ObjectStorage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ObjectStorage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *ObjectStorage) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *ObjectStorage) List(ctx context.Context) ([]manifest.Backup, error) {
	objects, err := s.client.List(ctx, s.listPrefix())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		rel := strings.TrimPrefix(o.Key, s.listPrefix())
		// nested keys are not ours
		if strings.Contains(rel, "/") {
			continue
		}
		names = append(names, rel)
	}
	backups := manifest.ParseAll(names)
	manifest.SortNewestFirst(backups)
	return backups, nil
}

// Upload puts the file and removes the local staging copy once the
// transfer succeeded.
func (s *ObjectStorage) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open staging file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := s.key(filepath.Base(localPath))
	start := time.Now()
	if err := s.client.Put(ctx, key, f, fi.Size()); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.log.Debug("Uploaded object", "bucket", s.bucket, "key", key, "bytes", fi.Size(), "duration", time.Since(start))

	f.Close()
	if err := os.Remove(localPath); err != nil {
		s.log.Warn("Failed to remove staging file", "path", localPath, "error", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *ObjectStorage) Download(ctx context.Context, name, dest string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	rc, err := s.client.Get(ctx, s.key(name))
	if errors.Is(err, ErrNotFound) {
		return "", notFound(name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	defer rc.Close()

	p, err := resolveDest(dest, name)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(p, rc); err != nil {
		return "", err
	}
	return p, nil
}

// DeleteBackup checks the listing first because S3 deletes are idempotent
// and would hide a missing name.
func (s *ObjectStorage) DeleteBackup(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	backups, err := s.List(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, b := range backups {
		if b.Filename() == name {
			found = true
			break
		}
	}
	if !found {
		return notFound(name)
	}
	return s.client.Delete(ctx, s.key(name))
}

func (s *ObjectStorage) CleanOldBackups(ctx context.Context, keep int) ([]manifest.Backup, error) {
	return cleanOld(ctx, s, keep)
}

func (s *ObjectStorage) Location() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}
