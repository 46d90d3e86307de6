package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lupppig/pgbackup/internal/config"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/manifest"
)

// ErrNotFound is returned when a named backup does not exist in the store.
var ErrNotFound = errors.New("backup not found")

// Storage is the artifact store. Names follow the manifest naming scheme;
// anything else in the store is ignored.
type Storage interface {
	// List returns the parsed backups, newest first.
	List(ctx context.Context) ([]manifest.Backup, error)
	// Upload moves the file at localPath into the store under its base name
	// and returns where it landed.
	Upload(ctx context.Context, localPath string) (string, error)
	// Download writes backup name to dest and returns the written path. If
	// dest is a directory the file keeps its name inside it.
	Download(ctx context.Context, name, dest string) (string, error)
	DeleteBackup(ctx context.Context, name string) error
	// CleanOldBackups keeps the keep newest backups per server and database
	// and deletes the rest, returning what was deleted.
	CleanOldBackups(ctx context.Context, keep int) ([]manifest.Backup, error)
	Location() string
}

// New builds the configured backend, wrapped with the audit log when
// enabled.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (Storage, error) {
	if log == nil {
		log = logger.Nop()
	}

	var s Storage
	switch cfg.Storage.Engine {
	case config.EngineLocal, "":
		local, err := NewLocalStorage(cfg.Storage.Local.Folder)
		if err != nil {
			return nil, err
		}
		s = local
	case config.EngineS3:
		client, err := newObjectClient(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to configure object storage", "Check the storage.s3 settings.")
		}
		s = NewObjectStorage(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix, WithObjectLogger(log))
	default:
		return nil, apperrors.New(apperrors.TypeConfig, "unknown storage engine: "+cfg.Storage.Engine, "Use local or s3.")
	}

	if cfg.Storage.Audit {
		s = NewAuditStorage(s, cfg.AuditFile())
	}
	return s, nil
}

func newObjectClient(ctx context.Context, cfg config.S3Config) (ObjectClient, error) {
	switch cfg.Client {
	case config.ClientAWS:
		return NewAWSClient(ctx, cfg)
	default:
		return NewMinioClient(cfg)
	}
}

// notFound wraps ErrNotFound with the missing name.
func notFound(name string) error {
	return fmt.Errorf("%s: %w", name, ErrNotFound)
}

// resolveDest turns a download destination into a file path.
func resolveDest(dest, name string) (string, error) {
	if dest == "" {
		dest = "."
	}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, name)
	}
	return filepath.Abs(dest)
}

// writeAtomic copies r into a temp file next to dest and renames it into
// place, so a failed transfer never leaves a partial file at dest.
func writeAtomic(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to finalize file (rename): %w", err)
	}
	return nil
}

// checkName rejects names outside the naming scheme before touching the
// backend.
func checkName(name string) error {
	if _, err := manifest.Parse(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return nil
}
