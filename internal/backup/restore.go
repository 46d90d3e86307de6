package backup

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/manifest"
	"github.com/lupppig/pgbackup/internal/metrics"
	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/lupppig/pgbackup/internal/spool"
	"github.com/lupppig/pgbackup/internal/storage"
)

// Download copies a stored backup to dest, a file or a directory.
func (s *Service) Download(ctx context.Context, name, dest string) (string, error) {
	path, err := s.storage.Download(ctx, name, dest)
	metrics.RecordStorageOperation("download", err == nil)
	return path, err
}

// Restore fetches backup name, undoes its transforms and loads it into
// opts.TargetDB on server.
func (s *Service) Restore(ctx context.Context, server resource.Server, name string, opts RestoreOptions) error {
	b, err := manifest.Parse(name)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	target := opts.TargetDB
	if target == "" {
		target = b.Database
	}
	if !manifest.ValidName(target) {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid target database %q", target), "")
	}
	log := s.log.With("server", server.Name, "database", target, "backup", name)

	p, err := s.pipeline(b.Compression, b.Encrypted, false)
	if err != nil {
		return err
	}
	conn, err := s.Connector(server, target)
	if err != nil {
		return err
	}

	ws, err := spool.Open(s.tmpDir, s.spoolMax)
	if err != nil {
		return err
	}
	defer ws.Close()

	start := time.Now()
	path, err := s.Download(ctx, name, ws.Dir())
	if err != nil {
		return err
	}
	metrics.ObservePhase("download", start)

	in, err := s.load(ws, path)
	if err != nil {
		return err
	}
	start = time.Now()
	plain, _, err := p.Reverse(ctx, in, name)
	if err != nil {
		return err
	}
	defer plain.Close()
	metrics.ObservePhase("reverse_transform", start)

	log.Info("Restoring backup", "size", plain.Size(), "fresh_copy", opts.FreshCopy)
	start = time.Now()
	if opts.FreshCopy {
		err = conn.RestoreToFreshCopy(ctx, plain, opts.connectorOptions())
	} else {
		err = conn.Restore(ctx, plain, opts.connectorOptions())
	}
	if err != nil {
		return err
	}
	metrics.ObservePhase("restore", start)
	log.Info("Restore finished")
	return nil
}

// ListDatabases lists the databases on server.
func (s *Service) ListDatabases(ctx context.Context, server resource.Server) ([]string, error) {
	conn, err := s.Connector(server, "")
	if err != nil {
		return nil, err
	}
	return conn.ListDatabases(ctx)
}

// CanConnect probes server with its default database.
func (s *Service) CanConnect(ctx context.Context, server resource.Server) bool {
	conn, err := s.Connector(server, "")
	if err != nil {
		return false
	}
	return conn.CanConnect(ctx)
}
