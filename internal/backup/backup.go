// Package backup runs backups and restores end to end: dump, transform,
// store and the reverse.
package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lupppig/pgbackup/internal/compress"
	"github.com/lupppig/pgbackup/internal/config"
	"github.com/lupppig/pgbackup/internal/crypto"
	"github.com/lupppig/pgbackup/internal/db"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/manifest"
	"github.com/lupppig/pgbackup/internal/metrics"
	"github.com/lupppig/pgbackup/internal/pipeline"
	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/lupppig/pgbackup/internal/spool"
	"github.com/lupppig/pgbackup/internal/storage"
)

type Service struct {
	storage   storage.Storage
	connect   ConnectorFactory
	algo      compress.Algorithm
	gpg       config.GPGConfig
	retention config.Retention
	tmpDir    string
	spoolMax  int64
	log       *logger.Logger
	progress  *Progress
	now       func() time.Time

	keyMu   sync.Mutex
	keyring *crypto.Keyring
}

type Option func(*Service)

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithConnectorFactory(f ConnectorFactory) Option {
	return func(s *Service) { s.connect = f }
}

// WithKeyring skips loading the keyring files named in the config.
func WithKeyring(kr *crypto.Keyring) Option {
	return func(s *Service) { s.keyring = kr }
}

func WithProgress(p *Progress) Option {
	return func(s *Service) { s.progress = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store storage.Storage, cfg *config.Config, opts ...Option) (*Service, error) {
	algo, err := compress.Parse(cfg.Compression)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid compression", "Use gzip, zstd or lz4.")
	}

	s := &Service{
		storage:   store,
		algo:      algo,
		gpg:       cfg.GPG,
		retention: cfg.Retention,
		tmpDir:    cfg.TmpDir,
		spoolMax:  cfg.SpoolMaxSize,
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.connect == nil {
		s.connect = func(params db.ConnectionParams) (db.Connector, error) {
			return db.New(params, db.WithLogger(s.log), db.WithSpool(s.tmpDir, s.spoolMax))
		}
	}
	return s, nil
}

func (s *Service) Storage() storage.Storage { return s.storage }

// Connector builds the connector for database on server, the default
// database when empty.
func (s *Service) Connector(server resource.Server, database string) (db.Connector, error) {
	return s.connect(server.ConnectionParams(database))
}

// Create dumps database on server, runs the dump through compression and
// optional encryption, and uploads it. When configured, old backups of the
// same server and database are pruned afterwards. A failed dump uploads
// nothing.
func (s *Service) Create(ctx context.Context, server resource.Server, database string, encrypt bool) (manifest.Backup, string, error) {
	if database == "" {
		database = server.DefaultDB
	}
	b, err := manifest.New(server.Name, database, s.now(), s.algo, encrypt)
	if err != nil {
		return manifest.Backup{}, "", apperrors.Wrap(err, apperrors.TypeConfig, "invalid backup target", "")
	}
	log := s.log.With("server", server.Name, "database", database)

	p, err := s.pipeline(b.Compression, encrypt, true)
	if err != nil {
		return b, "", err
	}
	conn, err := s.Connector(server, database)
	if err != nil {
		return b, "", err
	}

	log.Info("Starting backup", "engine", conn.Engine())
	start := time.Now()
	dump, err := conn.Dump(ctx)
	if err != nil {
		return b, "", err
	}
	metrics.ObservePhase("dump", start)
	log.Debug("Dump finished", "size", dump.Size(), "on_disk", dump.OnDisk())

	start = time.Now()
	stem := b
	stem.Compression, stem.Encrypted = compress.None, false
	out, name, err := p.Forward(ctx, dump, stem.Filename())
	if err != nil {
		return b, "", err
	}
	defer out.Close()
	metrics.ObservePhase("transform", start)
	if name != b.Filename() {
		return b, "", apperrors.New(apperrors.TypeInternal, fmt.Sprintf("pipeline produced %q, expected %q", name, b.Filename()), "")
	}

	ws, err := spool.Open(s.tmpDir, s.spoolMax)
	if err != nil {
		return b, "", err
	}
	defer ws.Close()

	start = time.Now()
	staged, err := s.stage(ws, name, out)
	if err != nil {
		return b, "", err
	}
	location, err := s.storage.Upload(ctx, staged)
	metrics.RecordStorageOperation("upload", err == nil)
	if err != nil {
		return b, "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	metrics.ObservePhase("upload", start)
	metrics.BackupSize.WithLabelValues(server.Name, database).Set(float64(out.Size()))
	metrics.LastBackupTimestamp.WithLabelValues(server.Name, database).SetToCurrentTime()
	log.Info("Backup stored", "name", name, "location", location, "size", out.Size())

	if s.retention.AfterUpload {
		if _, err := s.pruneTarget(ctx, b); err != nil {
			// the backup itself is safe; retention retries on the next run
			log.Warn("Retention failed", "error", err)
		}
	}
	return b, location, nil
}

// Run makes the service a scheduler.JobRunner.
func (s *Service) Run(ctx context.Context, server resource.Server, job resource.BackupJob) error {
	_, _, err := s.Create(ctx, server, job.Database, job.Encrypt)
	return err
}

// pipeline builds the stage list for an artifact. Writing needs a
// recipient; reading an encrypted artifact needs a secret keyring.
func (s *Service) pipeline(algo compress.Algorithm, encrypted, write bool) (*pipeline.Pipeline, error) {
	var stages []pipeline.Stage
	if algo != compress.None {
		stages = append(stages, pipeline.NewCompressStage(algo))
	}
	if encrypted {
		switch {
		case write && s.gpg.Recipient == "" && s.keyring == nil:
			return nil, apperrors.New(apperrors.TypeConfig, "encryption requested but no gpg recipient is configured",
				"Set gpg.recipient (or PGB_GPG_RECIPIENT) and gpg.public_keyring.")
		case !write && s.gpg.SecretKeyring == "" && s.keyring == nil:
			return nil, apperrors.New(apperrors.TypeConfig, "backup is encrypted but no gpg secret keyring is configured",
				"Set gpg.secret_keyring to an export of the recipient's secret key.")
		}
		kr, err := s.loadKeyring()
		if err != nil {
			return nil, err
		}
		stages = append(stages, &pipeline.EncryptStage{
			Keyring:     kr,
			Recipient:   s.gpg.Recipient,
			AlwaysTrust: s.gpg.AlwaysTrust,
			Passphrase:  []byte(s.gpg.Passphrase),
		})
	}
	return pipeline.New(stages, pipeline.WithLogger(s.log), pipeline.WithTempDir(s.tmpDir, s.spoolMax)), nil
}

func (s *Service) loadKeyring() (*crypto.Keyring, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.keyring != nil {
		return s.keyring, nil
	}
	kr, err := crypto.LoadKeyring(s.gpg.PublicKeyring, s.gpg.SecretKeyring)
	if err != nil {
		return nil, err
	}
	s.keyring = kr
	return kr, nil
}
