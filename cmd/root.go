package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lupppig/pgbackup/internal/backup"
	"github.com/lupppig/pgbackup/internal/config"
	"github.com/lupppig/pgbackup/internal/db"
	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/notify"
	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/lupppig/pgbackup/internal/storage"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logJSON    bool
	noColor    bool
	verbose    bool
	timeout    time.Duration
)

// Command annotations.
const (
	// skipSetup marks commands that run without config or registry.
	skipSetup = "skip-setup"
	// daemon marks long-running commands, which log to <app_dir>/pgbackup.log
	// unless log.file says otherwise.
	daemon = "daemon"
)

// app is what every command needs, built once per invocation.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	rc     *resource.Context
	cancel context.CancelFunc
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "pgbackup",
	Short: "pgbackup dumps, stores and restores PostgreSQL and MySQL databases",
	Long: `pgbackup is a command-line tool for point-in-time database backups.

Register servers once, then create backups on demand or on a cron schedule.
Dumps are compressed, optionally encrypted with OpenPGP, and kept on local
disk or in S3-compatible object storage with a simple retention policy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := cmd.Annotations[skipSetup]; ok || cmd.Name() == "help" {
			return nil
		}
		_, isDaemon := cmd.Annotations[daemon]
		a, err := setup(isDaemon)
		if err != nil {
			return err
		}
		current = a

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if timeout > 0 {
			ctx, a.cancel = context.WithTimeout(ctx, timeout)
		}
		cmd.SetContext(logger.WithContext(ctx, a.log))
		return nil
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("pgbackup version {{ .Version }}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to configuration file (default ~/.pgbackup/config.yaml)")
	pf.BoolVar(&logJSON, "json", false, "log in JSON")
	pf.BoolVar(&noColor, "no-color", false, "disable colored log output")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.DurationVar(&timeout, "timeout", 0, "abort the command after this long (0 means no limit)")
}

func setup(isDaemon bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if verbose {
		level = logger.ParseLevel("debug")
	}
	file := cfg.Log.File
	if file == "" && isDaemon {
		file = filepath.Join(cfg.AppDir, "pgbackup.log")
	}
	log := logger.New(logger.Config{
		Writer:  os.Stderr,
		JSON:    logJSON || cfg.Log.JSON,
		NoColor: noColor || cfg.Log.NoColor,
		Level:   level,
		File:    file,
	})

	rc, err := resource.Load(cfg.ContextFile(), resource.WithLogger(log))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return &app{cfg: cfg, log: log, rc: rc}, nil
}

func appFrom(cmd *cobra.Command) (*app, error) {
	if current == nil {
		return nil, fmt.Errorf("%s: configuration was not loaded", cmd.CommandPath())
	}
	return current, nil
}

// service wires storage and the backup pipeline for commands that touch
// backups.
func (a *app) service(ctx context.Context, opts ...backup.Option) (*backup.Service, error) {
	store, err := storage.New(ctx, a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	return backup.New(store, a.cfg, append([]backup.Option{backup.WithLogger(a.log)}, opts...)...)
}

func (a *app) connector(server resource.Server, database string) (db.Connector, error) {
	return db.New(server.ConnectionParams(database), db.WithLogger(a.log), db.WithSpool(a.cfg.TmpDir, a.cfg.SpoolMaxSize))
}

func (a *app) notifier() notify.Notifier {
	return notify.BuildNotifier(a.cfg, a.log)
}

// findServer resolves a server by name, falling back to id.
func (a *app) findServer(ref string) (resource.Server, error) {
	if s, ok := a.rc.GetServerByName(ref); ok {
		return s, nil
	}
	if s, ok := a.rc.GetServer(ref); ok {
		return s, nil
	}
	return resource.Server{}, fmt.Errorf("%s: %w", ref, resource.ErrServerNotFound)
}

// teardown releases what setup acquired. Cobra skips post-run hooks when
// a command fails, so it runs after Execute instead.
func teardown() {
	if current == nil {
		return
	}
	if current.cancel != nil {
		current.cancel()
	}
	current.log.Close()
	current = nil
}

func Execute() error {
	defer teardown()
	return rootCmd.Execute()
}
