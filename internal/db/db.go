package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/spool"
)

const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
)

const pingTimeout = 5 * time.Second

// ConnectionParams is the resolved connection descriptor for one database.
type ConnectionParams struct {
	Engine   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RestoreOptions struct {
	// SingleTransaction makes the restore all-or-nothing.
	SingleTransaction bool
	// Clean drops existing objects before recreating them.
	Clean bool
}

// Connector dumps and restores one database through external tools and
// runs the catalog and admin queries around them.
type Connector interface {
	Engine() string
	Database() string
	Dump(ctx context.Context) (*spool.File, error)
	Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error
	RestoreToFreshCopy(ctx context.Context, r io.Reader, opts RestoreOptions) error
	ListDatabases(ctx context.Context) ([]string, error)
	CanConnect(ctx context.Context) bool
	CreateDatabase(ctx context.Context, name string) error
}

// Opener opens a database/sql handle. Tests swap it for sqlmock.
type Opener func(driver, dsn string) (*sql.DB, error)

type Option func(*base)

func WithRunner(r Runner) Option {
	return func(b *base) { b.runner = r }
}

func WithLogger(l *logger.Logger) Option {
	return func(b *base) { b.log = l }
}

// WithSpool bounds how much of a dump is held in memory before it spills
// into dir.
func WithSpool(dir string, max int64) Option {
	return func(b *base) {
		b.spoolDir = dir
		b.spoolMax = max
	}
}

func WithOpener(o Opener) Option {
	return func(b *base) { b.open = o }
}

type constructor func(b base) Connector

var engines = map[string]constructor{}

func registerEngine(name string, c constructor) {
	engines[name] = c
}

// NormalizeEngine maps aliases onto a registered engine name.
func NormalizeEngine(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "postgres", "postgresql", "pg":
		return EnginePostgres
	case "mysql", "mariadb":
		return EngineMySQL
	}
	return strings.ToLower(name)
}

// New builds the connector for params.Engine.
func New(params ConnectionParams, opts ...Option) (Connector, error) {
	params.Engine = NormalizeEngine(params.Engine)
	c, ok := engines[params.Engine]
	if !ok {
		return nil, apperrors.New(apperrors.TypeConfig, "unsupported database: "+params.Engine, "Supported engines are postgres and mysql.")
	}
	if params.Host == "" || params.User == "" || params.DBName == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "missing required connection fields", "Host, user and database name are required.")
	}

	b := base{
		params:   params,
		runner:   LocalRunner{},
		log:      logger.Nop(),
		spoolMax: 10 << 20,
		open:     sql.Open,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return c(b), nil
}

// base carries what every engine shares: parameters, process runner and
// the sql opener.
type base struct {
	params   ConnectionParams
	runner   Runner
	log      *logger.Logger
	spoolDir string
	spoolMax int64
	open     Opener
}

func (b base) Database() string { return b.params.DBName }

// withDatabase returns a copy of b targeting another database on the same
// server.
func (b base) withDatabase(name string) base {
	b.params.DBName = name
	return b
}

// dump runs tool and spools its stdout.
func (b base) dump(ctx context.Context, c Cmd) (*spool.File, error) {
	out := spool.New(b.spoolMax, b.spoolDir)
	var stderr bytes.Buffer
	c.Stdout = out
	c.Stderr = &stderr

	start := time.Now()
	b.log.Debug("Running dump", "tool", c.Name, "db", b.params.DBName)
	if err := b.runner.RunWithIO(ctx, c); err != nil {
		out.Close()
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return nil, &apperrors.DumpError{Database: b.params.DBName, Stderr: stderr.String(), Err: err}
		}
		return nil, commandError(c.Name, stderr.String(), err)
	}
	if err := out.Rewind(); err != nil {
		out.Close()
		return nil, err
	}
	b.log.Debug("Dump finished", "db", b.params.DBName, "bytes", out.Size(), "spilled", out.OnDisk(), "duration", time.Since(start))
	return out, nil
}

// restore pipes r into tool.
func (b base) restore(ctx context.Context, c Cmd, r io.Reader) error {
	var stderr bytes.Buffer
	c.Stdin = r
	c.Stdout = io.Discard
	c.Stderr = &stderr

	b.log.Debug("Running restore", "tool", c.Name, "db", b.params.DBName)
	if err := b.runner.RunWithIO(ctx, c); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return &apperrors.RestoreError{Database: b.params.DBName, Stderr: stderr.String(), Err: err}
		}
		return commandError(c.Name, stderr.String(), err)
	}
	return nil
}

func commandError(name, stderr string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		err = apperrors.Wrap(err, apperrors.TypeDependency, name+" not found", "Install the database client tools and make sure "+name+" is on PATH.")
	}
	return &apperrors.CommandError{Command: name, Stderr: stderr, Err: err}
}

func (b base) ping(ctx context.Context, driver, dsn string) bool {
	conn, err := b.open(driver, dsn)
	if err != nil {
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return conn.PingContext(ctx) == nil
}

func (b base) withConn(ctx context.Context, driver, dsn string, fn func(*sql.DB) error) error {
	conn, err := b.open(driver, dsn)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to open connection", "Verify the database host, port, and credentials.")
	}
	defer conn.Close()
	return fn(conn)
}

func scanNames(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func describe(p ConnectionParams) string {
	return fmt.Sprintf("%s@%s:%d/%s", p.User, p.Host, p.Port, p.DBName)
}
