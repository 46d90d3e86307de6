package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/lib/pq"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/spool"
)

func init() {
	registerEngine(EnginePostgres, func(b base) Connector {
		if b.params.Port == 0 {
			b.params.Port = 5432
		}
		if b.params.SSLMode == "" {
			b.params.SSLMode = "disable"
		}
		return &PostgresConnector{base: b}
	})
}

// maintenanceDB is where admin statements run, since a database cannot be
// dropped or renamed by a session connected to it.
const maintenanceDB = "postgres"

// RestoreSuffix names the sibling database a fresh-copy restore goes through.
const RestoreSuffix = "_restore"

type PostgresConnector struct {
	base
}

func (pc *PostgresConnector) Engine() string { return EnginePostgres }

// URI builds the libpq connection URI for database name. The password is
// left out unless withPassword is set; tools get it through PGPASSWORD.
func (pc *PostgresConnector) URI(name string, withPassword bool) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   pc.params.Host + ":" + strconv.Itoa(pc.params.Port),
		Path:   "/" + name,
	}
	if withPassword && pc.params.Password != "" {
		u.User = url.UserPassword(pc.params.User, pc.params.Password)
	} else {
		u.User = url.User(pc.params.User)
	}
	q := u.Query()
	q.Set("sslmode", pc.params.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (pc *PostgresConnector) env() []string {
	if pc.params.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + pc.params.Password}
}

// Dump runs pg_dump in custom (binary) format.
func (pc *PostgresConnector) Dump(ctx context.Context) (*spool.File, error) {
	return pc.dump(ctx, Cmd{
		Name: "pg_dump",
		Args: []string{"--format=custom", "--no-password", "--dbname=" + pc.URI(pc.params.DBName, false)},
		Env:  pc.env(),
	})
}

// Restore feeds r to pg_restore.
func (pc *PostgresConnector) Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	args := []string{"--no-password", "--no-owner", "--dbname=" + pc.URI(pc.params.DBName, false)}
	if opts.SingleTransaction {
		args = append(args, "--single-transaction")
	}
	if opts.Clean {
		args = append(args, "--clean", "--if-exists")
	}
	return pc.restore(ctx, Cmd{Name: "pg_restore", Args: args, Env: pc.env()}, r)
}

// RestoreToFreshCopy restores into <db>_restore and swaps it in place of
// the original. The swap is not atomic: a failure after the drop leaves
// only the _restore copy.
func (pc *PostgresConnector) RestoreToFreshCopy(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	target := pc.params.DBName
	sibling := target + RestoreSuffix

	if err := pc.CreateDatabase(ctx, sibling); err != nil {
		return err
	}

	sib := &PostgresConnector{base: pc.withDatabase(sibling)}
	if err := sib.Restore(ctx, r, opts); err != nil {
		return err
	}

	pc.log.Info("Swapping restored copy into place", "db", target, "from", sibling)
	return pc.withConn(ctx, "postgres", pc.URI(maintenanceDB, true), func(conn *sql.DB) error {
		if err := terminateBackends(ctx, conn, target); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(target)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", target, err)
		}
		stmt := fmt.Sprintf("ALTER DATABASE %s RENAME TO %s", pq.QuoteIdentifier(sibling), pq.QuoteIdentifier(target))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", sibling, target, err)
		}
		return nil
	})
}

// ListDatabases returns non-template databases by name.
func (pc *PostgresConnector) ListDatabases(ctx context.Context) ([]string, error) {
	var names []string
	err := pc.withConn(ctx, "postgres", pc.URI(pc.params.DBName, true), func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname")
		if err != nil {
			return fmt.Errorf("failed to list databases: %w", err)
		}
		names, err = scanNames(rows)
		return err
	})
	return names, err
}

func (pc *PostgresConnector) CanConnect(ctx context.Context) bool {
	ok := pc.ping(ctx, "postgres", pc.URI(pc.params.DBName, true))
	if !ok {
		pc.log.Debug("Connection probe failed", "target", describe(pc.params))
	}
	return ok
}

// CreateDatabase drops and recreates name, then grants it to the
// connecting user. The steps are not transactional.
func (pc *PostgresConnector) CreateDatabase(ctx context.Context, name string) error {
	return pc.withConn(ctx, "postgres", pc.URI(maintenanceDB, true), func(conn *sql.DB) error {
		if err := terminateBackends(ctx, conn, name); err != nil {
			return err
		}
		ident := pq.QuoteIdentifier(name)
		stmts := []string{
			"DROP DATABASE IF EXISTS " + ident,
			"CREATE DATABASE " + ident,
			fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", ident, pq.QuoteIdentifier(pc.params.User)),
		}
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return apperrors.Wrap(err, apperrors.TypeResource, "failed to create database "+name, "The user needs CREATEDB privilege.")
			}
		}
		return nil
	})
}

func terminateBackends(ctx context.Context, conn *sql.DB, name string) error {
	_, err := conn.ExecContext(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		name)
	if err != nil {
		return fmt.Errorf("failed to terminate connections to %s: %w", name, err)
	}
	return nil
}
