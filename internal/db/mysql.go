package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/spool"
)

func init() {
	registerEngine(EngineMySQL, func(b base) Connector {
		if b.params.Port == 0 {
			b.params.Port = 3306
		}
		return &MysqlConnector{base: b}
	})
}

var mysqlSystemSchemas = map[string]bool{
	"information_schema": true,
	"mysql":              true,
	"performance_schema": true,
	"sys":                true,
}

type MysqlConnector struct {
	base
}

func (mc *MysqlConnector) Engine() string { return EngineMySQL }

// DSN builds a go-sql-driver DSN for database name ("" for none).
func (mc *MysqlConnector) DSN(name string) string {
	cfg := mysql.NewConfig()
	cfg.User = mc.params.User
	cfg.Passwd = mc.params.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(mc.params.Host, strconv.Itoa(mc.params.Port))
	cfg.DBName = name
	return cfg.FormatDSN()
}

func (mc *MysqlConnector) toolArgs() []string {
	return []string{
		"--host=" + mc.params.Host,
		"--port=" + strconv.Itoa(mc.params.Port),
		"--user=" + mc.params.User,
	}
}

func (mc *MysqlConnector) env() []string {
	if mc.params.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + mc.params.Password}
}

func (mc *MysqlConnector) Dump(ctx context.Context) (*spool.File, error) {
	args := append(mc.toolArgs(), "--single-transaction", "--routines", "--triggers", mc.params.DBName)
	return mc.dump(ctx, Cmd{Name: "mysqldump", Args: args, Env: mc.env()})
}

// Restore pipes r into the mysql client. Clean recreates the database
// first; SingleTransaction has no mysql client equivalent and is ignored.
func (mc *MysqlConnector) Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	if opts.Clean {
		if err := mc.CreateDatabase(ctx, mc.params.DBName); err != nil {
			return err
		}
	}
	args := append(mc.toolArgs(), mc.params.DBName)
	return mc.restore(ctx, Cmd{Name: "mysql", Args: args, Env: mc.env()}, r)
}

func (mc *MysqlConnector) RestoreToFreshCopy(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	return apperrors.New(apperrors.TypeConfig,
		"fresh-copy restore is not supported for mysql",
		"MySQL cannot rename databases; restore with --clean instead.")
}

func (mc *MysqlConnector) ListDatabases(ctx context.Context) ([]string, error) {
	var names []string
	err := mc.withConn(ctx, "mysql", mc.DSN(""), func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, "SHOW DATABASES")
		if err != nil {
			return fmt.Errorf("failed to list databases: %w", err)
		}
		all, err := scanNames(rows)
		if err != nil {
			return err
		}
		names = []string{}
		for _, n := range all {
			if !mysqlSystemSchemas[strings.ToLower(n)] {
				names = append(names, n)
			}
		}
		return nil
	})
	return names, err
}

func (mc *MysqlConnector) CanConnect(ctx context.Context) bool {
	return mc.ping(ctx, "mysql", mc.DSN(mc.params.DBName))
}

func (mc *MysqlConnector) CreateDatabase(ctx context.Context, name string) error {
	return mc.withConn(ctx, "mysql", mc.DSN(""), func(conn *sql.DB) error {
		ident := quoteMysqlIdent(name)
		stmts := []string{
			"DROP DATABASE IF EXISTS " + ident,
			"CREATE DATABASE " + ident,
			"GRANT ALL PRIVILEGES ON " + ident + ".* TO CURRENT_USER()",
		}
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return apperrors.Wrap(err, apperrors.TypeResource, "failed to create database "+name, "The user needs CREATE and DROP privileges.")
			}
		}
		return nil
	})
}

func quoteMysqlIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
