package db

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"

	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records the last command and plays back canned output.
type fakeRunner struct {
	stdout string
	stderr string
	err    error

	cmd   Cmd
	stdin string
	calls int
}

func (f *fakeRunner) RunWithIO(ctx context.Context, c Cmd) error {
	f.calls++
	f.cmd = c
	if c.Stdin != nil {
		b, _ := io.ReadAll(c.Stdin)
		f.stdin = string(b)
	}
	if c.Stdout != nil && f.stdout != "" {
		io.WriteString(c.Stdout, f.stdout)
	}
	if c.Stderr != nil && f.stderr != "" {
		io.WriteString(c.Stderr, f.stderr)
	}
	return f.err
}

func testParams(engine string) ConnectionParams {
	return ConnectionParams{
		Engine:   engine,
		Host:     "db.internal",
		User:     "backup",
		Password: "s3cret",
		DBName:   "orders",
	}
}

func TestNew_UnsupportedEngine(t *testing.T) {
	_, err := New(ConnectionParams{Engine: "oracle", Host: "h", User: "u", DBName: "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database: oracle")
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}

func TestNew_MissingFields(t *testing.T) {
	_, err := New(ConnectionParams{Engine: "postgres", Host: "localhost"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}

func TestNormalizeEngine(t *testing.T) {
	tests := map[string]string{
		"":           EnginePostgres,
		"PostgreSQL": EnginePostgres,
		"pg":         EnginePostgres,
		"mariadb":    EngineMySQL,
		" MySQL ":    EngineMySQL,
		"oracle":     "oracle",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeEngine(in), in)
	}
}

func TestDump_ReturnsSpooledOutput(t *testing.T) {
	runner := &fakeRunner{stdout: "PGDMP-binary-payload"}
	conn, err := New(testParams("postgres"), WithRunner(runner))
	require.NoError(t, err)

	out, err := conn.Dump(context.Background())
	require.NoError(t, err)
	defer out.Close()

	got, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "PGDMP-binary-payload", string(got))
}

func TestDump_ExitFailureCarriesStderr(t *testing.T) {
	for _, engine := range []string{EnginePostgres, EngineMySQL} {
		t.Run(engine, func(t *testing.T) {
			runner := &fakeRunner{
				stdout: "partial",
				stderr: "connection refused",
				err:    &ExitError{Name: "tool", Code: 1},
			}
			conn, err := New(testParams(engine), WithRunner(runner))
			require.NoError(t, err)

			out, err := conn.Dump(context.Background())
			assert.Nil(t, out)
			require.Error(t, err)

			var dumpErr *apperrors.DumpError
			require.ErrorAs(t, err, &dumpErr)
			assert.Equal(t, "orders", dumpErr.Database)
			assert.Contains(t, dumpErr.Stderr, "connection refused")
			assert.Contains(t, err.Error(), "connection refused")
			assert.ErrorIs(t, err, apperrors.ErrConnector)
		})
	}
}

func TestDump_MissingTool(t *testing.T) {
	runner := &fakeRunner{err: exec.ErrNotFound}
	conn, err := New(testParams("postgres"), WithRunner(runner))
	require.NoError(t, err)

	_, err = conn.Dump(context.Background())
	require.Error(t, err)

	var cmdErr *apperrors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "pg_dump", cmdErr.Command)
	assert.True(t, apperrors.IsType(err, apperrors.TypeDependency))
	assert.ErrorIs(t, err, apperrors.ErrConnector)
	assert.NotEmpty(t, apperrors.HintOf(err))
}

func TestDump_OtherStartFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("fork failed")}
	conn, err := New(testParams("mysql"), WithRunner(runner))
	require.NoError(t, err)

	_, err = conn.Dump(context.Background())
	var cmdErr *apperrors.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "mysqldump", cmdErr.Command)
	assert.False(t, apperrors.IsType(err, apperrors.TypeDependency))
}

func TestRestore_ExitFailure(t *testing.T) {
	runner := &fakeRunner{stderr: "relation already exists", err: &ExitError{Name: "pg_restore", Code: 1}}
	conn, err := New(testParams("postgres"), WithRunner(runner))
	require.NoError(t, err)

	err = conn.Restore(context.Background(), strings.NewReader("payload"), RestoreOptions{})
	var restoreErr *apperrors.RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Contains(t, restoreErr.Stderr, "relation already exists")
	assert.ErrorIs(t, err, apperrors.ErrConnector)
	assert.Equal(t, "payload", runner.stdin)
}

func TestWithSpool_SpillsLargeDumps(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	runner := &fakeRunner{stdout: payload}
	conn, err := New(testParams("postgres"), WithRunner(runner), WithSpool(t.TempDir(), 1024))
	require.NoError(t, err)

	out, err := conn.Dump(context.Background())
	require.NoError(t, err)
	defer out.Close()

	assert.True(t, out.OnDisk())
	assert.Equal(t, int64(len(payload)), out.Size())
}
