package resource

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lupppig/pgbackup/internal/db"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) *Context {
	t.Helper()
	c, err := Load(filepath.Join(t.TempDir(), "context.json"))
	require.NoError(t, err)
	return c
}

func testServer(name string) Server {
	return Server{Name: name, Host: "h", User: "postgres", Password: "pw", DefaultDB: "appdb"}
}

func dailySchedule(t *testing.T) CronExpression {
	t.Helper()
	e, err := ParseCronExpression(map[string]string{"hour": "2"})
	require.NoError(t, err)
	return e
}

func TestLoad_MissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, c.Servers())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	c, err = Load(bad)
	require.NoError(t, err)
	assert.Empty(t, c.Servers())
	assert.Empty(t, c.Jobs())
}

func TestAddServer(t *testing.T) {
	c := newContext(t)

	s, added, err := c.AddServer(testServer("  S1 "))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "S1", s.Name)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, db.EnginePostgres, s.Engine)
	assert.Equal(t, 5432, s.Port)
	assert.Equal(t, "disable", s.SSLMode)
	assert.False(t, s.CreatedAt.IsZero())

	dup, added, err := c.AddServer(testServer("S1"))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, s.ID, dup.ID)

	my := testServer("m1")
	my.Engine = "mariadb"
	my.SSLMode = ""
	m, _, err := c.AddServer(my)
	require.NoError(t, err)
	assert.Equal(t, db.EngineMySQL, m.Engine)
	assert.Equal(t, 3306, m.Port)
	assert.Empty(t, m.SSLMode)

	got, ok := c.GetServerByName("S1")
	require.True(t, ok)
	assert.Equal(t, s, got)
	assert.Equal(t, []string{"S1", "m1"}, []string{c.Servers()[0].Name, c.Servers()[1].Name})
}

func TestAddServer_Validation(t *testing.T) {
	c := newContext(t)
	for _, name := range []string{"", "has.dot", "-lead", "with space"} {
		_, _, err := c.AddServer(testServer(name))
		require.Error(t, err, name)
		assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
	}

	bad := testServer("ok")
	bad.DefaultDB = "app.db"
	_, _, err := c.AddServer(bad)
	assert.Error(t, err)

	bad = testServer("ok")
	bad.Engine = "oracle"
	_, _, err = c.AddServer(bad)
	assert.Error(t, err)

	assert.Empty(t, c.Servers())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "context.json")
	c, err := Load(path)
	require.NoError(t, err)

	s, _, err := c.AddServer(testServer("S1"))
	require.NoError(t, err)
	j, added, err := c.AddJob(BackupJob{ServerID: s.ID, Database: "appdb", Encrypt: true, Schedule: dailySchedule(t)})
	require.NoError(t, err)
	require.True(t, added)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := Load(path)
	require.NoError(t, err)
	gotS, ok := reloaded.GetServer(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.Name, gotS.Name)
	assert.True(t, s.CreatedAt.Equal(gotS.CreatedAt))

	gotJ, ok := reloaded.GetJob(j.ID)
	require.True(t, ok)
	assert.True(t, j.Schedule.Equal(gotJ.Schedule))
	assert.Nil(t, gotJ.Schedule.Minute)
	assert.True(t, gotJ.Encrypt)
	assert.Nil(t, gotJ.LastRun)
}

func TestAddJob_Uniqueness(t *testing.T) {
	c := newContext(t)
	s, _, err := c.AddServer(testServer("S1"))
	require.NoError(t, err)

	first, added, err := c.AddJob(BackupJob{ServerID: s.ID, Database: "appdb", Schedule: dailySchedule(t)})
	require.NoError(t, err)
	assert.True(t, added)

	again, added, err := c.AddJob(BackupJob{ServerID: s.ID, Database: "appdb", Encrypt: true, Schedule: dailySchedule(t)})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, first.ID, again.ID)

	_, added, err = c.AddJob(BackupJob{ServerID: s.ID, Database: "other", Schedule: dailySchedule(t)})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, c.JobsForServer(s.ID), 2)

	_, _, err = c.AddJob(BackupJob{ServerID: "ghost", Database: "appdb", Schedule: dailySchedule(t)})
	assert.ErrorIs(t, err, ErrServerNotFound)

	_, _, err = c.AddJob(BackupJob{ServerID: s.ID, Database: "x"})
	assert.Error(t, err, "a job needs a schedule")
}

func TestUpdateJob_FirstRunIsImmutable(t *testing.T) {
	c := newContext(t)
	s, _, _ := c.AddServer(testServer("S1"))
	j, _, err := c.AddJob(BackupJob{ServerID: s.ID, Database: "appdb", Schedule: dailySchedule(t)})
	require.NoError(t, err)

	t1 := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	j.FirstRun, j.LastRun = &t1, &t1
	require.NoError(t, c.UpdateJob(j))

	t2 := t1.Add(24 * time.Hour)
	j.FirstRun, j.LastRun = &t2, &t2
	require.NoError(t, c.UpdateJob(j))

	got, _ := c.GetJob(j.ID)
	assert.Equal(t, t1, *got.FirstRun)
	assert.Equal(t, t2, *got.LastRun)

	// returned jobs do not alias stored state
	*got.LastRun = time.Time{}
	again, _ := c.GetJob(j.ID)
	assert.Equal(t, t2, *again.LastRun)

	assert.ErrorIs(t, c.UpdateJob(BackupJob{ID: "nope", ServerID: s.ID, Database: "appdb", Schedule: dailySchedule(t)}), ErrJobNotFound)
}

func TestRemoveAndCredentials(t *testing.T) {
	c := newContext(t)
	s, _, _ := c.AddServer(testServer("S1"))
	j, _, _ := c.AddJob(BackupJob{ServerID: s.ID, Database: "appdb", Schedule: dailySchedule(t)})

	require.NoError(t, c.UpdateServerCredentials(s.ID, "admin", "new"))
	got, _ := c.GetServer(s.ID)
	assert.Equal(t, "admin", got.User)
	assert.Equal(t, "new", got.Password)
	assert.Error(t, c.UpdateServerCredentials(s.ID, "", "x"))
	assert.ErrorIs(t, c.UpdateServerCredentials("ghost", "u", "p"), ErrServerNotFound)

	require.NoError(t, c.RemoveServer(s.ID))
	_, ok := c.GetServer(s.ID)
	assert.False(t, ok)
	_, ok = c.GetJob(j.ID)
	assert.True(t, ok, "jobs outlive their server until the scheduler drops them")
	assert.ErrorIs(t, c.RemoveServer(s.ID), ErrServerNotFound)

	require.NoError(t, c.RemoveJob(j.ID))
	assert.ErrorIs(t, c.RemoveJob(j.ID), ErrJobNotFound)
}

func TestReload_PicksUpOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	a, err := Load(path)
	require.NoError(t, err)
	b, err := Load(path)
	require.NoError(t, err)

	_, _, err = b.AddServer(testServer("S1"))
	require.NoError(t, err)
	assert.Empty(t, a.Servers())

	require.NoError(t, a.Reload())
	assert.Len(t, a.Servers(), 1)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	assert.Error(t, a.Reload())
	assert.Len(t, a.Servers(), 1, "a failed reload keeps the current state")
}

func TestContext_ConcurrentAccess(t *testing.T) {
	c := newContext(t)
	s, _, _ := c.AddServer(testServer("S1"))
	sched := dailySchedule(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.AddJob(BackupJob{ServerID: s.ID, Database: "appdb", Schedule: sched})
			_ = c.Jobs()
		}()
	}
	wg.Wait()
	assert.Len(t, c.Jobs(), 1)
}

func TestServer_ConnectionParams(t *testing.T) {
	s := Server{Engine: "postgres", Host: "h", Port: 5433, User: "u", Password: "p", DefaultDB: "appdb", SSLMode: "require"}
	p := s.ConnectionParams("")
	assert.Equal(t, "appdb", p.DBName)
	assert.Equal(t, "require", p.SSLMode)
	assert.Equal(t, "other", s.ConnectionParams("other").DBName)
}
