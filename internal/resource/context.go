package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lupppig/pgbackup/internal/logger"
)

var (
	ErrServerNotFound = errors.New("server not found")
	ErrJobNotFound    = errors.New("backup job not found")
)

// Context is the registry of servers and backup jobs, persisted as one
// JSON document after every mutation. It is safe for concurrent use within
// a process; separate processes sharing the file are not coordinated.
type Context struct {
	path string
	log  *logger.Logger
	now  func() time.Time

	mu      sync.RWMutex
	servers map[string]Server
	jobs    map[string]BackupJob
}

type document struct {
	Servers    map[string]Server    `json:"servers"`
	BackupJobs map[string]BackupJob `json:"backup_jobs"`
}

type Option func(*Context)

func WithLogger(l *logger.Logger) Option {
	return func(c *Context) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// Load reads the registry at path. A missing file gives an empty registry,
// and so does a malformed one, after a warning.
func Load(path string, opts ...Option) (*Context, error) {
	c := &Context{
		path:    path,
		log:     logger.Nop(),
		now:     time.Now,
		servers: map[string]Server{},
		jobs:    map[string]BackupJob{},
	}
	for _, opt := range opts {
		opt(c)
	}

	doc, err := c.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case errors.As(err, new(*malformedError)):
		c.log.Warn("Ignoring malformed registry", "path", path, "error", err)
		return c, nil
	case err != nil:
		return nil, err
	}
	c.servers, c.jobs = doc.Servers, doc.BackupJobs
	return c, nil
}

type malformedError struct{ err error }

func (e *malformedError) Error() string { return "malformed registry: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func (c *Context) read() (document, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, &malformedError{err}
	}
	if doc.Servers == nil {
		doc.Servers = map[string]Server{}
	}
	if doc.BackupJobs == nil {
		doc.BackupJobs = map[string]BackupJob{}
	}
	return doc, nil
}

// Path is the backing file.
func (c *Context) Path() string { return c.path }

// Reload replaces the in-memory state with the file contents. On a read or
// parse error the current state is kept.
func (c *Context) Reload() error {
	doc, err := c.read()
	if errors.Is(err, os.ErrNotExist) {
		doc, err = document{Servers: map[string]Server{}, BackupJobs: map[string]BackupJob{}}, nil
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.servers, c.jobs = doc.Servers, doc.BackupJobs
	c.mu.Unlock()
	return nil
}

// Save writes the whole registry through a temp file and rename.
func (c *Context) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Context) saveLocked() error {
	data, err := json.MarshalIndent(document{Servers: c.servers, BackupJobs: c.jobs}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".context-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

// AddServer registers s. It returns false when the name is taken.
func (c *Context) AddServer(s Server) (Server, bool, error) {
	s.normalize()
	if s.ID == "" {
		s.ID = newID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now()
	}
	if err := s.Validate(); err != nil {
		return Server{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.servers {
		if existing.Name == s.Name {
			return existing, false, nil
		}
	}
	c.servers[s.ID] = s
	if err := c.saveLocked(); err != nil {
		delete(c.servers, s.ID)
		return Server{}, false, err
	}
	return s, true, nil
}

// RemoveServer deletes the server. Jobs pointing at it are left for the
// scheduler to discard on their next run.
func (c *Context) RemoveServer(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrServerNotFound)
	}
	delete(c.servers, id)
	if err := c.saveLocked(); err != nil {
		c.servers[id] = s
		return err
	}
	return nil
}

// UpdateServerCredentials is the only mutation allowed on a registered
// server.
func (c *Context) UpdateServerCredentials(id, user, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrServerNotFound)
	}
	updated := s
	updated.User = user
	updated.Password = password
	if err := updated.Validate(); err != nil {
		return err
	}
	c.servers[id] = updated
	if err := c.saveLocked(); err != nil {
		c.servers[id] = s
		return err
	}
	return nil
}

func (c *Context) GetServer(id string) (Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[id]
	return s, ok
}

func (c *Context) GetServerByName(name string) (Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// Servers returns every server sorted by name.
func (c *Context) Servers() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddJob registers j. It returns false when the server already has a job
// for that database.
func (c *Context) AddJob(j BackupJob) (BackupJob, bool, error) {
	if j.ID == "" {
		j.ID = newID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = c.now()
	}
	if err := j.Validate(); err != nil {
		return BackupJob{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[j.ServerID]; !ok {
		return BackupJob{}, false, fmt.Errorf("%s: %w", j.ServerID, ErrServerNotFound)
	}
	for _, existing := range c.jobs {
		if existing.key() == j.key() {
			return existing.clone(), false, nil
		}
	}
	c.jobs[j.ID] = j.clone()
	if err := c.saveLocked(); err != nil {
		delete(c.jobs, j.ID)
		return BackupJob{}, false, err
	}
	return j, true, nil
}

func (c *Context) RemoveJob(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	delete(c.jobs, id)
	if err := c.saveLocked(); err != nil {
		c.jobs[id] = j
		return err
	}
	return nil
}

// UpdateJob replaces a stored job. FirstRun cannot change once set and the
// (server, database) pair must stay unique.
func (c *Context) UpdateJob(j BackupJob) error {
	if err := j.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.jobs[j.ID]
	if !ok {
		return fmt.Errorf("%s: %w", j.ID, ErrJobNotFound)
	}
	if old.FirstRun != nil {
		j.FirstRun = cloneTime(old.FirstRun)
	}
	if j.key() != old.key() {
		for id, other := range c.jobs {
			if id != j.ID && other.key() == j.key() {
				return fmt.Errorf("a job for %s on this server already exists", j.Database)
			}
		}
	}
	c.jobs[j.ID] = j.clone()
	if err := c.saveLocked(); err != nil {
		c.jobs[j.ID] = old
		return err
	}
	return nil
}

func (c *Context) GetJob(id string) (BackupJob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	return j.clone(), ok
}

// Jobs returns every job sorted by id.
func (c *Context) Jobs() []BackupJob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedJobs(func(BackupJob) bool { return true })
}

func (c *Context) JobsForServer(serverID string) []BackupJob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedJobs(func(j BackupJob) bool { return j.ServerID == serverID })
}

func (c *Context) sortedJobs(keep func(BackupJob) bool) []BackupJob {
	out := []BackupJob{}
	for _, j := range c.jobs {
		if keep(j) {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
