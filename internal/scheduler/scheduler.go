package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/metrics"
	"github.com/lupppig/pgbackup/internal/notify"
	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/robfig/cron/v3"
)

// JobRunner executes one backup job.
type JobRunner interface {
	Run(ctx context.Context, server resource.Server, job resource.BackupJob) error
}

// reloadDelay coalesces bursts of registry writes into one reload.
const reloadDelay = 200 * time.Millisecond

type entry struct {
	id       cron.EntryID
	schedule string
}

// Scheduler runs the jobs of a resource.Context on their cron schedules.
type Scheduler struct {
	rc       *resource.Context
	runner   JobRunner
	log      *logger.Logger
	loc      *time.Location
	now      func() time.Time
	notifier notify.Notifier

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
	baseCtx context.Context
}

type Option func(*Scheduler)

func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func New(rc *resource.Context, runner JobRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		rc:       rc,
		runner:   runner,
		log:      logger.Nop(),
		loc:      time.UTC,
		now:      time.Now,
		notifier: notify.Nop{},
		entries:  map[string]entry{},
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Schedule registers job, replacing any entry it already has.
func (s *Scheduler) Schedule(job resource.BackupJob) error {
	sched, err := NewSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[job.ID]; ok {
		s.cron.Remove(old.id)
	}
	id := job.ID
	eid := s.cron.Schedule(sched, cron.FuncJob(func() {
		if err := s.RunJob(s.runContext(), id); err != nil {
			s.log.Error("Scheduled backup failed", "job", id, "error", err)
		}
	}))
	s.entries[job.ID] = entry{id: eid, schedule: job.Schedule.String()}
	metrics.ScheduledJobs.Set(float64(len(s.entries)))
	s.log.Debug("Scheduled job", "job", job.ID, "database", job.Database, "schedule", job.Schedule.String())
	return nil
}

// Unschedule drops the entry for a job id. Unknown ids are ignored.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, id)
		metrics.ScheduledJobs.Set(float64(len(s.entries)))
	}
}

// Reconcile brings the cron entries in line with the persisted jobs.
func (s *Scheduler) Reconcile() error {
	jobs := s.rc.Jobs()
	want := make(map[string]resource.BackupJob, len(jobs))
	for _, j := range jobs {
		want[j.ID] = j
	}

	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	var pending []resource.BackupJob
	for _, j := range jobs {
		if e, ok := s.entries[j.ID]; !ok || e.schedule != j.Schedule.String() {
			pending = append(pending, j)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.Unschedule(id)
	}
	var errs []error
	for _, j := range pending {
		if err := s.Schedule(j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunJob runs one job now. A job whose server is gone is removed
// silently, as is the entry of a job that no longer exists.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	job, ok := s.rc.GetJob(id)
	if !ok {
		s.log.Debug("Dropping entry of deleted job", "job", id)
		s.Unschedule(id)
		return nil
	}
	server, ok := s.rc.GetServer(job.ServerID)
	if !ok {
		s.log.Debug("Dropping job of deleted server", "job", id, "server", job.ServerID)
		s.Unschedule(id)
		if err := s.rc.RemoveJob(id); err != nil && !errors.Is(err, resource.ErrJobNotFound) {
			return err
		}
		return nil
	}

	s.log.Info("Running scheduled backup", "job", id, "server", server.Name, "database", job.Database)
	start := s.now()
	err := s.runner.Run(ctx, server, job)
	metrics.RecordBackupAttempt("scheduled", err == nil)

	stats := notify.Stats{
		Operation: "Backup",
		Trigger:   "scheduled",
		JobID:     id,
		Server:    server.Name,
		Engine:    server.Engine,
		Database:  job.Database,
		Duration:  s.now().Sub(start),
	}
	if err != nil {
		stats.Status, stats.Error = notify.StatusError, err
		if nerr := s.notifier.Notify(ctx, stats); nerr != nil {
			s.log.Warn("Failed to send notification", "error", nerr)
		}
		return err
	}
	stats.Status = notify.StatusSuccess
	if nerr := s.notifier.Notify(ctx, stats); nerr != nil {
		s.log.Warn("Failed to send notification", "error", nerr)
	}

	ran := start.In(s.loc)
	job.LastRun = &ran
	if job.FirstRun == nil {
		job.FirstRun = &ran
	}
	if next, ok := s.NextRun(id); ok {
		job.NextRun = &next
	}
	if err := s.rc.UpdateJob(job); err != nil {
		if errors.Is(err, resource.ErrJobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record run of job %s: %w", id, err)
	}
	return nil
}

// NextRun is the next activation of a scheduled job.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	ce := s.cron.Entry(e.id)
	next := ce.Next
	if next.IsZero() && ce.Schedule != nil {
		// the cron loop only fills Next once started
		next = ce.Schedule.Next(s.now().In(s.loc))
	}
	return next, !next.IsZero()
}

// Entries maps every scheduled job id to its next activation, sorted by
// time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		next, _ := s.NextRun(id)
		out = append(out, Entry{JobID: id, Next: next})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Entry is a scheduled job and its next activation. Next is zero when the
// schedule never fires again.
type Entry struct {
	JobID string
	Next  time.Time
}

// Start schedules every persisted job and runs until ctx is cancelled.
// Changes to the registry file made by other processes are picked up.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.Reconcile(); err != nil {
		s.log.Warn("Some jobs could not be scheduled", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch registry: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(s.rc.Path())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.cron.Start()
	s.log.Info("Scheduler started", "jobs", len(s.rc.Jobs()), "timezone", s.loc.String())
	defer func() {
		<-s.cron.Stop().Done()
		s.log.Info("Scheduler stopped")
	}()

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			reload = time.After(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("Registry watcher error", "error", err)
		case <-reload:
			reload = nil
			if err := s.rc.Reload(); err != nil {
				s.log.Warn("Failed to reload registry", "error", err)
				continue
			}
			if err := s.Reconcile(); err != nil {
				s.log.Warn("Some jobs could not be scheduled", "error", err)
			}
		}
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// cronLogger routes robfig/cron logs through the application logger.
type cronLogger struct{ log *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
