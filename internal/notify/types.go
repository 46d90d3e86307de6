package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lupppig/pgbackup/internal/logger"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Stats describes one finished backup or restore run.
type Stats struct {
	Status    Status
	Operation string // "Backup" or "Restore"
	Trigger   string // "manual" or "scheduled"
	JobID     string
	Server    string
	Engine    string
	Database  string
	FileName  string
	Location  string
	Size      int64
	Duration  time.Duration
	Error     error
}

// payload is the JSON form of Stats; error values do not marshal.
type payload struct {
	Status    Status  `json:"status"`
	Operation string  `json:"operation"`
	Trigger   string  `json:"trigger,omitempty"`
	JobID     string  `json:"job_id,omitempty"`
	Server    string  `json:"server"`
	Engine    string  `json:"engine"`
	Database  string  `json:"database"`
	FileName  string  `json:"file_name,omitempty"`
	Location  string  `json:"location,omitempty"`
	Size      int64   `json:"size,omitempty"`
	Duration  float64 `json:"duration_seconds"`
	Error     string  `json:"error,omitempty"`
}

func (s Stats) payload() payload {
	p := payload{
		Status:    s.Status,
		Operation: s.Operation,
		Trigger:   s.Trigger,
		JobID:     s.JobID,
		Server:    s.Server,
		Engine:    s.Engine,
		Database:  s.Database,
		FileName:  s.FileName,
		Location:  s.Location,
		Size:      s.Size,
		Duration:  s.Duration.Seconds(),
	}
	if s.Error != nil {
		p.Error = s.Error.Error()
	}
	return p
}

type Notifier interface {
	Notify(ctx context.Context, stats Stats) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Stats) error { return nil }

var defaultClient = &http.Client{Timeout: 15 * time.Second}

// MultiNotifier fans out to every notifier. A failing notifier does not
// stop the others.
type MultiNotifier struct {
	Notifiers []Notifier
	Log       *logger.Logger
}

func (m *MultiNotifier) Notify(ctx context.Context, stats Stats) error {
	var errs []error
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, stats); err != nil {
			if m.Log != nil {
				m.Log.Warn("Notification failed", "error", err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
