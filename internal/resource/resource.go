package resource

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lupppig/pgbackup/internal/db"
	apperrors "github.com/lupppig/pgbackup/internal/errors"
	"github.com/lupppig/pgbackup/internal/manifest"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return manifest.ValidName(fl.Field().String())
	})
}

// Server is a registered database server.
type Server struct {
	ID        string    `json:"id" validate:"required"`
	Name      string    `json:"name" validate:"required,slug"`
	Engine    string    `json:"engine" validate:"oneof=postgres mysql"`
	Host      string    `json:"host" validate:"required"`
	Port      int       `json:"port" validate:"min=0,max=65535"`
	User      string    `json:"user" validate:"required"`
	Password  string    `json:"password"`
	DefaultDB string    `json:"default_db" validate:"required,slug"`
	SSLMode   string    `json:"ssl_mode,omitempty" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.DefaultDB = strings.TrimSpace(s.DefaultDB)
	s.Engine = db.NormalizeEngine(s.Engine)
	if s.Port == 0 {
		switch s.Engine {
		case db.EngineMySQL:
			s.Port = 3306
		default:
			s.Port = 5432
		}
	}
	if s.Engine == db.EnginePostgres && s.SSLMode == "" {
		s.SSLMode = "disable"
	}
}

func (s Server) Validate() error {
	if err := validate.Struct(s); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "invalid server "+s.Name,
			"Names must start with a letter or digit and contain only letters, digits, '_' or '-'.")
	}
	return nil
}

// ConnectionParams targets database on this server, or the default
// database when empty.
func (s Server) ConnectionParams(database string) db.ConnectionParams {
	if database == "" {
		database = s.DefaultDB
	}
	return db.ConnectionParams{
		Engine:   s.Engine,
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		DBName:   database,
		SSLMode:  s.SSLMode,
	}
}

func (s Server) String() string { return s.Name }

// BackupJob is a scheduled backup of one database.
type BackupJob struct {
	ID        string         `json:"id" validate:"required"`
	ServerID  string         `json:"server_id" validate:"required"`
	Database  string         `json:"database" validate:"required,slug"`
	Encrypt   bool           `json:"encrypt"`
	Schedule  CronExpression `json:"schedule" validate:"-"`
	CreatedAt time.Time      `json:"created_at"`
	LastRun   *time.Time     `json:"last_run"`
	FirstRun  *time.Time     `json:"first_run"`
	NextRun   *time.Time     `json:"next_run"`
}

func (j BackupJob) Validate() error {
	err := validate.Struct(j)
	if serr := j.Schedule.Validate(); serr != nil {
		err = errors.Join(err, serr)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "invalid backup job", "A job needs a server, a valid database name and at least one schedule field.")
	}
	return nil
}

// key is the uniqueness key of a job.
func (j BackupJob) key() string {
	return j.ServerID + "/" + j.Database
}

func (j BackupJob) String() string {
	return fmt.Sprintf("%s (%s)", j.Database, j.Schedule)
}

func (j BackupJob) clone() BackupJob {
	j.LastRun = cloneTime(j.LastRun)
	j.FirstRun = cloneTime(j.FirstRun)
	j.NextRun = cloneTime(j.NextRun)
	return j
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func newID() string {
	return uuid.NewString()
}
