package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/lupppig/pgbackup/internal/resource"
	"github.com/lupppig/pgbackup/internal/scheduler"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job"},
	Short:   "Manage scheduled backup jobs",
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup jobs and when they run next",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		jobs := a.rc.Jobs()
		out := cmd.OutOrStdout()
		if len(jobs) == 0 {
			fmt.Fprintln(out, "No jobs registered.")
			return nil
		}

		loc := a.cfg.Location()
		now := time.Now().In(loc)
		fmt.Fprintf(out, "%-36s %-15s %-15s %-4s %-40s %-19s %-19s\n", "ID", "SERVER", "DATABASE", "ENC", "SCHEDULE", "LAST RUN", "NEXT RUN")
		fmt.Fprintln(out, strings.Repeat("-", 155))
		for _, j := range jobs {
			server := "(removed)"
			if s, ok := a.rc.GetServer(j.ServerID); ok {
				server = s.Name
			}
			next := "never"
			if sched, err := scheduler.NewSchedule(j.Schedule); err == nil {
				if t := sched.Next(now); !t.IsZero() {
					next = formatTime(&t, loc)
				}
			}
			enc := "no"
			if j.Encrypt {
				enc = "yes"
			}
			fmt.Fprintf(out, "%-36s %-15s %-15s %-4s %-40s %-19s %-19s\n",
				j.ID, server, j.Database, enc, j.Schedule.String(), formatTime(j.LastRun, loc), next)
		}
		return nil
	},
}

var addJob struct {
	server, database string
	encrypt          bool
	fields           map[resource.Field]*string
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a backup job",
	Long: `Schedule recurring backups of one database.

Each time field takes a cron pattern: "*", a value, a range "a-b", a step
"*/n" or "a-b/n", or a comma separated list of those. Month and weekday
names are accepted, and "last" means the last day of the month. Unset fields
finer than the finest field given default to their minimum, so --hour 2
runs daily at 02:00:00. At least one field is required.

A server has at most one job per database.`,
	Example: `  pgbackup jobs add --server prod --db app --hour 2
  pgbackup jobs add --server prod --db app --day-of-week mon-fri --hour 23 --minute 30
  pgbackup jobs add --server prod --db app --day last --hour 4 --encrypt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		s, err := a.findServer(addJob.server)
		if err != nil {
			return err
		}

		values := make(map[string]string, len(addJob.fields))
		for f, v := range addJob.fields {
			if cmd.Flags().Changed(fieldFlag(f)) {
				values[f.String()] = *v
			}
		}
		expr, err := resource.ParseCronExpression(values)
		if err != nil {
			return err
		}

		database := addJob.database
		if database == "" {
			database = s.DefaultDB
		}
		job, created, err := a.rc.AddJob(resource.BackupJob{
			ServerID: s.ID,
			Database: database,
			Encrypt:  addJob.encrypt,
			Schedule: expr,
		})
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(cmd.OutOrStdout(), "Job for %s on %s already exists (%s)\n", job.Database, s.Name, job.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added job %s: %s on %s at %s\n", job.ID, job.Database, s.Name, job.Schedule)
		return nil
	},
}

func fieldFlag(f resource.Field) string {
	return strings.ReplaceAll(f.String(), "_", "-")
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a backup job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		if err := a.rc.RemoveJob(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a backup job now",
	Long: `Run a backup job immediately, exactly as the scheduler would, and record
the run on the job.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		job, ok := a.rc.GetJob(args[0])
		if !ok {
			return fmt.Errorf("%s: %w", args[0], resource.ErrJobNotFound)
		}
		svc, err := a.service(cmd.Context())
		if err != nil {
			return err
		}
		sched := scheduler.New(a.rc, svc,
			scheduler.WithLogger(a.log),
			scheduler.WithLocation(a.cfg.Location()),
			scheduler.WithNotifier(a.notifier()),
		)
		if err := sched.Schedule(job); err != nil {
			return err
		}
		if err := sched.RunJob(cmd.Context(), job.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished\n", job.ID)
		return nil
	},
}

func init() {
	f := jobsAddCmd.Flags()
	f.StringVar(&addJob.server, "server", "", "server name")
	f.StringVar(&addJob.database, "db", "", "database (default is the server's default database)")
	f.BoolVar(&addJob.encrypt, "encrypt", false, "encrypt the backups")
	addJob.fields = make(map[resource.Field]*string, len(resource.Fields))
	for _, field := range resource.Fields {
		addJob.fields[field] = f.String(fieldFlag(field), "", fmt.Sprintf("%s pattern (%d-%d)", field, field.Min(), field.Max()))
	}
	jobsAddCmd.MarkFlagRequired("server")

	jobsCmd.AddCommand(jobsListCmd, jobsAddCmd, jobsRemoveCmd, jobsRunCmd)
	rootCmd.AddCommand(jobsCmd)
}
