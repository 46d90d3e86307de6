package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lupppig/pgbackup/internal/backup"
	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/manifest"
	"github.com/lupppig/pgbackup/internal/metrics"
	"github.com/lupppig/pgbackup/internal/notify"
	"github.com/spf13/cobra"
)

var backupsCmd = &cobra.Command{
	Use:     "backups",
	Aliases: []string{"backup"},
	Short:   "Create, list and restore backups",
}

var listBackups struct {
	server, database string
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		svc, err := a.service(cmd.Context())
		if err != nil {
			return err
		}
		l := logger.FromContext(cmd.Context())
		l.Debug("Scanning storage for backups", "location", svc.Storage().Location())

		all, err := svc.Storage().List(cmd.Context())
		metrics.RecordStorageOperation("list", err == nil)
		if err != nil {
			return fmt.Errorf("failed to list backups: %w", err)
		}

		out := cmd.OutOrStdout()
		loc := a.cfg.Location()
		count := 0
		for _, b := range all {
			if listBackups.server != "" && !strings.EqualFold(b.ServerName, listBackups.server) {
				continue
			}
			if listBackups.database != "" && !strings.EqualFold(b.Database, listBackups.database) {
				continue
			}
			if count == 0 {
				fmt.Fprintf(out, "%-25s %-20s %-20s %-6s %-9s %s\n", "CREATED AT", "SERVER", "DATABASE", "ALGO", "ENCRYPTED", "FILE")
				fmt.Fprintln(out, strings.Repeat("-", 110))
			}
			algo := string(b.Compression)
			fmt.Fprintf(out, "%-25s %-20s %-20s %-6s %-9t %s\n",
				b.CreatedAt.In(loc).Format("2006-01-02 15:04:05 MST"),
				b.ServerName, b.Database, algo, b.Encrypted, b.Filename())
			count++
		}
		if count == 0 {
			fmt.Fprintln(out, "No backups found.")
		}
		return nil
	},
}

var createBackup struct {
	server, database string
	encrypt          bool
}

var backupsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up a database now",
	Long: `Dump a database, compress and optionally encrypt it, and upload it to the
configured storage. Old backups of the same database are pruned afterwards
when retention.after_upload is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		s, err := a.findServer(createBackup.server)
		if err != nil {
			return err
		}
		progress := backup.NewProgress(os.Stderr)
		svc, err := a.service(cmd.Context(), backup.WithProgress(progress))
		if err != nil {
			return err
		}

		database := createBackup.database
		if database == "" {
			database = s.DefaultDB
		}
		start := time.Now()
		b, location, err := svc.Create(cmd.Context(), s, database, createBackup.encrypt)
		progress.Wait()
		metrics.RecordBackupAttempt("manual", err == nil)

		stats := notify.Stats{
			Status:    notify.StatusSuccess,
			Operation: "Backup",
			Trigger:   "manual",
			Server:    s.Name,
			Engine:    s.Engine,
			Database:  database,
			FileName:  b.Filename(),
			Location:  location,
			Duration:  time.Since(start),
		}
		if err != nil {
			stats.Status, stats.Error = notify.StatusError, err
		}
		if nerr := a.notifier().Notify(cmd.Context(), stats); nerr != nil {
			a.log.Warn("Failed to send notification", "error", nerr)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s at %s\n", b.Filename(), location)
		return nil
	},
}

var downloadDest string

var backupsDownloadCmd = &cobra.Command{
	Use:   "download <name>",
	Short: "Copy a stored backup to the local filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		svc, err := a.service(cmd.Context())
		if err != nil {
			return err
		}
		path, err := svc.Download(cmd.Context(), args[0], downloadDest)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s\n", args[0], path)
		return nil
	},
}

var restoreBackup struct {
	server            string
	targetDB          string
	freshCopy         bool
	singleTransaction bool
	clean             bool
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a stored backup into a database",
	Long: `Download a backup, undo its encryption and compression, and load it into
the target database (by default the database it was taken from).

With --fresh-copy the dump is loaded into a scratch database which then
replaces the target, so the target stays intact if the load fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		s, err := a.findServer(restoreBackup.server)
		if err != nil {
			return err
		}
		progress := backup.NewProgress(os.Stderr)
		svc, err := a.service(cmd.Context(), backup.WithProgress(progress))
		if err != nil {
			return err
		}

		database := restoreBackup.targetDB
		if database == "" {
			if b, perr := manifest.Parse(args[0]); perr == nil {
				database = b.Database
			}
		}
		start := time.Now()
		err = svc.Restore(cmd.Context(), s, args[0], backup.RestoreOptions{
			TargetDB:          restoreBackup.targetDB,
			FreshCopy:         restoreBackup.freshCopy,
			SingleTransaction: restoreBackup.singleTransaction,
			Clean:             restoreBackup.clean,
		})
		progress.Wait()

		stats := notify.Stats{
			Status:    notify.StatusSuccess,
			Operation: "Restore",
			Trigger:   "manual",
			Server:    s.Name,
			Engine:    s.Engine,
			Database:  database,
			FileName:  args[0],
			Location:  svc.Storage().Location(),
			Duration:  time.Since(start),
		}
		if err != nil {
			stats.Status, stats.Error = notify.StatusError, err
		}
		if nerr := a.notifier().Notify(cmd.Context(), stats); nerr != nil {
			a.log.Warn("Failed to send notification", "error", nerr)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s on %s\n", args[0], s.Name)
		return nil
	},
}

var backupsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a stored backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		svc, err := a.service(cmd.Context())
		if err != nil {
			return err
		}
		err = svc.Storage().DeleteBackup(cmd.Context(), args[0])
		metrics.RecordStorageOperation("delete", err == nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var cleanKeep int

var backupsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Apply the retention policy now",
	Long: `Keep the most recent backups of every server and database and delete the
rest. Without --keep the configured retention.keep_most_recent is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		svc, err := a.service(cmd.Context())
		if err != nil {
			return err
		}
		deleted, err := svc.Prune(cmd.Context(), cleanKeep)
		for _, b := range deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", b.Filename())
		}
		if err != nil {
			return err
		}
		if len(deleted) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to delete.")
		}
		return nil
	},
}

func init() {
	backupsListCmd.Flags().StringVar(&listBackups.server, "server", "", "only backups of this server")
	backupsListCmd.Flags().StringVar(&listBackups.database, "db", "", "only backups of this database")

	backupsCreateCmd.Flags().StringVar(&createBackup.server, "server", "", "server name")
	backupsCreateCmd.Flags().StringVar(&createBackup.database, "db", "", "database (default is the server's default database)")
	backupsCreateCmd.Flags().BoolVar(&createBackup.encrypt, "encrypt", false, "encrypt the backup for the configured gpg recipient")
	backupsCreateCmd.MarkFlagRequired("server")

	backupsDownloadCmd.Flags().StringVar(&downloadDest, "dest", ".", "destination file or directory")

	f := backupsRestoreCmd.Flags()
	f.StringVar(&restoreBackup.server, "server", "", "server to restore on")
	f.StringVar(&restoreBackup.targetDB, "target-db", "", "database to restore into (default is the backed up database)")
	f.BoolVar(&restoreBackup.freshCopy, "fresh-copy", false, "restore into a scratch database and swap it in")
	f.BoolVar(&restoreBackup.singleTransaction, "single-transaction", false, "restore in a single transaction")
	f.BoolVar(&restoreBackup.clean, "clean", false, "drop objects before recreating them")
	backupsRestoreCmd.MarkFlagRequired("server")

	backupsCleanCmd.Flags().IntVar(&cleanKeep, "keep", 0, "backups to keep per server and database")

	backupsCmd.AddCommand(backupsListCmd, backupsCreateCmd, backupsDownloadCmd, backupsRestoreCmd, backupsDeleteCmd, backupsCleanCmd)
	rootCmd.AddCommand(backupsCmd)
}
