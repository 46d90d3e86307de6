package cmd

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/lupppig/pgbackup/internal/logger"
	"github.com/lupppig/pgbackup/internal/storage"
	"github.com/spf13/cobra"
)

var errDoctor = errors.New("some checks failed")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check tools, storage and registered servers",
	Long: `Verify that the native dump and restore tools are on your PATH, that the
configured storage is reachable, that every registered server accepts
connections, and that the storage audit log has not been tampered with.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		l := logger.FromContext(cmd.Context())
		l.Debug("pgbackup doctor", "os", runtime.GOOS, "arch", runtime.GOARCH)
		out := cmd.OutOrStdout()
		ok := true

		groups := []struct {
			name     string
			binaries []string
		}{
			{"PostgreSQL", []string{"pg_dump", "pg_restore"}},
			{"MySQL", []string{"mysqldump", "mysql"}},
		}
		for _, group := range groups {
			fmt.Fprintf(out, "[%s]\n", group.name)
			for _, bin := range group.binaries {
				path, err := exec.LookPath(bin)
				if err != nil {
					fmt.Fprintf(out, "  [ ] %-12s: NOT FOUND\n", bin)
					ok = false
					continue
				}
				fmt.Fprintf(out, "  [x] %-12s: %s\n", bin, path)
			}
		}

		fmt.Fprintln(out, "[Storage]")
		svc, err := a.service(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "  [ ] configuration: %v\n", err)
			ok = false
		} else {
			start := time.Now()
			backups, err := svc.Storage().List(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "  [ ] %s: %v\n", svc.Storage().Location(), err)
				ok = false
			} else {
				fmt.Fprintf(out, "  [x] %s: %d backups (%s)\n", svc.Storage().Location(), len(backups), time.Since(start).Truncate(time.Millisecond))
			}
		}

		if a.cfg.Storage.Audit {
			path := a.cfg.AuditFile()
			entries, err := storage.ReadAudit(path)
			switch {
			case err != nil:
				fmt.Fprintf(out, "  [ ] audit log: %v\n", err)
				ok = false
			default:
				if i := storage.VerifyAudit(entries); i >= 0 {
					fmt.Fprintf(out, "  [ ] audit log: chain broken at entry %d of %d\n", i+1, len(entries))
					ok = false
				} else {
					fmt.Fprintf(out, "  [x] audit log: %d entries intact\n", len(entries))
				}
			}
		}

		servers := a.rc.Servers()
		if len(servers) > 0 {
			fmt.Fprintln(out, "[Servers]")
		}
		for _, s := range servers {
			conn, err := a.connector(s, "")
			if err != nil {
				fmt.Fprintf(out, "  [ ] %-20s: %v\n", s.Name, err)
				ok = false
				continue
			}
			if !conn.CanConnect(cmd.Context()) {
				fmt.Fprintf(out, "  [ ] %-20s: cannot connect to %s:%d\n", s.Name, s.Host, s.Port)
				ok = false
				continue
			}
			fmt.Fprintf(out, "  [x] %-20s: %s:%d\n", s.Name, s.Host, s.Port)
		}

		if !ok {
			return errDoctor
		}
		fmt.Fprintln(out, "All checks passed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
