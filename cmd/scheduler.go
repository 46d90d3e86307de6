package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/lupppig/pgbackup/internal/metrics"
	"github.com/lupppig/pgbackup/internal/scheduler"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run scheduled backup jobs",
}

var schedulerStartCmd = &cobra.Command{
	Use:         "start",
	Short:       "Run the scheduler in the foreground",
	Annotations: map[string]string{daemon: "true"},
	Long: `Run every registered backup job on its schedule until interrupted.

Jobs added or removed by other pgbackup invocations are picked up without a
restart. When metrics.listen is set, Prometheus metrics are served there.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFrom(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := a.service(ctx)
		if err != nil {
			return err
		}

		if addr := a.cfg.Metrics.Listen; addr != "" {
			go func() {
				a.log.Info("Serving metrics", "address", addr)
				if err := metrics.Serve(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Error("Metrics server stopped", "error", err)
				}
			}()
		}

		sched := scheduler.New(a.rc, svc,
			scheduler.WithLogger(a.log),
			scheduler.WithLocation(a.cfg.Location()),
			scheduler.WithNotifier(a.notifier()),
		)
		return sched.Start(ctx)
	},
}

func init() {
	schedulerCmd.AddCommand(schedulerStartCmd)
	rootCmd.AddCommand(schedulerCmd)
}
