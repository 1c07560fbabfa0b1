package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rishansujesh/jobsched/internal/app"
	"github.com/rishansujesh/jobsched/internal/config"
	"github.com/rishansujesh/jobsched/internal/logging"
	"github.com/rishansujesh/jobsched/internal/scheduler"
)

// A worker runs due jobs like any scheduling node but never takes part in
// leader election, so housekeeping and cancellation sweeps stay elsewhere.
func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run a scheduling node that never becomes leader",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log, "worker")

			ctx := cmd.Context()
			deps, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer deps.Close()

			mgr := deps.Manager(scheduler.NeverLeader)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return mgr.Run(ctx) })
			if deps.Events != nil {
				g.Go(func() error { return deps.Events.Run(ctx) })
			}
			g.Go(func() error {
				return app.ServeHTTP(ctx, cfg.HTTP.WorkerAddr, app.StatusHandler("worker", mgr, scheduler.NeverLeader), deps.Log)
			})
			deps.Log.Info().Int("pool", mgr.Options().PoolSize).Msg("worker started")
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (yaml, toml or json)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		failLog := logging.New(logging.Config{}, "worker")
		failLog.Error().Err(err).Msg("worker failed")
		os.Exit(1)
	}
}
