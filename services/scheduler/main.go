package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rishansujesh/jobsched/internal/api/server"
	"github.com/rishansujesh/jobsched/internal/app"
	"github.com/rishansujesh/jobsched/internal/config"
	"github.com/rishansujesh/jobsched/internal/logging"
	"github.com/rishansujesh/jobsched/internal/service"
)

func main() {
	var (
		configPath string
		withAPI    bool
	)
	cmd := &cobra.Command{
		Use:           "scheduler",
		Short:         "Run a scheduling node: tick loop, workers, leader election and housekeeping",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log, "scheduler")

			ctx := cmd.Context()
			deps, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer deps.Close()

			leader, elect := deps.Elector(cfg.NodeID)
			mgr := deps.Manager(leader)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return elect(ctx) })
			g.Go(func() error { return mgr.Run(ctx) })
			if deps.Events != nil {
				g.Go(func() error { return deps.Events.Run(ctx) })
			}
			g.Go(func() error {
				return app.ServeHTTP(ctx, cfg.HTTP.SchedulerAddr, app.StatusHandler("scheduler", mgr, leader), deps.Log)
			})
			if withAPI {
				svc := service.New(deps.Store, deps.Registry, mgr, deps.Log)
				g.Go(func() error {
					return server.Serve(ctx, server.New(svc, deps.Log), cfg.HTTP.GRPCAddr, cfg.HTTP.APIAddr, deps.Log)
				})
			}

			deps.Log.Info().
				Str("store", cfg.StoreDriver).
				Str("claims", cfg.ClaimDriver).
				Bool("api", withAPI).
				Msg("scheduler started")
			err = g.Wait()
			deps.Log.Info().Msg("scheduler stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (yaml, toml or json)")
	cmd.Flags().BoolVar(&withAPI, "with-api", false, "also serve the gRPC and REST API from this node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		failLog := logging.New(logging.Config{}, "scheduler")
		failLog.Error().Err(err).Msg("scheduler failed")
		os.Exit(1)
	}
}
