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
	"github.com/rishansujesh/jobsched/internal/scheduler"
	"github.com/rishansujesh/jobsched/internal/service"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "api",
		Short:         "Serve the gRPC API and its REST gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log, "api")

			ctx := cmd.Context()
			deps, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer deps.Close()

			// The manager is never run here. It only records progress started
			// through the API; jobs execute on scheduling nodes, which pick up
			// execute-now and cancel requests from the store.
			mgr := deps.Manager(scheduler.NeverLeader)
			svc := service.New(deps.Store, deps.Registry, mgr, deps.Log)

			g, ctx := errgroup.WithContext(ctx)
			if deps.Events != nil {
				g.Go(func() error { return deps.Events.Run(ctx) })
			}
			g.Go(func() error {
				return server.Serve(ctx, server.New(svc, deps.Log), cfg.HTTP.GRPCAddr, cfg.HTTP.APIAddr, deps.Log)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (yaml, toml or json)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		failLog := logging.New(logging.Config{}, "api")
		failLog.Error().Err(err).Msg("api failed")
		os.Exit(1)
	}
}
