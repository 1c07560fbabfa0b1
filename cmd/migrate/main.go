package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/rishansujesh/jobsched/internal/config"
	"github.com/rishansujesh/jobsched/internal/db"
	"github.com/rishansujesh/jobsched/internal/logging"
)

func main() {
	var (
		configPath string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the embedded Postgres migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log, "migrate")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := pgx.Connect(ctx, cfg.Postgres.DSN())
			if err != nil {
				return err
			}
			defer conn.Close(context.Background())

			n, err := db.Apply(ctx, conn, log)
			if err != nil {
				return err
			}
			log.Info().Int("applied", n).Msg("migrations done")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (yaml, toml or json)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		failLog := logging.New(logging.Config{}, "migrate")
		failLog.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}
