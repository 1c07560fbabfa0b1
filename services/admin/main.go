package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rishansujesh/jobsched/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		failLog := logging.New(logging.Config{Console: true}, "admin")
		failLog.Error().Err(err).Msg("admin failed")
		os.Exit(1)
	}
}
