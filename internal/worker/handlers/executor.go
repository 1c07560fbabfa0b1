package handlers

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
)

// ErrCancelled is returned by a job that stopped because cancellation was
// requested.
var ErrCancelled = errors.New("job cancelled")

// Executor runs the business logic of a configuration.
type Executor struct {
	Registry *jobs.Registry
}

func NewExecutor(reg *jobs.Registry) *Executor {
	return &Executor{Registry: reg}
}

// Execute dispatches on the parameters variant and falls back to the
// descriptor's Execute for types registered from outside.
func (e *Executor) Execute(ctx context.Context, cfg jobs.Configuration, r progress.Reporter) error {
	switch p := cfg.Parameters.(type) {
	case *jobs.HTTPCallParameters:
		_, err := RunHTTP(ctx, p, r)
		return err
	case *jobs.ShellCommandParameters:
		_, err := RunShell(ctx, p, r)
		return err
	case *jobs.SleepParameters:
		return RunSleep(ctx, p, r)
	}
	d, ok := e.Registry.Lookup(cfg.Type)
	if !ok {
		return jobs.Validationf("unknown job type %q", cfg.Type)
	}
	if d.Execute == nil {
		if cfg.Type == jobs.TypeSleep {
			return RunSleep(ctx, nil, r)
		}
		return jobs.Validationf("job %s of type %s has no parameters to run", cfg.ID, cfg.Type)
	}
	return d.Execute(ctx, cfg, r)
}
