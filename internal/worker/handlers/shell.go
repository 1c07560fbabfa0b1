package handlers

import (
	"context"
	"os/exec"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
)

type Result struct {
	Stdout     string
	Stderr     string
	StatusCode int
	Retryable  bool
}

// cancelPoll is how often a running command checks the cancellation flag.
var cancelPoll = 200 * time.Millisecond

func RunShell(ctx context.Context, a *jobs.ShellCommandParameters, r progress.Reporter) (Result, error) {
	if a == nil || a.Command == "" {
		return Result{}, errors.New("shell: command required")
	}
	to := time.Duration(a.TimeoutSec) * time.Second
	if to <= 0 {
		to = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	r.StartingStage("shell", 1)
	r.StartingWorkItem(a.Command)

	// The command itself cannot poll the flag, so a watcher kills it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(cancelPoll)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				if r.IsCancelled() {
					cancel()
					return
				}
			}
		}
	}()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", a.Command)
	// children of the shell may keep the output pipe open after a kill
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	res := Result{Stdout: string(out)}

	switch {
	case r.IsCancelled():
		err = ErrCancelled
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		err = errors.Wrapf(context.DeadlineExceeded, "shell: timeout after %v", to)
	case err != nil:
		// Non-zero exit codes are failures of the job, not of the scheduler.
		err = errors.Wrapf(err, "shell: output=%q", string(out))
	}
	if err != nil {
		r.WorkItemFailed(err)
		r.FailedStage(err)
		return res, err
	}
	r.WorkItemDone()
	r.CompletedStage("")
	return res, nil
}
