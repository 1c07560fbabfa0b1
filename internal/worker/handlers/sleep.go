package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
)

func RunSleep(ctx context.Context, a *jobs.SleepParameters, r progress.Reporter) error {
	if a == nil {
		a = &jobs.SleepParameters{}
	}
	item := 0
	for s := 1; s <= a.Stages; s++ {
		r.StartingStage(fmt.Sprintf("stage %d", s), a.ItemsPerStage)
		for i := 1; i <= a.ItemsPerStage; i++ {
			if r.IsCancelled() {
				return ErrCancelled
			}
			item++
			r.StartingWorkItem(fmt.Sprintf("item %d", i))
			select {
			case <-ctx.Done():
				r.WorkItemFailed(ctx.Err())
				return ctx.Err()
			case <-time.After(time.Duration(a.ItemMillis) * time.Millisecond):
			}
			if item == a.FailAtItem {
				err := errors.Newf("item %d failed", item)
				r.WorkItemFailed(err)
				r.FailedStage(err)
				return err
			}
			r.WorkItemDone()
		}
		r.CompletedStage(fmt.Sprintf("%d items", a.ItemsPerStage))
	}
	return nil
}
