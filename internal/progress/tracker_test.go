package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	writes []Progress
	codes  []string
}

func (r *recordingSink) sink(_ context.Context, _ string, raw json.RawMessage, codes string) error {
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, p)
	r.codes = append(r.codes, codes)
	return nil
}

func (r *recordingSink) last() (Progress, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[len(r.writes)-1], r.codes[len(r.codes)-1]
}

func TestTracker_StagesAndItems(t *testing.T) {
	rec := &recordingSink{}
	tr := NewTracker("job-1", "SLEEP", WithSink(rec.sink), WithFlushInterval(0))

	tr.StartingStage("load", 2)
	tr.StartingWorkItem("a")
	tr.WorkItemDone()
	tr.StartingWorkItem("b")
	tr.WorkItemFailed(errors.New("connection refused"))
	tr.CompletedStage("loaded 1 of 2")
	tr.StartingStage("write", 0)

	require.NoError(t, tr.Finish(context.Background(), Success, nil))

	p, codes := rec.last()
	assert.Equal(t, Success, p.Status)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, Success, p.Stages[0].Status)
	assert.Equal(t, "loaded 1 of 2", p.Stages[0].Summary)
	require.Len(t, p.Stages[0].Items, 2)
	assert.Equal(t, Success, p.Stages[0].Items[0].Status)
	assert.Equal(t, Failed, p.Stages[0].Items[1].Status)
	assert.Equal(t, Success, p.Stages[1].Status, "open stage closed on finish")
	require.Len(t, p.Errors, 1)
	assert.Equal(t, CodeNetwork, p.Errors[0].Code)
	assert.Equal(t, "load", p.Errors[0].Stage)
	assert.Equal(t, "network_error", codes)
}

func TestTracker_FinishRecordsUnreportedError(t *testing.T) {
	tr := NewTracker("job-1", "SLEEP")
	tr.StartingStage("run", 1)
	require.NoError(t, tr.Finish(context.Background(), Failed, errors.New("exit status 3")))
	// second finish is a no-op
	require.NoError(t, tr.Finish(context.Background(), Success, nil))

	p := tr.Snapshot()
	assert.Equal(t, Failed, p.Status)
	assert.Equal(t, Failed, p.Stages[0].Status)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, CodeExit, p.Errors[0].Code)
	assert.Equal(t, "exit_status", p.ErrorCodes())
}

func TestTracker_CancelOnce(t *testing.T) {
	var events []Event
	tr := NewTracker("job-1", "SLEEP", WithObserver(ObserverFunc(func(e Event) { events = append(events, e) })))
	assert.False(t, tr.IsCancelled())
	assert.True(t, tr.Cancel())
	assert.False(t, tr.Cancel())
	assert.True(t, tr.IsCancelled())

	require.Len(t, events, 2)
	assert.Equal(t, EventRunStarted, events[0].Kind)
	assert.Equal(t, EventCancelled, events[1].Kind)
	assert.Equal(t, "job-1", events[1].JobID)
}

func TestTracker_RateLimitsIntermediateFlushes(t *testing.T) {
	rec := &recordingSink{}
	tr := NewTracker("job-1", "SLEEP", WithSink(rec.sink), WithFlushInterval(time.Hour))
	for range 10 {
		tr.StartingWorkItem("x")
		tr.WorkItemDone()
	}
	assert.Len(t, rec.writes, 1)
	require.NoError(t, tr.Finish(context.Background(), Success, nil))
	assert.Len(t, rec.writes, 2)
}

type codedErr struct{}

func (codedErr) Error() string        { return "custom" }
func (codedErr) ErrorCode() ErrorCode { return "custom_code" }

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorCode("custom_code"), Classify(errors.Wrap(codedErr{}, "wrapped")))
	assert.Equal(t, CodeTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, CodeCancelled, Classify(errors.Wrap(context.Canceled, "run")))
	assert.Equal(t, CodeDatabase, Classify(errors.New("sql: no rows")))
	assert.Equal(t, CodeUnknown, Classify(errors.New("boom")))
}
