package progress

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink persists a progress snapshot of a job.
type Sink func(ctx context.Context, jobID string, progress json.RawMessage, errorCodes string) error

// Tracker records the progress of one run and implements Reporter. Snapshots
// are written to the sink at most once per flush interval while the run is
// going, and always when it finishes.
type Tracker struct {
	jobID   string
	jobType string

	log     zerolog.Logger
	now     func() time.Time
	sink    Sink
	limiter *rate.Limiter

	cancelled atomic.Bool

	mu        sync.Mutex
	p         Progress
	observers []Observer
	finished  bool
}

type TrackerOption func(*Tracker)

func WithSink(s Sink) TrackerOption { return func(t *Tracker) { t.sink = s } }

func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

func WithLogger(l zerolog.Logger) TrackerOption { return func(t *Tracker) { t.log = l } }

func WithClock(now func() time.Time) TrackerOption { return func(t *Tracker) { t.now = now } }

// WithFlushInterval bounds how often intermediate snapshots reach the sink.
// Zero flushes on every change.
func WithFlushInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d <= 0 {
			t.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		t.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

func NewTracker(jobID, jobType string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		jobID:   jobID,
		jobType: jobType,
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(t)
	}
	t.p = Progress{Status: Running, Started: t.now(), Stages: []Stage{}}
	t.emit(Event{Kind: EventRunStarted, Status: Running})
	return t
}

func (t *Tracker) JobID() string { return t.jobID }

func (t *Tracker) AddObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Cancel raises the cancellation flag. It reports whether the flag was newly set.
func (t *Tracker) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.emit(Event{Kind: EventCancelled})
	return true
}

func (t *Tracker) IsCancelled() bool { return t.cancelled.Load() }

func (t *Tracker) StartingStage(description string, workItems int) {
	t.change(Event{Kind: EventStageStarted, Stage: description}, func(now time.Time) {
		t.closeStage(now, Success, "")
		t.p.Stages = append(t.p.Stages, Stage{
			Description: description,
			WorkItems:   workItems,
			Status:      Running,
			Started:     now,
		})
	})
}

func (t *Tracker) StartingWorkItem(description string) {
	t.change(Event{Kind: EventItemStarted, Message: description}, func(now time.Time) {
		s := t.stage(now)
		s.Items = append(s.Items, Item{Description: description, Status: Running, Started: now})
	})
}

func (t *Tracker) WorkItemDone() {
	t.change(Event{Kind: EventItemDone}, func(now time.Time) {
		if it := t.item(); it != nil {
			it.Status = Success
			it.Completed = &now
		}
	})
}

func (t *Tracker) WorkItemFailed(err error) {
	msg := errString(err)
	t.change(Event{Kind: EventItemFailed, Message: msg}, func(now time.Time) {
		if it := t.item(); it != nil {
			it.Status = Failed
			it.Completed = &now
			it.Error = msg
		}
		t.recordError(err)
	})
}

func (t *Tracker) CompletedStage(summary string) {
	t.change(Event{Kind: EventStageCompleted, Message: summary}, func(now time.Time) {
		t.closeStage(now, Success, summary)
	})
}

func (t *Tracker) FailedStage(err error) {
	msg := errString(err)
	t.change(Event{Kind: EventStageFailed, Message: msg}, func(now time.Time) {
		if s := t.current(); s != nil && s.Status == Running {
			s.Status = Failed
			s.Error = msg
			s.Completed = &now
		}
		t.recordError(err)
	})
}

// Finish closes the record with the outcome of the run and flushes it. An
// error not yet reported through the Reporter is added to the errors.
func (t *Tracker) Finish(ctx context.Context, status Status, err error) error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return nil
	}
	t.finished = true
	now := t.now()
	if status == Failed && err != nil {
		if s := t.current(); s != nil && s.Status == Running {
			s.Error = err.Error()
		}
	}
	t.closeStage(now, status, "")
	if err != nil && !t.hasError(err.Error()) {
		t.recordError(err)
	}
	t.p.Status = status
	t.p.Completed = &now
	obs := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	t.notify(obs, Event{Kind: EventRunFinished, Status: status, Message: errString(err)})
	return t.Flush(ctx)
}

// Snapshot returns a deep copy of the current record.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.clone()
}

// Flush writes the current snapshot to the sink.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.sink == nil {
		return nil
	}
	t.mu.Lock()
	raw, err := json.Marshal(t.p)
	codes := t.p.ErrorCodes()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.sink(ctx, t.jobID, raw, codes)
}

func (t *Tracker) change(ev Event, fn func(now time.Time)) {
	t.mu.Lock()
	fn(t.now())
	obs := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	t.notify(obs, ev)
	if t.sink != nil && t.limiter.Allow() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.Flush(ctx); err != nil {
			t.log.Warn().Err(err).Str("job_id", t.jobID).Msg("progress flush failed")
		}
	}
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	obs := append([]Observer(nil), t.observers...)
	t.mu.Unlock()
	t.notify(obs, ev)
}

func (t *Tracker) notify(obs []Observer, ev Event) {
	ev.JobID = t.jobID
	ev.JobType = t.jobType
	ev.At = t.now()
	if ev.Stage == "" {
		t.mu.Lock()
		if s := t.current(); s != nil {
			ev.Stage = s.Description
		}
		t.mu.Unlock()
	}
	for _, o := range obs {
		o.Observe(ev)
	}
}

// current returns the last stage; callers hold mu.
func (t *Tracker) current() *Stage {
	if len(t.p.Stages) == 0 {
		return nil
	}
	return &t.p.Stages[len(t.p.Stages)-1]
}

// stage returns the running stage, opening an unnamed one if there is none.
func (t *Tracker) stage(now time.Time) *Stage {
	if s := t.current(); s != nil && s.Status == Running {
		return s
	}
	t.p.Stages = append(t.p.Stages, Stage{Status: Running, Started: now})
	return t.current()
}

func (t *Tracker) item() *Item {
	s := t.current()
	if s == nil || len(s.Items) == 0 {
		return nil
	}
	it := &s.Items[len(s.Items)-1]
	if it.Status != Running {
		return nil
	}
	return it
}

func (t *Tracker) closeStage(now time.Time, status Status, summary string) {
	s := t.current()
	if s == nil || s.Status != Running {
		return
	}
	for i := range s.Items {
		if s.Items[i].Status == Running {
			s.Items[i].Status = status
			s.Items[i].Completed = &now
		}
	}
	s.Status = status
	s.Completed = &now
	if summary != "" {
		s.Summary = summary
	}
}

func (t *Tracker) recordError(err error) {
	if err == nil {
		return
	}
	var stage string
	if s := t.current(); s != nil {
		stage = s.Description
	}
	t.p.Errors = append(t.p.Errors, ErrorEntry{Code: Classify(err), Stage: stage, Message: err.Error()})
}

func (t *Tracker) hasError(msg string) bool {
	for _, e := range t.p.Errors {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
