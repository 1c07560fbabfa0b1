package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
	"github.com/rishansujesh/jobsched/internal/worker"
)

// Executor runs the business logic of one configuration.
type Executor interface {
	Execute(ctx context.Context, cfg jobs.Configuration, r progress.Reporter) error
}

type ExecutorFunc func(ctx context.Context, cfg jobs.Configuration, r progress.Reporter) error

func (f ExecutorFunc) Execute(ctx context.Context, cfg jobs.Configuration, r progress.Reporter) error {
	return f(ctx, cfg, r)
}

type Option func(*Manager)

func WithClaimer(c Claimer) Option { return func(m *Manager) { m.claims = c } }

func WithLeadership(l Leadership) Option { return func(m *Manager) { m.leader = l } }

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithObserver adds an observer to every run started by the manager.
func WithObserver(o progress.Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

type run struct {
	key     jobs.JobKey
	token   string
	tracker *progress.Tracker
}

// Manager turns due entries into runs. One goroutine evaluates the entries;
// job bodies run on a bounded pool and never block it.
type Manager struct {
	store  jobs.Store
	exec   Executor
	claims Claimer
	leader Leadership
	log    zerolog.Logger
	now    func() time.Time

	opts Options
	pool *worker.Pool
	kick chan struct{}

	mu        sync.Mutex
	running   map[string]*run
	recording map[string]*progress.Tracker
	observers []progress.Observer
}

func NewManager(store jobs.Store, exec Executor, opts Options, options ...Option) *Manager {
	m := &Manager{
		store:     store,
		exec:      exec,
		claims:    NewLocalClaims(),
		leader:    AlwaysLeader,
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		opts:      opts.withDefaults(),
		kick:      make(chan struct{}, 1),
		running:   map[string]*run{},
		recording: map[string]*progress.Tracker{},
	}
	for _, o := range options {
		o(m)
	}
	m.log = m.log.With().Str("component", "scheduler").Str("node", m.opts.NodeID).Logger()
	m.pool = worker.NewPool(m.opts.PoolSize, m.log)
	return m
}

func (m *Manager) NodeID() string { return m.opts.NodeID }

func (m *Manager) Options() Options { return m.opts }

// Run ticks, heartbeats and does housekeeping until ctx ends, then waits for
// the runs in flight.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info().Dur("tick", m.opts.Tick).Int("pool", m.opts.PoolSize).Msg("scheduler started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.tickLoop(gctx) })
	g.Go(func() error { return every(gctx, m.opts.Heartbeat, m.Heartbeat) })
	g.Go(func() error { return every(gctx, m.opts.Housekeeping, m.Housekeep) })
	err := g.Wait()
	m.pool.Wait()
	m.log.Info().Msg("scheduler stopped")
	return err
}

// Kick asks for an evaluation right away.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Wait blocks until the runs in flight have finished.
func (m *Manager) Wait() { m.pool.Wait() }

func (m *Manager) tickLoop(ctx context.Context) error {
	t := time.NewTicker(m.opts.Tick)
	defer t.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-m.kick:
		}
	}
}

func every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

type dueEntry struct {
	entry jobs.Entry
	at    time.Time
}

// Tick evaluates the due entries once and returns how many runs it started.
func (m *Manager) Tick(ctx context.Context) int {
	now := m.now().UTC().Truncate(time.Second)
	entries, err := m.store.DueEntries(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("load due entries")
		return 0
	}
	started := 0
	for _, d := range m.dueBetween(entries, now, now.Add(m.opts.Tick)) {
		if ctx.Err() != nil {
			break
		}
		if m.dispatch(ctx, d.entry, d.at, now) {
			started++
		}
	}
	return started
}

func (m *Manager) dueBetween(entries []jobs.Entry, now, then time.Time) []dueEntry {
	out := make([]dueEntry, 0, len(entries))
	for _, e := range entries {
		next, ok := e.NextExecutionTime(now, m.opts.MaxCronDelay)
		if !ok || !next.Before(then) {
			continue
		}
		out = append(out, dueEntry{entry: e, at: next})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].entry.Key().Less(out[j].entry.Key())
	})
	return out
}

func (m *Manager) dispatch(ctx context.Context, e jobs.Entry, due, now time.Time) bool {
	key := e.Key()
	if m.IsRunningLocally(key.ID) {
		return false
	}
	// an entry due later in the window is recorded at its due instant so the
	// next evaluation starts after it
	at := now
	if due.After(now) {
		at = due
	}
	log := m.log.With().Str("job_id", key.ID).Str("job_type", string(key.Type)).Logger()

	token := jobs.RunToken(key, at, m.opts.NodeID)
	ok, err := m.claims.Claim(ctx, key, token, m.opts.ClaimTTL)
	if err != nil {
		log.Warn().Err(err).Msg("claim running marker")
		return false
	}
	if !ok {
		log.Debug().Msg("running marker held elsewhere")
		return false
	}
	if !m.pool.TryAcquire() {
		m.release(ctx, key, token)
		log.Debug().Msg("no free worker, retry next tick")
		return false
	}
	started, err := m.store.TryStart(ctx, key.ID, m.opts.NodeID, at)
	if err != nil || !started {
		m.pool.Release()
		m.release(ctx, key, token)
		if err != nil {
			log.Warn().Err(err).Msg("start job")
		}
		return false
	}
	cfg, err := m.store.Get(ctx, key.ID)
	if err != nil {
		log.Warn().Err(err).Msg("load started job")
		_, _ = m.store.TryFinish(context.WithoutCancel(ctx), key.ID, jobs.StatusFailed, m.now())
		m.pool.Release()
		m.release(ctx, key, token)
		return false
	}

	r := &run{key: key, token: token, tracker: m.StartRecording(cfg, nil)}
	m.mu.Lock()
	m.running[key.ID] = r
	m.mu.Unlock()

	log.Info().Str("run", jobs.RunTokenPrefix(token)).Time("due", due).Msg("job started")
	m.pool.Go(func() { m.execute(ctx, cfg, r) })
	return true
}

func (m *Manager) execute(ctx context.Context, cfg *jobs.Configuration, r *run) {
	log := m.log.With().Str("job_id", cfg.ID).Str("job_type", string(cfg.Type)).Logger()
	err := m.invoke(ctx, cfg, r)

	status, outcome := jobs.StatusCompleted, progress.Success
	switch {
	case r.tracker.IsCancelled():
		status, outcome = jobs.StatusStopped, progress.Cancelled
	case err != nil:
		status, outcome = jobs.StatusFailed, progress.Failed
	}

	// bookkeeping outlives shutdown of the tick context
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := r.tracker.Finish(bg, outcome, err); ferr != nil && !jobs.IsNotFound(ferr) {
		log.Warn().Err(ferr).Msg("persist final progress")
	}
	m.StopRecording(cfg.ID)

	finished, ferr := m.store.TryFinish(bg, cfg.ID, status, m.now())
	m.mu.Lock()
	delete(m.running, cfg.ID)
	m.mu.Unlock()
	m.release(bg, r.key, r.token)

	switch {
	case ferr != nil:
		log.Error().Err(ferr).Msg("record completion")
		return
	case !finished:
		log.Info().Msg("completion discarded, job no longer running")
		return
	}
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("status", string(status)).Msg("job finished")

	m.advanceQueue(bg, cfg.ID)
}

func (m *Manager) invoke(ctx context.Context, cfg *jobs.Configuration, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = jobs.ExecutionFailure(errors.Newf("job panicked: %v", p))
		}
	}()
	if m.opts.RunTimeout > 0 {
		timer := time.AfterFunc(m.opts.RunTimeout, func() { m.timeout(ctx, r) })
		defer timer.Stop()
	}
	return jobs.ExecutionFailure(m.exec.Execute(ctx, *cfg, r.tracker))
}

func (m *Manager) timeout(ctx context.Context, r *run) {
	if !r.tracker.Cancel() {
		return
	}
	m.log.Warn().Str("job_id", r.key.ID).Dur("timeout", m.opts.RunTimeout).Msg("run timed out, cancelling")
	if _, err := m.store.TryCancel(context.WithoutCancel(ctx), r.key.ID, m.now()); err != nil {
		m.log.Warn().Err(err).Str("job_id", r.key.ID).Msg("persist cancel flag")
	}
}

// advanceQueue starts the member after id once id finished. A member that did
// not complete halts the queue unless ContinueQueueOnFailure is set.
func (m *Manager) advanceQueue(ctx context.Context, id string) {
	cfg, err := m.store.Get(ctx, id)
	if err != nil {
		if !jobs.IsNotFound(err) {
			m.log.Error().Err(err).Str("job_id", id).Msg("load finished job")
		}
		return
	}
	if !cfg.IsUsedInQueue() || cfg.QueuePosition == nil {
		return
	}
	log := m.log.With().Str("queue", cfg.QueueName).Int("position", *cfg.QueuePosition).Logger()
	at := m.now()

	if cfg.LastExecutedStatus != jobs.StatusCompleted && !m.opts.ContinueQueueOnFailure {
		log.Info().Str("status", string(cfg.LastExecutedStatus)).Msg("queue halted")
		m.skipQueue(ctx, cfg.QueueName, at)
		return
	}
	next, err := m.store.NextInQueue(ctx, cfg.QueueName, *cfg.QueuePosition)
	if err != nil {
		log.Error().Err(err).Msg("load next queue member")
		return
	}
	if next == nil {
		log.Debug().Msg("queue finished")
		return
	}
	ok, err := m.store.TryExecuteNow(ctx, next.ID, at)
	if err != nil {
		log.Error().Err(err).Str("next_id", next.ID).Msg("trigger next queue member")
		return
	}
	if !ok {
		log.Info().Str("next_id", next.ID).Msg("next queue member not runnable, queue halted")
		m.skipQueue(ctx, cfg.QueueName, at)
		return
	}
	log.Debug().Str("next_id", next.ID).Msg("queue advanced")
	m.Kick()
}

func (m *Manager) skipQueue(ctx context.Context, queue string, at time.Time) {
	if _, err := m.store.TrySkip(ctx, queue, at); err != nil {
		m.log.Warn().Err(err).Str("queue", queue).Msg("mark skipped queue members")
	}
}

func (m *Manager) release(ctx context.Context, key jobs.JobKey, token string) {
	if err := m.claims.Release(context.WithoutCancel(ctx), key, token); err != nil {
		m.log.Warn().Err(err).Str("job_id", key.ID).Msg("release running marker")
	}
}

// Heartbeat refreshes the liveness of local runs and picks up cancel flags
// written by other nodes.
func (m *Manager) Heartbeat(ctx context.Context) {
	for _, r := range m.runs() {
		log := m.log.With().Str("job_id", r.key.ID).Logger()
		cancelled, err := m.store.Heartbeat(ctx, r.key.ID, m.now())
		if err != nil {
			log.Warn().Err(err).Msg("heartbeat")
			continue
		}
		if cancelled && r.tracker.Cancel() {
			log.Info().Msg("cancellation requested")
		}
		ok, err := m.claims.Refresh(ctx, r.key, r.token, m.opts.ClaimTTL)
		if err != nil || !ok {
			log.Warn().Err(err).Msg("running marker lost")
		}
	}
}

// Housekeep reaps stale runs, removes old one-off jobs and applies pending
// cancellations. It only acts on the leader.
func (m *Manager) Housekeep(ctx context.Context) {
	if !m.leader.IsLeader() {
		return
	}
	at := m.now()
	if n, err := m.store.RescheduleStale(ctx, m.opts.StaleTimeout, at); err != nil {
		m.log.Error().Err(err).Msg("reschedule stale jobs")
	} else if n > 0 {
		m.log.Warn().Int("count", n).Msg("rescheduled stale jobs")
	}
	if n, err := m.store.DeleteFinished(ctx, m.opts.FinishedTTL, at); err != nil {
		m.log.Error().Err(err).Msg("delete finished jobs")
	} else if n > 0 {
		m.log.Info().Int("count", n).Msg("deleted finished one-off jobs")
	}
	if _, err := m.ApplyCancellation(ctx); err != nil {
		m.log.Error().Err(err).Msg("apply cancellation")
	}
}

// ApplyCancellation raises the local cancel flag of every run whose
// cancellation was requested in the store and returns how many were newly
// flagged.
func (m *Manager) ApplyCancellation(ctx context.Context) (int, error) {
	ids, err := m.store.CancelledIDs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load cancelled jobs")
	}
	n := 0
	for _, id := range ids {
		if m.Cancel(id) {
			n++
		}
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("applied cancellation")
	}
	return n, nil
}

// Cancel raises the local cancel flag of a recorded run. It reports false
// when nothing is recorded for id or the flag was already set.
func (m *Manager) Cancel(id string) bool {
	t, ok := m.Tracker(id)
	if !ok {
		return false
	}
	return t.Cancel()
}

func (m *Manager) IsRunningLocally(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// RunningKeys lists the runs of this node ordered by key.
func (m *Manager) RunningKeys() []jobs.JobKey {
	runs := m.runs()
	out := make([]jobs.JobKey, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (m *Manager) runs() []*run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*run, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r)
	}
	return out
}

// StartRecording creates the progress tracker of a run of cfg. Snapshots are
// persisted through the store; o and the manager's observers receive events.
func (m *Manager) StartRecording(cfg *jobs.Configuration, o progress.Observer) *progress.Tracker {
	m.mu.Lock()
	observers := append([]progress.Observer(nil), m.observers...)
	m.mu.Unlock()

	opts := []progress.TrackerOption{
		progress.WithSink(m.persistProgress),
		progress.WithLogger(m.log),
		progress.WithClock(m.now),
		progress.WithFlushInterval(m.opts.ProgressFlush),
	}
	for _, obs := range observers {
		opts = append(opts, progress.WithObserver(obs))
	}
	opts = append(opts, progress.WithObserver(o))
	t := progress.NewTracker(cfg.ID, string(cfg.Type), opts...)

	m.mu.Lock()
	m.recording[cfg.ID] = t
	m.mu.Unlock()
	return t
}

// StopRecording forgets the tracker of id and returns it.
func (m *Manager) StopRecording(id string) (*progress.Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.recording[id]
	delete(m.recording, id)
	return t, ok
}

func (m *Manager) Tracker(id string) (*progress.Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.recording[id]
	return t, ok
}

func (m *Manager) persistProgress(ctx context.Context, id string, raw json.RawMessage, codes string) error {
	return m.store.UpdateProgress(ctx, id, raw, codes, m.now())
}
