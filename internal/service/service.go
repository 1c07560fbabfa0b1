package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
	"github.com/rishansujesh/jobsched/internal/queue"
	"github.com/rishansujesh/jobsched/internal/scheduler"
)

// Service is the scheduling API used by the transport layer. Cancellation
// and execute-now are written to the store, so they work on whichever node
// runs the job; the local manager is additionally told right away.
type Service struct {
	Store    jobs.Store
	Registry *jobs.Registry
	Queues   *queue.Registry
	Manager  *scheduler.Manager
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(store jobs.Store, reg *jobs.Registry, mgr *scheduler.Manager, log zerolog.Logger) *Service {
	return &Service{
		Store:    store,
		Registry: reg,
		Queues:   queue.NewRegistry(store, log),
		Manager:  mgr,
		Log:      log.With().Str("component", "service").Logger(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestCancel flags the running job id, or reverts its pending
// execute-now. It returns false when there was nothing to cancel.
func (s *Service) RequestCancel(ctx context.Context, id string) (bool, error) {
	persisted, err := s.Store.TryCancel(ctx, id, s.Now())
	if err != nil {
		return false, err
	}
	local := s.Manager.Cancel(id)
	if persisted || local {
		s.Log.Info().Str("job_id", id).Msg("cancel requested")
	}
	return persisted || local, nil
}

// RequestCancelType cancels the running job of type t. At most one job per
// type runs at a time.
func (s *Service) RequestCancelType(ctx context.Context, t jobs.JobType) (bool, error) {
	id, err := s.Store.LastRunningID(ctx, t)
	if err != nil || id == "" {
		return false, err
	}
	return s.RequestCancel(ctx, id)
}

// ExecuteNow runs id once as soon as possible. Afterwards it returns to its
// configured schedule.
func (s *Service) ExecuteNow(ctx context.Context, id string) error {
	cfg, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return jobs.Conflictf("job %s is disabled", id)
	}
	if cfg.Status == jobs.StatusRunning {
		return jobs.Conflictf("job %s is already running", id)
	}
	if cfg.Parameters != nil {
		if err := cfg.Parameters.Validate(); err != nil {
			return jobs.AsValidation(err)
		}
	}
	ok, err := s.Store.TryExecuteNow(ctx, id, s.Now())
	if err != nil {
		return err
	}
	if !ok {
		return jobs.Conflictf("job %s cannot be executed now", id)
	}
	s.Log.Info().Str("job_id", id).Msg("execute now")
	s.Manager.Kick()
	return nil
}

func (s *Service) IsRunning(ctx context.Context, t jobs.JobType) (bool, error) {
	id, err := s.Store.LastRunningID(ctx, t)
	return id != "", err
}

func (s *Service) GetRunningTypes(ctx context.Context) ([]jobs.JobType, error) {
	return s.Store.RunningTypes(ctx)
}

func (s *Service) GetCompletedTypes(ctx context.Context) ([]jobs.JobType, error) {
	return s.Store.CompletedTypes(ctx)
}

// GetRunningProgress returns the progress of the running job of type t, nil
// when none runs.
func (s *Service) GetRunningProgress(ctx context.Context, t jobs.JobType) (*progress.Progress, error) {
	id, err := s.Store.LastRunningID(ctx, t)
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetProgress(ctx, id)
}

// GetCompletedProgress returns the progress of the most recently finished job
// of type t, nil when there is none.
func (s *Service) GetCompletedProgress(ctx context.Context, t jobs.JobType) (*progress.Progress, error) {
	id, err := s.Store.LastCompletedID(ctx, t)
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetProgress(ctx, id)
}

// GetProgress prefers the live record of a local run over the persisted one.
// It returns nil when id never recorded progress.
func (s *Service) GetProgress(ctx context.Context, id string) (*progress.Progress, error) {
	if t, ok := s.Manager.Tracker(id); ok {
		p := t.Snapshot()
		return &p, nil
	}
	raw, err := s.Store.Progress(ctx, id)
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var p progress.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrapf(err, "decode progress of %s", id)
	}
	return &p, nil
}

func (s *Service) GetErrors(ctx context.Context, id string) ([]progress.ErrorEntry, error) {
	p, err := s.GetProgress(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Errors, nil
}

// FindRunErrors searches the errors recorded by the last run of every
// configuration.
func (s *Service) FindRunErrors(ctx context.Context, f jobs.ErrorsFilter) ([]jobs.RunErrors, error) {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, jobs.Validationf("from %s is after to %s", f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}
	return s.Store.FindRunErrors(ctx, f)
}

// StartRecording starts tracking progress of cfg outside of a scheduled run.
func (s *Service) StartRecording(cfg *jobs.Configuration, o progress.Observer) *progress.Tracker {
	return s.Manager.StartRecording(cfg, o)
}

// StopRecording persists the last snapshot of id and stops tracking it.
func (s *Service) StopRecording(ctx context.Context, id string) error {
	t, ok := s.Manager.StopRecording(id)
	if !ok {
		return jobs.NotFoundf("no progress recorded for %s", id)
	}
	return t.Flush(ctx)
}

// UpdateProgress persists the current snapshot of id.
func (s *Service) UpdateProgress(ctx context.Context, id string) error {
	t, ok := s.Manager.Tracker(id)
	if !ok {
		return jobs.NotFoundf("no progress recorded for %s", id)
	}
	return t.Flush(ctx)
}

func (s *Service) ApplyCancellation(ctx context.Context) (int, error) {
	return s.Manager.ApplyCancellation(ctx)
}
