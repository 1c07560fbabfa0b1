package service

import (
	"context"

	"github.com/rishansujesh/jobsched/internal/jobs"
)

func (s *Service) CreateJob(ctx context.Context, cfg *jobs.Configuration) (*jobs.Configuration, error) {
	if cfg.IsUsedInQueue() {
		return nil, jobs.Validationf("queue membership is managed through queues")
	}
	if err := s.Registry.Validate(cfg); err != nil {
		return nil, err
	}
	c, err := s.Store.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.Log.Info().Str("job_id", c.ID).Str("job_type", string(c.Type)).Msg("job created")
	return c, nil
}

// UpdateJob replaces the configurable fields of a job. Queue membership, and
// the schedule of queue members, are kept as stored.
func (s *Service) UpdateJob(ctx context.Context, cfg *jobs.Configuration) (*jobs.Configuration, error) {
	current, err := s.Store.Get(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	cfg.QueueName = current.QueueName
	cfg.QueuePosition = current.QueuePosition
	if current.IsUsedInQueue() {
		cfg.SchedulingType = current.SchedulingType
		cfg.CronExpression = current.CronExpression
		cfg.Delay = current.Delay
	}
	if err := s.Registry.Validate(cfg); err != nil {
		return nil, err
	}
	return s.Store.Update(ctx, cfg)
}

// DeleteJob refuses queue members; they leave through the queue first.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.IsUsedInQueue() {
		return jobs.Conflictf("job %s belongs to queue %q", id, c.QueueName)
	}
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.Log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*jobs.Configuration, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, f jobs.Filter) ([]*jobs.Configuration, error) {
	return s.Store.List(ctx, f)
}

// JobTypes describes the registered job types.
func (s *Service) JobTypes() []jobs.Descriptor {
	types := s.Registry.Types()
	out := make([]jobs.Descriptor, 0, len(types))
	for _, t := range types {
		if d, ok := s.Registry.Lookup(t); ok {
			out = append(out, d)
		}
	}
	return out
}
