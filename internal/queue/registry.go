package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/schedule"
)

// ErrQueueExists marks the Conflict returned for a name collision.
var ErrQueueExists = errors.New("queue exists")

// Queue is a named sequence of job configurations run one after another under
// one cron trigger.
type Queue struct {
	Name           string   `json:"name"`
	CronExpression string   `json:"cronExpression"`
	Sequence       []string `json:"sequence"`
}

// Registry keeps the membership fields of the configurations consistent with
// the queues they form. Mutations of one queue are serialized in process and
// through Store.LockQueue.
type Registry struct {
	store jobs.Store
	log   zerolog.Logger

	mu sync.Mutex
}

func NewRegistry(store jobs.Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log.With().Str("component", "queues").Logger()}
}

func (r *Registry) ListQueueNames(ctx context.Context) ([]string, error) {
	return r.store.QueueNames(ctx)
}

// GetQueue returns the members of name ordered by position.
func (r *Registry) GetQueue(ctx context.Context, name string) ([]*jobs.Configuration, error) {
	members, err := r.store.JobsInQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, jobs.NotFoundf("queue %q not found", name)
	}
	return members, nil
}

func (r *Registry) GetQueueInfo(ctx context.Context, name string) (*Queue, error) {
	members, err := r.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return info(name, members), nil
}

func info(name string, members []*jobs.Configuration) *Queue {
	q := &Queue{Name: name, Sequence: make([]string, 0, len(members))}
	for _, m := range members {
		q.Sequence = append(q.Sequence, m.ID)
	}
	if len(members) > 0 {
		q.CronExpression = members[0].CronExpression
	}
	return q
}

func (r *Registry) CreateQueue(ctx context.Context, name, cronExpr string, sequence []string) (*Queue, error) {
	if err := validate(name, cronExpr, sequence); err != nil {
		return nil, err
	}
	var out *Queue
	err := r.locked(ctx, []string{name}, func(ctx context.Context) error {
		existing, err := r.store.JobsInQueue(ctx, name)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return errors.Mark(jobs.Conflictf("queue %q already exists", name), ErrQueueExists)
		}
		members, err := r.loadMembers(ctx, name, sequence)
		if err != nil {
			return err
		}
		join(name, cronExpr, members)
		if err := r.write(ctx, name, members); err != nil {
			return err
		}
		out = &Queue{Name: name, CronExpression: cronExpr, Sequence: append([]string(nil), sequence...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("queue", name).Strs("sequence", sequence).Msg("queue created")
	return out, nil
}

// UpdateQueue renames the queue when newName is set, replaces its cron
// expression and sequence, and detaches members that are no longer listed.
func (r *Registry) UpdateQueue(ctx context.Context, name, newName, cronExpr string, sequence []string) (*Queue, error) {
	target := name
	if newName != "" {
		target = newName
	}
	if err := validate(target, cronExpr, sequence); err != nil {
		return nil, err
	}
	var out *Queue
	err := r.locked(ctx, []string{name, target}, func(ctx context.Context) error {
		current, err := r.GetQueue(ctx, name)
		if err != nil {
			return err
		}
		if target != name {
			clash, err := r.store.JobsInQueue(ctx, target)
			if err != nil {
				return err
			}
			if len(clash) > 0 {
				return errors.Mark(jobs.Conflictf("queue %q already exists", target), ErrQueueExists)
			}
		}
		keep := make(map[string]bool, len(sequence))
		for _, id := range sequence {
			keep[id] = true
		}
		var stale []*jobs.Configuration
		for _, c := range current {
			if !keep[c.ID] {
				stale = append(stale, c)
			}
		}
		members, err := r.loadMembers(ctx, name, sequence)
		if err != nil {
			return err
		}
		for _, c := range stale {
			detach(c)
		}
		join(target, cronExpr, members)
		if err := r.write(ctx, name, append(stale, members...)); err != nil {
			return err
		}
		out = &Queue{Name: target, CronExpression: cronExpr, Sequence: append([]string(nil), sequence...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("queue", name).Str("new_name", target).Strs("sequence", sequence).Msg("queue updated")
	return out, nil
}

// DeleteQueue detaches and disables every member.
func (r *Registry) DeleteQueue(ctx context.Context, name string) error {
	err := r.locked(ctx, []string{name}, func(ctx context.Context) error {
		members, err := r.GetQueue(ctx, name)
		if err != nil {
			return err
		}
		for _, c := range members {
			detach(c)
			c.Enabled = false
		}
		return r.write(ctx, name, members)
	})
	if err != nil {
		return err
	}
	r.log.Info().Str("queue", name).Msg("queue deleted")
	return nil
}

func validate(name, cronExpr string, sequence []string) error {
	if name == "" {
		return jobs.Validationf("queue name is required")
	}
	if err := schedule.ValidateCron(cronExpr); err != nil {
		return jobs.AsValidation(err)
	}
	if len(sequence) < 2 {
		return jobs.Validationf("queue %q needs at least two jobs, got %d", name, len(sequence))
	}
	seen := make(map[string]bool, len(sequence))
	for _, id := range sequence {
		if seen[id] {
			return jobs.Conflictf("job %s appears twice in queue %q", id, name)
		}
		seen[id] = true
	}
	return nil
}

// loadMembers loads the configurations of sequence. A member may already
// belong to queue own, never to another one.
func (r *Registry) loadMembers(ctx context.Context, own string, sequence []string) ([]*jobs.Configuration, error) {
	out := make([]*jobs.Configuration, 0, len(sequence))
	for _, id := range sequence {
		c, err := r.store.Get(ctx, id)
		if jobs.IsNotFound(err) {
			return nil, jobs.Conflictf("job %s of queue %q does not exist", id, own)
		}
		if err != nil {
			return nil, err
		}
		if c.IsUsedInQueue() && c.QueueName != own {
			return nil, jobs.Conflictf("job %s already belongs to queue %q", id, c.QueueName)
		}
		out = append(out, c)
	}
	return out, nil
}

// join places members at their index of queue name. A pending execute-now
// keeps its ONCE_ASAP; it reverts to CRON with the new expression once it
// finishes.
func join(name, cronExpr string, members []*jobs.Configuration) {
	for i, c := range members {
		pending := c.SchedulingType == schedule.OnceASAP && !c.IsOneOff()
		c.QueueName = name
		c.QueuePosition = jobs.IntPtr(i)
		if !pending {
			c.SchedulingType = schedule.Cron
		}
		c.CronExpression = cronExpr
	}
}

// write stores every changed configuration of one mutation, all or none.
func (r *Registry) write(ctx context.Context, name string, cfgs []*jobs.Configuration) error {
	if _, err := r.store.UpdateAll(ctx, cfgs); err != nil {
		return errors.Wrapf(err, "write queue %s", name)
	}
	return nil
}

// detach leaves c as CRON without an expression, which never fires.
func detach(c *jobs.Configuration) {
	c.QueueName = ""
	c.QueuePosition = nil
	c.CronExpression = ""
}

// locked holds the in-process mutex and the store locks of names, taken in
// sorted order.
func (r *Registry) locked(ctx context.Context, names []string, fn func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	uniq := map[string]bool{}
	var sorted []string
	for _, n := range names {
		if !uniq[n] {
			uniq[n] = true
			sorted = append(sorted, n)
		}
	}
	sort.Strings(sorted)

	var lock func(ctx context.Context, i int) error
	lock = func(ctx context.Context, i int) error {
		if i == len(sorted) {
			return fn(ctx)
		}
		return r.store.LockQueue(ctx, sorted[i], func(ctx context.Context) error {
			return lock(ctx, i+1)
		})
	}
	return lock(ctx, 0)
}
