package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rishansujesh/jobsched/internal/schedule"
)

// MemStore is an in-process Store. It backs single-node deployments
// (STORE_DRIVER=memory) and the tests of the packages above it.
type MemStore struct {
	mu      sync.RWMutex
	configs map[string]*Configuration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Now stamps Created and LastUpdated.
	Now func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		configs: make(map[string]*Configuration),
		locks:   make(map[string]*sync.Mutex),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemStore) Create(_ context.Context, cfg *Configuration) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cfg.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.configs[c.ID]; ok {
		return nil, Conflictf("job configuration %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = StatusScheduled
	}
	if c.LastExecutedStatus == "" {
		c.LastExecutedStatus = StatusNotStarted
	}
	now := s.Now()
	c.Version = 1
	c.Created = now
	c.LastUpdated = now
	s.configs[c.ID] = c
	return c.Clone(), nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, NotFoundf("job configuration %s not found", id)
	}
	return c.Clone(), nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]*Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Configuration
	for _, c := range s.configs {
		if f.Enabled != nil && c.Enabled != *f.Enabled {
			continue
		}
		if f.QueueName != "" && c.QueueName != f.QueueName {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		out = append(out, c.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemStore) Update(_ context.Context, cfg *Configuration) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.checkUpdateLocked(cfg)
	if err != nil {
		return nil, err
	}
	return s.updateLocked(c, cfg), nil
}

func (s *MemStore) UpdateAll(_ context.Context, cfgs []*Configuration) ([]*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		if seen[cfg.ID] {
			return nil, Conflictf("job configuration %s written twice", cfg.ID)
		}
		seen[cfg.ID] = true
		if _, err := s.checkUpdateLocked(cfg); err != nil {
			return nil, err
		}
	}
	out := make([]*Configuration, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, s.updateLocked(s.configs[cfg.ID], cfg))
	}
	return out, nil
}

func (s *MemStore) checkUpdateLocked(cfg *Configuration) (*Configuration, error) {
	c, ok := s.configs[cfg.ID]
	if !ok {
		return nil, NotFoundf("job configuration %s not found", cfg.ID)
	}
	if c.Version != cfg.Version {
		return nil, Conflictf("job configuration %s was modified concurrently (version %d, have %d)", cfg.ID, c.Version, cfg.Version)
	}
	if c.Type != cfg.Type {
		return nil, Validationf("job type of %s cannot change from %s to %s", cfg.ID, c.Type, cfg.Type)
	}
	return c, nil
}

func (s *MemStore) updateLocked(c, cfg *Configuration) *Configuration {
	c.Name = cfg.Name
	c.SchedulingType = cfg.SchedulingType
	c.CronExpression = cfg.CronExpression
	c.Delay = cfg.Delay
	c.Enabled = cfg.Enabled
	c.QueueName = cfg.QueueName
	c.QueuePosition = copyInt(cfg.QueuePosition)
	c.Parameters = cfg.Parameters
	c.Version++
	c.LastUpdated = s.Now()
	return c.Clone()
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return NotFoundf("job configuration %s not found", id)
	}
	delete(s.configs, id)
	return nil
}

func (s *MemStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, NotFoundf("job configuration %s not found", id)
	}
	e := c.Entry()
	return &e, nil
}

func (s *MemStore) DueEntries(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Configuration
	for _, c := range s.configs {
		if !c.Enabled || c.Status != StatusScheduled {
			continue
		}
		if c.QueuePosition != nil && *c.QueuePosition != 0 && c.SchedulingType != schedule.OnceASAP {
			continue
		}
		if s.otherRunningLocked(c) {
			continue
		}
		due = append(due, c)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Type != due[j].Type {
			return due[i].Type < due[j].Type
		}
		if !due[i].Created.Equal(due[j].Created) {
			return due[i].Created.Before(due[j].Created)
		}
		return due[i].ID < due[j].ID
	})
	out := make([]Entry, 0, len(due))
	for _, c := range due {
		out = append(out, c.Entry())
	}
	return out, nil
}

func (s *MemStore) NextInQueue(_ context.Context, queue string, fromPosition int) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.configs {
		if c.QueueName == queue && c.QueuePosition != nil && *c.QueuePosition == fromPosition+1 {
			e := c.Entry()
			return &e, nil
		}
	}
	return nil, nil
}

func (s *MemStore) JobsInQueue(_ context.Context, queue string) ([]*Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Configuration
	for _, c := range s.configs {
		if c.QueueName == queue {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return position(out[i]) < position(out[j]) })
	return out, nil
}

func (s *MemStore) QueueNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, c := range s.configs {
		if c.QueueName != "" {
			seen[c.QueueName] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) TryStart(_ context.Context, id, node string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok || !c.Enabled || c.Status != StatusScheduled || s.otherRunningLocked(c) {
		return false, nil
	}
	c.Status = StatusRunning
	c.ExecutedBy = node
	c.LastExecuted = &at
	c.LastAlive = &at
	c.Progress = nil
	c.ErrorCodes = ""
	c.Cancel = false
	c.LastUpdated = at
	return true, nil
}

func (s *MemStore) TryFinish(_ context.Context, id string, status JobStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok || c.Status != StatusRunning {
		return false, nil
	}
	if c.Cancel {
		status = StatusStopped
	}
	forced := c.SchedulingType == schedule.OnceASAP
	if c.IsOneOff() {
		c.Enabled = false
	}
	c.LastExecutedStatus = status
	c.LastFinished = &at
	c.LastAlive = nil
	c.Cancel = false
	c.Status = StatusScheduled
	if forced && c.revertSchedulingType() && c.SchedulingType == schedule.Cron {
		// cron resumes from the completion of the forced run
		c.LastExecuted = &at
	}
	c.LastUpdated = at
	return true, nil
}

func (s *MemStore) TryCancel(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return false, nil
	}
	switch {
	case c.Status == StatusRunning && !c.Cancel:
		c.Cancel = true
	case c.Status == StatusScheduled && c.SchedulingType == schedule.OnceASAP:
		if c.IsOneOff() {
			c.Enabled = false
		}
		c.revertSchedulingType()
		c.Cancel = false
		c.LastExecutedStatus = StatusStopped
	default:
		return false, nil
	}
	c.LastUpdated = at
	return true, nil
}

func (s *MemStore) TryExecuteNow(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok || !c.Enabled || c.Status == StatusRunning {
		return false, nil
	}
	if c.SchedulingType == schedule.OnceASAP && c.LastFinished != nil {
		return false, nil
	}
	c.SchedulingType = schedule.OnceASAP
	c.Cancel = false
	c.Status = StatusScheduled
	c.LastUpdated = at
	return true, nil
}

func (s *MemStore) TrySkip(_ context.Context, queue string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var headLast *time.Time
	for _, c := range s.configs {
		if c.QueueName == queue && position(c) == 0 {
			headLast = c.LastExecuted
		}
	}
	skipped := false
	for _, c := range s.configs {
		if c.QueueName != queue || c.Status != StatusScheduled || position(c) <= 0 {
			continue
		}
		if c.LastExecuted != nil && (headLast == nil || !c.LastExecuted.Before(*headLast)) {
			continue
		}
		c.LastExecutedStatus = StatusNotStarted
		c.LastExecuted = &at
		c.LastFinished = &at
		c.LastAlive = nil
		c.Progress = nil
		c.Cancel = false
		c.LastUpdated = at
		skipped = true
	}
	return skipped, nil
}

func (s *MemStore) Heartbeat(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return false, NotFoundf("job configuration %s not found", id)
	}
	if c.Status == StatusRunning {
		c.LastAlive = &at
	}
	return c.Cancel, nil
}

func (s *MemStore) UpdateProgress(_ context.Context, id string, progress json.RawMessage, errorCodes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return NotFoundf("job configuration %s not found", id)
	}
	if c.Status == StatusRunning {
		c.LastAlive = &at
	}
	c.Progress = append(json.RawMessage(nil), progress...)
	c.ErrorCodes = errorCodes
	return nil
}

func (s *MemStore) Progress(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, NotFoundf("job configuration %s not found", id)
	}
	if c.Progress == nil {
		return nil, nil
	}
	return append(json.RawMessage(nil), c.Progress...), nil
}

func (s *MemStore) FindRunErrors(_ context.Context, f ErrorsFilter) ([]RunErrors, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []RunErrors{}
	for _, c := range s.configs {
		if f.match(c) {
			out = append(out, runErrorsOf(c))
		}
	}
	sortRunErrors(out)
	return out, nil
}

func (s *MemStore) RunningTypes(_ context.Context) ([]JobType, error) {
	return s.types(func(c *Configuration) bool { return c.Status == StatusRunning }), nil
}

func (s *MemStore) CompletedTypes(_ context.Context) ([]JobType, error) {
	return s.types(isCompleted), nil
}

func (s *MemStore) LastRunningID(_ context.Context, t JobType) (string, error) {
	return s.latest(t, func(c *Configuration) *time.Time {
		if c.Status != StatusRunning {
			return nil
		}
		return c.LastExecuted
	}), nil
}

func (s *MemStore) LastCompletedID(_ context.Context, t JobType) (string, error) {
	return s.latest(t, func(c *Configuration) *time.Time {
		if c.Status == StatusRunning {
			return nil
		}
		return c.LastFinished
	}), nil
}

func (s *MemStore) CancelledIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, c := range s.configs {
		if c.Status == StatusRunning && c.Cancel {
			out = append(out, c.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) RescheduleStale(_ context.Context, timeout time.Duration, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.configs {
		if c.Status != StatusRunning {
			continue
		}
		alive := c.LastAlive
		if alive == nil {
			alive = c.LastExecuted
		}
		if alive != nil && !at.After(alive.Add(timeout)) {
			continue
		}
		if c.IsOneOff() {
			c.Enabled = false
		}
		if c.SchedulingType == schedule.OnceASAP {
			c.revertSchedulingType()
		}
		c.Status = StatusScheduled
		c.LastExecutedStatus = StatusFailed
		c.LastFinished = &at
		c.LastAlive = nil
		c.Cancel = false
		c.LastUpdated = at
		n++
	}
	return n, nil
}

func (s *MemStore) DeleteFinished(_ context.Context, ttl time.Duration, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.configs {
		if c.IsOneOff() && c.Status != StatusRunning && c.LastFinished != nil && at.After(c.LastFinished.Add(ttl)) {
			delete(s.configs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) LockQueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.locksMu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (s *MemStore) otherRunningLocked(c *Configuration) bool {
	for _, o := range s.configs {
		if o.ID != c.ID && o.Type == c.Type && o.Status == StatusRunning {
			return true
		}
	}
	return false
}

func (s *MemStore) types(match func(*Configuration) bool) []JobType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[JobType]struct{}{}
	for _, c := range s.configs {
		if match(c) {
			seen[c.Type] = struct{}{}
		}
	}
	out := make([]JobType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MemStore) latest(t JobType, at func(*Configuration) *time.Time) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id string
	var best time.Time
	for _, c := range s.configs {
		if c.Type != t {
			continue
		}
		ts := at(c)
		if ts == nil {
			continue
		}
		if id == "" || ts.After(best) || (ts.Equal(best) && c.ID < id) {
			id, best = c.ID, *ts
		}
	}
	return id
}

func isCompleted(c *Configuration) bool {
	return c.Status != StatusRunning && c.LastFinished != nil && c.LastExecuted != nil &&
		!c.LastFinished.Before(*c.LastExecuted) && c.Progress != nil
}

func position(c *Configuration) int {
	if c.QueuePosition == nil {
		return -1
	}
	return *c.QueuePosition
}

func sortByCreated(cs []*Configuration) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Created.Equal(cs[j].Created) {
			return cs[i].Created.Before(cs[j].Created)
		}
		return cs[i].ID < cs[j].ID
	})
}
