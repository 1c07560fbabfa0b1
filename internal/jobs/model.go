package jobs

import (
	"encoding/json"
	"time"

	"github.com/rishansujesh/jobsched/internal/schedule"
)

type JobStatus string

const (
	StatusNotStarted JobStatus = "NOT_STARTED"
	StatusScheduled  JobStatus = "SCHEDULED"
	StatusRunning    JobStatus = "RUNNING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusStopped    JobStatus = "STOPPED"
	StatusFailed     JobStatus = "FAILED"
)

// IsFinal reports whether s is the outcome of a finished run.
func (s JobStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// JobKey identifies one schedulable unit. It is the key of the running marker.
type JobKey struct {
	ID   string  `json:"id"`
	Type JobType `json:"type"`
}

func (k JobKey) String() string { return string(k.Type) + "/" + k.ID }

// Less orders keys by type, then id.
func (k JobKey) Less(o JobKey) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.ID < o.ID
}

// Configuration is the persisted description of a job together with its
// runtime status.
//
// Status is the lifecycle state (SCHEDULED or RUNNING); LastExecutedStatus is
// the outcome of the most recent run.
type Configuration struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Type           JobType                 `json:"type"`
	SchedulingType schedule.SchedulingType `json:"schedulingType"`
	CronExpression string                  `json:"cronExpression,omitempty"`
	Delay          int                     `json:"delay,omitempty"`
	Enabled        bool                    `json:"enabled"`

	Status             JobStatus  `json:"status"`
	LastExecutedStatus JobStatus  `json:"lastExecutedStatus"`
	ExecutedBy         string     `json:"executedBy,omitempty"`
	LastExecuted       *time.Time `json:"lastExecuted,omitempty"`
	LastFinished       *time.Time `json:"lastFinished,omitempty"`
	LastAlive          *time.Time `json:"lastAlive,omitempty"`

	QueueName     string `json:"queueName,omitempty"`
	QueuePosition *int   `json:"queuePosition,omitempty"`

	Parameters Parameters      `json:"-"`
	Cancel     bool            `json:"cancel"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	ErrorCodes string          `json:"errorCodes,omitempty"`

	Version     int64     `json:"version"`
	Created     time.Time `json:"created"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (c *Configuration) Key() JobKey { return JobKey{ID: c.ID, Type: c.Type} }

func (c *Configuration) IsUsedInQueue() bool { return c.QueueName != "" }

// IsOneOff reports whether the configuration runs once and has nothing to
// revert to afterwards.
func (c *Configuration) IsOneOff() bool {
	return c.QueuePosition == nil && c.SchedulingType == schedule.OnceASAP &&
		c.CronExpression == "" && c.Delay <= 0
}

// Entry projects the configuration onto the fields the scheduler reads.
func (c *Configuration) Entry() Entry {
	return Entry{
		ID:             c.ID,
		Type:           c.Type,
		SchedulingType: c.SchedulingType,
		Name:           c.Name,
		Status:         c.Status,
		ExecutedBy:     c.ExecutedBy,
		CronExpression: c.CronExpression,
		Delay:          c.Delay,
		LastExecuted:   copyTime(c.LastExecuted),
		LastFinished:   copyTime(c.LastFinished),
		LastAlive:      copyTime(c.LastAlive),
		QueueName:      c.QueueName,
		QueuePosition:  copyInt(c.QueuePosition),
		Parameters:     c.Parameters,
	}
}

// Clone returns a deep copy. Parameters are shared since they are never
// mutated after decoding.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.LastExecuted = copyTime(c.LastExecuted)
	out.LastFinished = copyTime(c.LastFinished)
	out.LastAlive = copyTime(c.LastAlive)
	out.QueuePosition = copyInt(c.QueuePosition)
	if c.Progress != nil {
		out.Progress = append(json.RawMessage(nil), c.Progress...)
	}
	return &out
}

// Entry is the read-only view of a configuration used while scheduling. It is
// re-derived from the store on every pass and never written back.
type Entry struct {
	ID             string
	Type           JobType
	SchedulingType schedule.SchedulingType
	Name           string
	Status         JobStatus
	ExecutedBy     string
	CronExpression string
	Delay          int
	LastExecuted   *time.Time
	LastFinished   *time.Time
	LastAlive      *time.Time
	QueueName      string
	QueuePosition  *int
	Parameters     Parameters
}

func (e Entry) Key() JobKey { return JobKey{ID: e.ID, Type: e.Type} }

func (e Entry) IsUsedInQueue() bool { return e.QueueName != "" }

func (e Entry) Trigger() schedule.Trigger {
	return schedule.Trigger{
		Type:           e.SchedulingType,
		LastExecuted:   e.LastExecuted,
		CronExpression: e.CronExpression,
		Delay:          e.Delay,
	}
}

func (e Entry) NextExecutionTime(now time.Time, maxCronDelay time.Duration) (time.Time, bool) {
	return e.Trigger().NextExecutionTime(now, maxCronDelay)
}

func (e Entry) IsDueBetween(now, then time.Time, maxCronDelay time.Duration) bool {
	return e.Trigger().IsDueBetween(now, then, maxCronDelay)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// IntPtr is a convenience for queue positions.
func IntPtr(i int) *int { return &i }

// revertSchedulingType returns a configuration to its configured trigger after
// a forced ONCE_ASAP run. It reports whether there was anything to revert to.
func (c *Configuration) revertSchedulingType() bool {
	switch {
	case c.CronExpression != "":
		c.SchedulingType = schedule.Cron
	case c.Delay > 0:
		c.SchedulingType = schedule.FixedDelay
	default:
		return false
	}
	return true
}
