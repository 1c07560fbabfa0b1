package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Enabled   *bool
	QueueName string
	Type      JobType
}

// ErrorsFilter narrows FindRunErrors. Zero fields match everything; Codes and
// Types match when any of their values does.
type ErrorsFilter struct {
	ID         string
	ExecutedBy string
	From       *time.Time
	To         *time.Time
	Codes      []string
	Types      []JobType
}

// RunErrors is the error record of the last run of a configuration.
type RunErrors struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	ExecutedBy string          `json:"user,omitempty"`
	Created    time.Time       `json:"created"`
	Executed   *time.Time      `json:"executed,omitempty"`
	Finished   *time.Time      `json:"finished,omitempty"`
	Codes      []string        `json:"codes"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

// Store persists job configurations.
//
// Full-record writes (Update) change identity and scheduling fields only and
// are guarded by Version. Runtime status is written exclusively through the
// conditional Try* transitions, which report whether the row was in the
// required state.
type Store interface {
	Create(ctx context.Context, cfg *Configuration) (*Configuration, error)
	Get(ctx context.Context, id string) (*Configuration, error)
	List(ctx context.Context, f Filter) ([]*Configuration, error)
	Update(ctx context.Context, cfg *Configuration) (*Configuration, error)
	// UpdateAll writes cfgs like Update, either all of them or none.
	UpdateAll(ctx context.Context, cfgs []*Configuration) ([]*Configuration, error)
	Delete(ctx context.Context, id string) error

	GetEntry(ctx context.Context, id string) (*Entry, error)
	// DueEntries returns enabled SCHEDULED entries that may be clock
	// evaluated: not queued, queue heads, or ONCE_ASAP. Entries whose type
	// already has a RUNNING configuration are left out.
	DueEntries(ctx context.Context) ([]Entry, error)
	// NextInQueue returns the member at fromPosition+1, nil if there is none.
	NextInQueue(ctx context.Context, queue string, fromPosition int) (*Entry, error)
	// JobsInQueue returns the members ordered by position.
	JobsInQueue(ctx context.Context, queue string) ([]*Configuration, error)
	QueueNames(ctx context.Context) ([]string, error)

	// TryStart flips SCHEDULED to RUNNING if the configuration is enabled and
	// no other configuration of the same type is RUNNING.
	TryStart(ctx context.Context, id, node string, at time.Time) (bool, error)
	// TryFinish records the outcome of a RUNNING configuration. STOPPED is
	// recorded instead of status when the cancel flag is set. A pending
	// ONCE_ASAP reverts to CRON or FIXED_DELAY and a one-off is disabled.
	TryFinish(ctx context.Context, id string, status JobStatus, at time.Time) (bool, error)
	// TryCancel flags a RUNNING configuration, or reverts an execute-now
	// that has not started yet.
	TryCancel(ctx context.Context, id string, at time.Time) (bool, error)
	// TryExecuteNow switches an enabled, idle configuration to ONCE_ASAP.
	TryExecuteNow(ctx context.Context, id string, at time.Time) (bool, error)
	// TrySkip marks downstream members of queue that did not run in the
	// current cycle as NOT_STARTED.
	TrySkip(ctx context.Context, queue string, at time.Time) (bool, error)

	// Heartbeat refreshes LastAlive of a RUNNING configuration and returns its
	// cancel flag.
	Heartbeat(ctx context.Context, id string, at time.Time) (cancelled bool, err error)
	UpdateProgress(ctx context.Context, id string, progress json.RawMessage, errorCodes string, at time.Time) error
	Progress(ctx context.Context, id string) (json.RawMessage, error)
	// FindRunErrors returns the configurations whose last run recorded error
	// codes, latest run first.
	FindRunErrors(ctx context.Context, f ErrorsFilter) ([]RunErrors, error)

	RunningTypes(ctx context.Context) ([]JobType, error)
	CompletedTypes(ctx context.Context) ([]JobType, error)
	// LastRunningID returns "" when no configuration of t is running.
	LastRunningID(ctx context.Context, t JobType) (string, error)
	// LastCompletedID returns "" when no configuration of t has finished.
	LastCompletedID(ctx context.Context, t JobType) (string, error)
	CancelledIDs(ctx context.Context) ([]string, error)

	// RescheduleStale fails RUNNING configurations without a heartbeat for
	// longer than timeout and re-arms them.
	RescheduleStale(ctx context.Context, timeout time.Duration, at time.Time) (int, error)
	// DeleteFinished removes one-off configurations finished more than ttl ago.
	DeleteFinished(ctx context.Context, ttl time.Duration, at time.Time) (int, error)

	// LockQueue runs fn while holding the mutation lock of the named queue.
	// UpdateAll calls made with the ctx passed to fn join the lock.
	LockQueue(ctx context.Context, name string, fn func(ctx context.Context) error) error
}
