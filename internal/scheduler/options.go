package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Options tune the manager. Zero values are replaced by the defaults below.
type Options struct {
	NodeID string

	// Tick is the evaluation period and the width of the due window.
	Tick time.Duration
	// MaxCronDelay is how late a missed cron occurrence may still fire.
	MaxCronDelay time.Duration
	PoolSize     int

	// ContinueQueueOnFailure advances a queue past a FAILED or STOPPED member.
	ContinueQueueOnFailure bool

	Heartbeat    time.Duration
	Housekeeping time.Duration
	StaleTimeout time.Duration
	FinishedTTL  time.Duration
	ClaimTTL     time.Duration
	// RunTimeout raises the cancel flag of a run that takes longer. Zero
	// disables it.
	RunTimeout time.Duration
	// ProgressFlush bounds how often intermediate progress is persisted.
	ProgressFlush time.Duration
}

func (o Options) withDefaults() Options {
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.MaxCronDelay <= 0 {
		o.MaxCronDelay = time.Hour
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 20 * time.Second
	}
	if o.Housekeeping <= 0 {
		o.Housekeeping = 30 * time.Second
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 5 * time.Minute
	}
	if o.FinishedTTL <= 0 {
		o.FinishedTTL = 24 * time.Hour
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 3 * o.Heartbeat
	}
	if o.ProgressFlush <= 0 {
		o.ProgressFlush = time.Second
	}
	return o
}
