package jobs

import (
	"context"
	"sort"
	"sync"

	"github.com/rishansujesh/jobsched/internal/progress"
	"github.com/rishansujesh/jobsched/internal/schedule"
)

// JobType tags a kind of job. Its behavior lives in the Registry, not in the
// tag itself.
type JobType string

const (
	TypeHTTPCall     JobType = "HTTP_CALL"
	TypeShellCommand JobType = "SHELL_COMMAND"
	TypeSleep        JobType = "SLEEP"
)

// ExecuteFunc is the business logic entry point of a job. It must poll
// r.IsCancelled() at safe points and return early when it is set.
type ExecuteFunc func(ctx context.Context, cfg Configuration, r progress.Reporter) error

// Descriptor describes one job type.
type Descriptor struct {
	Type JobType
	// Configurable types may be created by users; others only by the system.
	Configurable bool
	// ParameterSchema maps parameter names to a short type description.
	ParameterSchema map[string]string
	// RelatedEndpoints lists API paths whose objects the job reads or writes.
	RelatedEndpoints map[string]string
	// NewParameters returns an empty parameters variant, nil for types without parameters.
	NewParameters func() Parameters
	// Execute is used for types the built-in executor does not know.
	Execute ExecuteFunc
}

var builtinDescriptors = []Descriptor{
	{
		Type:         TypeHTTPCall,
		Configurable: true,
		ParameterSchema: map[string]string{
			"method": "string", "url": "string", "headers": "map[string]string",
			"body": "any", "timeout_ms": "int", "retry_on_codes": "[]int",
		},
		NewParameters: func() Parameters { return &HTTPCallParameters{} },
	},
	{
		Type:            TypeShellCommand,
		Configurable:    true,
		ParameterSchema: map[string]string{"command": "string", "timeout_sec": "int"},
		NewParameters:   func() Parameters { return &ShellCommandParameters{} },
	},
	{
		Type:         TypeSleep,
		Configurable: true,
		ParameterSchema: map[string]string{
			"stages": "int", "items_per_stage": "int", "item_millis": "int", "fail_at_item": "int",
		},
		NewParameters: func() Parameters { return &SleepParameters{} },
	},
}

// Registry maps job type tags to descriptors.
type Registry struct {
	mu    sync.RWMutex
	types map[JobType]Descriptor
}

// NewRegistry returns a registry holding the built-in types plus extra.
func NewRegistry(extra ...Descriptor) *Registry {
	r := &Registry{types: make(map[JobType]Descriptor)}
	for _, d := range builtinDescriptors {
		r.types[d.Type] = d
	}
	for _, d := range extra {
		r.types[d.Type] = d
	}
	return r
}

func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[d.Type] = d
}

func (r *Registry) Lookup(t JobType) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[t]
	return d, ok
}

func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks the scheduling fields and the parameters of cfg.
func (r *Registry) Validate(cfg *Configuration) error {
	if _, ok := r.Lookup(cfg.Type); !ok {
		return Validationf("unknown job type %q", cfg.Type)
	}
	if cfg.Name == "" {
		return Validationf("name required")
	}
	switch cfg.SchedulingType {
	case schedule.Cron:
		// Queue members behind the head fire on completion and carry the
		// queue's expression only for bookkeeping.
		if err := schedule.ValidateCron(cfg.CronExpression); err != nil {
			return AsValidation(err)
		}
	case schedule.FixedDelay:
		if cfg.Delay <= 0 {
			return Validationf("delay must be a positive number of seconds, got %d", cfg.Delay)
		}
	case schedule.OnceASAP:
	default:
		return Validationf("unknown scheduling type %q", cfg.SchedulingType)
	}
	if cfg.Parameters != nil {
		if cfg.Parameters.JobType() != cfg.Type {
			return Validationf("parameters of type %s given for job type %s", cfg.Parameters.JobType(), cfg.Type)
		}
		if err := cfg.Parameters.Validate(); err != nil {
			return AsValidation(err)
		}
	}
	return nil
}
