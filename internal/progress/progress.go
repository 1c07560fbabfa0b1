package progress

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Reporter is handed to a running job. The job reports stages and work items
// through it and polls IsCancelled at those boundaries.
type Reporter interface {
	StartingStage(description string, workItems int)
	StartingWorkItem(description string)
	WorkItemDone()
	WorkItemFailed(err error)
	CompletedStage(summary string)
	FailedStage(err error)
	IsCancelled() bool
}

type Status string

const (
	Running   Status = "RUNNING"
	Success   Status = "SUCCESS"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// ErrorCode classifies a failure recorded in the progress.
type ErrorCode string

const (
	CodeCancelled  ErrorCode = "cancelled"
	CodeTimeout    ErrorCode = "timeout"
	CodeNetwork    ErrorCode = "network_error"
	CodeDatabase   ErrorCode = "database_error"
	CodeValidation ErrorCode = "validation_error"
	CodeExit       ErrorCode = "exit_status"
	CodeUnknown    ErrorCode = "unknown"
)

// Coded errors choose their own code.
type Coded interface {
	ErrorCode() ErrorCode
}

// Classify picks an error code for err by type first and message second.
func Classify(err error) ErrorCode {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return CodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dial"):
		return CodeNetwork
	case strings.Contains(msg, "sql") || strings.Contains(msg, "database"):
		return CodeDatabase
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return CodeValidation
	case strings.Contains(msg, "exit status"):
		return CodeExit
	}
	return CodeUnknown
}

type Item struct {
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Started     time.Time  `json:"started"`
	Completed   *time.Time `json:"completed,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type Stage struct {
	Description string     `json:"description"`
	WorkItems   int        `json:"workItems"`
	Status      Status     `json:"status"`
	Started     time.Time  `json:"started"`
	Completed   *time.Time `json:"completed,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	Items       []Item     `json:"items,omitempty"`
}

type ErrorEntry struct {
	Code    ErrorCode `json:"code"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Progress is the persisted record of one run.
type Progress struct {
	Status    Status       `json:"status"`
	Started   time.Time    `json:"started"`
	Completed *time.Time   `json:"completed,omitempty"`
	Stages    []Stage      `json:"stages"`
	Errors    []ErrorEntry `json:"errors,omitempty"`
}

// ErrorCodes renders the distinct error codes space separated, in order of
// first occurrence.
func (p *Progress) ErrorCodes() string {
	seen := map[ErrorCode]bool{}
	var codes []string
	for _, e := range p.Errors {
		if !seen[e.Code] {
			seen[e.Code] = true
			codes = append(codes, string(e.Code))
		}
	}
	return strings.Join(codes, " ")
}

func (p *Progress) clone() Progress {
	out := *p
	out.Stages = make([]Stage, len(p.Stages))
	for i, s := range p.Stages {
		s.Items = append([]Item(nil), s.Items...)
		out.Stages[i] = s
	}
	out.Errors = append([]ErrorEntry(nil), p.Errors...)
	return out
}

type EventKind string

const (
	EventRunStarted     EventKind = "run_started"
	EventStageStarted   EventKind = "stage_started"
	EventItemStarted    EventKind = "item_started"
	EventItemDone       EventKind = "item_done"
	EventItemFailed     EventKind = "item_failed"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventCancelled      EventKind = "cancel_requested"
	EventRunFinished    EventKind = "run_finished"
)

// Event is what observers receive for every change of a tracked run.
type Event struct {
	JobID   string    `json:"jobId"`
	JobType string    `json:"jobType"`
	Kind    EventKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
	Status  Status    `json:"status,omitempty"`
	At      time.Time `json:"at"`
}

// Observer receives events synchronously; implementations must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
