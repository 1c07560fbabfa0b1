package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
)

func TestExecutor_SleepFailAtItem(t *testing.T) {
	e := NewExecutor(jobs.NewRegistry())
	tr := progress.NewTracker("j", "SLEEP")
	err := e.Execute(context.Background(), jobs.Configuration{
		ID:         "j",
		Type:       jobs.TypeSleep,
		Parameters: &jobs.SleepParameters{Stages: 2, ItemsPerStage: 2, FailAtItem: 3},
	}, tr)
	if err == nil {
		t.Fatalf("expected failure at item 3")
	}
	p := tr.Snapshot()
	if len(p.Stages) != 2 || p.Stages[0].Status != progress.Success || p.Stages[1].Status != progress.Failed {
		t.Fatalf("unexpected stages: %+v", p.Stages)
	}
}

func TestExecutor_SleepStopsWhenCancelled(t *testing.T) {
	e := NewExecutor(jobs.NewRegistry())
	tr := progress.NewTracker("j", "SLEEP")
	tr.Cancel()
	err := e.Execute(context.Background(), jobs.Configuration{
		Type:       jobs.TypeSleep,
		Parameters: &jobs.SleepParameters{Stages: 1, ItemsPerStage: 5},
	}, tr)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestExecutor_RegisteredType(t *testing.T) {
	reg := jobs.NewRegistry()
	called := false
	reg.Register(jobs.Descriptor{
		Type: "CUSTOM",
		Execute: func(ctx context.Context, cfg jobs.Configuration, r progress.Reporter) error {
			called = true
			return nil
		},
	})
	e := NewExecutor(reg)
	if err := e.Execute(context.Background(), jobs.Configuration{Type: "CUSTOM"}, progress.NewTracker("j", "CUSTOM")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("descriptor Execute not called")
	}

	err := e.Execute(context.Background(), jobs.Configuration{Type: "NOPE"}, progress.NewTracker("j", "NOPE"))
	if !jobs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
