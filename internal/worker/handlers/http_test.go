package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
)

func TestRunHTTP_MissingURL(t *testing.T) {
	_, err := RunHTTP(context.Background(), &jobs.HTTPCallParameters{Method: "GET"}, progress.NewTracker("j", "HTTP_CALL"))
	if err == nil {
		t.Fatalf("expected error for missing URL")
	}
}

func TestRunHTTP_PostsJSON(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotType = string(b), r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := progress.NewTracker("j", "HTTP_CALL")
	res, err := RunHTTP(context.Background(), &jobs.HTTPCallParameters{
		Method: "post",
		URL:    srv.URL,
		Body:   map[string]any{"k": "v"},
	}, tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusAccepted || res.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotBody != `{"k":"v"}` || gotType != "application/json" {
		t.Fatalf("unexpected request body=%q type=%q", gotBody, gotType)
	}
	if p := tr.Snapshot(); len(p.Stages) != 1 || p.Stages[0].Status != progress.Success {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestRunHTTP_RetriesConfiguredCodes(t *testing.T) {
	old := httpBackoff
	httpBackoff = func(int) time.Duration { return time.Millisecond }
	defer func() { httpBackoff = old }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := RunHTTP(context.Background(), &jobs.HTTPCallParameters{URL: srv.URL, RetryOnCodes: []int{503}}, progress.NewTracker("j", "HTTP_CALL"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestRunHTTP_NoRetryOnOtherCodes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := progress.NewTracker("j", "HTTP_CALL")
	_, err := RunHTTP(context.Background(), &jobs.HTTPCallParameters{URL: srv.URL, RetryOnCodes: []int{503}}, tr)
	if err == nil {
		t.Fatalf("expected error for 500")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
	if p := tr.Snapshot(); p.Stages[0].Status != progress.Failed {
		t.Fatalf("expected failed stage, got %s", p.Stages[0].Status)
	}
}
