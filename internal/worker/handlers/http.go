package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/progress"
)

// HTTPAttempts bounds the requests made for one run when the response status
// is listed in RetryOnCodes.
const HTTPAttempts = 3

// httpBackoff is the pause before the n-th retry (1-based).
var httpBackoff = func(n int) time.Duration { return time.Duration(1<<min(n-1, 5)) * time.Second }

func RunHTTP(ctx context.Context, a *jobs.HTTPCallParameters, r progress.Reporter) (Result, error) {
	if a == nil || a.URL == "" {
		return Result{}, errors.New("http: url required")
	}
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodGet
	}
	to := time.Duration(a.TimeoutMS) * time.Millisecond
	if to <= 0 {
		to = 10 * time.Second
	}

	var body []byte
	if a.Body != nil {
		b, err := json.Marshal(a.Body)
		if err != nil {
			return Result{}, errors.Wrap(err, "http: body marshal")
		}
		body = b
	}

	r.StartingStage(fmt.Sprintf("%s %s", method, a.URL), 1)
	var res Result
	var err error
	for attempt := 1; attempt <= HTTPAttempts; attempt++ {
		if r.IsCancelled() {
			return res, ErrCancelled
		}
		r.StartingWorkItem(fmt.Sprintf("attempt %d", attempt))
		res, err = doHTTP(ctx, method, a, body, to)
		if err == nil {
			r.WorkItemDone()
			r.CompletedStage(fmt.Sprintf("status %d", res.StatusCode))
			return res, nil
		}
		r.WorkItemFailed(err)
		if !res.Retryable || attempt == HTTPAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(httpBackoff(attempt)):
		}
	}
	r.FailedStage(err)
	return res, err
}

func doHTTP(ctx context.Context, method string, a *jobs.HTTPCallParameters, body []byte, to time.Duration) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(cctx, method, a.URL, bodyReader)
	if err != nil {
		return Result{}, errors.Wrap(err, "http: new request")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: to}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Retryable: true}, errors.Wrap(err, "http")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	res := Result{Stdout: string(respBody), StatusCode: resp.StatusCode}

	// Retry on configured status codes
	for _, c := range a.RetryOnCodes {
		if resp.StatusCode == c {
			res.Retryable = true
			break
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res, nil
	}
	return res, errors.Newf("http: status %d", resp.StatusCode)
}
