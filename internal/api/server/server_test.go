package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/scheduler"
	"github.com/rishansujesh/jobsched/internal/service"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := jobs.NewMemStore()
	mgr := scheduler.NewManager(store, scheduler.ExecutorFunc(nil), scheduler.Options{NodeID: "api"})
	svc := service.New(store, jobs.NewRegistry(), mgr, zerolog.Nop())
	return New(svc, zerolog.Nop())
}

// startGRPC serves srv on a random local port and returns a connected client.
func startGRPC(t *testing.T, srv *Server) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(zerolog.Nop())))
	RegisterJobSchedulerServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func sleepJob(id string) map[string]any {
	return map[string]any{
		"id": id, "name": id, "type": "SLEEP",
		"schedulingType": "CRON", "cronExpression": "0 30 * * * ?", "enabled": true,
		"parameters": map[string]any{"stages": 1, "items_per_stage": 2},
	}
}

func TestGRPC_JobLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := startGRPC(t, newTestServer(t))

	created, err := c.Call(ctx, "CreateJob", sleepJob("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", created["id"])
	assert.Equal(t, "SCHEDULED", created["status"])
	assert.Equal(t, "NOT_STARTED", created["lastExecutedStatus"])

	got, err := c.Call(ctx, "GetJob", map[string]any{"id": "a"})
	require.NoError(t, err)
	params, ok := got["parameters"].(map[string]any)
	require.True(t, ok, "parameters: %v", got["parameters"])
	assert.EqualValues(t, 2, params["items_per_stage"])

	list, err := c.Call(ctx, "ListJobs", map[string]any{"enabled": true})
	require.NoError(t, err)
	assert.Len(t, list["jobs"], 1)

	types, err := c.Call(ctx, "ListJobTypes", nil)
	require.NoError(t, err)
	assert.Len(t, types["types"], 3)

	res, err := c.Call(ctx, "RequestCancel", map[string]any{"id": "a"})
	require.NoError(t, err)
	assert.Equal(t, false, res["cancelled"])

	_, err = c.Call(ctx, "ExecuteNow", map[string]any{"id": "a"})
	require.NoError(t, err)

	_, err = c.Call(ctx, "DeleteJob", map[string]any{"id": "a"})
	require.NoError(t, err)
	_, err = c.Call(ctx, "GetJob", map[string]any{"id": "a"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_ErrorCodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := startGRPC(t, newTestServer(t))

	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Call(ctx, "CreateJob", sleepJob(id))
		require.NoError(t, err)
	}
	_, err := c.Call(ctx, "CreateQueue", map[string]any{
		"name": "Q", "cronExpression": "0 0 * * * ?", "sequence": []any{"a", "b"},
	})
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		req    map[string]any
		want   codes.Code
	}{
		{"missing id", "GetJob", map[string]any{}, codes.InvalidArgument},
		{"unknown job", "ExecuteNow", map[string]any{"id": "nope"}, codes.NotFound},
		{"unknown type", "CreateJob", map[string]any{"id": "x", "type": "NOPE", "schedulingType": "ONCE_ASAP"}, codes.InvalidArgument},
		{"queue name taken", "CreateQueue", map[string]any{"name": "Q", "cronExpression": "0 0 * * * ?", "sequence": []any{"c", "a"}}, codes.AlreadyExists},
		{"member already queued", "CreateQueue", map[string]any{"name": "R", "cronExpression": "0 0 * * * ?", "sequence": []any{"c", "a"}}, codes.FailedPrecondition},
		{"sequence too short", "CreateQueue", map[string]any{"name": "R", "cronExpression": "0 0 * * * ?", "sequence": []any{"c"}}, codes.InvalidArgument},
		{"delete queue member", "DeleteJob", map[string]any{"id": "a"}, codes.FailedPrecondition},
		{"unknown queue", "GetQueue", map[string]any{"name": "nope"}, codes.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Call(ctx, tc.method, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.want, status.Code(err), "got %v", err)
		})
	}

	q, err := c.Call(ctx, "GetQueue", map[string]any{"name": "Q"})
	require.NoError(t, err)
	info := q["queue"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, info["sequence"])
	assert.Len(t, q["jobs"], 2)

	qs, err := c.Call(ctx, "ListQueues", nil)
	require.NoError(t, err)
	assert.Len(t, qs["queues"], 1)

	_, err = c.Call(ctx, "DeleteQueue", map[string]any{"name": "Q"})
	require.NoError(t, err)
}

func TestGateway(t *testing.T) {
	gw, err := NewGateway(newTestServer(t))
	require.NoError(t, err)
	ts := httptest.NewServer(HTTPHandler(gw, "api"))
	defer ts.Close()

	body, err := json.Marshal(sleepJob("a"))
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/jobs/a")
	require.NoError(t, err)
	var job map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	assert.Equal(t, "a", job["id"])
	assert.Equal(t, "SLEEP", job["type"])

	resp, err = http.Get(ts.URL + "/v1/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/jobs/missing/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/types/SLEEP/running")
	require.NoError(t, err)
	var running map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&running))
	resp.Body.Close()
	assert.Equal(t, false, running["running"])

	resp, err = http.Get(ts.URL + "/v1/errors?codes=E1,E2&types=SLEEP")
	require.NoError(t, err)
	var found map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&found))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, found["runs"])

	resp, err = http.Get(ts.URL + "/v1/errors?from=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
