package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishansujesh/jobsched/internal/config"
	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/scheduler"
)

func memoryDeps(t *testing.T) *Deps {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CLAIM_DRIVER", "memory")
	t.Setenv("NODE_ID", "node-1")
	cfg, err := config.Load("")
	require.NoError(t, err)
	d, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestOpen_MemoryDrivers(t *testing.T) {
	d := memoryDeps(t)
	assert.Nil(t, d.DB)
	assert.Nil(t, d.Redis)
	assert.Nil(t, d.Events)
	_, ok := d.Store.(*jobs.MemStore)
	assert.True(t, ok)

	leader, run := d.Elector("x")
	assert.True(t, leader.IsLeader())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, run(ctx))
}

func TestStatusHandler(t *testing.T) {
	d := memoryDeps(t)
	mgr := d.Manager(scheduler.NeverLeader)
	assert.Equal(t, "node-1", mgr.NodeID())

	ts := httptest.NewServer(StatusHandler("worker", mgr, scheduler.NeverLeader))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/role")
	require.NoError(t, err)
	var role string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&role))
	resp.Body.Close()
	assert.Equal(t, "follower", role)

	resp, err = http.Get(ts.URL + "/running")
	require.NoError(t, err)
	var keys []jobs.JobKey
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	resp.Body.Close()
	assert.Empty(t, keys)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "worker", health["service"])
	assert.Equal(t, "node-1", health["node"])
}

func TestOpen_GeneratesNodeID(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CLAIM_DRIVER", "memory")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.NodeID = ""
	d, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, cfg.NodeID, d.Manager(scheduler.AlwaysLeader).NodeID())
}
