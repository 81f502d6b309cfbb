package reaper

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/registry"
	"github.com/skynetops/control/pkg/storage"
	"github.com/skynetops/control/pkg/types"
)

func newTestReaper(t *testing.T, ttl time.Duration) (*Reaper, *queue.Queue, *registry.Registry) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, nil)
	reg := registry.New()
	return New(q, reg, gateway.NewClient(), DefaultPollInterval, ttl), q, reg
}

func liveGateway(t *testing.T, agentConnected bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"agent_connected": agentConnected})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func claimAndAge(t *testing.T, q *queue.Queue, workerID string) *types.Task {
	t.Helper()
	_, err := q.Enqueue(queue.EnqueueRequest{ID: "t1", Action: "shell"})
	require.NoError(t, err)
	task, err := q.Claim(workerID)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	return task
}

func TestSweepIgnoresFreshLocks(t *testing.T) {
	r, q, _ := newTestReaper(t, time.Hour)

	claimAndAge(t, q, "agent-1")
	require.NoError(t, r.Sweep())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusClaimed, task.Status)
}

func TestSweepReleasesHealthyOwner(t *testing.T) {
	r, q, reg := newTestReaper(t, 10*time.Millisecond)

	srv := liveGateway(t, true)
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})
	reg.RegisterWorker(&types.Worker{WorkerID: "agent-1", Status: "online"})

	claimAndAge(t, q, "agent-1")
	require.NoError(t, r.Sweep())

	// Healthy worker, healthy gateway: back to the ready pool
	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReleased, task.Status)
	assert.Empty(t, task.LockedBy)

	// The release reason is recorded on the event log
	events, err := q.Events("t1", time.Time{}, 10)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, types.EventReleased, last.EventType)
	assert.Contains(t, last.Message, "stale lock detected")
}

func TestSweepFailsUnregisteredWorker(t *testing.T) {
	r, q, reg := newTestReaper(t, 10*time.Millisecond)

	srv := liveGateway(t, true)
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})

	claimAndAge(t, q, "agent-unknown")
	require.NoError(t, r.Sweep())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailedTimeout, task.Status)
	assert.Contains(t, task.Error, "worker healthy=false")
}

func TestSweepFailsWhenAgentDisconnected(t *testing.T) {
	r, q, reg := newTestReaper(t, 10*time.Millisecond)

	srv := liveGateway(t, false)
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})
	reg.RegisterWorker(&types.Worker{WorkerID: "agent-1", Status: "online"})

	claimAndAge(t, q, "agent-1")
	require.NoError(t, r.Sweep())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailedTimeout, task.Status)
	assert.Contains(t, task.Error, "gateway healthy=false")
}

func TestSweepTrustsControlPlaneWorkers(t *testing.T) {
	r, q, reg := newTestReaper(t, 10*time.Millisecond)

	srv := liveGateway(t, true)
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})

	// A control-plane lock owner is healthy by definition, no registration
	// needed
	claimAndAge(t, q, types.ControlWorkerPrefix+"scheduler")
	require.NoError(t, r.Sweep())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReleased, task.Status)
}

func TestSweepFailsUnhealthyWorkerStatus(t *testing.T) {
	r, q, reg := newTestReaper(t, 10*time.Millisecond)

	srv := liveGateway(t, true)
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})
	reg.RegisterWorker(&types.Worker{WorkerID: "agent-1", Status: "dead"})

	claimAndAge(t, q, "agent-1")
	require.NoError(t, r.Sweep())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailedTimeout, task.Status)
}

func TestSweepToleratesConcurrentResolution(t *testing.T) {
	r, q, reg := newTestReaper(t, 10*time.Millisecond)

	srv := liveGateway(t, true)
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})
	reg.RegisterWorker(&types.Worker{WorkerID: "agent-1", Status: "online"})

	task := claimAndAge(t, q, "agent-1")

	// The owner finishes between the stale scan and the reap action
	stale, err := q.StaleTasks(10 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, q.Start("t1", "agent-1", task.ClaimToken))
	require.NoError(t, q.Complete("t1", "agent-1", task.ClaimToken, true, nil, ""))

	// The sweep sees the already-terminal task as non-stale or benignly
	// fails to apply; either way the result stands
	require.NoError(t, r.Sweep())

	after, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, after.Status)
}

func TestStartStop(t *testing.T) {
	r, _, _ := newTestReaper(t, time.Hour)
	r.Start()
	r.Stop()
}
