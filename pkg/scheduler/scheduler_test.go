package scheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/registry"
	"github.com/skynetops/control/pkg/storage"
	"github.com/skynetops/control/pkg/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue, *registry.Registry) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, nil)
	reg := registry.New()
	return New(q, reg, gateway.NewClient(), 0), q, reg
}

func fakeGateway(t *testing.T, handler func(req *gateway.ActionRequest) map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			json.NewEncoder(w).Encode(map[string]any{"agent_connected": true})
		case "/action":
			var req gateway.ActionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(handler(&req))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStepNoWork(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	assert.False(t, s.step())
}

func TestStepDispatchesAndSucceeds(t *testing.T) {
	s, q, reg := newTestScheduler(t)

	var gotKey string
	srv := fakeGateway(t, func(req *gateway.ActionRequest) map[string]any {
		gotKey = req.IdempotencyKey
		return map[string]any{
			"status": "ok",
			"result": map[string]any{"stdout": "done", "returncode": 0},
		}
	})
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})

	_, err := q.Enqueue(queue.EnqueueRequest{ID: "t1", Action: "shell"})
	require.NoError(t, err)

	assert.True(t, s.step())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSucceeded, task.Status)
	assert.NotEmpty(t, gotKey, "dispatch must carry the claim token as idempotency key")

	gw, ok := reg.GetGateway("gw1")
	require.True(t, ok)
	assert.Equal(t, types.GatewayStatusOnline, gw.Status)
}

func TestStepRecordsGatewayFailure(t *testing.T) {
	s, q, reg := newTestScheduler(t)

	srv := fakeGateway(t, func(req *gateway.ActionRequest) map[string]any {
		return map[string]any{
			"status": "ok",
			"result": map[string]any{"stderr": "command not found", "returncode": 127},
		}
	})
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: srv.URL})

	_, err := q.Enqueue(queue.EnqueueRequest{ID: "t1", Action: "shell"})
	require.NoError(t, err)

	assert.True(t, s.step())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "exited with code 127")

	gw, ok := reg.GetGateway("gw1")
	require.True(t, ok)
	assert.Equal(t, types.GatewayStatusDegraded, gw.Status)
}

func TestStepReleasesWhenNoGateway(t *testing.T) {
	s, q, _ := newTestScheduler(t)

	_, err := q.Enqueue(queue.EnqueueRequest{ID: "t1", Action: "shell"})
	require.NoError(t, err)

	assert.False(t, s.step())

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReleased, task.Status)
	assert.Empty(t, task.LockedBy)
}

func TestStepReleasesOnTransportError(t *testing.T) {
	s, q, reg := newTestScheduler(t)

	reg.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://127.0.0.1:1"})

	_, err := q.Enqueue(queue.EnqueueRequest{ID: "t1", Action: "shell"})
	require.NoError(t, err)

	assert.True(t, s.step())

	// The claim goes back to the pool so another pass can retry elsewhere
	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReleased, task.Status)

	gw, ok := reg.GetGateway("gw1")
	require.True(t, ok)
	assert.Equal(t, types.GatewayStatusDegraded, gw.Status)
}

func TestStepHonorsPreferredGateway(t *testing.T) {
	s, q, reg := newTestScheduler(t)

	var hit string
	preferred := fakeGateway(t, func(req *gateway.ActionRequest) map[string]any {
		hit = "preferred"
		return map[string]any{"status": "ok"}
	})
	other := fakeGateway(t, func(req *gateway.ActionRequest) map[string]any {
		hit = "other"
		return map[string]any{"status": "ok"}
	})
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw-other", Host: other.URL})
	reg.RegisterGateway(&types.Gateway{GatewayID: "gw-preferred", Host: preferred.URL})

	_, err := q.Enqueue(queue.EnqueueRequest{ID: "t1", Action: "shell", GatewayID: "gw-preferred"})
	require.NoError(t, err)

	assert.True(t, s.step())
	assert.Equal(t, "preferred", hit)
}

func TestStartStop(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.Start()
	s.Stop()
}
