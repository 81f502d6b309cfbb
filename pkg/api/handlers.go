package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/registry"
	"github.com/skynetops/control/pkg/types"
)

type registerGatewayRequest struct {
	GatewayID    string        `json:"gateway_id"`
	Host         string        `json:"host"`
	Capabilities []string      `json:"capabilities"`
	Status       string        `json:"status"`
	Metadata     types.JSONMap `json:"metadata"`
}

// handleRegisterGateway registers or refreshes a gateway and live-probes its
// host. A failed probe downgrades the gateway to offline; a probe without a
// connected agent downgrades it to degraded.
func (s *Server) handleRegisterGateway(w http.ResponseWriter, r *http.Request) {
	var req registerGatewayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.GatewayID == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "gateway_id and host are required")
		return
	}

	gw := s.registry.RegisterGateway(&types.Gateway{
		GatewayID:    req.GatewayID,
		Host:         req.Host,
		Capabilities: req.Capabilities,
		Status:       types.GatewayStatus(req.Status),
		Metadata:     req.Metadata,
	})

	status, err := s.client.Status(r.Context(), req.Host)
	switch {
	case err != nil:
		s.registry.SetGatewayStatus(req.GatewayID, types.GatewayStatusOffline)
		gw.Status = types.GatewayStatusOffline
	case !status.AgentConnected:
		s.registry.SetGatewayStatus(req.GatewayID, types.GatewayStatusDegraded)
		gw.Status = types.GatewayStatusDegraded
	}

	writeJSON(w, http.StatusOK, gw)
}

type registerWorkerRequest struct {
	WorkerID     string        `json:"worker_id"`
	GatewayID    string        `json:"gateway_id"`
	Capabilities []string      `json:"capabilities"`
	Status       string        `json:"status"`
	Capacity     types.JSONMap `json:"capacity"`
	Metadata     types.JSONMap `json:"metadata"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	worker := s.registry.RegisterWorker(&types.Worker{
		WorkerID:     req.WorkerID,
		GatewayID:    req.GatewayID,
		Capabilities: req.Capabilities,
		Status:       req.Status,
		Capacity:     req.Capacity,
		Metadata:     req.Metadata,
	})

	// Best-effort mirror; the registry stays authoritative for liveness
	if err := s.queue.MirrorWorker(worker); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", worker.WorkerID).Msg("Worker mirror failed")
	}

	writeJSON(w, http.StatusOK, worker)
}

type routeTaskRequest struct {
	Action    string        `json:"action"`
	Params    types.JSONMap `json:"params"`
	GatewayID string        `json:"gateway_id"`
	TaskID    string        `json:"task_id"`
	Confirmed bool          `json:"confirmed"`
}

// handleRouteTask performs a one-shot route: pick a gateway and forward a
// single action without involving the queue
func (s *Server) handleRouteTask(w http.ResponseWriter, r *http.Request) {
	var req routeTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	gw, err := s.registry.SelectGateway(req.GatewayID)
	if errors.Is(err, registry.ErrNoGateway) {
		writeError(w, http.StatusServiceUnavailable, "no healthy gateway available")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	resp, err := s.client.Action(r.Context(), gw.Host, &gateway.ActionRequest{
		Action:         req.Action,
		Params:         req.Params,
		Confirmed:      req.Confirmed,
		TaskID:         taskID,
		IdempotencyKey: taskID,
	})
	if err != nil {
		s.registry.SetGatewayStatus(gw.GatewayID, types.GatewayStatusDegraded)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":      taskID,
		"gateway_id":   gw.GatewayID,
		"gateway_host": gw.Host,
		"status":       resp.Status,
		"result":       resp.Raw,
	})
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request) {
	gateways := s.registry.ListGateways()
	workers := s.registry.ListWorkers()

	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_count": len(gateways),
		"worker_count":  len(workers),
		"gateways":      gateways,
		"workers":       workers,
		"generated_at":  time.Now().UTC(),
	})
}

type enqueueRequest struct {
	ID            string        `json:"id"`
	Action        string        `json:"action"`
	Params        types.JSONMap `json:"params"`
	Priority      int           `json:"priority"`
	Dependencies  []string      `json:"dependencies"`
	RequiredFiles []string      `json:"required_files"`
	GatewayID     string        `json:"gateway_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := s.queue.Enqueue(queue.EnqueueRequest{
		ID:            req.ID,
		Action:        req.Action,
		Params:        req.Params,
		Priority:      req.Priority,
		Dependencies:  req.Dependencies,
		RequiredFiles: req.RequiredFiles,
		GatewayID:     req.GatewayID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
}

// handleClaim is the explicit pull path for operators and tests
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	task, err := s.queue.Claim(req.WorkerID)
	if errors.Is(err, queue.ErrNoTask) {
		writeJSON(w, http.StatusOK, map[string]any{"claimed": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": true, "task": task})
}

// handleNextTask is the advisory readiness preview
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")

	task, err := s.queue.Peek()
	if errors.Is(err, queue.ErrNoTask) {
		writeJSON(w, http.StatusOK, map[string]any{"eligible": false, "agent_id": agentID})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligible": true, "agent_id": agentID, "task": task})
}

type transitionRequest struct {
	WorkerID   string `json:"worker_id"`
	ClaimToken string `json:"claim_token"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.queue.Start(r.PathValue("id"), req.WorkerID, req.ClaimToken)
	s.writeTransitionResult(w, err)
}

type completeRequest struct {
	WorkerID   string        `json:"worker_id"`
	ClaimToken string        `json:"claim_token"`
	Success    bool          `json:"success"`
	Result     types.JSONMap `json:"result"`
	Error      string        `json:"error"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.queue.Complete(r.PathValue("id"), req.WorkerID, req.ClaimToken, req.Success, req.Result, req.Error)
	s.writeTransitionResult(w, err)
}

type releaseRequest struct {
	WorkerID      string `json:"worker_id"`
	ClaimToken    string `json:"claim_token"`
	Reason        string `json:"reason"`
	BackToPending bool   `json:"back_to_pending"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.queue.Release(r.PathValue("id"), req.WorkerID, req.ClaimToken, req.Reason, req.BackToPending)
	s.writeTransitionResult(w, err)
}

// writeTransitionResult maps queue transition outcomes onto the wire:
// guard failures are {ok:false} with a 400, not internal errors
func (s *Server) writeTransitionResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "task not found"})
	case errors.Is(err, queue.ErrNotApplied):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "transition not applied"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 100)

	tasks, err := s.queue.List(status, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleOwnership(w http.ResponseWriter, r *http.Request) {
	ownership, err := s.queue.Ownership()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ownership == nil {
		ownership = []*types.FileOwnership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ownership": ownership})
}

type claimFileRequest struct {
	TaskID     string `json:"task_id"`
	ClaimToken string `json:"claim_token"`
	FilePath   string `json:"file_path"`
}

func (s *Server) handleClaimFile(w http.ResponseWriter, r *http.Request) {
	var req claimFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == "" || req.ClaimToken == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "task_id, claim_token and file_path are required")
		return
	}

	owner, err := s.queue.ClaimFile(req.TaskID, req.ClaimToken, req.FilePath)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "owner_task_id": owner})
	case errors.Is(err, queue.ErrFileConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "owner_task_id": owner})
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "task not found"})
	case errors.Is(err, queue.ErrNotActive):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "task is not active or token mismatch"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.queue.Assignments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []*types.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	limit := queryInt(r, "limit", 100)

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	events, err := s.queue.Events(taskID, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*types.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
