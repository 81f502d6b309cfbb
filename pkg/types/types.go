package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued        TaskStatus = "queued"
	TaskStatusClaimed       TaskStatus = "claimed"
	TaskStatusRunning       TaskStatus = "running"
	TaskStatusSucceeded     TaskStatus = "succeeded"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusReleased      TaskStatus = "released"
	TaskStatusFailedTimeout TaskStatus = "failed_timeout"
)

// CanonicalStatus maps legacy status aliases onto the canonical names.
// Older callers still send "pending" and "completed".
func CanonicalStatus(s string) TaskStatus {
	switch s {
	case "pending":
		return TaskStatusQueued
	case "completed":
		return TaskStatusSucceeded
	default:
		return TaskStatus(s)
	}
}

// IsReady reports whether a task in this status is eligible for claiming
func (s TaskStatus) IsReady() bool {
	return s == TaskStatusQueued || s == TaskStatusReleased
}

// IsActive reports whether a task in this status holds a lock
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusClaimed || s == TaskStatusRunning
}

// IsTerminal reports whether this status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusFailedTimeout
}

// Valid reports whether s is one of the canonical task statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusClaimed, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusReleased,
		TaskStatusFailedTimeout:
		return true
	}
	return false
}

// Priority bounds. The column is a plain int; values outside this range are
// clamped on enqueue.
const (
	PriorityMin = -1000000
	PriorityMax = 1000000
)

// ClampPriority clamps p into [PriorityMin, PriorityMax]
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// JSONMap is an opaque JSON object (task params, results, metadata)
type JSONMap map[string]any

// Task is the unit of work tracked by the control plane
type Task struct {
	ID            string     `json:"id"`
	Action        string     `json:"action"`
	Params        JSONMap    `json:"params,omitempty"`
	Status        TaskStatus `json:"status"`
	Priority      int        `json:"priority"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Dependents    []string   `json:"dependents,omitempty"`
	RequiredFiles []string   `json:"required_files,omitempty"`
	GatewayID     string     `json:"gateway_id,omitempty"`
	LockedBy      string     `json:"locked_by,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	ClaimToken    string     `json:"claim_token,omitempty"`
	Result        JSONMap    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// GatewayStatus represents the reported health of a gateway
type GatewayStatus string

const (
	GatewayStatusOnline   GatewayStatus = "online"
	GatewayStatusHealthy  GatewayStatus = "healthy"
	GatewayStatusDegraded GatewayStatus = "degraded"
	GatewayStatusOffline  GatewayStatus = "offline"
)

// Selectable reports whether a gateway in this status may receive dispatches
func (s GatewayStatus) Selectable() bool {
	return s == GatewayStatusOnline || s == GatewayStatusHealthy
}

// Gateway is a remote execution endpoint
type Gateway struct {
	GatewayID     string        `json:"gateway_id"`
	Host          string        `json:"host"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Status        GatewayStatus `json:"status"`
	Metadata      JSONMap       `json:"metadata,omitempty"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// Worker is a participant that may claim tasks
type Worker struct {
	WorkerID      string    `json:"worker_id"`
	GatewayID     string    `json:"gateway_id,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Status        string    `json:"status"`
	Capacity      JSONMap   `json:"capacity,omitempty"`
	Metadata      JSONMap   `json:"metadata,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ControlWorkerPrefix marks worker ids belonging to control-plane loops.
// The reaper treats these workers as always healthy.
const ControlWorkerPrefix = "skynet-control-"

// WorkerHealthy reports whether a worker status string counts as alive for
// the stale-lock decision table
func WorkerHealthy(status string) bool {
	switch status {
	case "online", "healthy", "running", "busy":
		return true
	}
	return false
}

// TaskEventType identifies a task lifecycle event
type TaskEventType string

const (
	EventEnqueued      TaskEventType = "enqueued"
	EventClaimed       TaskEventType = "claimed"
	EventClaimConflict TaskEventType = "claim_conflict"
	EventRunning       TaskEventType = "running"
	EventSucceeded     TaskEventType = "succeeded"
	EventFailed        TaskEventType = "failed"
	EventReleased      TaskEventType = "released"
	EventFailedTimeout TaskEventType = "failed_timeout"
	EventFileClaimed   TaskEventType = "file_claimed"
)

// MaxEventMessage bounds the message column on task events and the error
// column on tasks.
const MaxEventMessage = 2000

// TruncateMessage bounds s to MaxEventMessage bytes
func TruncateMessage(s string) string {
	if len(s) <= MaxEventMessage {
		return s
	}
	return s[:MaxEventMessage]
}

// TaskEvent is one append-only row in the task event log
type TaskEvent struct {
	ID         int64         `json:"id"`
	TaskID     string        `json:"task_id"`
	EventType  TaskEventType `json:"event_type"`
	FromStatus TaskStatus    `json:"from_status,omitempty"`
	ToStatus   TaskStatus    `json:"to_status,omitempty"`
	WorkerID   string        `json:"worker_id,omitempty"`
	ClaimToken string        `json:"claim_token,omitempty"`
	Message    string        `json:"message,omitempty"`
	Payload    JSONMap       `json:"payload,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// FileOwnership is one row in the file-ownership registry. FilePath is the
// primary key; inserting a row is the exclusivity primitive.
type FileOwnership struct {
	FilePath   string    `json:"file_path"`
	TaskID     string    `json:"task_id"`
	ClaimToken string    `json:"claim_token"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// Assignment joins an active task with the worker holding its lock
type Assignment struct {
	AgentID    string     `json:"agent_id"`
	TaskID     string     `json:"task_id"`
	Action     string     `json:"action"`
	Status     TaskStatus `json:"status"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	GatewayID  string     `json:"gateway_id,omitempty"`
	ClaimToken string     `json:"claim_token"`
}
