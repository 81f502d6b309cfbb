package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/storage"
	"github.com/skynetops/control/pkg/types"
)

// Sentinel errors surfaced by queue operations
var (
	// ErrNoTask means no ready task passed the eligibility checks
	ErrNoTask = errors.New("no ready task")

	// ErrNotApplied means a guarded update affected zero rows: the caller
	// lost a race, supplied a stale claim token, or requested an illegal
	// transition
	ErrNotApplied = errors.New("transition not applied")

	// ErrNotFound means the task id does not exist
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateID rejects enqueueing an id that already exists
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrSelfDependency rejects a task that depends on itself
	ErrSelfDependency = errors.New("task cannot depend on itself")

	// ErrUnknownDependency rejects a dependency on a task that does not exist
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycle rejects an enqueue that would make the dependency graph cyclic
	ErrCycle = errors.New("dependency cycle")

	// ErrFileConflict means a required file is owned by another active task
	ErrFileConflict = errors.New("file owned by another task")

	// ErrNotActive means a file claim was attempted for a task that holds
	// no lock
	ErrNotActive = errors.New("task is not active")
)

// claimCandidateLimit bounds how many ready rows a single claim pass scans
const claimCandidateLimit = 200

// Publisher receives committed task events. Implemented by events.Broker.
type Publisher interface {
	PublishTaskEvent(ev *types.TaskEvent)
}

// Queue persists tasks and enforces the state machine. All mutating
// operations run inside one IMMEDIATE transaction; the event row and the
// state transition share a single commit.
type Queue struct {
	db        *sql.DB
	publisher Publisher
	logger    zerolog.Logger
}

// New creates a queue on top of an opened store. publisher may be nil.
func New(store *storage.Store, publisher Publisher) *Queue {
	return &Queue{
		db:        store.DB(),
		publisher: publisher,
		logger:    log.WithComponent("queue"),
	}
}

// EnqueueRequest carries the caller-supplied fields of a new task
type EnqueueRequest struct {
	ID            string
	Action        string
	Params        types.JSONMap
	Priority      int
	Dependencies  []string
	RequiredFiles []string
	GatewayID     string
}

// Enqueue inserts a new queued task, wires the reverse dependency edges, and
// verifies the dependency graph stays acyclic. The whole operation is one
// transaction; any failure leaves the store unchanged.
func (q *Queue) Enqueue(req EnqueueRequest) (*types.Task, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("action is required")
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	for _, dep := range req.Dependencies {
		if dep == id {
			return nil, ErrSelfDependency
		}
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:            id,
		Action:        req.Action,
		Params:        req.Params,
		Status:        types.TaskStatusQueued,
		Priority:      types.ClampPriority(req.Priority),
		Dependencies:  dedupe(req.Dependencies),
		RequiredFiles: dedupe(req.RequiredFiles),
		GatewayID:     req.GatewayID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM control_tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking task id: %w", err)
	}
	if exists > 0 {
		return nil, ErrDuplicateID
	}

	for _, dep := range task.Dependencies {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM control_tasks WHERE id = ?`, dep).Scan(&n); err != nil {
			return nil, fmt.Errorf("checking dependency %s: %w", dep, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO control_tasks
			(id, action, params, status, priority, dependencies, dependents,
			 required_files, gateway_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?)`,
		task.ID, task.Action, marshalMap(task.Params), task.Status, task.Priority,
		marshalList(task.Dependencies), marshalList(task.RequiredFiles),
		task.GatewayID, task.CreatedAt, task.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	// Reverse edges: each dependency learns about its new dependent
	for _, dep := range task.Dependencies {
		depTask, err := getTaskTx(tx, dep)
		if err != nil {
			return nil, err
		}
		depTask.Dependents = append(depTask.Dependents, task.ID)
		if _, err := tx.Exec(`UPDATE control_tasks SET dependents = ?, updated_at = ? WHERE id = ?`,
			marshalList(dedupe(depTask.Dependents)), now, dep); err != nil {
			return nil, fmt.Errorf("updating dependents of %s: %w", dep, err)
		}
	}

	if err := checkAcyclic(tx); err != nil {
		return nil, err
	}

	ev := &types.TaskEvent{
		TaskID:    task.ID,
		EventType: types.EventEnqueued,
		ToStatus:  types.TaskStatusQueued,
		Message:   fmt.Sprintf("enqueued action %s", task.Action),
		CreatedAt: now,
	}
	if err := appendEvent(tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing enqueue: %w", err)
	}

	q.publish(ev)
	q.logger.Info().Str("task_id", task.ID).Str("action", task.Action).Int("priority", task.Priority).Msg("Task enqueued")
	return task, nil
}

// Claim atomically claims the next ready task for workerID. The conditional
// status update and the unique-key ownership inserts are the two atomicity
// primitives; losing either moves on to the next candidate.
func (q *Queue) Claim(workerID string) (*types.Task, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	candidates, err := readyCandidates(tx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var committed []*types.TaskEvent

	for _, cand := range candidates {
		eligible, err := isEligible(tx, cand)
		if err != nil {
			return nil, err
		}
		if !eligible {
			continue
		}

		prevStatus := cand.Status
		token := uuid.New().String()

		res, err := tx.Exec(`
			UPDATE control_tasks
			SET status = ?, locked_by = ?, locked_at = ?, claim_token = ?, updated_at = ?
			WHERE id = ? AND status = ? AND locked_by IS NULL`,
			types.TaskStatusClaimed, workerID, now, token, now,
			cand.ID, prevStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("claiming task %s: %w", cand.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race for this row
			continue
		}

		conflictPath, err := insertOwnership(tx, cand, token, now)
		if err != nil {
			return nil, err
		}
		if conflictPath != "" {
			// Revert: drop rows inserted under this token and put the task
			// back into its previous ready status, guarded on the token.
			if _, err := tx.Exec(`DELETE FROM control_task_file_ownership WHERE claim_token = ?`, token); err != nil {
				return nil, fmt.Errorf("reverting ownership rows: %w", err)
			}
			if _, err := tx.Exec(`
				UPDATE control_tasks
				SET status = ?, locked_by = NULL, locked_at = NULL, claim_token = NULL, updated_at = ?
				WHERE id = ? AND claim_token = ?`,
				prevStatus, now, cand.ID, token,
			); err != nil {
				return nil, fmt.Errorf("reverting claim of %s: %w", cand.ID, err)
			}
			ev := &types.TaskEvent{
				TaskID:     cand.ID,
				EventType:  types.EventClaimConflict,
				FromStatus: prevStatus,
				ToStatus:   prevStatus,
				WorkerID:   workerID,
				Message:    fmt.Sprintf("file %s owned by another task", conflictPath),
				CreatedAt:  now,
			}
			if err := appendEvent(tx, ev); err != nil {
				return nil, err
			}
			committed = append(committed, ev)
			continue
		}

		ev := &types.TaskEvent{
			TaskID:     cand.ID,
			EventType:  types.EventClaimed,
			FromStatus: prevStatus,
			ToStatus:   types.TaskStatusClaimed,
			WorkerID:   workerID,
			ClaimToken: token,
			Message:    fmt.Sprintf("claimed by %s", workerID),
			CreatedAt:  now,
		}
		if err := appendEvent(tx, ev); err != nil {
			return nil, err
		}
		committed = append(committed, ev)

		claimed, err := getTaskTx(tx, cand.ID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing claim: %w", err)
		}

		for _, e := range committed {
			q.publish(e)
		}
		q.logger.Info().Str("task_id", claimed.ID).Str("worker_id", workerID).Msg("Task claimed")
		return claimed, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim scan: %w", err)
	}
	for _, e := range committed {
		q.publish(e)
	}
	return nil, ErrNoTask
}

// Start transitions a claimed task to running. Guarded by the worker id and
// claim token.
func (q *Queue) Start(taskID, workerID, claimToken string) error {
	return q.transition(taskID, workerID, claimToken, transitionSpec{
		from:      []types.TaskStatus{types.TaskStatusClaimed},
		to:        types.TaskStatusRunning,
		eventType: types.EventRunning,
		message:   "started",
		keepLock:  true,
	})
}

// Complete finalizes a task. success requires the task to be running;
// failure is also accepted from claimed. The error string is truncated to
// the event message bound.
func (q *Queue) Complete(taskID, workerID, claimToken string, success bool, result types.JSONMap, errMsg string) error {
	if success {
		return q.transition(taskID, workerID, claimToken, transitionSpec{
			from:      []types.TaskStatus{types.TaskStatusRunning},
			to:        types.TaskStatusSucceeded,
			eventType: types.EventSucceeded,
			message:   "completed",
			result:    result,
			complete:  true,
		})
	}
	return q.transition(taskID, workerID, claimToken, transitionSpec{
		from:      []types.TaskStatus{types.TaskStatusClaimed, types.TaskStatusRunning},
		to:        types.TaskStatusFailed,
		eventType: types.EventFailed,
		message:   types.TruncateMessage(errMsg),
		errMsg:    types.TruncateMessage(errMsg),
		complete:  true,
	})
}

// Release drops a claim. backToPending returns the task to the ready pool;
// otherwise it fails terminally with the supplied reason.
func (q *Queue) Release(taskID, workerID, claimToken, reason string, backToPending bool) error {
	if backToPending {
		return q.transition(taskID, workerID, claimToken, transitionSpec{
			from:      []types.TaskStatus{types.TaskStatusClaimed, types.TaskStatusRunning},
			to:        types.TaskStatusReleased,
			eventType: types.EventReleased,
			message:   types.TruncateMessage(reason),
		})
	}
	return q.transition(taskID, workerID, claimToken, transitionSpec{
		from:      []types.TaskStatus{types.TaskStatusClaimed, types.TaskStatusRunning},
		to:        types.TaskStatusFailed,
		eventType: types.EventFailed,
		message:   types.TruncateMessage(reason),
		errMsg:    types.TruncateMessage(reason),
		complete:  true,
	})
}

// FailTimeout moves a stale task to failed_timeout. Used by the reaper.
func (q *Queue) FailTimeout(taskID, workerID, claimToken, reason string) error {
	return q.transition(taskID, workerID, claimToken, transitionSpec{
		from:      []types.TaskStatus{types.TaskStatusClaimed, types.TaskStatusRunning},
		to:        types.TaskStatusFailedTimeout,
		eventType: types.EventFailedTimeout,
		message:   types.TruncateMessage(reason),
		errMsg:    types.TruncateMessage(reason),
		complete:  true,
	})
}

type transitionSpec struct {
	from      []types.TaskStatus
	to        types.TaskStatus
	eventType types.TaskEventType
	message   string
	result    types.JSONMap
	errMsg    string
	complete  bool
	keepLock  bool
}

// transition applies one guarded state change. The row update, the ownership
// cleanup, and the event append share one transaction; a zero-affected-rows
// update means the guard failed and surfaces as ErrNotApplied.
func (q *Queue) transition(taskID, workerID, claimToken string, spec transitionSpec) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(tx, taskID)
	if err != nil {
		return err
	}

	fromOK := false
	for _, s := range spec.from {
		if task.Status == s {
			fromOK = true
			break
		}
	}
	if !fromOK || task.LockedBy != workerID || task.ClaimToken != claimToken {
		return ErrNotApplied
	}
	fromStatus := task.Status

	now := time.Now().UTC()
	var res sql.Result
	if spec.keepLock {
		res, err = tx.Exec(`
			UPDATE control_tasks SET status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND locked_by = ? AND claim_token = ?`,
			spec.to, now, taskID, fromStatus, workerID, claimToken)
	} else {
		var completedAt any
		if spec.complete {
			completedAt = now
		}
		res, err = tx.Exec(`
			UPDATE control_tasks
			SET status = ?, locked_by = NULL, locked_at = NULL, claim_token = NULL,
			    result = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND locked_by = ? AND claim_token = ?`,
			spec.to, marshalMapNullable(spec.result), spec.errMsg, completedAt, now,
			taskID, fromStatus, workerID, claimToken)
	}
	if err != nil {
		return fmt.Errorf("updating task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotApplied
	}

	if !spec.keepLock {
		if _, err := tx.Exec(`DELETE FROM control_task_file_ownership WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("clearing ownership of %s: %w", taskID, err)
		}
	}

	ev := &types.TaskEvent{
		TaskID:     taskID,
		EventType:  spec.eventType,
		FromStatus: fromStatus,
		ToStatus:   spec.to,
		WorkerID:   workerID,
		ClaimToken: claimToken,
		Message:    spec.message,
		CreatedAt:  now,
	}
	if err := appendEvent(tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}

	q.publish(ev)
	q.logger.Info().Str("task_id", taskID).
		Str("from", string(fromStatus)).Str("to", string(spec.to)).
		Msg("Task transitioned")
	return nil
}

// ClaimFile grants an active task exclusive ownership of an additional path.
// Claiming a path the task already owns is a no-op. Returns the owning task
// id with ErrFileConflict when another task holds the path.
func (q *Queue) ClaimFile(taskID, claimToken, filePath string) (string, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(tx, taskID)
	if err != nil {
		return "", err
	}
	if !task.Status.IsActive() || task.ClaimToken != claimToken {
		return "", ErrNotActive
	}

	var owner string
	err = tx.QueryRow(`SELECT task_id FROM control_task_file_ownership WHERE file_path = ?`, filePath).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC()
		if _, err := tx.Exec(`
			INSERT INTO control_task_file_ownership (file_path, task_id, claim_token, claimed_at)
			VALUES (?, ?, ?, ?)`, filePath, taskID, claimToken, now); err != nil {
			return "", fmt.Errorf("claiming file %s: %w", filePath, err)
		}
		ev := &types.TaskEvent{
			TaskID:     taskID,
			EventType:  types.EventFileClaimed,
			FromStatus: task.Status,
			ToStatus:   task.Status,
			WorkerID:   task.LockedBy,
			ClaimToken: claimToken,
			Message:    fmt.Sprintf("claimed file %s", filePath),
			CreatedAt:  now,
		}
		if err := appendEvent(tx, ev); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("committing file claim: %w", err)
		}
		q.publish(ev)
		return taskID, nil
	case err != nil:
		return "", fmt.Errorf("checking file owner: %w", err)
	case owner == taskID:
		return taskID, nil
	default:
		return owner, ErrFileConflict
	}
}

// StaleTasks returns every active task whose lock is older than ttl.
// Read-only; the reaper decides what to do with each.
func (q *Queue) StaleTasks(ttl time.Duration) ([]*types.Task, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := q.db.Query(selectTaskColumns+`
		FROM control_tasks
		WHERE status IN (?, ?) AND locked_at IS NOT NULL AND locked_at < ?
		ORDER BY locked_at ASC`,
		types.TaskStatusClaimed, types.TaskStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scanning stale locks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MirrorWorker upserts a worker row. Best effort: callers log failures and
// move on, the authoritative lock is the task row.
func (q *Queue) MirrorWorker(w *types.Worker) error {
	_, err := q.db.Exec(`
		INSERT INTO workers (worker_id, gateway_id, capabilities, status, capacity, metadata, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			gateway_id = excluded.gateway_id,
			capabilities = excluded.capabilities,
			status = excluded.status,
			capacity = excluded.capacity,
			metadata = excluded.metadata,
			last_heartbeat = excluded.last_heartbeat`,
		w.WorkerID, w.GatewayID, marshalList(w.Capabilities), w.Status,
		marshalMap(w.Capacity), marshalMap(w.Metadata), w.RegisteredAt, w.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("mirroring worker %s: %w", w.WorkerID, err)
	}
	return nil
}

func (q *Queue) publish(ev *types.TaskEvent) {
	if q.publisher != nil {
		q.publisher.PublishTaskEvent(ev)
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
