package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/skynetops/control/pkg/types"
)

// assignmentLimit bounds the active-assignment join
const assignmentLimit = 500

// Peek returns the first task that would be eligible to claim, without
// locking anything. Advisory: a racing claim may take the task first.
func (q *Queue) Peek() (*types.Task, error) {
	candidates, err := readyCandidates(q.db)
	if err != nil {
		return nil, err
	}
	for _, cand := range candidates {
		eligible, err := isEligible(q.db, cand)
		if err != nil {
			return nil, err
		}
		if eligible {
			return cand, nil
		}
	}
	return nil, ErrNoTask
}

// Get loads a single task by id
func (q *Queue) Get(id string) (*types.Task, error) {
	return getTaskTx(q.db, id)
}

// List returns tasks, optionally filtered by status. Status aliases are
// canonicalized before filtering.
func (q *Queue) List(status string, limit int) ([]*types.Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	if status == "" {
		rows, err := q.db.Query(selectTaskColumns+`
			FROM control_tasks ORDER BY created_at DESC LIMIT ?`, limit)
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		defer rows.Close()
		return scanTasks(rows)
	}

	canonical := types.CanonicalStatus(status)
	if !canonical.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	rows, err := q.db.Query(selectTaskColumns+`
		FROM control_tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		canonical, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Events returns task events, optionally filtered by task id and a lower
// timestamp bound, ordered ascending by id
func (q *Queue) Events(taskID string, since time.Time, limit int) ([]*types.TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, task_id, event_type, from_status, to_status, worker_id,
		       claim_token, message, payload, created_at
		FROM control_task_events WHERE 1=1`
	var args []any
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if !since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*types.TaskEvent
	for rows.Next() {
		var (
			ev      types.TaskEvent
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &ev.FromStatus,
			&ev.ToStatus, &ev.WorkerID, &ev.ClaimToken, &ev.Message,
			&payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = unmarshalMap(payload.String)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// CountByStatus returns task counts grouped by status, used by the metrics
// collector
func (q *Queue) CountByStatus() (map[types.TaskStatus]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM control_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var (
			status types.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Ownership returns a snapshot of the file-ownership table ordered by path
func (q *Queue) Ownership() ([]*types.FileOwnership, error) {
	rows, err := q.db.Query(`
		SELECT file_path, task_id, claim_token, claimed_at
		FROM control_task_file_ownership ORDER BY file_path ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing ownership: %w", err)
	}
	defer rows.Close()

	var out []*types.FileOwnership
	for rows.Next() {
		var o types.FileOwnership
		if err := rows.Scan(&o.FilePath, &o.TaskID, &o.ClaimToken, &o.ClaimedAt); err != nil {
			return nil, err
		}
		o.ClaimedAt = o.ClaimedAt.UTC()
		out = append(out, &o)
	}
	return out, rows.Err()
}

// Assignments joins active tasks with the workers holding their locks
func (q *Queue) Assignments() ([]*types.Assignment, error) {
	rows, err := q.db.Query(selectTaskColumns+`
		FROM control_tasks
		WHERE status IN (?, ?)
		ORDER BY locked_at ASC
		LIMIT ?`,
		types.TaskStatusClaimed, types.TaskStatusRunning, assignmentLimit)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Assignment, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, &types.Assignment{
			AgentID:    t.LockedBy,
			TaskID:     t.ID,
			Action:     t.Action,
			Status:     t.Status,
			LockedAt:   t.LockedAt,
			GatewayID:  t.GatewayID,
			ClaimToken: t.ClaimToken,
		})
	}
	return out, nil
}
