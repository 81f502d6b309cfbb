package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skynetops/control/pkg/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the eligibility helpers
// can serve the claim transaction and the lock-free peek path
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const selectTaskColumns = `
	SELECT id, action, params, status, priority, dependencies, dependents,
	       required_files, gateway_id, locked_by, locked_at, claim_token,
	       result, error, created_at, updated_at, completed_at`

// getTaskTx loads one task row
func getTaskTx(qr querier, id string) (*types.Task, error) {
	row := qr.QueryRow(selectTaskColumns+` FROM control_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                            types.Task
		params, deps, dependents     string
		files                        string
		lockedBy, claimToken, result sql.NullString
		lockedAt, completedAt        sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Action, &params, &t.Status, &t.Priority,
		&deps, &dependents, &files, &t.GatewayID,
		&lockedBy, &lockedAt, &claimToken, &result, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Params = unmarshalMap(params)
	t.Dependencies = unmarshalList(deps)
	t.Dependents = unmarshalList(dependents)
	t.RequiredFiles = unmarshalList(files)
	t.LockedBy = lockedBy.String
	t.ClaimToken = claimToken.String
	if lockedAt.Valid {
		at := lockedAt.Time.UTC()
		t.LockedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		t.CompletedAt = &at
	}
	if result.Valid {
		t.Result = unmarshalMap(result.String)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// readyCandidates selects ready, unlocked rows in claim order
func readyCandidates(qr querier) ([]*types.Task, error) {
	rows, err := qr.Query(selectTaskColumns+`
		FROM control_tasks
		WHERE status IN (?, ?) AND locked_by IS NULL
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		types.TaskStatusQueued, types.TaskStatusReleased, claimCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// isEligible checks the candidate's dependencies and required files under the
// caller's snapshot. Eligibility rules are shared between claim and peek.
func isEligible(qr querier, cand *types.Task) (bool, error) {
	for _, dep := range cand.Dependencies {
		var status types.TaskStatus
		err := qr.QueryRow(`SELECT status FROM control_tasks WHERE id = ?`, dep).Scan(&status)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checking dependency %s: %w", dep, err)
		}
		if status != types.TaskStatusSucceeded {
			return false, nil
		}
	}

	for _, path := range cand.RequiredFiles {
		var owner string
		err := qr.QueryRow(`SELECT task_id FROM control_task_file_ownership WHERE file_path = ?`, path).Scan(&owner)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("checking file %s: %w", path, err)
		}
		if owner != cand.ID {
			return false, nil
		}
	}

	return true, nil
}

// insertOwnership claims every required file for a freshly claimed task.
// Returns the conflicting path when some other active task owns one of them.
func insertOwnership(tx *sql.Tx, cand *types.Task, token string, now time.Time) (string, error) {
	for _, path := range cand.RequiredFiles {
		var owner string
		err := tx.QueryRow(`SELECT task_id FROM control_task_file_ownership WHERE file_path = ?`, path).Scan(&owner)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(`
				INSERT INTO control_task_file_ownership (file_path, task_id, claim_token, claimed_at)
				VALUES (?, ?, ?, ?)`, path, cand.ID, token, now); err != nil {
				return "", fmt.Errorf("inserting ownership of %s: %w", path, err)
			}
		case err != nil:
			return "", fmt.Errorf("checking ownership of %s: %w", path, err)
		case owner != cand.ID:
			return path, nil
		}
	}
	return "", nil
}

// appendEvent inserts one task-event row inside the caller's transaction and
// backfills the generated id
func appendEvent(tx *sql.Tx, ev *types.TaskEvent) error {
	res, err := tx.Exec(`
		INSERT INTO control_task_events
			(task_id, event_type, from_status, to_status, worker_id, claim_token, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.EventType, ev.FromStatus, ev.ToStatus,
		ev.WorkerID, ev.ClaimToken, types.TruncateMessage(ev.Message),
		marshalMapNullable(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// checkAcyclic walks the whole dependency graph under the enqueue snapshot.
// Depth-first with the usual three colors; any back edge is a cycle.
func checkAcyclic(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, dependencies FROM control_tasks`)
	if err != nil {
		return fmt.Errorf("loading dependency graph: %w", err)
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var id, deps string
		if err := rows.Scan(&id, &deps); err != nil {
			return err
		}
		adj[id] = unmarshalList(deps)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adj))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				return false
			case white:
				if !visit(dep) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}

	for id := range adj {
		if color[id] == white {
			if !visit(id) {
				return ErrCycle
			}
		}
	}
	return nil
}

func marshalMap(m types.JSONMap) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// marshalMapNullable keeps absent objects as NULL instead of "{}"
func marshalMapNullable(m types.JSONMap) any {
	if m == nil {
		return nil
	}
	return marshalMap(m)
}

func unmarshalMap(s string) types.JSONMap {
	if s == "" {
		return nil
	}
	var m types.JSONMap
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func marshalList(l []string) string {
	if l == nil {
		l = []string{}
	}
	data, err := json.Marshal(l)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var l []string
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return nil
	}
	if len(l) == 0 {
		return nil
	}
	return l
}
