package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// TaskRepo handles persistence for Task records.
type TaskRepo struct{}

const taskColumns = `task_id, task_type, priority, status, worker_type, max_iterations,
description, tags_json, depends_on_json, estimated_footprint,
blocker_reason, blocker_evidence, attempt_history, advised,
state_version, created_at_unix, terminal_at_unix`

// CreateTx inserts a new task within an existing transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx *sql.Tx, task domain.Task) error {
	const q = `INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		task.ID,
		string(task.Type),
		int(task.Priority),
		string(task.Status),
		task.WorkerType,
		task.MaxIterations,
		task.Description,
		mustJSON(task.Tags),
		mustJSON(task.DependsOn),
		task.EstimatedFootprint,
		task.Blocker.Reason,
		task.Blocker.Evidence,
		task.AttemptHistory,
		boolToInt(task.Advised),
		task.StateVersion,
		task.CreatedAtUnix,
		task.TerminalAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// UpdateStateTx updates a task within a transaction using optimistic locking.
// The update only succeeds if the current state_version matches the expected version.
func (r *TaskRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, task domain.Task) error {
	const q = `UPDATE tasks SET
		status = ?,
		max_iterations = ?,
		blocker_reason = ?,
		blocker_evidence = ?,
		attempt_history = ?,
		advised = ?,
		state_version = state_version + 1,
		terminal_at_unix = ?
	WHERE task_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(task.Status),
		task.MaxIterations,
		task.Blocker.Reason,
		task.Blocker.Evidence,
		task.AttemptHistory,
		boolToInt(task.Advised),
		task.TerminalAtUnix,
		task.ID,
		task.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// UpdateDependsOnTx rewrites a task's dependency list. Used when a split
// supersedes a dependency and its dependents are rewired to the subtasks.
func (r *TaskRepo) UpdateDependsOnTx(ctx context.Context, tx *sql.Tx, taskID string, dependsOn []string) error {
	const q = `UPDATE tasks SET depends_on_json = ? WHERE task_id = ?`
	if _, err := tx.ExecContext(ctx, q, mustJSON(dependsOn), taskID); err != nil {
		return fmt.Errorf("update task dependencies: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepo) GetByID(ctx context.Context, db *sql.DB, taskID string) (*domain.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`

	row := db.QueryRowContext(ctx, q, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListAll returns every task ordered by creation time.
func (r *TaskRepo) ListAll(ctx context.Context, db *sql.DB) ([]domain.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at_unix ASC, task_id ASC`
	return r.list(ctx, db, q)
}

// ListByStatus returns all tasks with the given status, FIFO within priority.
func (r *TaskRepo) ListByStatus(ctx context.Context, db *sql.DB, status domain.TaskStatus) ([]domain.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?
ORDER BY priority ASC, created_at_unix ASC, task_id ASC`
	return r.list(ctx, db, q, string(status))
}

func (r *TaskRepo) list(ctx context.Context, db *sql.DB, q string, args ...any) ([]domain.Task, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var taskType, status, tagsJSON, dependsJSON string
	var priority, advised int
	err := s.Scan(&t.ID, &taskType, &priority, &status, &t.WorkerType, &t.MaxIterations,
		&t.Description, &tagsJSON, &dependsJSON, &t.EstimatedFootprint,
		&t.Blocker.Reason, &t.Blocker.Evidence, &t.AttemptHistory, &advised,
		&t.StateVersion, &t.CreatedAtUnix, &t.TerminalAtUnix)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TaskType(taskType)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.Advised = advised != 0
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsJSON), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	return &t, nil
}

func mustJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
