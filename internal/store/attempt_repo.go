package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// maxAttemptsPerTask bounds the rolling attempt log kept per task.
const maxAttemptsPerTask = 20

// AttemptRepo handles persistence for the rolling per-task attempt log.
type AttemptRepo struct{}

// Append inserts an attempt record and prunes rows beyond the rolling window.
func (r *AttemptRepo) Append(ctx context.Context, db *sql.DB, a domain.Attempt) error {
	const q = `INSERT INTO attempts (task_id, attempt_no, context, output, verdict, reasons_json, created_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		a.TaskID,
		a.Number,
		a.Context,
		a.Output,
		string(a.Verdict),
		mustJSON(a.Reasons),
		a.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}

	const prune = `DELETE FROM attempts WHERE task_id = ? AND id NOT IN (
		SELECT id FROM attempts WHERE task_id = ? ORDER BY id DESC LIMIT ?)`
	if _, err := db.ExecContext(ctx, prune, a.TaskID, a.TaskID, maxAttemptsPerTask); err != nil {
		return fmt.Errorf("prune attempts: %w", err)
	}
	return nil
}

// ListByTask returns the retained attempts for a task, oldest first.
func (r *AttemptRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string) ([]domain.Attempt, error) {
	const q = `SELECT id, task_id, attempt_no, context, output, verdict, reasons_json, created_at_unix
FROM attempts WHERE task_id = ? ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var verdict, reasonsJSON string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Number, &a.Context, &a.Output, &verdict, &reasonsJSON, &a.CreatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Verdict = domain.VerdictKind(verdict)
		if err := json.Unmarshal([]byte(reasonsJSON), &a.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
