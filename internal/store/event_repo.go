package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/anthropics/crucible-engine/internal/domain"
)

// EventRepo handles persistence for TaskEvent records.
type EventRepo struct{}

// Append inserts a task event, assigning the next per-task sequence number.
// The select and insert run in one transaction so sequence numbers stay dense.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, event domain.TaskEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.AppendTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendTx inserts a task event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.TaskEvent) error {
	if event.SeqNo == 0 {
		const next = `SELECT COALESCE(MAX(seq_no), 0) + 1 FROM task_events WHERE task_id = ?`
		if err := tx.QueryRowContext(ctx, next, event.TaskID).Scan(&event.SeqNo); err != nil {
			return fmt.Errorf("next event seq: %w", err)
		}
	}

	const q = `INSERT INTO task_events (task_id, seq_no, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.TaskID,
		event.SeqNo,
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByTask returns events for a task with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *EventRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string, sinceSeq int64) ([]domain.TaskEvent, error) {
	const q = `SELECT id, task_id, seq_no, event_type, payload_json, created_at
FROM task_events
WHERE task_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, taskID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.SeqNo, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
