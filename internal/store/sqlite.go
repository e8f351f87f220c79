// Package store provides SQLite-backed persistence for the Crucible Engine.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id             TEXT PRIMARY KEY,
	task_type           TEXT NOT NULL DEFAULT 'feature',
	priority            INTEGER NOT NULL DEFAULT 2,
	status              TEXT NOT NULL DEFAULT 'pending',
	worker_type         TEXT NOT NULL DEFAULT '',
	max_iterations      INTEGER NOT NULL DEFAULT 5,
	description         TEXT NOT NULL DEFAULT '',
	tags_json           TEXT NOT NULL DEFAULT '[]',
	depends_on_json     TEXT NOT NULL DEFAULT '[]',
	estimated_footprint INTEGER NOT NULL DEFAULT 0,
	blocker_reason      TEXT NOT NULL DEFAULT '',
	blocker_evidence    TEXT NOT NULL DEFAULT '',
	attempt_history     TEXT NOT NULL DEFAULT '',
	advised             INTEGER NOT NULL DEFAULT 0,
	state_version       INTEGER NOT NULL DEFAULT 1,
	created_at_unix     INTEGER NOT NULL DEFAULT 0,
	terminal_at_unix    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority, created_at_unix);

CREATE TABLE IF NOT EXISTS attempts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id         TEXT NOT NULL,
	attempt_no      INTEGER NOT NULL,
	context         TEXT NOT NULL DEFAULT '',
	output          TEXT NOT NULL DEFAULT '',
	verdict         TEXT NOT NULL DEFAULT '',
	reasons_json    TEXT NOT NULL DEFAULT '[]',
	created_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, attempt_no);

CREATE TABLE IF NOT EXISTS knowledge_artifacts (
	artifact_id         TEXT PRIMARY KEY,
	tags_json           TEXT NOT NULL DEFAULT '[]',
	problem             TEXT NOT NULL DEFAULT '',
	solution            TEXT NOT NULL DEFAULT '',
	context             TEXT NOT NULL DEFAULT '',
	consultations       INTEGER NOT NULL DEFAULT 0,
	successes           INTEGER NOT NULL DEFAULT 0,
	impact_score        REAL NOT NULL DEFAULT 0.0,
	last_consulted_unix INTEGER NOT NULL DEFAULT 0,
	state               TEXT NOT NULL DEFAULT 'draft',
	created_at_unix     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_artifacts_state ON knowledge_artifacts(state);

CREATE TABLE IF NOT EXISTS task_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id      TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(task_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_task_seq ON task_events(task_id, seq_no);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
