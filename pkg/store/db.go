// Package store opens the shared sqlite-backed database used by
// WorkflowRepo and TemplateStore. Generalized from the teacher's flat-file
// atomic-JSON persistence (pkg/report/atomic.go) into a relational store,
// because WorkflowRepo's set_master needs a real transaction.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	screen_width  INTEGER NOT NULL,
	screen_height INTEGER NOT NULL,
	is_master     INTEGER NOT NULL DEFAULT 0,
	mode_name     TEXT,
	month_year    TEXT,
	created_at    TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id   INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	order_index   INTEGER NOT NULL,
	step_json     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow ON workflow_steps(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflows_mode_month ON workflows(mode_name, month_year);

CREATE TABLE IF NOT EXISTS templates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	file_path  TEXT NOT NULL,
	width      INTEGER NOT NULL,
	height     INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema. WAL mode is enabled so concurrent readers never
// block on a writer, matching the "readers may proceed concurrently"
// requirement from spec §5.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}
