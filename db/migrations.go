package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	worktree_path TEXT NOT NULL,
	branch TEXT NOT NULL,
	initial_prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK(status IN ('initializing','running','waiting','completed','error','stopped')),
	completed_unviewed INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS panels (
	panel_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	panel_type TEXT NOT NULL,
	title TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	state_json TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS panels_active_per_session
ON panels(session_id)
WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS conversation_messages (
	message_id INTEGER PRIMARY KEY AUTOINCREMENT,
	panel_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(panel_id) REFERENCES panels(panel_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS conversation_messages_panel
ON conversation_messages(panel_id, message_id);

CREATE TABLE IF NOT EXISTS panel_outputs (
	output_id INTEGER PRIMARY KEY AUTOINCREMENT,
	panel_id TEXT NOT NULL,
	stream TEXT NOT NULL CHECK(stream IN ('stdout','stderr','json')),
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(panel_id) REFERENCES panels(panel_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS panel_outputs_panel
ON panel_outputs(panel_id, output_id);

CREATE INDEX IF NOT EXISTS sessions_project_updated_at
ON sessions(project_id, updated_at DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS panel_outputs;
DROP TABLE IF EXISTS conversation_messages;
DROP INDEX IF EXISTS panels_active_per_session;
DROP TABLE IF EXISTS panels;
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN favorite INTEGER NOT NULL DEFAULT 0;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 3,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN agent TEXT NOT NULL DEFAULT 'claude';
ALTER TABLE sessions ADD COLUMN base_branch TEXT NOT NULL DEFAULT '';
ALTER TABLE sessions ADD COLUMN exit_code INTEGER;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
