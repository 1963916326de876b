package persistence

import (
	"context"
)

// initSchema creates the ledger tables if they don't exist.
func (l *Ledger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS commits (
		revision INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_commits_task_id ON commits(task_id);

	CREATE TABLE IF NOT EXISTS commit_paths (
		revision INTEGER NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY (revision, path),
		FOREIGN KEY (revision) REFERENCES commits(revision) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_commit_paths_path ON commit_paths(path, revision);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		split INTEGER NOT NULL DEFAULT 0,
		outcome TEXT
	);
	`

	_, err := l.db.ExecContext(ctx, schema)
	return err
}
