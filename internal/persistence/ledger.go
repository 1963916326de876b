package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Commit is one atomic, described history unit: the reconciled change set of
// a single task. Revisions are assigned by the ledger and grow monotonically.
type Commit struct {
	Revision  int64
	TaskID    string
	Message   string
	Paths     []string
	CreatedAt time.Time
}

// Run records one orchestrator run over the plan.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Completed  int
	Failed     int
	Blocked    int
	Split      int
	Outcome    string
}

// Ledger is the SQLite-backed commit history. Beyond the append-only commit
// log it serves the per-path revision index that reconciliation uses to
// detect stale workspace bases.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at dbPath.
// Enables WAL mode, a busy timeout, and foreign keys.
func OpenLedger(ctx context.Context, dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return initLedger(ctx, db)
}

// OpenMemoryLedger opens an in-memory ledger for tests. The shared cache
// lets multiple connections see the same database.
func OpenMemoryLedger(ctx context.Context) (*Ledger, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory ledger: %w", err)
	}
	return initLedger(ctx, db)
}

func initLedger(ctx context.Context, db *sql.DB) (*Ledger, error) {
	// modernc.org/sqlite ignores _foreign_keys in the connection string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// One connection for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	l := &Ledger{db: db}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Head returns the latest revision, 0 for an empty ledger.
func (l *Ledger) Head(ctx context.Context) (int64, error) {
	var head int64
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) FROM commits`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("reading ledger head: %w", err)
	}
	return head, nil
}

// Append records one commit and returns its revision.
func (l *Ledger) Append(ctx context.Context, taskID, message string, paths []string) (int64, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits (task_id, message)
		VALUES (?, ?)
	`, taskID, message)
	if err != nil {
		return 0, fmt.Errorf("inserting commit: %w", err)
	}
	revision, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading commit revision: %w", err)
	}

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commit_paths (revision, path)
			VALUES (?, ?)
		`, revision, p); err != nil {
			return 0, fmt.Errorf("inserting commit path %q: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing ledger append: %w", err)
	}
	return revision, nil
}

// StalePaths returns, in canonical order, the subset of paths that some
// commit newer than since has touched. A non-empty result means a workspace
// based at since can no longer reconcile those paths.
func (l *Ledger) StalePaths(ctx context.Context, paths []string, since int64) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, 0, len(paths)+1)
	for _, p := range paths {
		args = append(args, p)
	}
	args = append(args, since)

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT path
		FROM commit_paths
		WHERE path IN (%s) AND revision > ?
		ORDER BY path
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("querying stale paths: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning stale path: %w", err)
		}
		stale = append(stale, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale paths: %w", err)
	}
	return stale, nil
}

// HasCommitFor reports whether taskID has already published a commit. On
// reload this settles tasks caught between publish and snapshot persist.
func (l *Ledger) HasCommitFor(ctx context.Context, taskID string) (bool, error) {
	var exists int
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM commits WHERE task_id = ?)
	`, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking commit for task %s: %w", taskID, err)
	}
	return exists == 1, nil
}

// History returns every commit in revision order, paths included.
func (l *Ledger) History(ctx context.Context) ([]Commit, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT revision, task_id, message, created_at
		FROM commits
		ORDER BY revision
	`)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.Revision, &c.TaskID, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning commit: %w", err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}

	for i := range commits {
		paths, err := l.commitPaths(ctx, commits[i].Revision)
		if err != nil {
			return nil, err
		}
		commits[i].Paths = paths
	}
	return commits, nil
}

func (l *Ledger) commitPaths(ctx context.Context, revision int64) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT path FROM commit_paths WHERE revision = ? ORDER BY path
	`, revision)
	if err != nil {
		return nil, fmt.Errorf("querying paths for revision %d: %w", revision, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning commit path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commit paths: %w", err)
	}
	return paths, nil
}

// BeginRun records the start of a run.
func (l *Ledger) BeginRun(ctx context.Context, runID string) error {
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id) VALUES (?)
	`, runID); err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun records a run's final partition and outcome.
func (l *Ledger) FinishRun(ctx context.Context, runID string, completed, failed, blocked, split int, outcome string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = CURRENT_TIMESTAMP,
			completed = ?, failed = ?, blocked = ?, split = ?, outcome = ?
		WHERE id = ?
	`, completed, failed, blocked, split, outcome, runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking run update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// Runs returns all recorded runs, oldest first.
func (l *Ledger) Runs(ctx context.Context) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, completed, failed, blocked, split, outcome
		FROM runs
		ORDER BY started_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var outcome sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Completed, &r.Failed, &r.Blocked, &r.Split, &outcome); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		if outcome.Valid {
			r.Outcome = outcome.String
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// CommitMessage builds the deterministic commit message for a task. Only the
// first line of the description is used.
func CommitMessage(taskID, description string) string {
	line := description
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return taskID
	}
	return fmt.Sprintf("%s: %s", taskID, line)
}
