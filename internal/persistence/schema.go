package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repo_path TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		complexity TEXT NOT NULL,
		payload TEXT,
		resources TEXT,
		max_retries INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		exhausted INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id, depends_on_id),
		FOREIGN KEY (run_id, task_id) REFERENCES tasks(run_id, id) ON DELETE CASCADE,
		FOREIGN KEY (run_id, depends_on_id) REFERENCES tasks(run_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task ON task_dependencies(run_id, task_id);

	CREATE TABLE IF NOT EXISTS consensus_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		score REAL NOT NULL,
		tier TEXT NOT NULL,
		mean_relevance REAL NOT NULL,
		max_relevance REAL NOT NULL,
		k_max INTEGER NOT NULL,
		mpr INTEGER NOT NULL,
		findings INTEGER NOT NULL,
		rejected TEXT,
		unavailable TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (run_id, task_id) REFERENCES tasks(run_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_consensus_scores_task ON consensus_scores(run_id, task_id, id);

	CREATE TABLE IF NOT EXISTS merge_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		checkpoint TEXT NOT NULL,
		tier TEXT NOT NULL,
		score REAL NOT NULL,
		outcome TEXT NOT NULL,
		revision TEXT NOT NULL,
		conflict_files TEXT,
		detail TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_merge_audit_task ON merge_audit(task_id, id);

	CREATE TRIGGER IF NOT EXISTS merge_audit_no_update
	BEFORE UPDATE ON merge_audit
	BEGIN
		SELECT RAISE(ABORT, 'merge_audit is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS merge_audit_no_delete
	BEFORE DELETE ON merge_audit
	BEGIN
		SELECT RAISE(ABORT, 'merge_audit is append-only');
	END;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
