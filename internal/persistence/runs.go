package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/gatekeeper/internal/scheduler"
)

// CreateRun saves a new run together with its task graph.
func (s *SQLiteStore) CreateRun(ctx context.Context, run Run, tasks []*scheduler.Task) error {
	if run.Status == "" {
		run.Status = RunRunning
	}
	now := timestamp(time.Now())

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, repo_path, base_branch, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.RepoPath, run.BaseBranch, string(run.Status), run.Error, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	// Tasks first so every dependency row can reference its target.
	for i, task := range tasks {
		if err := insertTask(ctx, tx, run.ID, i, task, now); err != nil {
			return err
		}
	}
	for _, task := range tasks {
		for i, depID := range task.DependsOn {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (run_id, task_id, depends_on_id, position)
				VALUES (?, ?, ?, ?)
			`, run.ID, task.ID, depID, i)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_path, base_branch, status, error, created_at, updated_at
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_path, base_branch, status, error, created_at, updated_at
		FROM runs ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// SetRunStatus updates a run's status. runErr may be nil.
func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID string, status RunStatus, runErr error) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), errorString(runErr), timestamp(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                  Run
		status               string
		runErr               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&run.ID, &run.RepoPath, &run.BaseBranch, &status, &runErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Error = runErr.String
	run.CreatedAt = parseTimestamp(createdAt)
	run.UpdatedAt = parseTimestamp(updatedAt)
	return &run, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
