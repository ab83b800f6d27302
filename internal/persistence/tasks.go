package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/gatekeeper/internal/scheduler"
)

func insertTask(ctx context.Context, tx *sql.Tx, runID string, position int, task *scheduler.Task, now string) error {
	payload, resources, err := encodeTaskFields(task)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (run_id, id, position, name, complexity, payload, resources, max_retries,
			status, attempts, exhausted, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, task.ID, position, task.Name, task.Complexity.String(), payload, resources, task.MaxRetries,
		task.Status.String(), task.Attempts, task.Exhausted, errorString(task.Error), now)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTask saves a task's mutable state: status, attempts, exhaustion and
// last error. The task definition and its dependencies are fixed at
// CreateRun.
func (s *SQLiteStore) UpdateTask(ctx context.Context, runID string, task *scheduler.Task) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempts = ?, exhausted = ?, error = ?, updated_at = ?
		WHERE run_id = ? AND id = ?
	`, task.Status.String(), task.Attempts, task.Exhausted, errorString(task.Error), timestamp(time.Now()), runID, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s in run %s: %w", task.ID, runID, ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, runID, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, complexity, payload, resources, max_retries, status, attempts, exhausted, error
		FROM tasks WHERE run_id = ? AND id = ?
	`, runID, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s in run %s: %w", taskID, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	deps, err := s.loadDependencies(ctx, runID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[task.ID]
	return task, nil
}

// ListTasks returns a run's tasks in submission order.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, complexity, payload, resources, max_retries, status, attempts, exhausted, error
		FROM tasks WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	// Dependencies are loaded once the task rows are released.
	deps, err := s.loadDependencies(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		task.DependsOn = deps[task.ID]
	}
	return tasks, nil
}

// loadDependencies returns every dependency list of a run keyed by task ID.
func (s *SQLiteStore) loadDependencies(ctx context.Context, runID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		WHERE run_id = ? ORDER BY task_id, position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	return deps, rows.Err()
}

func scanTask(row scanner) (*scheduler.Task, error) {
	var (
		task               scheduler.Task
		complexity, status string
		payload, resources sql.NullString
		taskErr            sql.NullString
	)
	err := row.Scan(&task.ID, &task.Name, &complexity, &payload, &resources, &task.MaxRetries,
		&status, &task.Attempts, &task.Exhausted, &taskErr)
	if err != nil {
		return nil, err
	}

	if task.Complexity, err = scheduler.ParseComplexity(complexity); err != nil {
		return nil, err
	}
	if task.Status, err = scheduler.ParseTaskStatus(status); err != nil {
		return nil, err
	}
	if payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("task %s payload: %w", task.ID, err)
		}
	}
	if resources.String != "" {
		if err := json.Unmarshal([]byte(resources.String), &task.Resources); err != nil {
			return nil, fmt.Errorf("task %s resources: %w", task.ID, err)
		}
	}
	if taskErr.String != "" {
		task.Error = errors.New(taskErr.String)
	}
	return &task, nil
}

func encodeTaskFields(task *scheduler.Task) (payload, resources string, err error) {
	if len(task.Payload) > 0 {
		b, err := json.Marshal(task.Payload)
		if err != nil {
			return "", "", fmt.Errorf("task %s payload: %w", task.ID, err)
		}
		payload = string(b)
	}
	if len(task.Resources) > 0 {
		b, err := json.Marshal(task.Resources)
		if err != nil {
			return "", "", fmt.Errorf("task %s resources: %w", task.ID, err)
		}
		resources = string(b)
	}
	return payload, resources, nil
}
