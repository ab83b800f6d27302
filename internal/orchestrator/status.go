package orchestrator

import (
	"context"

	"github.com/aristath/gatekeeper/internal/merge"
	"github.com/aristath/gatekeeper/internal/persistence"
	"github.com/aristath/gatekeeper/internal/scheduler"
)

// TaskState is the persisted state of one task.
type TaskState struct {
	ID         string
	Name       string
	Complexity scheduler.Complexity
	DependsOn  []string
	Status     scheduler.TaskStatus
	Attempts   int
	Exhausted  bool
	Error      string
}

// StatusReport is a snapshot of a run.
type StatusReport struct {
	RunID    string
	State    persistence.RunStatus
	Active   bool // Executing in this process
	Tasks    []TaskState
	Progress scheduler.Progress
}

// RunResult classifies every task of a run. While the run is in progress
// only the tasks that already reached a terminal state are classified.
type RunResult struct {
	RunID   string
	State   persistence.RunStatus
	Merged  []string
	Failed  []string          // Failed after exhausting retries
	Blocked []string          // Never ran because a dependency failed
	Errors  map[string]string // Last failure cause per failed or blocked task
	Scores  []persistence.Score
	Audit   []merge.AuditEntry
	Err     string // Fatal error that aborted the run
}

// Status returns the per-task status and progress counts of a run.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*StatusReport, error) {
	report, err := LoadStatus(ctx, o.store, runID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	_, report.Active = o.runs[runID]
	o.mu.Unlock()
	return report, nil
}

// Result returns the outcome of a run: merged, failed and blocked task IDs,
// every consensus score, the merge audit trail and the fatal error if any.
func (o *Orchestrator) Result(ctx context.Context, runID string) (*RunResult, error) {
	return LoadResult(ctx, o.store, runID)
}

// LoadStatus reads the status of a run from store. Active is always false.
func LoadStatus(ctx context.Context, store persistence.Store, runID string) (*StatusReport, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		RunID:    runID,
		State:    run.Status,
		Progress: scheduler.ProgressOf(tasks),
	}
	for _, t := range tasks {
		state := TaskState{
			ID:         t.ID,
			Name:       t.Name,
			Complexity: t.Complexity,
			DependsOn:  t.DependsOn,
			Status:     t.Status,
			Attempts:   t.Attempts,
			Exhausted:  t.Exhausted,
		}
		if t.Error != nil {
			state.Error = t.Error.Error()
		}
		report.Tasks = append(report.Tasks, state)
	}
	return report, nil
}

// LoadResult reads the result of a run from store.
func LoadResult(ctx context.Context, store persistence.Store, runID string) (*RunResult, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	scores, err := store.ListScores(ctx, runID)
	if err != nil {
		return nil, err
	}
	audit, err := store.ListAudit(ctx, persistence.AuditFilter{RunID: runID})
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		RunID:  runID,
		State:  run.Status,
		Errors: make(map[string]string),
		Scores: scores,
		Audit:  audit,
		Err:    run.Error,
	}
	for _, t := range tasks {
		switch {
		case t.Status == scheduler.TaskSucceeded:
			result.Merged = append(result.Merged, t.ID)
		case t.Status == scheduler.TaskBlocked:
			result.Blocked = append(result.Blocked, t.ID)
		case t.Terminal():
			result.Failed = append(result.Failed, t.ID)
		default:
			continue
		}
		if t.Error != nil {
			result.Errors[t.ID] = t.Error.Error()
		}
	}
	return result, nil
}
