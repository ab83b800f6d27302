package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/logging"
	"github.com/aristath/gatekeeper/internal/workspace"
)

// Config configures the scheduler.
type Config struct {
	RunID          string        // Attached to progress events
	MaxConcurrency int           // Hard cap on running tasks (default 4)
	WorkerTimeout  time.Duration // Wall-clock limit per worker; 0 disables
	PollInterval   time.Duration // Wake-up interval while waiting (default 250ms)
	PreserveFailed bool          // Keep workspaces of exhausted tasks on disk
}

// Report is the per-task summary of a run.
type Report struct {
	Merged  []string          // Succeeded
	Failed  []string          // Failed after exhausting retries
	Blocked []string          // Never ran because a dependency failed
	Errors  map[string]string // Last failure cause per failed or blocked task
}

// Scheduler drains a DAG: it dispatches ready tasks to workers inside fresh
// workspaces, never exceeding MaxConcurrency running tasks, and advances the
// graph as attempts complete.
type Scheduler struct {
	config     Config
	executor   *Executor
	workspaces Workspaces
	locks      *ResourceLockManager
	bus        *events.EventBus
	logger     *logging.Logger
}

// New creates a new Scheduler. bus may be nil.
func New(cfg Config, worker Worker, pipeline Pipeline, workspaces Workspaces, bus *events.EventBus, logger *logging.Logger) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	logger = logging.OrNop(logger).WithComponent("scheduler")
	if cfg.RunID != "" {
		logger = logger.WithRun(cfg.RunID)
	}

	return &Scheduler{
		config:     cfg,
		executor:   NewExecutor(worker, pipeline, workspaces, cfg.WorkerTimeout, logger),
		workspaces: workspaces,
		locks:      NewResourceLockManager(),
		bus:        bus,
		logger:     logger,
	}
}

// run holds the coordinator state of one Run call. Only the coordinating
// goroutine touches it.
type run struct {
	dag     *DAG
	sem     *semaphore.Weighted
	running map[string]*Task
	done    chan completion
}

// Run drains dag to completion. Task failures are reported in the Report;
// an error is returned only when ctx is cancelled or the pipeline reports a
// fatal error, in which case in-flight attempts are cancelled and awaited
// before returning.
func (s *Scheduler) Run(ctx context.Context, dag *DAG) (*Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		dag:     dag,
		sem:     semaphore.NewWeighted(int64(s.config.MaxConcurrency)),
		running: make(map[string]*Task),
		done:    make(chan completion, s.config.MaxConcurrency),
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("run started", "tasks", dag.Len(), "max_concurrency", s.config.MaxConcurrency)
	s.publishProgress(dag)

	for !dag.Done() {
		if err := ctx.Err(); err != nil {
			cancel()
			s.drain(r)
			return buildReport(dag), err
		}

		s.dispatch(runCtx, r)

		if len(r.running) == 0 && len(dag.ReadyTasks()) == 0 && !dag.Done() {
			// Every non-terminal task waits on something that will never finish.
			return buildReport(dag), fmt.Errorf("scheduler stalled with %d unfinished tasks", dag.Len()-dag.Progress().Finished())
		}

		select {
		case c := <-r.done:
			if err := s.complete(runCtx, r, c); err != nil {
				cancel()
				s.drain(r)
				return buildReport(dag), err
			}
		case <-ticker.C:
		case <-ctx.Done():
			cancel()
			s.drain(r)
			return buildReport(dag), ctx.Err()
		}
	}

	report := buildReport(dag)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.logger.Info("run finished",
		"merged", len(report.Merged),
		"failed", len(report.Failed),
		"blocked", len(report.Blocked))
	return report, nil
}

// dispatch starts as many ready tasks as free slots, resource locks and
// workspace capacity allow, lowest complexity first.
func (s *Scheduler) dispatch(ctx context.Context, r *run) {
	ready := r.dag.ReadyTasks()
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Complexity != ready[j].Complexity {
			return ready[i].Complexity < ready[j].Complexity
		}
		return ready[i].seq < ready[j].seq
	})

	for _, task := range ready {
		if !r.sem.TryAcquire(1) {
			return
		}
		if !s.locks.TryLockAll(task.Resources) {
			r.sem.Release(1)
			s.logger.Debug("resources busy, deferring", "task_id", task.ID, "resources", task.Resources)
			continue
		}

		ws, err := s.workspaces.Create(ctx, task.ID)
		if err != nil {
			s.locks.UnlockAll(task.Resources)
			r.sem.Release(1)

			var exhausted *workspace.ResourceExhaustedError
			if errors.As(err, &exhausted) {
				s.logger.Debug("workspace limit reached, deferring", "task_id", task.ID, "outstanding", exhausted.Outstanding)
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.failWithoutWorkspace(r, task, fmt.Errorf("failed to create workspace: %w", err))
			continue
		}

		if _, err := r.dag.Mark(task.ID, TaskRunning, nil); err != nil {
			s.logger.Error("failed to mark task running", "task_id", task.ID, "error", err)
			s.locks.UnlockAll(task.Resources)
			r.sem.Release(1)
			_ = s.workspaces.Reclaim(ctx, ws.ID)
			continue
		}
		r.running[task.ID] = task

		s.logger.Info("task dispatched",
			"task_id", task.ID,
			"workspace_id", ws.ID,
			"complexity", task.Complexity.String(),
			"attempt", task.Attempts+1)
		s.publish(events.TopicTask, events.TaskDispatchedEvent{
			ID:          task.ID,
			Name:        task.Name,
			WorkspaceID: ws.ID,
			Attempt:     task.Attempts + 1,
			Timestamp:   time.Now(),
		})

		go func(t *Task, ws *workspace.Workspace) {
			r.done <- s.executor.Execute(ctx, t, ws)
		}(task, ws)
	}
}

// failWithoutWorkspace records a failed attempt for a task that could not be
// started at all.
func (s *Scheduler) failWithoutWorkspace(r *run, task *Task, cause error) {
	if _, err := r.dag.Mark(task.ID, TaskRunning, nil); err != nil {
		return
	}
	status, _ := r.dag.Mark(task.ID, TaskFailed, cause)
	s.logger.Warn("task failed before dispatch", "task_id", task.ID, "error", cause, "status", status.String())
	s.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        task.ID,
		Err:       cause,
		Attempt:   task.Attempts + 1,
		Requeued:  status == TaskReady,
		Timestamp: time.Now(),
	})
	s.publishProgress(r.dag)
}

// complete applies a finished attempt to the graph and releases everything
// the attempt held. It returns the attempt's fatal error, if any.
func (s *Scheduler) complete(ctx context.Context, r *run, c completion) error {
	task := r.running[c.taskID]
	delete(r.running, c.taskID)
	s.locks.UnlockAll(task.Resources)
	r.sem.Release(1)

	if c.fatal != nil {
		s.logger.Error("fatal error, aborting run", "task_id", c.taskID, "error", c.fatal)
		s.release(ctx, c.workspace, true)
		return c.fatal
	}

	if c.status != TaskSucceeded && ctx.Err() != nil {
		// Interrupted, not failed: leave the task Running so a recovered run
		// retries it without spending an attempt.
		s.release(ctx, c.workspace, false)
		return nil
	}

	status, err := r.dag.Mark(c.taskID, c.status, c.cause)
	if err != nil {
		s.release(ctx, c.workspace, false)
		return fmt.Errorf("failed to record outcome of task %q: %w", c.taskID, err)
	}

	if c.status == TaskSucceeded {
		s.logger.Info("task succeeded", "task_id", c.taskID, "duration", c.duration.String(), "detail", c.detail)
		s.publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        c.taskID,
			Detail:    c.detail,
			Duration:  c.duration,
			Timestamp: time.Now(),
		})
		s.release(ctx, c.workspace, false)
	} else {
		exhausted := status != TaskReady
		s.logger.Warn("task attempt failed",
			"task_id", c.taskID,
			"status", c.status.String(),
			"attempt", task.Attempts+1,
			"requeued", !exhausted,
			"error", c.cause)
		s.publish(events.TopicTask, events.TaskFailedEvent{
			ID:         c.taskID,
			Err:        c.cause,
			RolledBack: c.status == TaskRolledBack,
			Attempt:    task.Attempts + 1,
			Requeued:   !exhausted,
			Duration:   c.duration,
			Timestamp:  time.Now(),
		})
		s.release(ctx, c.workspace, exhausted && s.config.PreserveFailed)
	}

	s.publishProgress(r.dag)
	return nil
}

// drain waits for every in-flight attempt after the run context was
// cancelled and discards their workspaces.
func (s *Scheduler) drain(r *run) {
	for len(r.running) > 0 {
		c := <-r.done
		task := r.running[c.taskID]
		delete(r.running, c.taskID)
		s.locks.UnlockAll(task.Resources)
		r.sem.Release(1)
		s.release(context.Background(), c.workspace, false)
	}
}

// release marks the workspace terminal and either keeps it for inspection
// or reclaims it.
func (s *Scheduler) release(ctx context.Context, ws *workspace.Workspace, preserve bool) {
	if ws == nil {
		return
	}
	if err := s.workspaces.MarkTerminal(ws.ID, preserve); err != nil {
		s.logger.Warn("failed to mark workspace terminal", "workspace_id", ws.ID, "error", err)
	}
	if preserve {
		s.logger.Info("workspace preserved", "workspace_id", ws.ID, "path", ws.Path)
		return
	}
	// Cleanup must run even when the run context is already cancelled.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := s.workspaces.Reclaim(ctx, ws.ID); err != nil {
		s.logger.Warn("failed to reclaim workspace", "workspace_id", ws.ID, "error", err)
	}
}

func (s *Scheduler) publish(topic string, event events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

func (s *Scheduler) publishProgress(dag *DAG) {
	p := dag.Progress()
	s.publish(events.TopicDAG, events.DAGProgressEvent{
		RunID:     s.config.RunID,
		Total:     p.Total,
		Succeeded: p.Succeeded,
		Running:   p.Running,
		Failed:    p.Failed,
		Blocked:   p.Blocked,
		Pending:   p.Pending + p.Ready,
		Timestamp: time.Now(),
	})
}

// buildReport classifies every terminal task, in insertion order.
func buildReport(dag *DAG) *Report {
	report := &Report{Errors: make(map[string]string)}
	for _, task := range dag.Tasks() {
		switch {
		case task.Status == TaskSucceeded:
			report.Merged = append(report.Merged, task.ID)
		case task.Status == TaskBlocked:
			report.Blocked = append(report.Blocked, task.ID)
		case task.Terminal():
			report.Failed = append(report.Failed, task.ID)
		default:
			continue
		}
		if task.Error != nil {
			report.Errors[task.ID] = task.Error.Error()
		}
	}
	return report
}
