package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/gatekeeper/internal/logging"
	"github.com/aristath/gatekeeper/internal/workspace"
)

// WorkResult is what a worker produced for one task attempt.
type WorkResult struct {
	WorkspaceID string
	Head        string // Commit holding the worker's changes
	Diff        string // Unified diff against the workspace base revision
	Success     bool
	Summary     string
}

// Worker performs a task inside its workspace. It must only write inside
// ws.Path and must return once ctx is done.
type Worker interface {
	Run(ctx context.Context, task *Task, ws *workspace.Workspace) (WorkResult, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, task *Task, ws *workspace.Workspace) (WorkResult, error)

// Run calls f.
func (f WorkerFunc) Run(ctx context.Context, task *Task, ws *workspace.Workspace) (WorkResult, error) {
	return f(ctx, task, ws)
}

// Outcome is the pipeline's verdict on a successful work result.
type Outcome struct {
	Status TaskStatus // TaskSucceeded, TaskFailed or TaskRolledBack
	Detail string
}

// Pipeline consumes a work result after the worker finished: review, then
// merge. A returned error is fatal and aborts the whole run; task-level
// failures are reported through Outcome.
type Pipeline interface {
	Process(ctx context.Context, task *Task, ws *workspace.Workspace, result WorkResult) (Outcome, error)
}

// Workspaces is the subset of the workspace manager the scheduler uses.
type Workspaces interface {
	Create(ctx context.Context, taskID string) (*workspace.Workspace, error)
	Capture(ctx context.Context, ws *workspace.Workspace) (*workspace.Capture, error)
	MarkTerminal(id string, preserve bool) error
	Reclaim(ctx context.Context, id string) error
}

// completion is posted by an execution when its task attempt is over.
type completion struct {
	taskID    string
	workspace *workspace.Workspace
	status    TaskStatus
	cause     error
	detail    string
	fatal     error
	duration  time.Duration
}

// Executor runs one task attempt: worker under a hard timeout, capture of
// the workspace, then the pipeline.
type Executor struct {
	worker     Worker
	pipeline   Pipeline
	workspaces Workspaces
	timeout    time.Duration
	logger     *logging.Logger
}

// NewExecutor creates a new Executor. A zero timeout disables the limit.
func NewExecutor(worker Worker, pipeline Pipeline, workspaces Workspaces, timeout time.Duration, logger *logging.Logger) *Executor {
	return &Executor{
		worker:     worker,
		pipeline:   pipeline,
		workspaces: workspaces,
		timeout:    timeout,
		logger:     logging.OrNop(logger),
	}
}

type workerReply struct {
	result WorkResult
	err    error
}

// Execute runs one attempt of task in ws and reports how it ended. It never
// waits on a worker past its timeout: the worker goroutine is abandoned and
// its workspace is left for the caller to discard.
func (e *Executor) Execute(ctx context.Context, task *Task, ws *workspace.Workspace) completion {
	start := time.Now()
	c := e.execute(ctx, task, ws)
	c.taskID = task.ID
	c.workspace = ws
	c.duration = time.Since(start)
	return c
}

func (e *Executor) execute(ctx context.Context, task *Task, ws *workspace.Workspace) completion {
	logger := e.logger.WithTask(task.ID)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	replies := make(chan workerReply, 1)
	go func() {
		result, err := e.worker.Run(workerCtx, task, ws)
		replies <- workerReply{result: result, err: err}
	}()

	var reply workerReply
	select {
	case reply = <-replies:
	case <-timeout:
		logger.Warn("worker timed out", "timeout", e.timeout.String(), "workspace_id", ws.ID)
		return failed(TaskFailed, fmt.Errorf("%w after %s", ErrWorkerTimeout, e.timeout))
	case <-ctx.Done():
		return failed(TaskFailed, ctx.Err())
	}

	if reply.err != nil {
		return failed(TaskFailed, fmt.Errorf("worker failed: %w", reply.err))
	}
	if !reply.result.Success {
		msg := reply.result.Summary
		if msg == "" {
			msg = "worker reported failure"
		}
		return failed(TaskFailed, errors.New(msg))
	}

	capture, err := e.workspaces.Capture(ctx, ws)
	if err != nil {
		return failed(TaskFailed, fmt.Errorf("failed to capture workspace: %w", err))
	}
	result := reply.result
	result.WorkspaceID = ws.ID
	result.Head = capture.Head
	result.Diff = capture.Diff

	outcome, err := e.pipeline.Process(ctx, task, ws, result)
	if err != nil {
		return completion{status: TaskFailed, cause: err, fatal: err}
	}

	switch outcome.Status {
	case TaskSucceeded, TaskFailed, TaskRolledBack:
	default:
		logger.Warn("pipeline returned unexpected status", "status", outcome.Status.String())
		outcome.Status = TaskFailed
	}

	c := completion{status: outcome.Status, detail: outcome.Detail}
	if outcome.Status != TaskSucceeded {
		detail := outcome.Detail
		if detail == "" {
			detail = outcome.Status.String()
		}
		c.cause = errors.New(detail)
	}
	return c
}

func failed(status TaskStatus, cause error) completion {
	return completion{status: status, cause: cause, detail: cause.Error()}
}
