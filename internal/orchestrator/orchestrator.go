// Package orchestrator wires the task graph, scheduler, review panel and
// merge engine into runs that can be submitted, observed and recovered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aristath/gatekeeper/internal/consensus"
	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/logging"
	"github.com/aristath/gatekeeper/internal/merge"
	"github.com/aristath/gatekeeper/internal/persistence"
	"github.com/aristath/gatekeeper/internal/scheduler"
	"github.com/aristath/gatekeeper/internal/workspace"
)

var (
	// ErrRunActive is returned when recovering a run that is still executing.
	ErrRunActive = errors.New("run is active")
	// ErrRunCompleted is returned when recovering a run that already finished.
	ErrRunCompleted = errors.New("run already completed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// Config configures an Orchestrator.
type Config struct {
	RepoPath         string
	BaseBranch       string // Default "main"
	MaxRetries       int    // Used for tasks that set none
	Scheduler        scheduler.Config
	Workspace        workspace.ManagerConfig // RepoPath and BaseBranch default to the above
	Review           consensus.PanelConfig
	Merge            merge.Config // RepoPath and BaseBranch default to the above
	EscalationBuffer int
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store       persistence.Store
	Worker      scheduler.Worker
	Reviewers   []consensus.Reviewer
	Integration merge.IntegrationRunner // nil accepts every merge
	Escalation  EscalationHandler       // nil logs escalations
	Bus         *events.EventBus        // nil creates a private bus
	Logger      *logging.Logger
}

// Orchestrator runs submitted task graphs. Runs share one workspace manager
// and one merge engine, so the baseline has a single mutator.
type Orchestrator struct {
	config     Config
	store      persistence.Store
	worker     scheduler.Worker
	workspaces *workspace.Manager
	panel      *consensus.Panel
	engine     *merge.Engine
	escalator  *Escalator
	bus        *events.EventBus
	ownBus     bool
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
}

// activeRun is a run executing in this process.
type activeRun struct {
	id     string
	dag    *scheduler.DAG
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Orchestrator and starts its escalation handler.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Worker == nil {
		return nil, errors.New("worker is required")
	}
	if cfg.RepoPath == "" {
		return nil, errors.New("repository path is required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Workspace.RepoPath == "" {
		cfg.Workspace.RepoPath = cfg.RepoPath
	}
	if cfg.Workspace.BaseBranch == "" {
		cfg.Workspace.BaseBranch = cfg.BaseBranch
	}
	if cfg.Merge.RepoPath == "" {
		cfg.Merge.RepoPath = cfg.RepoPath
	}
	if cfg.Merge.BaseBranch == "" {
		cfg.Merge.BaseBranch = cfg.BaseBranch
	}
	if cfg.EscalationBuffer <= 0 {
		cfg.EscalationBuffer = 16
	}

	logger := logging.OrNop(deps.Logger)
	panel, err := consensus.NewPanel(cfg.Review, deps.Reviewers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create review panel: %w", err)
	}

	bus, ownBus := deps.Bus, false
	if bus == nil {
		bus, ownBus = events.NewEventBus(), true
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:     cfg,
		store:      deps.Store,
		worker:     deps.Worker,
		workspaces: workspace.NewManager(cfg.Workspace, logger),
		panel:      panel,
		engine:     merge.NewEngine(cfg.Merge, deps.Integration, deps.Store, logger),
		escalator:  NewEscalator(cfg.EscalationBuffer, deps.Escalation, logger),
		bus:        bus,
		ownBus:     ownBus,
		logger:     logger.WithComponent("orchestrator"),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*activeRun),
	}
	o.escalator.Start(ctx)
	return o, nil
}

// Events returns the bus carrying progress events of every run.
func (o *Orchestrator) Events() *events.EventBus {
	return o.bus
}

// Workspaces returns the shared workspace manager.
func (o *Orchestrator) Workspaces() *workspace.Manager {
	return o.workspaces
}

// Submit validates spec, persists it as a new run and starts executing it
// in the background. Structural errors (*scheduler.CycleError,
// *scheduler.UnknownDependencyError, duplicate IDs) are returned here and
// nothing is persisted.
func (o *Orchestrator) Submit(ctx context.Context, spec *RunSpec) (string, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if err := spec.Validate(); err != nil {
		return "", err
	}
	tasks, err := spec.tasks(o.config.MaxRetries)
	if err != nil {
		return "", err
	}

	dag := scheduler.NewDAG()
	if err := dag.AddTasks(tasks...); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	run := persistence.Run{
		ID:         runID,
		RepoPath:   o.config.RepoPath,
		BaseBranch: o.config.BaseBranch,
		Status:     persistence.RunRunning,
	}
	if err := o.store.CreateRun(ctx, run, dag.Tasks()); err != nil {
		return "", fmt.Errorf("failed to persist run: %w", err)
	}

	if err := o.start(runID, dag); err != nil {
		return "", err
	}
	o.logger.Info("run submitted", "run_id", runID, "tasks", dag.Len())
	return runID, nil
}

// Recover resumes a persisted run that did not complete, e.g. after a crash
// or an interrupt. Tasks that were running are restarted without spending
// an attempt; leftover workspaces from the previous process are removed.
func (o *Orchestrator) Recover(ctx context.Context, runID string) error {
	o.mu.Lock()
	_, active := o.runs[runID]
	o.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == persistence.RunCompleted {
		return fmt.Errorf("%w: %s", ErrRunCompleted, runID)
	}

	stored, err := o.store.ListTasks(ctx, runID)
	if err != nil {
		return err
	}
	dag := scheduler.NewDAG()
	if err := dag.AddTasks(stored...); err != nil {
		return fmt.Errorf("failed to rebuild task graph: %w", err)
	}

	// Persist the statuses the graph normalized on load.
	previous := make(map[string]scheduler.TaskStatus, len(stored))
	for _, t := range stored {
		previous[t.ID] = t.Status
	}
	for _, t := range dag.Tasks() {
		if previous[t.ID] == t.Status {
			continue
		}
		if err := o.store.UpdateTask(ctx, runID, t); err != nil {
			return err
		}
	}

	if n, err := o.workspaces.Prune(ctx, 0); err != nil {
		o.logger.Warn("failed to prune leftover workspaces", "run_id", runID, "error", err)
	} else if n > 0 {
		o.logger.Info("pruned leftover workspaces", "run_id", runID, "count", n)
	}

	if err := o.store.SetRunStatus(ctx, runID, persistence.RunRunning, nil); err != nil {
		return err
	}
	if err := o.start(runID, dag); err != nil {
		return err
	}
	o.logger.Info("run recovered", "run_id", runID, "previous_status", string(run.Status))
	return nil
}

// start registers the run and launches its scheduler.
func (o *Orchestrator) start(runID string, dag *scheduler.DAG) error {
	logger := o.logger.WithRun(runID)
	dag.Observe(func(task *scheduler.Task) {
		// Status changes are persisted even while the run is shutting down.
		if err := o.store.UpdateTask(context.Background(), runID, task); err != nil {
			logger.Error("failed to persist task status", "task_id", task.ID, "status", task.Status.String(), "error", err)
		}
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(o.ctx)
	r := &activeRun{id: runID, dag: dag, cancel: cancel, done: make(chan struct{})}
	o.runs[runID] = r

	o.wg.Add(1)
	go o.execute(ctx, r)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *activeRun) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()

	logger := o.logger.WithRun(r.id)
	cfg := o.config.Scheduler
	cfg.RunID = r.id
	p := &pipeline{o: o, runID: r.id, logger: logger}
	sched := scheduler.New(cfg, o.worker, p, o.workspaces, o.bus, o.logger)

	report, err := sched.Run(ctx, r.dag)

	status, runErr := persistence.RunCompleted, error(nil)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = persistence.RunInterrupted
	default:
		status, runErr = persistence.RunAborted, err
	}
	if serr := o.store.SetRunStatus(context.WithoutCancel(ctx), r.id, status, runErr); serr != nil {
		logger.Error("failed to persist run status", "status", string(status), "error", serr)
	}

	o.mu.Lock()
	delete(o.runs, r.id)
	o.mu.Unlock()

	logger.Info("run ended",
		"status", string(status),
		"merged", len(report.Merged),
		"failed", len(report.Failed),
		"blocked", len(report.Blocked),
		"dropped_events", o.bus.Dropped(),
		"error", err)
}

// Cancel interrupts an active run. In-flight attempts are abandoned without
// spending a retry; the run can be resumed with Recover.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, persistence.ErrNotFound)
	}
	r.cancel()
	return nil
}

// Wait blocks until the run is no longer executing in this process, then
// returns its result.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*RunResult, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Result(ctx, runID)
}

// Close interrupts all active runs and waits for them to stop.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.escalator.Stop()
	if o.ownBus {
		o.bus.Close()
	}
	return nil
}
