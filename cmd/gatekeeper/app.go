package main

import (
	"context"
	"fmt"
	"io"

	"github.com/aristath/gatekeeper/internal/backend"
	"github.com/aristath/gatekeeper/internal/budget"
	"github.com/aristath/gatekeeper/internal/config"
	"github.com/aristath/gatekeeper/internal/consensus"
	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/logging"
	"github.com/aristath/gatekeeper/internal/merge"
	"github.com/aristath/gatekeeper/internal/orchestrator"
	"github.com/aristath/gatekeeper/internal/persistence"
	"github.com/aristath/gatekeeper/internal/scheduler"
	"github.com/aristath/gatekeeper/internal/workspace"
)

// app holds the long-lived resources of one command invocation.
type app struct {
	opts   *options
	cfg    *config.Config
	logger *logging.Logger
	store  *persistence.SQLiteStore
	procs  *backend.ProcessManager
}

func openApp(ctx context.Context, opts *options) (*app, error) {
	logger, err := logging.NewLogger(opts.cfg.Log.Dir, opts.cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewSQLiteStore(ctx, opts.cfg.DBPath)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return &app{
		opts:   opts,
		cfg:    opts.cfg,
		logger: logger,
		store:  store,
		procs:  backend.NewProcessManager(),
	}, nil
}

// Close kills any subprocess still running, then releases the store and log.
func (a *app) Close() {
	if err := a.procs.KillAll(); err != nil {
		a.logger.Warn("failed to kill subprocesses", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close run store", "error", err)
	}
	a.logger.Close()
}

// orchestrator builds an Orchestrator from the configuration. Escalations
// are logged and, when notify is non-nil, written to it.
func (a *app) orchestrator(bus *events.EventBus, notify io.Writer) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	if len(cfg.Worker.Command) == 0 {
		return nil, fmt.Errorf("worker.command is not configured")
	}
	if len(cfg.Review.Reviewers) == 0 {
		return nil, fmt.Errorf("review.reviewers is empty")
	}

	workerEnv, err := config.EnvMap(cfg.Worker.Env)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	worker, err := backend.NewCommandWorker(backend.WorkerConfig{Command: cfg.Worker.Command, Env: workerEnv}, a.procs, bus)
	if err != nil {
		return nil, err
	}

	reviewerCfgs := make([]backend.ReviewerConfig, 0, len(cfg.Review.Reviewers))
	for _, rc := range cfg.Review.Reviewers {
		env, err := config.EnvMap(rc.Env)
		if err != nil {
			return nil, fmt.Errorf("reviewer %s: %w", rc.ID, err)
		}
		reviewerCfgs = append(reviewerCfgs, backend.ReviewerConfig{
			ID:      rc.ID,
			Domain:  rc.Domain,
			Command: rc.Command,
			Env:     env,
			Timeout: rc.Timeout,
		})
	}
	reviewers, err := backend.NewReviewers(reviewerCfgs, a.procs)
	if err != nil {
		return nil, err
	}

	var integration merge.IntegrationRunner
	if len(cfg.Merge.IntegrationCommand) > 0 {
		integration = &merge.CommandIntegrationRunner{
			Command: cfg.Merge.IntegrationCommand,
			Timeout: cfg.Merge.IntegrationTimeout,
		}
	}

	logger := a.logger
	escalate := func(ctx context.Context, e orchestrator.Escalation) error {
		logger.Error("critical review escalated",
			"run_id", e.RunID,
			"task_id", e.TaskID,
			"attempt", e.Attempt,
			"score", e.Score,
			"finding", e.Dominant,
			"reviewers", e.Reviewers)
		if notify != nil {
			fmt.Fprintf(notify, "ESCALATION task %s (attempt %d): critical score %.2f at %s\n", e.TaskID, e.Attempt, e.Score, e.Dominant)
			for _, line := range e.Summary {
				fmt.Fprintf(notify, "  - %s\n", line)
			}
		}
		return nil
	}

	return orchestrator.New(orchestrator.Config{
		RepoPath:   a.opts.repo,
		BaseBranch: cfg.Merge.BaseBranch,
		MaxRetries: cfg.Scheduler.MaxRetries,
		Scheduler: scheduler.Config{
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			WorkerTimeout:  cfg.Scheduler.WorkerTimeout,
			PollInterval:   cfg.Scheduler.PollInterval,
			PreserveFailed: cfg.Workspace.PreserveFailed,
		},
		Workspace: a.workspaceConfig(),
		Review: consensus.PanelConfig{
			Budget: cfg.Review.Budget,
			Overhead: budget.Overhead{
				Instructions:     cfg.Review.Instructions,
				ResponseHeadroom: cfg.Review.ResponseHeadroom,
			},
			Timeout:      cfg.Review.Timeout,
			HighStakes:   cfg.Review.HighStakes,
			MPRThreshold: cfg.Review.MPRThreshold,
		},
		Merge: merge.Config{
			LockRetryDelay: cfg.Merge.LockRetryDelay,
		},
		EscalationBuffer: cfg.Review.EscalationBuffer,
	}, orchestrator.Deps{
		Store:       a.store,
		Worker:      worker,
		Reviewers:   reviewers,
		Integration: integration,
		Escalation:  escalate,
		Bus:         bus,
		Logger:      a.logger,
	})
}

func (a *app) workspaceConfig() workspace.ManagerConfig {
	return workspace.ManagerConfig{
		RepoPath:       a.opts.repo,
		BaseBranch:     a.cfg.Merge.BaseBranch,
		WorkspaceDir:   a.cfg.Workspace.Dir,
		BranchPrefix:   a.cfg.Workspace.BranchPrefix,
		MaxOutstanding: a.cfg.Workspace.MaxOutstanding,
	}
}
