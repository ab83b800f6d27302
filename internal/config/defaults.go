package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in configuration. It has no worker or
// reviewers; those must come from a config file.
func DefaultConfig() *Config {
	return &Config{
		DBPath: filepath.Join(".gatekeeper", "gatekeeper.db"),
		Log: LogConfig{
			Dir:   filepath.Join(".gatekeeper", "logs"),
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 4,
			WorkerTimeout:  30 * time.Minute,
			PollInterval:   250 * time.Millisecond,
			MaxRetries:     2,
		},
		Workspace: WorkspaceConfig{
			Dir:           filepath.Join(".gatekeeper", "workspaces"),
			BranchPrefix:  "gk",
			OrphanTimeout: 24 * time.Hour,
		},
		Review: ReviewConfig{
			Budget:           32000,
			Instructions:     1000,
			ResponseHeadroom: 2000,
			Timeout:          10 * time.Minute,
			HighStakes:       []string{"security", "reliability"},
			MPRThreshold:     8.5,
			EscalationBuffer: 16,
		},
		Merge: MergeConfig{
			BaseBranch:         "main",
			IntegrationTimeout: 15 * time.Minute,
			LockRetryDelay:     100 * time.Millisecond,
		},
	}
}

// defaults flattens DefaultConfig into viper keys. Only keys listed here
// can be overridden from the environment; list-valued settings other than
// high_stakes come from files only.
func defaults() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"db_path":                   d.DBPath,
		"log.dir":                   d.Log.Dir,
		"log.level":                 d.Log.Level,
		"scheduler.max_concurrency": d.Scheduler.MaxConcurrency,
		"scheduler.worker_timeout":  d.Scheduler.WorkerTimeout,
		"scheduler.poll_interval":   d.Scheduler.PollInterval,
		"scheduler.max_retries":     d.Scheduler.MaxRetries,
		"workspace.dir":             d.Workspace.Dir,
		"workspace.branch_prefix":   d.Workspace.BranchPrefix,
		"workspace.max_outstanding": d.Workspace.MaxOutstanding,
		"workspace.preserve_failed": d.Workspace.PreserveFailed,
		"workspace.orphan_timeout":  d.Workspace.OrphanTimeout,
		"review.budget":             d.Review.Budget,
		"review.instructions":       d.Review.Instructions,
		"review.response_headroom":  d.Review.ResponseHeadroom,
		"review.timeout":            d.Review.Timeout,
		"review.high_stakes":        d.Review.HighStakes,
		"review.mpr_threshold":      d.Review.MPRThreshold,
		"review.escalation_buffer":  d.Review.EscalationBuffer,
		"merge.base_branch":         d.Merge.BaseBranch,
		"merge.integration_timeout": d.Merge.IntegrationTimeout,
		"merge.lock_retry_delay":    d.Merge.LockRetryDelay,
	}
}
