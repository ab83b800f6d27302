package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file that Load reads back.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML with durations in time.Duration notation.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(document(cfg))
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

type (
	logDoc struct {
		Dir   string `yaml:"dir"`
		Level string `yaml:"level"`
	}
	schedulerDoc struct {
		MaxConcurrency int    `yaml:"max_concurrency"`
		WorkerTimeout  string `yaml:"worker_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		MaxRetries     int    `yaml:"max_retries"`
	}
	workspaceDoc struct {
		Dir            string `yaml:"dir"`
		BranchPrefix   string `yaml:"branch_prefix"`
		MaxOutstanding int    `yaml:"max_outstanding"`
		PreserveFailed bool   `yaml:"preserve_failed"`
		OrphanTimeout  string `yaml:"orphan_timeout"`
	}
	workerDoc struct {
		Command []string `yaml:"command,omitempty"`
		Env     []string `yaml:"env,omitempty"`
	}
	reviewerDoc struct {
		ID      string   `yaml:"id"`
		Domain  string   `yaml:"domain,omitempty"`
		Command []string `yaml:"command"`
		Env     []string `yaml:"env,omitempty"`
		Timeout string   `yaml:"timeout,omitempty"`
	}
	reviewDoc struct {
		Budget           int           `yaml:"budget"`
		Instructions     int           `yaml:"instructions"`
		ResponseHeadroom int           `yaml:"response_headroom"`
		Timeout          string        `yaml:"timeout"`
		HighStakes       []string      `yaml:"high_stakes"`
		MPRThreshold     float64       `yaml:"mpr_threshold"`
		EscalationBuffer int           `yaml:"escalation_buffer"`
		Reviewers        []reviewerDoc `yaml:"reviewers,omitempty"`
	}
	mergeDoc struct {
		BaseBranch         string   `yaml:"base_branch"`
		IntegrationCommand []string `yaml:"integration_command,omitempty"`
		IntegrationTimeout string   `yaml:"integration_timeout"`
		LockRetryDelay     string   `yaml:"lock_retry_delay"`
	}
	configDoc struct {
		DBPath    string       `yaml:"db_path"`
		Log       logDoc       `yaml:"log"`
		Scheduler schedulerDoc `yaml:"scheduler"`
		Workspace workspaceDoc `yaml:"workspace"`
		Worker    workerDoc    `yaml:"worker"`
		Review    reviewDoc    `yaml:"review"`
		Merge     mergeDoc     `yaml:"merge"`
	}
)

func document(cfg *Config) configDoc {
	reviewers := make([]reviewerDoc, 0, len(cfg.Review.Reviewers))
	for _, r := range cfg.Review.Reviewers {
		doc := reviewerDoc{ID: r.ID, Domain: r.Domain, Command: r.Command, Env: r.Env}
		if r.Timeout > 0 {
			doc.Timeout = r.Timeout.String()
		}
		reviewers = append(reviewers, doc)
	}

	return configDoc{
		DBPath: cfg.DBPath,
		Log:    logDoc{Dir: cfg.Log.Dir, Level: cfg.Log.Level},
		Scheduler: schedulerDoc{
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			WorkerTimeout:  cfg.Scheduler.WorkerTimeout.String(),
			PollInterval:   cfg.Scheduler.PollInterval.String(),
			MaxRetries:     cfg.Scheduler.MaxRetries,
		},
		Workspace: workspaceDoc{
			Dir:            cfg.Workspace.Dir,
			BranchPrefix:   cfg.Workspace.BranchPrefix,
			MaxOutstanding: cfg.Workspace.MaxOutstanding,
			PreserveFailed: cfg.Workspace.PreserveFailed,
			OrphanTimeout:  cfg.Workspace.OrphanTimeout.String(),
		},
		Worker: workerDoc{Command: cfg.Worker.Command, Env: cfg.Worker.Env},
		Review: reviewDoc{
			Budget:           cfg.Review.Budget,
			Instructions:     cfg.Review.Instructions,
			ResponseHeadroom: cfg.Review.ResponseHeadroom,
			Timeout:          cfg.Review.Timeout.String(),
			HighStakes:       cfg.Review.HighStakes,
			MPRThreshold:     cfg.Review.MPRThreshold,
			EscalationBuffer: cfg.Review.EscalationBuffer,
			Reviewers:        reviewers,
		},
		Merge: mergeDoc{
			BaseBranch:         cfg.Merge.BaseBranch,
			IntegrationCommand: cfg.Merge.IntegrationCommand,
			IntegrationTimeout: cfg.Merge.IntegrationTimeout.String(),
			LockRetryDelay:     cfg.Merge.LockRetryDelay.String(),
		},
	}
}
