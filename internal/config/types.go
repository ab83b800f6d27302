package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	DBPath    string          `mapstructure:"db_path" validate:"required"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Review    ReviewConfig    `mapstructure:"review"`
	Merge     MergeConfig     `mapstructure:"merge"`
}

// LogConfig controls the JSON log file.
type LogConfig struct {
	Dir   string `mapstructure:"dir"` // Empty logs to stderr
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// SchedulerConfig bounds task execution.
type SchedulerConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"gte=1"`
	WorkerTimeout  time.Duration `mapstructure:"worker_timeout" validate:"gte=0"` // 0 disables
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"` // Default for tasks that set none
}

// WorkspaceConfig controls worktree isolation.
type WorkspaceConfig struct {
	Dir            string        `mapstructure:"dir" validate:"required"`
	BranchPrefix   string        `mapstructure:"branch_prefix" validate:"required"`
	MaxOutstanding int           `mapstructure:"max_outstanding" validate:"gte=0"` // 0 is unlimited
	PreserveFailed bool          `mapstructure:"preserve_failed"`
	OrphanTimeout  time.Duration `mapstructure:"orphan_timeout" validate:"gte=0"`
}

// WorkerConfig defines the command that performs tasks.
type WorkerConfig struct {
	Command []string `mapstructure:"command"`
	Env     []string `mapstructure:"env" validate:"dive,contains=="` // KEY=VALUE
}

// ReviewerConfig defines one reviewer command.
type ReviewerConfig struct {
	ID      string        `mapstructure:"id" validate:"required"`
	Domain  string        `mapstructure:"domain"`
	Command []string      `mapstructure:"command" validate:"min=1"`
	Env     []string      `mapstructure:"env" validate:"dive,contains=="` // KEY=VALUE
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`       // Overrides review.timeout
}

// ReviewConfig controls the review panel and consensus scoring.
type ReviewConfig struct {
	Budget           int              `mapstructure:"budget" validate:"gte=0"` // Approximate tokens shared by reviewers
	Instructions     int              `mapstructure:"instructions" validate:"gte=0"`
	ResponseHeadroom int              `mapstructure:"response_headroom" validate:"gte=0"`
	Timeout          time.Duration    `mapstructure:"timeout" validate:"gte=0"`
	HighStakes       []string         `mapstructure:"high_stakes"`
	MPRThreshold     float64          `mapstructure:"mpr_threshold" validate:"gte=0,lte=10"`
	EscalationBuffer int              `mapstructure:"escalation_buffer" validate:"gte=1"`
	Reviewers        []ReviewerConfig `mapstructure:"reviewers" validate:"unique=ID,dive"`
}

// MergeConfig controls baseline integration.
type MergeConfig struct {
	BaseBranch         string        `mapstructure:"base_branch" validate:"required"`
	IntegrationCommand []string      `mapstructure:"integration_command"` // Empty accepts every merge
	IntegrationTimeout time.Duration `mapstructure:"integration_timeout" validate:"gte=0"`
	LockRetryDelay     time.Duration `mapstructure:"lock_retry_delay" validate:"gte=0"`
}

// EnvMap parses KEY=VALUE entries. Environment maps are kept as lists in
// config files because map keys are case-folded on load.
func EnvMap(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env entry %q: want KEY=VALUE", entry)
		}
		env[key] = value
	}
	return env, nil
}
