package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/gatekeeper/internal/backend"
	"github.com/aristath/gatekeeper/internal/git"
	"github.com/aristath/gatekeeper/internal/logging"
)

// Snapshot identifies the candidate baseline under test.
type Snapshot struct {
	RepoPath   string
	Revision   string // Candidate baseline head
	Checkpoint string // Baseline head before the merge
	TaskID     string
}

// Report is the outcome of one integration run.
type Report struct {
	Passed   bool
	Output   string
	Duration time.Duration
}

// IntegrationRunner verifies a candidate baseline. A returned error means
// the tests could not be run; it is treated as a failure.
type IntegrationRunner interface {
	Run(ctx context.Context, baseline Snapshot) (Report, error)
}

// IntegrationRunnerFunc adapts a function to IntegrationRunner.
type IntegrationRunnerFunc func(ctx context.Context, baseline Snapshot) (Report, error)

// Run calls f.
func (f IntegrationRunnerFunc) Run(ctx context.Context, baseline Snapshot) (Report, error) {
	return f(ctx, baseline)
}

// PassingRunner accepts every candidate. Used when no integration command is
// configured.
var PassingRunner = IntegrationRunnerFunc(func(context.Context, Snapshot) (Report, error) {
	return Report{Passed: true, Output: "no integration command configured"}, nil
})

// maxReportOutput bounds the output kept in a Report.
const maxReportOutput = 16 * 1024

// CommandIntegrationRunner runs a command in a detached temporary worktree
// checked out at the candidate revision.
type CommandIntegrationRunner struct {
	Command []string
	Env     []string
	Timeout time.Duration // 0 disables
	TempDir string        // Parent of temporary worktrees (default os.TempDir())
	ProcMgr *backend.ProcessManager
	Logger  *logging.Logger
}

// Run checks out baseline.Revision and runs the command there. A non-zero
// exit is a failed Report, not an error.
func (r *CommandIntegrationRunner) Run(ctx context.Context, baseline Snapshot) (Report, error) {
	if len(r.Command) == 0 {
		return Report{}, errors.New("integration command must not be empty")
	}
	logger := logging.OrNop(r.Logger).WithComponent("integration").WithTask(baseline.TaskID)

	parent, err := os.MkdirTemp(r.TempDir, "gatekeeper-it-")
	if err != nil {
		return Report{}, fmt.Errorf("failed to create integration directory: %w", err)
	}
	defer os.RemoveAll(parent)

	dir := filepath.Join(parent, "tree")
	repo := git.Open(baseline.RepoPath)
	if _, err := repo.Run(ctx, "worktree", "add", "--detach", dir, baseline.Revision); err != nil {
		return Report{}, fmt.Errorf("failed to check out %s for integration: %w", baseline.Revision, err)
	}
	defer func() {
		// Cleanup runs even after cancellation.
		if _, err := repo.Run(context.WithoutCancel(ctx), "worktree", "remove", "--force", dir); err != nil {
			logger.Warn("failed to remove integration worktree", "path", dir, "error", err)
		}
	}()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	env := append([]string{
		"GATEKEEPER_REVISION=" + baseline.Revision,
		"GATEKEEPER_CHECKPOINT=" + baseline.Checkpoint,
		"GATEKEEPER_TASK_ID=" + baseline.TaskID,
	}, r.Env...)

	logger.Info("running integration tests", "revision", baseline.Revision, "command", r.Command)
	out, err := backend.Run(ctx, r.ProcMgr, backend.Command{
		Name: r.Command[0],
		Args: r.Command[1:],
		Dir:  dir,
		Env:  env,
	})

	report := Report{}
	if out != nil {
		report.Output = truncateOutput(string(out.Stdout) + string(out.Stderr))
		report.Duration = out.Duration
	}
	if err != nil {
		var exitErr *backend.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn("integration tests failed", "exit_code", exitErr.ExitCode, "duration", report.Duration.String())
			if report.Output == "" {
				report.Output = err.Error()
			}
			return report, nil
		}
		return report, fmt.Errorf("failed to run integration command: %w", err)
	}

	report.Passed = true
	logger.Info("integration tests passed", "duration", report.Duration.String())
	return report, nil
}

// truncateOutput keeps the tail of long output, where failures usually are.
func truncateOutput(s string) string {
	if len(s) <= maxReportOutput {
		return s
	}
	return "...\n" + s[len(s)-maxReportOutput:]
}
