// Package merge integrates approved workspace branches into the shared
// baseline. Each attempt replays the branch onto the baseline tip, advances
// the baseline with a compare-and-swap ref update, runs integration tests
// and reverts to the checkpoint when they fail.
package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/aristath/gatekeeper/internal/consensus"
	"github.com/aristath/gatekeeper/internal/git"
	"github.com/aristath/gatekeeper/internal/logging"
)

// ErrInvariantViolation reports that the baseline moved underneath the
// engine or could not be restored. It is fatal for the run.
var ErrInvariantViolation = errors.New("baseline invariant violated")

// Outcome classifies a merge attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected
	OutcomeConflict
	OutcomeIntegrationFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeConflict:
		return "conflict"
	case OutcomeIntegrationFailure:
		return "integration_failure"
	}
	return "unknown"
}

// Request asks the engine to merge one task's work.
type Request struct {
	RunID  string
	TaskID string
	Head   string // Commit holding the task's changes
	Tier   consensus.Tier
	Score  float64
	Title  string // Used in the merge commit message
}

// Result describes a finished attempt.
type Result struct {
	Outcome       Outcome
	State         State
	Checkpoint    string // Baseline head before the attempt ("" when rejected)
	Revision      string // Baseline head after the attempt
	ConflictFiles []string
	Detail        string
	Report        *Report
}

// AuditEntry is appended for every attempt.
type AuditEntry struct {
	RunID         string
	TaskID        string
	Checkpoint    string
	Tier          string
	Score         float64
	Outcome       string
	Revision      string
	ConflictFiles []string
	Detail        string
	Timestamp     time.Time
}

// AuditSink records audit entries. Entries are never modified.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Config configures an Engine.
type Config struct {
	RepoPath       string
	BaseBranch     string
	LockPath       string        // Cross-process lock file (default <git-common-dir>/gatekeeper-merge.lock)
	LockRetryDelay time.Duration // Poll interval while waiting for the file lock (default 100ms)
}

// Engine is the only mutator of the baseline branch.
type Engine struct {
	config Config
	repo   *git.Repo
	runner IntegrationRunner
	audit  AuditSink
	logger *logging.Logger

	mu       sync.Mutex
	lockOnce sync.Once
	lock     *flock.Flock
	lockErr  error
}

// NewEngine creates an Engine. runner nil accepts every candidate; audit may
// be nil.
func NewEngine(cfg Config, runner IntegrationRunner, audit AuditSink, logger *logging.Logger) *Engine {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 100 * time.Millisecond
	}
	if runner == nil {
		runner = PassingRunner
	}
	return &Engine{
		config: cfg,
		repo:   git.Open(cfg.RepoPath),
		runner: runner,
		audit:  audit,
		logger: logging.OrNop(logger).WithComponent("merge"),
	}
}

// Baseline returns the current baseline head.
func (e *Engine) Baseline(ctx context.Context) (string, error) {
	return e.repo.RevParse(ctx, git.BranchRef(e.config.BaseBranch))
}

// attempt carries the state of one AttemptMerge call.
type attempt struct {
	req    Request
	state  State
	result Result
	tree   string
	commit string
}

// AttemptMerge runs one merge attempt to a terminal state. Task-level
// failures (rejection, conflict, failed integration) are reported in the
// Result; an error means the attempt could not be carried out, and wraps
// ErrInvariantViolation when the baseline may be inconsistent.
func (e *Engine) AttemptMerge(ctx context.Context, req Request) (*Result, error) {
	logger := e.logger.WithTask(req.TaskID)
	if req.RunID != "" {
		logger = logger.WithRun(req.RunID)
	}
	a := &attempt{req: req, state: StatePending}

	event := EventTierApproved
	if req.Tier.Blocks() {
		event = EventTierBlocked
	}

	var unlock func()
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	for !a.state.Terminal() {
		next, effect := Transition(a.state, event)
		if effect == EffectInvalid {
			return nil, fmt.Errorf("merge of task %q: event %s not valid in state %s", req.TaskID, event, a.state)
		}
		logger.Debug("merge transition", "from", a.state.String(), "event", event.String(), "to", next.String())
		a.state = next

		var err error
		switch effect {
		case EffectCheckpoint:
			unlock, err = e.acquire(ctx)
			if err != nil {
				return nil, err
			}
			event, err = e.checkpointAndReplay(ctx, a)
		case EffectAdvance:
			event, err = e.advanceAndTest(ctx, a)
		case EffectRevert:
			err = e.revert(ctx, a)
		}
		if err != nil {
			logger.Error("merge attempt failed", "state", a.state.String(), "error", err)
			return nil, err
		}
	}

	a.result.State = a.state
	switch a.state {
	case StateCommitted:
		a.result.Outcome = OutcomeSuccess
		a.result.Revision = a.commit
	case StateRolledBack:
		a.result.Outcome = OutcomeIntegrationFailure
		a.result.Revision = a.result.Checkpoint
	case StateConflicted:
		a.result.Outcome = OutcomeConflict
		a.result.Revision = a.result.Checkpoint
		a.result.Detail = "conflicts in " + strings.Join(a.result.ConflictFiles, ", ")
	case StateRejected:
		a.result.Outcome = OutcomeRejected
		a.result.Detail = fmt.Sprintf("consensus tier %s (score %.2f) blocks merge", req.Tier, req.Score)
	}

	logger.Info("merge attempt finished",
		"outcome", a.result.Outcome.String(),
		"checkpoint", a.result.Checkpoint,
		"revision", a.result.Revision,
		"tier", req.Tier.String())
	e.appendAudit(ctx, req, &a.result, logger)
	return &a.result, nil
}

// acquire takes the in-process mutex, then the cross-process file lock.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	e.mu.Lock()

	lock, err := e.fileLock(ctx)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	locked, err := lock.TryLockContext(ctx, e.config.LockRetryDelay)
	if err != nil || !locked {
		e.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock baseline: %w", err)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn("failed to release baseline lock", "error", err)
		}
		e.mu.Unlock()
	}, nil
}

func (e *Engine) fileLock(ctx context.Context) (*flock.Flock, error) {
	e.lockOnce.Do(func() {
		path := e.config.LockPath
		if path == "" {
			dir, err := e.repo.Run(ctx, "rev-parse", "--git-common-dir")
			if err != nil {
				e.lockErr = fmt.Errorf("failed to locate git directory: %w", err)
				return
			}
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(e.config.RepoPath, dir)
			}
			path = filepath.Join(dir, "gatekeeper-merge.lock")
		}
		e.lock = flock.New(path)
	})
	return e.lock, e.lockErr
}

// checkpointAndReplay records the baseline head and replays the task's
// changes onto it without touching any ref.
func (e *Engine) checkpointAndReplay(ctx context.Context, a *attempt) (Event, error) {
	checkpoint, err := e.Baseline(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read baseline: %w", err)
	}
	a.result.Checkpoint = checkpoint

	tree, conflicts, err := e.repo.MergeTree(ctx, checkpoint, a.req.Head)
	if err != nil {
		return 0, fmt.Errorf("failed to replay task %q onto baseline: %w", a.req.TaskID, err)
	}
	if len(conflicts) > 0 {
		a.result.ConflictFiles = conflicts
		return EventReplayConflict, nil
	}
	a.tree = tree
	return EventReplayClean, nil
}

// advanceAndTest commits the replayed tree on top of the checkpoint, moves
// the baseline to it and runs the integration tests.
func (e *Engine) advanceAndTest(ctx context.Context, a *attempt) (Event, error) {
	title := a.req.Title
	if title == "" {
		title = a.req.TaskID
	}
	message := fmt.Sprintf("%s\n\nTask: %s\nConsensus: %s (%.2f)", title, a.req.TaskID, a.req.Tier, a.req.Score)

	commit, err := e.repo.CommitTree(ctx, a.tree, message, a.result.Checkpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to create merge commit: %w", err)
	}
	a.commit = commit

	// Ref updates must not be abandoned halfway.
	refCtx := context.WithoutCancel(ctx)
	ref := git.BranchRef(e.config.BaseBranch)
	if err := e.repo.UpdateRef(refCtx, ref, commit, a.result.Checkpoint, "gatekeeper: merge "+a.req.TaskID); err != nil {
		return 0, fmt.Errorf("%w: advancing %s from %s: %w", ErrInvariantViolation, ref, a.result.Checkpoint, err)
	}

	report, err := e.runner.Run(ctx, Snapshot{
		RepoPath:   e.config.RepoPath,
		Revision:   commit,
		Checkpoint: a.result.Checkpoint,
		TaskID:     a.req.TaskID,
	})
	if err != nil {
		report = Report{Output: err.Error()}
	}
	a.result.Report = &report
	if !report.Passed {
		a.result.Detail = "integration tests failed"
		if report.Output != "" {
			a.result.Detail += ": " + lastLine(report.Output)
		}
		return EventTestsFailed, nil
	}
	return EventTestsPassed, nil
}

// revert moves the baseline back to the checkpoint.
func (e *Engine) revert(ctx context.Context, a *attempt) error {
	ref := git.BranchRef(e.config.BaseBranch)
	if err := e.repo.UpdateRef(context.WithoutCancel(ctx), ref, a.result.Checkpoint, a.commit, "gatekeeper: roll back "+a.req.TaskID); err != nil {
		return fmt.Errorf("%w: restoring %s to %s: %w", ErrInvariantViolation, ref, a.result.Checkpoint, err)
	}
	return nil
}

func (e *Engine) appendAudit(ctx context.Context, req Request, result *Result, logger *logging.Logger) {
	if e.audit == nil {
		return
	}
	entry := AuditEntry{
		RunID:         req.RunID,
		TaskID:        req.TaskID,
		Checkpoint:    result.Checkpoint,
		Tier:          req.Tier.String(),
		Score:         req.Score,
		Outcome:       result.Outcome.String(),
		Revision:      result.Revision,
		ConflictFiles: result.ConflictFiles,
		Detail:        result.Detail,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.audit.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("failed to append audit entry", "error", err)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
