package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/gatekeeper/internal/consensus"
	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/logging"
	"github.com/aristath/gatekeeper/internal/merge"
	"github.com/aristath/gatekeeper/internal/persistence"
	"github.com/aristath/gatekeeper/internal/scheduler"
	"github.com/aristath/gatekeeper/internal/workspace"
)

// pipeline reviews a finished attempt and hands approved work to the merge
// engine.
type pipeline struct {
	o      *Orchestrator
	runID  string
	logger *logging.Logger
}

var _ scheduler.Pipeline = (*pipeline)(nil)

// Process implements scheduler.Pipeline. Only a baseline invariant
// violation is returned as an error; everything else is a task outcome.
func (p *pipeline) Process(ctx context.Context, task *scheduler.Task, ws *workspace.Workspace, result scheduler.WorkResult) (scheduler.Outcome, error) {
	logger := p.logger.WithTask(task.ID)
	attempt := task.Attempts + 1

	if result.Diff == "" {
		logger.Info("worker produced no changes", "workspace_id", ws.ID)
		return scheduler.Outcome{Status: scheduler.TaskSucceeded, Detail: "no changes"}, nil
	}

	verdict, err := p.o.panel.Review(ctx, result.Diff)
	if err != nil {
		if ctx.Err() != nil {
			return failedOutcome(ctx.Err()), nil
		}
		if errors.Is(err, consensus.ErrNoValidReviews) {
			logger.Warn("no valid reviews", "attempt", attempt, "error", err)
		} else {
			logger.Error("review failed", "attempt", attempt, "error", err)
		}
		return failedOutcome(fmt.Errorf("review failed: %w", err)), nil
	}

	p.recordVerdict(ctx, task, attempt, verdict, logger)

	if verdict.Tier.Escalates() {
		p.escalate(ctx, task, attempt, verdict, logger)
	}

	res, err := p.o.engine.AttemptMerge(ctx, merge.Request{
		RunID:  p.runID,
		TaskID: task.ID,
		Head:   result.Head,
		Tier:   verdict.Tier,
		Score:  verdict.Score,
		Title:  task.Name,
	})
	if err != nil {
		if errors.Is(err, merge.ErrInvariantViolation) {
			return scheduler.Outcome{}, err
		}
		if ctx.Err() != nil {
			return failedOutcome(ctx.Err()), nil
		}
		return failedOutcome(fmt.Errorf("merge failed: %w", err)), nil
	}

	p.o.bus.Publish(events.TopicMerge, events.MergeAttemptedEvent{
		ID:            task.ID,
		Outcome:       res.Outcome.String(),
		Checkpoint:    res.Checkpoint,
		Revision:      res.Revision,
		ConflictFiles: res.ConflictFiles,
		Timestamp:     time.Now(),
	})

	switch res.Outcome {
	case merge.OutcomeSuccess:
		return scheduler.Outcome{
			Status: scheduler.TaskSucceeded,
			Detail: fmt.Sprintf("merged at %s (%s %.2f)", shortRev(res.Revision), verdict.Tier, verdict.Score),
		}, nil
	case merge.OutcomeIntegrationFailure:
		return scheduler.Outcome{Status: scheduler.TaskRolledBack, Detail: res.Detail}, nil
	default:
		return scheduler.Outcome{Status: scheduler.TaskFailed, Detail: res.Detail}, nil
	}
}

// recordVerdict persists the consensus score and publishes it.
func (p *pipeline) recordVerdict(ctx context.Context, task *scheduler.Task, attempt int, v *consensus.Verdict, logger *logging.Logger) {
	logger.Info("review scored",
		"attempt", attempt,
		"score", v.Score,
		"tier", v.Tier.String(),
		"findings", len(v.Clusters),
		"mpr", v.MPRApplied,
		"rejected", v.Rejected,
		"unavailable", v.Unavailable)

	score := persistence.Score{
		RunID:       p.runID,
		TaskID:      task.ID,
		Attempt:     attempt,
		Score:       v.Score,
		Tier:        v.Tier.String(),
		Mean:        v.Mean,
		Max:         v.Max,
		KMax:        v.KMax,
		MPR:         v.MPRApplied,
		Findings:    len(v.Clusters),
		Rejected:    v.Rejected,
		Unavailable: v.Unavailable,
	}
	if err := p.o.store.SaveScore(context.WithoutCancel(ctx), score); err != nil {
		logger.Error("failed to save consensus score", "error", err)
	}

	p.o.bus.Publish(events.TopicReview, events.ReviewScoredEvent{
		ID:        task.ID,
		Score:     v.Score,
		Tier:      v.Tier.String(),
		Findings:  len(v.Clusters),
		MPR:       v.MPRApplied,
		Timestamp: time.Now(),
	})
}

// escalate reports a Critical verdict. Handler failures are logged; the
// merge engine rejects the attempt either way.
func (p *pipeline) escalate(ctx context.Context, task *scheduler.Task, attempt int, v *consensus.Verdict, logger *logging.Logger) {
	esc := Escalation{
		RunID:     p.runID,
		TaskID:    task.ID,
		Attempt:   attempt,
		Score:     v.Score,
		Timestamp: time.Now(),
	}
	if v.Dominant != nil {
		esc.Dominant = v.Dominant.String()
		for _, c := range v.Clusters {
			if c.Fingerprint == *v.Dominant {
				esc.Summary = c.Descriptions
				esc.Reviewers = c.Reviewers
				break
			}
		}
	}

	p.o.bus.Publish(events.TopicReview, events.EscalationEvent{
		ID:        task.ID,
		Score:     v.Score,
		Summary:   esc.Dominant,
		Timestamp: esc.Timestamp,
	})
	if err := p.o.escalator.Escalate(ctx, esc); err != nil {
		logger.Error("escalation not delivered", "error", err)
	}
}

func failedOutcome(err error) scheduler.Outcome {
	return scheduler.Outcome{Status: scheduler.TaskFailed, Detail: err.Error()}
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
