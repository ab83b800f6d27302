package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask   = "task"
	TopicDAG    = "dag"
	TopicReview = "review"
	TopicMerge  = "merge"
)

// Event type constants
const (
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskOutput     = "task.output"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeReviewScored   = "review.scored"
	EventTypeEscalation     = "review.escalated"
	EventTypeMergeAttempted = "merge.attempted"
	EventTypeDAGProgress    = "dag.progress"
)

// TaskDispatchedEvent is published when a task attempt starts in a workspace.
type TaskDispatchedEvent struct {
	ID          string
	Name        string
	WorkspaceID string
	Attempt     int
	Timestamp   time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published when a worker produces a line of output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task succeeds.
type TaskCompletedEvent struct {
	ID        string
	Detail    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task attempt fails.
type TaskFailedEvent struct {
	ID         string
	Err        error
	RolledBack bool // Merged, then reverted
	Attempt    int
	Requeued   bool // Retries remain
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ReviewScoredEvent is published when the review panel produced a consensus.
type ReviewScoredEvent struct {
	ID        string
	Score     float64
	Tier      string
	Findings  int // Deduplicated findings
	MPR       bool
	Timestamp time.Time
}

func (e ReviewScoredEvent) EventType() string { return EventTypeReviewScored }
func (e ReviewScoredEvent) TaskID() string    { return e.ID }

// EscalationEvent is published when a review lands in the Critical tier.
type EscalationEvent struct {
	ID        string
	Score     float64
	Summary   string
	Timestamp time.Time
}

func (e EscalationEvent) EventType() string { return EventTypeEscalation }
func (e EscalationEvent) TaskID() string    { return e.ID }

// MergeAttemptedEvent is published after every merge attempt.
type MergeAttemptedEvent struct {
	ID            string
	Outcome       string
	Checkpoint    string
	Revision      string
	ConflictFiles []string
	Timestamp     time.Time
}

func (e MergeAttemptedEvent) EventType() string { return EventTypeMergeAttempted }
func (e MergeAttemptedEvent) TaskID() string    { return e.ID }

// DAGProgressEvent is published when DAG progress changes.
type DAGProgressEvent struct {
	RunID     string
	Total     int
	Succeeded int
	Running   int
	Failed    int
	Blocked   int
	Pending   int // Pending or ready
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) TaskID() string    { return "" }
