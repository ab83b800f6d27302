package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Waiting for dependencies
	TaskReady                        // All dependencies succeeded, ready to dispatch
	TaskRunning                      // Dispatched to a worker
	TaskSucceeded                    // Reviewed and merged
	TaskFailed                       // Worker, review or merge failed
	TaskRolledBack                   // Merged, then reverted after integration failure
	TaskBlocked                      // A dependency failed after exhausting retries
)

var statusNames = map[TaskStatus]string{
	TaskPending:    "pending",
	TaskReady:      "ready",
	TaskRunning:    "running",
	TaskSucceeded:  "succeeded",
	TaskFailed:     "failed",
	TaskRolledBack: "rolled_back",
	TaskBlocked:    "blocked",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseTaskStatus is the inverse of TaskStatus.String.
func ParseTaskStatus(s string) (TaskStatus, error) {
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

// Complexity is an ordinal size class. Lower complexity is dispatched first.
type Complexity int

const (
	ComplexityS Complexity = iota
	ComplexityM
	ComplexityL
	ComplexityXL
)

func (c Complexity) String() string {
	switch c {
	case ComplexityS:
		return "S"
	case ComplexityM:
		return "M"
	case ComplexityL:
		return "L"
	case ComplexityXL:
		return "XL"
	}
	return fmt.Sprintf("complexity(%d)", int(c))
}

// MarshalText encodes the complexity by name.
func (c Complexity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseComplexity parses "S", "M", "L" or "XL" (case-insensitive).
// An empty string yields ComplexityM.
func ParseComplexity(s string) (Complexity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "S":
		return ComplexityS, nil
	case "", "M":
		return ComplexityM, nil
	case "L":
		return ComplexityL, nil
	case "XL":
		return ComplexityXL, nil
	}
	return 0, fmt.Errorf("unknown complexity %q", s)
}

// Task represents a unit of work in the DAG.
type Task struct {
	ID         string         // Unique identifier
	Name       string         // Human-readable name
	Complexity Complexity     // Size class, used for dispatch order
	DependsOn  []string       // Task IDs this task depends on
	Payload    map[string]any // Opaque to the scheduler, handed to the worker
	Resources  []string       // Exclusive resource keys (see ResourceLockManager)
	MaxRetries int            // Failed attempts allowed before the task is exhausted

	Status    TaskStatus
	Attempts  int   // Failed attempts so far
	Exhausted bool  // Failed with no retries left
	Error     error // Cause of the last failure

	seq int // Insertion order within the DAG
}

// Terminal reports whether the task will not change status again.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskSucceeded, TaskBlocked:
		return true
	case TaskFailed, TaskRolledBack:
		return t.Exhausted
	}
	return false
}

// CycleError is returned when adding tasks would create a dependency cycle.
type CycleError struct {
	Path []string // Task IDs along the cycle, first and last equal
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnknownDependencyError is returned when a task depends on an ID that does
// not exist.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DependencyID)
}

var (
	// ErrTaskNotFound is returned for operations on unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when Mark is asked for a status change
	// the task lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrWorkerTimeout is the failure cause recorded when a worker exceeds
	// its wall-clock limit.
	ErrWorkerTimeout = errors.New("worker timed out")
)
