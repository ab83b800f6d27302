package workspace

import (
	"fmt"
	"time"
)

// Workspace is an isolated git worktree bound to exactly one task.
type Workspace struct {
	ID           string    // Unique workspace identifier (uuid)
	TaskID       string    // Owning task
	Path         string    // Absolute path to the worktree directory
	Branch       string    // Branch name (e.g., "gk/task-123/3f2a9c1b")
	BaseRevision string    // Baseline commit the worktree was created from
	CreatedAt    time.Time // When the worktree was created

	// Set once the owning task reached a terminal state.
	TerminalAt time.Time
	Preserved  bool // Kept for postmortem inspection
}

// Terminal reports whether the owning task has finished.
func (w *Workspace) Terminal() bool {
	return !w.TerminalAt.IsZero()
}

// Capture is the committed state of a workspace after its worker finished.
type Capture struct {
	Head  string // Commit containing the worker's changes
	Diff  string // Unified diff BaseRevision..Head
	Empty bool   // Worker produced no changes
}

// ManagerConfig configures the workspace manager.
type ManagerConfig struct {
	RepoPath       string // Absolute path to the git repository
	BaseBranch     string // Baseline branch workspaces branch from (e.g., "main")
	WorkspaceDir   string // Directory under repo for worktrees (default ".gatekeeper/workspaces")
	BranchPrefix   string // Branch prefix (default "gk")
	MaxOutstanding int    // Maximum live workspaces; <= 0 means unlimited
	AuthorName     string // Identity used for capture commits
	AuthorEmail    string
}

// ResourceExhaustedError is returned by Create when MaxOutstanding
// workspaces are already live.
type ResourceExhaustedError struct {
	Outstanding int
	Limit       int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("workspace limit reached: %d of %d outstanding", e.Outstanding, e.Limit)
}

// NotFoundError is returned for operations on unknown workspace IDs.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workspace %q not found", e.ID)
}
