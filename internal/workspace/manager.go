package workspace

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/gatekeeper/internal/git"
	"github.com/aristath/gatekeeper/internal/logging"
)

// Manager creates and reclaims git worktrees for parallel task execution.
// Each workspace lives on its own branch so no two tasks share mutable files.
type Manager struct {
	config ManagerConfig
	repo   *git.Repo
	logger *logging.Logger
	now    func() time.Time

	excludeOnce sync.Once

	mu        sync.Mutex
	live      map[string]*Workspace // workspace ID -> workspace
	reclaimed map[string]bool       // workspace IDs already reclaimed
	creating  map[string]bool       // Branches of Create calls in flight; each holds a slot
}

// NewManager creates a new workspace manager.
func NewManager(cfg ManagerConfig, logger *logging.Logger) *Manager {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(".gatekeeper", "workspaces")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "gk"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "gatekeeper"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "gatekeeper@localhost"
	}
	return &Manager{
		config:    cfg,
		repo:      git.Open(cfg.RepoPath),
		logger:    logging.OrNop(logger).WithComponent("workspace"),
		now:       time.Now,
		live:      make(map[string]*Workspace),
		reclaimed: make(map[string]bool),
		creating:  make(map[string]bool),
	}
}

// outstandingLocked counts workspaces that hold a slot. Preserved
// workspaces are postmortem artifacts and do not.
func (m *Manager) outstandingLocked() int {
	n := len(m.creating)
	for _, ws := range m.live {
		if !ws.Preserved {
			n++
		}
	}
	return n
}

// Outstanding returns the number of workspaces currently holding a slot.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstandingLocked()
}

// Create creates a new worktree for the given task off the current baseline
// tip. Returns *ResourceExhaustedError when MaxOutstanding is reached.
func (m *Manager) Create(ctx context.Context, taskID string) (*Workspace, error) {
	id := uuid.NewString()
	branch := fmt.Sprintf("%s/%s/%s", m.config.BranchPrefix, taskID, id[:8])

	m.mu.Lock()
	if limit := m.config.MaxOutstanding; limit > 0 {
		if n := m.outstandingLocked(); n >= limit {
			m.mu.Unlock()
			return nil, &ResourceExhaustedError{Outstanding: n, Limit: limit}
		}
	}
	m.creating[branch] = true
	m.mu.Unlock()

	ws, err := m.create(ctx, taskID, id, branch)

	m.mu.Lock()
	delete(m.creating, branch)
	if err == nil {
		m.live[ws.ID] = ws
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	m.logger.Debug("workspace created", "task_id", taskID, "workspace_id", ws.ID, "base", ws.BaseRevision)
	return ws, nil
}

func (m *Manager) create(ctx context.Context, taskID, id, branch string) (*Workspace, error) {
	wtPath := filepath.Join(m.root(), id)

	m.excludeOnce.Do(func() { m.excludeWorkspaceDir(ctx) })

	base, err := m.repo.RevParse(ctx, m.config.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch %q: %w", m.config.BaseBranch, err)
	}

	// Branch from the resolved revision so BaseRevision matches the worktree
	// even if the baseline advances concurrently.
	if _, err := m.repo.Run(ctx, "worktree", "add", "-b", branch, wtPath, base); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	return &Workspace{
		ID:           id,
		TaskID:       taskID,
		Path:         wtPath,
		Branch:       branch,
		BaseRevision: base,
		CreatedAt:    m.now(),
	}, nil
}

// root returns the directory holding all worktrees.
func (m *Manager) root() string {
	if filepath.IsAbs(m.config.WorkspaceDir) {
		return m.config.WorkspaceDir
	}
	return filepath.Join(m.config.RepoPath, m.config.WorkspaceDir)
}

// excludeWorkspaceDir adds the workspace directory to info/exclude so the
// main checkout never stages worktrees as embedded repositories.
func (m *Manager) excludeWorkspaceDir(ctx context.Context) {
	if filepath.IsAbs(m.config.WorkspaceDir) {
		return
	}
	excludePath, err := m.repo.Run(ctx, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		m.logger.Warn("cannot locate info/exclude", "error", err)
		return
	}
	if !filepath.IsAbs(excludePath) {
		excludePath = filepath.Join(m.config.RepoPath, excludePath)
	}

	pattern := "/" + filepath.ToSlash(m.config.WorkspaceDir) + "/"
	existing, _ := os.ReadFile(excludePath)
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == pattern {
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		m.logger.Warn("cannot create info directory", "error", err)
		return
	}
	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		m.logger.Warn("cannot open info/exclude", "error", err)
		return
	}
	defer f.Close()
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		pattern = "\n" + pattern
	}
	if _, err := f.WriteString(pattern + "\n"); err != nil {
		m.logger.Warn("cannot update info/exclude", "error", err)
	}
}

// Get returns a copy of a live workspace.
func (m *Manager) Get(id string) (*Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.live[id]
	if !ok {
		return nil, false
	}
	cp := *ws
	return &cp, true
}

// Capture commits everything the worker left in the workspace and returns
// the resulting head and diff against the base revision.
func (m *Manager) Capture(ctx context.Context, ws *Workspace) (*Capture, error) {
	if _, err := git.RunIn(ctx, ws.Path, "add", "-A"); err != nil {
		return nil, fmt.Errorf("failed to stage workspace changes: %w", err)
	}

	status, err := git.RunIn(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace status: %w", err)
	}
	if status != "" {
		_, err := git.RunIn(ctx, ws.Path,
			"-c", "user.name="+m.config.AuthorName,
			"-c", "user.email="+m.config.AuthorEmail,
			"commit", "--no-verify", "-m", fmt.Sprintf("gatekeeper: task %s", ws.TaskID))
		if err != nil {
			return nil, fmt.Errorf("failed to commit workspace changes: %w", err)
		}
	}

	head, err := git.RunIn(ctx, ws.Path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	diff, err := m.repo.Diff(ctx, ws.BaseRevision, head)
	if err != nil {
		return nil, fmt.Errorf("failed to diff workspace: %w", err)
	}

	return &Capture{Head: head, Diff: diff, Empty: head == ws.BaseRevision}, nil
}

// MarkTerminal records that the owning task reached a terminal state.
// Preserved workspaces stay on disk and release their slot.
func (m *Manager) MarkTerminal(id string, preserve bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.live[id]
	if !ok {
		if m.reclaimed[id] {
			return nil
		}
		return &NotFoundError{ID: id}
	}
	if ws.TerminalAt.IsZero() {
		ws.TerminalAt = m.now()
	}
	ws.Preserved = ws.Preserved || preserve
	return nil
}

// Reclaim removes the worktree and deletes its branch. Reclaiming an
// already reclaimed workspace is a no-op.
func (m *Manager) Reclaim(ctx context.Context, id string) error {
	m.mu.Lock()
	ws, ok := m.live[id]
	if !ok {
		done := m.reclaimed[id]
		m.mu.Unlock()
		if done {
			return nil
		}
		return &NotFoundError{ID: id}
	}
	// Forget it first so the slot frees even if git cleanup is partial;
	// leftovers are collected by Prune.
	delete(m.live, id)
	m.reclaimed[id] = true
	m.mu.Unlock()

	if err := m.removeWorktree(ctx, ws.Path, ws.Branch); err != nil {
		m.logger.Warn("workspace cleanup incomplete", "workspace_id", id, "error", err)
		return err
	}
	m.logger.Debug("workspace reclaimed", "workspace_id", id, "task_id", ws.TaskID)
	return nil
}

func (m *Manager) removeWorktree(ctx context.Context, path, branch string) error {
	var errs []string

	if _, err := m.repo.Run(ctx, "worktree", "remove", "--force", path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v", err))
		}
	}

	if branch != "" {
		if _, err := m.repo.Run(ctx, "branch", "-D", branch); err != nil {
			if _, verr := m.repo.Run(ctx, "rev-parse", "--verify", "--quiet", git.BranchRef(branch)); verr == nil {
				errs = append(errs, fmt.Sprintf("branch delete failed: %v", err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ListOrphaned returns workspaces whose task has been terminal for longer
// than timeout, oldest first.
func (m *Manager) ListOrphaned(timeout time.Duration) []*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var orphans []*Workspace
	for _, ws := range m.live {
		if ws.Terminal() && now.Sub(ws.TerminalAt) > timeout {
			cp := *ws
			orphans = append(orphans, &cp)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].TerminalAt.Equal(orphans[j].TerminalAt) {
			return orphans[i].ID < orphans[j].ID
		}
		return orphans[i].TerminalAt.Before(orphans[j].TerminalAt)
	})
	return orphans
}

// Sweep reclaims every orphaned workspace and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	var errs []string
	n := 0
	for _, ws := range m.ListOrphaned(timeout) {
		if err := m.Reclaim(ctx, ws.ID); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("sweep errors: %s", strings.Join(errs, "; "))
	}
	return n, nil
}

// WorktreeInfo is a worktree as reported by git.
type WorktreeInfo struct {
	Path   string
	Branch string
	Head   string
	TaskID string // Parsed from the branch when it carries our prefix
}

// List returns all worktrees registered in the repository.
func (m *Manager) List(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := m.repo.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo
	prefix := m.config.BranchPrefix + "/"

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if rest, ok := strings.CutPrefix(current.Branch, prefix); ok {
				if i := strings.LastIndex(rest, "/"); i > 0 {
					current.TaskID = rest[:i]
				}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune removes stale worktree metadata and deletes worktrees left behind by
// a previous process (our branch prefix, neither tracked nor being created by
// this manager) whose directory was last modified more than olderThan ago. A
// zero olderThan removes them all.
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if _, err := m.repo.Run(ctx, "worktree", "prune"); err != nil {
		return 0, fmt.Errorf("failed to prune worktrees: %w", err)
	}

	worktrees, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	tracked := make(map[string]bool, len(m.live)+len(m.creating))
	for _, ws := range m.live {
		tracked[ws.Branch] = true
	}
	for branch := range m.creating {
		tracked[branch] = true
	}
	m.mu.Unlock()

	now := m.now()
	var errs []string
	n := 0
	for _, wt := range worktrees {
		if wt.TaskID == "" || tracked[wt.Branch] {
			continue
		}
		if olderThan > 0 {
			if info, err := os.Stat(wt.Path); err == nil && now.Sub(info.ModTime()) <= olderThan {
				continue
			}
		}
		if err := m.removeWorktree(ctx, wt.Path, wt.Branch); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		m.logger.Info("removed leftover workspace", "path", wt.Path, "task_id", wt.TaskID)
		n++
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("prune errors: %s", strings.Join(errs, "; "))
	}
	return n, nil
}

// Repo returns the repository the manager operates on.
func (m *Manager) Repo() *git.Repo {
	return m.repo
}

// BaseBranch returns the baseline branch name.
func (m *Manager) BaseBranch() string {
	return m.config.BaseBranch
}
