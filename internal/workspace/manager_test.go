package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()

	steps := [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"checkout", "-b", "main"},
	}
	for _, args := range steps {
		runGit(t, repoPath, args...)
	}

	// Create initial file
	initialFile := filepath.Join(repoPath, "README.md")
	if err := os.WriteFile(initialFile, []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}

	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "initial commit")

	return repoPath
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
	}
	return strings.TrimSpace(string(output))
}

func newTestManager(t *testing.T, maxOutstanding int) (*Manager, string) {
	t.Helper()
	repoPath := setupTestRepo(t)
	manager := NewManager(ManagerConfig{
		RepoPath:       repoPath,
		BaseBranch:     "main",
		MaxOutstanding: maxOutstanding,
	}, nil)
	return manager, repoPath
}

func TestCreate(t *testing.T) {
	manager, repoPath := newTestManager(t, 0)
	ctx := context.Background()

	ws, err := manager.Create(ctx, "test-task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Verify worktree directory exists
	if _, err := os.Stat(ws.Path); os.IsNotExist(err) {
		t.Errorf("worktree directory does not exist: %s", ws.Path)
	}

	if !strings.HasPrefix(ws.Branch, "gk/test-task-1/") {
		t.Errorf("branch = %q, want prefix gk/test-task-1/", ws.Branch)
	}

	// Base revision is the baseline tip at creation time
	mainHead := runGit(t, repoPath, "rev-parse", "main")
	if ws.BaseRevision != mainHead {
		t.Errorf("BaseRevision = %s, want %s", ws.BaseRevision, mainHead)
	}

	// Worktree contents match the baseline
	content, err := os.ReadFile(filepath.Join(ws.Path, "README.md"))
	if err != nil {
		t.Fatalf("failed to read README.md in worktree: %v", err)
	}
	if string(content) != "# Test Repo\n" {
		t.Errorf("README.md content = %q", string(content))
	}

	if got, ok := manager.Get(ws.ID); !ok || got.TaskID != "test-task-1" {
		t.Errorf("Get(%s) = %+v, %v", ws.ID, got, ok)
	}
}

func TestCreateSameTaskTwice(t *testing.T) {
	manager, _ := newTestManager(t, 0)
	ctx := context.Background()

	first, err := manager.Create(ctx, "retry-task")
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	second, err := manager.Create(ctx, "retry-task")
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}

	if first.ID == second.ID || first.Path == second.Path || first.Branch == second.Branch {
		t.Error("expected distinct workspaces for separate attempts of the same task")
	}
}

func TestCreateExhaustedUntilReclaim(t *testing.T) {
	manager, _ := newTestManager(t, 2)
	ctx := context.Background()

	first, err := manager.Create(ctx, "task-a")
	if err != nil {
		t.Fatalf("Create task-a failed: %v", err)
	}
	if _, err := manager.Create(ctx, "task-b"); err != nil {
		t.Fatalf("Create task-b failed: %v", err)
	}

	_, err = manager.Create(ctx, "task-c")
	var exhausted *ResourceExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ResourceExhaustedError, got %v", err)
	}
	if exhausted.Outstanding != 2 || exhausted.Limit != 2 {
		t.Errorf("error = %+v", exhausted)
	}

	if err := manager.Reclaim(ctx, first.ID); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}

	if _, err := manager.Create(ctx, "task-c"); err != nil {
		t.Fatalf("Create after reclaim failed: %v", err)
	}
}

func TestPreservedWorkspaceReleasesSlot(t *testing.T) {
	manager, _ := newTestManager(t, 1)
	ctx := context.Background()

	ws, err := manager.Create(ctx, "failing-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := manager.MarkTerminal(ws.ID, true); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	if got := manager.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d, want 0", got)
	}
	if _, err := manager.Create(ctx, "next-task"); err != nil {
		t.Fatalf("Create after preserve failed: %v", err)
	}

	// Preserved worktree is still on disk
	if _, err := os.Stat(ws.Path); err != nil {
		t.Errorf("preserved worktree missing: %v", err)
	}
}

func TestReclaim(t *testing.T) {
	manager, repoPath := newTestManager(t, 0)
	ctx := context.Background()

	ws, err := manager.Create(ctx, "cleanup-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := manager.Reclaim(ctx, ws.ID); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}

	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still exists after reclaim")
	}

	branches := runGit(t, repoPath, "branch", "--list", ws.Branch)
	if branches != "" {
		t.Errorf("branch %s still exists after reclaim", ws.Branch)
	}

	// Second reclaim is a no-op
	if err := manager.Reclaim(ctx, ws.ID); err != nil {
		t.Errorf("second Reclaim returned error: %v", err)
	}
}

func TestReclaimUnknown(t *testing.T) {
	manager, _ := newTestManager(t, 0)

	err := manager.Reclaim(context.Background(), "nope")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCapture(t *testing.T) {
	manager, _ := newTestManager(t, 0)
	ctx := context.Background()

	ws, err := manager.Create(ctx, "capture-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(ws.Path, "feature.go"), []byte("package feature\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	capture, err := manager.Capture(ctx, ws)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if capture.Empty {
		t.Error("expected non-empty capture")
	}
	if capture.Head == ws.BaseRevision {
		t.Error("expected a new commit")
	}
	if !strings.Contains(capture.Diff, "feature.go") || !strings.Contains(capture.Diff, "+package feature") {
		t.Errorf("diff does not contain the change:\n%s", capture.Diff)
	}

	// Nothing changed since: capture again is stable
	again, err := manager.Capture(ctx, ws)
	if err != nil {
		t.Fatalf("second Capture failed: %v", err)
	}
	if again.Head != capture.Head {
		t.Errorf("head moved without changes: %s -> %s", capture.Head, again.Head)
	}
}

func TestCaptureNoChanges(t *testing.T) {
	manager, _ := newTestManager(t, 0)
	ctx := context.Background()

	ws, err := manager.Create(ctx, "noop-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	capture, err := manager.Capture(ctx, ws)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !capture.Empty || capture.Diff != "" {
		t.Errorf("expected empty capture, got %+v", capture)
	}
}

func TestMainCheckoutIgnoresWorkspaces(t *testing.T) {
	manager, repoPath := newTestManager(t, 0)

	if _, err := manager.Create(context.Background(), "ignored-task"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	status := runGit(t, repoPath, "status", "--porcelain")
	if status != "" {
		t.Errorf("main checkout is dirty after Create:\n%s", status)
	}
}

func TestListOrphaned(t *testing.T) {
	manager, _ := newTestManager(t, 0)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return clock }

	old, err := manager.Create(ctx, "old-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	recent, err := manager.Create(ctx, "recent-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := manager.Create(ctx, "running-task"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := manager.MarkTerminal(old.ID, false); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(50 * time.Minute)
	if err := manager.MarkTerminal(recent.ID, false); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(20 * time.Minute)

	orphans := manager.ListOrphaned(time.Hour)
	if len(orphans) != 1 || orphans[0].ID != old.ID {
		t.Fatalf("orphans = %v, want only %s", orphans, old.ID)
	}

	orphans = manager.ListOrphaned(10 * time.Minute)
	if len(orphans) != 2 || orphans[0].ID != old.ID || orphans[1].ID != recent.ID {
		t.Fatalf("expected old then recent, got %d orphans", len(orphans))
	}

	n, err := manager.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep reclaimed %d, want 1", n)
	}
	if _, ok := manager.Get(old.ID); ok {
		t.Error("swept workspace still tracked")
	}
	if got := manager.Outstanding(); got != 2 {
		t.Errorf("Outstanding = %d, want 2", got)
	}
}

func TestList(t *testing.T) {
	manager, _ := newTestManager(t, 0)
	ctx := context.Background()

	ws1, err := manager.Create(ctx, "list-task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ws2, err := manager.Create(ctx, "list-task-2")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	worktrees, err := manager.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	// Main worktree plus the two workspaces
	if len(worktrees) != 3 {
		t.Fatalf("expected 3 worktrees, got %d", len(worktrees))
	}

	found := make(map[string]string)
	for _, wt := range worktrees {
		found[wt.Branch] = wt.TaskID
	}
	if found[ws1.Branch] != "list-task-1" {
		t.Errorf("task for %s = %q", ws1.Branch, found[ws1.Branch])
	}
	if found[ws2.Branch] != "list-task-2" {
		t.Errorf("task for %s = %q", ws2.Branch, found[ws2.Branch])
	}
	if found["main"] != "" {
		t.Errorf("main worktree should carry no task ID")
	}
}

func TestPruneRemovesUntrackedWorkspaces(t *testing.T) {
	manager, repoPath := newTestManager(t, 0)
	ctx := context.Background()

	leftover, err := manager.Create(ctx, "crashed-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A fresh manager (new process) does not track the leftover.
	fresh := NewManager(ManagerConfig{RepoPath: repoPath, BaseBranch: "main"}, nil)
	kept, err := fresh.Create(ctx, "live-task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Too young to remove.
	if n, err := fresh.Prune(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("Prune(1h) = %d, %v; want 0, nil", n, err)
	}
	if _, err := os.Stat(leftover.Path); err != nil {
		t.Fatalf("young workspace removed: %v", err)
	}

	if n, err := fresh.Prune(ctx, 0); err != nil || n != 1 {
		t.Fatalf("Prune(0) = %d, %v; want 1, nil", n, err)
	}

	if _, err := os.Stat(leftover.Path); !os.IsNotExist(err) {
		t.Error("untracked workspace survived Prune")
	}
	if _, err := os.Stat(kept.Path); err != nil {
		t.Errorf("tracked workspace removed by Prune: %v", err)
	}
}

func TestPruneSkipsWorkspacesBeingCreated(t *testing.T) {
	manager, repoPath := newTestManager(t, 0)
	ctx := context.Background()

	// A worktree whose Create call has added it to git but not yet returned.
	branch := "gk/in-flight/0000beef"
	path := filepath.Join(repoPath, ".gatekeeper", "workspaces", "in-flight")
	manager.mu.Lock()
	manager.creating[branch] = true
	manager.mu.Unlock()
	runGit(t, repoPath, "worktree", "add", "-b", branch, path, "main")

	if n, err := manager.Prune(ctx, 0); err != nil || n != 0 {
		t.Fatalf("Prune(0) = %d, %v; want 0, nil", n, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("in-flight workspace removed: %v", err)
	}
	if got := manager.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1 while creating", got)
	}

	manager.mu.Lock()
	delete(manager.creating, branch)
	manager.mu.Unlock()

	if n, err := manager.Prune(ctx, 0); err != nil || n != 1 {
		t.Fatalf("Prune(0) = %d, %v; want 1, nil", n, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("abandoned workspace survived Prune")
	}
}
