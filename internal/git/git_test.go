package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// initRepo creates a repository on branch main with a single commit.
func initRepo(t *testing.T) *Repo {
	t.Helper()

	dir := t.TempDir()
	steps := [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"checkout", "-b", "main"},
	}
	for _, args := range steps {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, output)
		}
	}
	writeAndCommit(t, dir, "README.md", "# Test Repo\n", "initial commit")
	return Open(dir)
}

func writeAndCommit(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", msg}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, output)
		}
	}
}

func TestRunReportsExitCode(t *testing.T) {
	repo := initRepo(t)

	_, err := repo.Run(context.Background(), "rev-parse", "--verify", "does-not-exist")
	if err == nil {
		t.Fatal("expected error for unknown revision")
	}
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *git.Error, got %T", err)
	}
	if gerr.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
	if !strings.Contains(gerr.Output, "does-not-exist") && !strings.Contains(gerr.Output, "fatal") {
		t.Errorf("expected stderr in error output, got %q", gerr.Output)
	}
}

func TestRunKeepsStderrOutOfOutput(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	head, err := repo.RevParse(ctx, "main")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}
	// A tag and a branch with the same name make rev-parse warn on stderr.
	for _, args := range [][]string{{"tag", "twin"}, {"branch", "twin"}} {
		if _, err := repo.Run(ctx, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}

	got, err := repo.Run(ctx, "rev-parse", "twin")
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	if got != head {
		t.Errorf("expected bare object name %s, got %q", head, got)
	}
}

func TestUpdateRefCompareAndSwap(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	first, err := repo.RevParse(ctx, "main")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}
	writeAndCommit(t, repo.Dir, "a.txt", "a\n", "second")
	second, err := repo.RevParse(ctx, "main")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}

	// Stale old value must be refused.
	if err := repo.UpdateRef(ctx, BranchRef("main"), first, first, "stale"); err == nil {
		t.Fatal("expected CAS failure with stale old revision")
	}

	if err := repo.UpdateRef(ctx, BranchRef("main"), first, second, "rewind"); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	head, _ := repo.RevParse(ctx, "main")
	if head != first {
		t.Errorf("main = %s, want %s", head, first)
	}
}

func TestMergeTreeDetectsConflicts(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	run := func(args ...string) {
		t.Helper()
		if _, err := repo.Run(ctx, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}

	run("checkout", "-b", "left")
	writeAndCommit(t, repo.Dir, "README.md", "left\n", "left change")
	run("checkout", "main")
	run("checkout", "-b", "right")
	writeAndCommit(t, repo.Dir, "README.md", "right\n", "right change")
	run("checkout", "main")

	tree, conflicts, err := repo.MergeTree(ctx, "left", "right")
	if err != nil {
		t.Fatalf("MergeTree: %v", err)
	}
	if tree != "" {
		t.Errorf("expected no tree on conflict, got %s", tree)
	}
	if len(conflicts) != 1 || conflicts[0] != "README.md" {
		t.Errorf("conflicts = %v, want [README.md]", conflicts)
	}
}

func TestMergeTreeCleanMerge(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	if _, err := repo.Run(ctx, "checkout", "-b", "feature"); err != nil {
		t.Fatal(err)
	}
	writeAndCommit(t, repo.Dir, "feature.txt", "feature\n", "feature")
	if _, err := repo.Run(ctx, "checkout", "main"); err != nil {
		t.Fatal(err)
	}

	tree, conflicts, err := repo.MergeTree(ctx, "main", "feature")
	if err != nil {
		t.Fatalf("MergeTree: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
	featureTree, _ := repo.TreeOf(ctx, "feature")
	if tree != featureTree {
		t.Errorf("merged tree = %s, want %s", tree, featureTree)
	}
}

func TestParseMergeTreeConflicts(t *testing.T) {
	output := "4b825dc642cb6eb9a060e54bf8d69288fbee4904\na.go\nb.go\na.go\n\nAuto-merging a.go\n"
	got := parseMergeTreeConflicts(output)
	if len(got) != 2 || got[0] != "a.go" || got[1] != "b.go" {
		t.Errorf("got %v", got)
	}
}
