// Package git wraps the git CLI operations shared by the workspace manager
// and the merge engine.
package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Error describes a failed git invocation.
type Error struct {
	Args     []string
	Output   string // Stderr
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %v (output: %s)", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *Error) Unwrap() error { return e.Err }

// Repo runs git commands against a single repository directory.
type Repo struct {
	Dir string
}

// Open returns a Repo rooted at dir.
func Open(dir string) *Repo {
	return &Repo{Dir: dir}
}

// Run executes git with args in the repository directory and returns stdout
// with surrounding whitespace trimmed.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	return RunIn(ctx, r.Dir, args...)
}

// RunIn executes git with args in dir. Stderr never reaches the returned
// output; on failure it is kept in the *Error.
func RunIn(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())
	if err != nil {
		gerr := &Error{Args: args, Output: stderr.String(), Err: err, ExitCode: -1}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			gerr.ExitCode = exitErr.ExitCode()
		}
		return output, gerr
	}
	return output, nil
}

// RevParse resolves a revision to a full object name.
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	return r.Run(ctx, "rev-parse", "--verify", rev+"^{commit}")
}

// BranchRef returns the full ref name for a branch.
func BranchRef(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}

// UpdateRef moves ref from oldRev to newRev atomically. git refuses the
// update when the ref no longer points at oldRev.
func (r *Repo) UpdateRef(ctx context.Context, ref, newRev, oldRev, reason string) error {
	args := []string{"update-ref"}
	if reason != "" {
		args = append(args, "-m", reason)
	}
	args = append(args, ref, newRev, oldRev)
	_, err := r.Run(ctx, args...)
	return err
}

// MergeTree computes the tree of merging theirs into ours without touching
// any ref, index or working tree. When the merge conflicts, it returns the
// conflicting paths and a nil error.
func (r *Repo) MergeTree(ctx context.Context, ours, theirs string) (tree string, conflicts []string, err error) {
	output, err := r.Run(ctx, "merge-tree", "--write-tree", "--name-only", "--no-messages", ours, theirs)
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && gerr.ExitCode == 1 {
			return "", parseMergeTreeConflicts(output), nil
		}
		return "", nil, err
	}
	lines := strings.Split(output, "\n")
	return strings.TrimSpace(lines[0]), nil, nil
}

// parseMergeTreeConflicts reads the file list following the tree OID in
// `merge-tree --name-only` output.
func parseMergeTreeConflicts(output string) []string {
	var conflicts []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			continue
		}
		if line == "" {
			break
		}
		if !seen[line] {
			seen[line] = true
			conflicts = append(conflicts, line)
		}
	}
	return conflicts
}

// CommitTree creates a commit object for tree with the given parents.
func (r *Repo) CommitTree(ctx context.Context, tree, message string, parents ...string) (string, error) {
	args := []string{"commit-tree", tree, "-m", message}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	return r.Run(ctx, args...)
}

// Diff returns the unified diff between two revisions.
func (r *Repo) Diff(ctx context.Context, from, to string) (string, error) {
	return r.Run(ctx, "diff", "--no-color", "--no-ext-diff", from, to)
}

// TreeOf returns the tree object of a revision.
func (r *Repo) TreeOf(ctx context.Context, rev string) (string, error) {
	return r.Run(ctx, "rev-parse", rev+"^{tree}")
}
