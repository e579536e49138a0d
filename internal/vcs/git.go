package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexusdev/nexus/internal/procrun"
)

// fallbackName and fallbackEmail identify engine-authored commits when
// the repository has no identity configured.
const (
	fallbackName  = "nexus"
	fallbackEmail = "nexus@localhost"
)

// Git implements Client by shelling out to git through the process runner.
type Git struct {
	runner  procrun.Runner
	dir     string
	timeout time.Duration
}

// NewGit creates a git client operating in dir.
func NewGit(runner procrun.Runner, dir string) *Git {
	return &Git{runner: runner, dir: dir, timeout: time.Minute}
}

// SetTimeout overrides the per-command timeout.
func (g *Git) SetTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

// Root returns the directory the client operates in.
func (g *Git) Root() string {
	return g.dir
}

// At returns a client bound to another directory, sharing the runner.
func (g *Git) At(dir string) Client {
	return &Git{runner: g.runner, dir: dir, timeout: g.timeout}
}

// run executes a git command and returns trimmed stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	res, err := g.runner.Run(ctx, procrun.Command{
		Name:    "git",
		Args:    args,
		Dir:     g.dir,
		Timeout: g.timeout,
	})
	if err != nil {
		var output string
		if res != nil {
			output = strings.TrimSpace(res.Stdout + res.Stderr)
		}
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// runSilent executes a git command and discards its output.
func (g *Git) runSilent(ctx context.Context, args ...string) error {
	_, err := g.run(ctx, args...)
	return err
}

// CurrentBranch returns the name of the checked-out branch.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranch creates a branch without switching to it.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	return g.runSilent(ctx, "branch", name)
}

// CheckoutBranch switches to the specified branch.
func (g *Git) CheckoutBranch(ctx context.Context, name string) error {
	return g.runSilent(ctx, "checkout", name)
}

// BranchExists returns true if the branch exists locally.
func (g *Git) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := g.runner.Run(ctx, procrun.Command{
		Name:    "git",
		Args:    []string{"show-ref", "--verify", "--quiet", "refs/heads/" + name},
		Dir:     g.dir,
		Timeout: g.timeout,
	})
	if err != nil {
		// Exit code 1 means the branch does not exist.
		var ee *procrun.ExitError
		if errors.As(err, &ee) && ee.Code == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch %s: %w", name, err)
	}
	return true, nil
}

// DeleteBranch force-deletes the specified branch.
func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	return g.runSilent(ctx, "branch", "-D", name)
}

// AddAll stages every change in the working tree.
func (g *Git) AddAll(ctx context.Context) error {
	return g.runSilent(ctx, "add", "-A")
}

// Add stages the specified paths.
func (g *Git) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	return g.runSilent(ctx, args...)
}

// Commit records staged changes and returns the new commit hash.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if err := g.runSilent(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx)
}

// HeadCommit returns the hash the current branch points at.
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// Status returns porcelain status output.
func (g *Git) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain")
}

// HasChanges returns true if the working tree is dirty.
func (g *Git) HasChanges(ctx context.Context) (bool, error) {
	status, err := g.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// Diff returns the diff of the working tree against base.
func (g *Git) Diff(ctx context.Context, base string) (string, error) {
	return g.run(ctx, "diff", base)
}

// DiffRelative returns the triple-dot diff of branch against relativeTo.
func (g *Git) DiffRelative(ctx context.Context, branch, relativeTo string) (string, error) {
	return g.run(ctx, "diff", relativeTo+"..."+branch)
}

// ChangedFiles lists files changed in the working tree against base.
func (g *Git) ChangedFiles(ctx context.Context, base string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ChangedFilesRelative lists files a branch changed relative to another.
func (g *Git) ChangedFilesRelative(ctx context.Context, branch, relativeTo string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", relativeTo+"..."+branch)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ConflictedFiles lists paths with unmerged changes.
func (g *Git) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// MergeNoFF merges branch into the current branch with a merge commit.
func (g *Git) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	if err := g.runSilent(ctx, "merge", "--no-ff", "-m", message, branch); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx)
}

// MergeAbort abandons an in-progress merge.
func (g *Git) MergeAbort(ctx context.Context) error {
	return g.runSilent(ctx, "merge", "--abort")
}

// WorktreeAdd attaches an existing branch at path.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch string) error {
	return g.runSilent(ctx, "worktree", "add", path, branch)
}

// WorktreeAddNewBranch creates branch at base and attaches it at path.
func (g *Git) WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error {
	return g.runSilent(ctx, "worktree", "add", "-b", branch, path, base)
}

// WorktreeRemove detaches the worktree at path.
func (g *Git) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return g.runSilent(ctx, args...)
}

// WorktreeList returns every linked worktree of the repository.
func (g *Git) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// WorktreePrune drops stale worktree bookkeeping.
func (g *Git) WorktreePrune(ctx context.Context) error {
	return g.runSilent(ctx, "worktree", "prune")
}

// EnsureIdentity configures a local fallback identity when the
// repository has none, so engine commits never fail on a missing author.
func (g *Git) EnsureIdentity(ctx context.Context) error {
	if _, err := g.run(ctx, "config", "user.email"); err == nil {
		return nil
	}
	if err := g.runSilent(ctx, "config", "user.name", fallbackName); err != nil {
		return fmt.Errorf("set user.name: %w", err)
	}
	if err := g.runSilent(ctx, "config", "user.email", fallbackEmail); err != nil {
		return fmt.Errorf("set user.email: %w", err)
	}
	return nil
}

// splitLines splits trimmed command output into lines, nil when empty.
func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// parseWorktreeList parses `git worktree list --porcelain` output.
// Records are blank-line separated:
//
//	worktree /path/to/wt
//	HEAD abc123
//	branch refs/heads/nexus/t1
func parseWorktreeList(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur *WorktreeEntry

	flush := func() {
		if cur != nil && cur.Path != "" {
			entries = append(entries, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && cur != nil:
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return entries
}

// Verify Git implements Client at compile time.
var _ Client = (*Git)(nil)
