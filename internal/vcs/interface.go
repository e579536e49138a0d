// Package vcs adapts version-control operations to the fixed vocabulary
// the engine needs. All verbs shell out through the process runner, so
// the command blocklist and timeouts apply to them too.
package vcs

import "context"

// BranchOps defines the interface for branch operations.
type BranchOps interface {
	// CurrentBranch returns the name of the checked-out branch.
	CurrentBranch(ctx context.Context) (string, error)
	// CreateBranch creates a branch without switching to it.
	CreateBranch(ctx context.Context, name string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(ctx context.Context, name string) error
	// BranchExists returns true if the branch exists locally.
	BranchExists(ctx context.Context, name string) (bool, error)
	// DeleteBranch force-deletes the specified branch.
	DeleteBranch(ctx context.Context, name string) error
}

// CommitOps defines the interface for staging and committing.
type CommitOps interface {
	// AddAll stages every change in the working tree.
	AddAll(ctx context.Context) error
	// Add stages the specified paths.
	Add(ctx context.Context, paths ...string) error
	// Commit records staged changes and returns the new commit hash.
	Commit(ctx context.Context, message string) (string, error)
	// HeadCommit returns the hash the current branch points at.
	HeadCommit(ctx context.Context) (string, error)
}

// DiffOps defines the interface for diff and status inspection.
type DiffOps interface {
	// Status returns porcelain status output.
	Status(ctx context.Context) (string, error)
	// HasChanges returns true if the working tree is dirty.
	HasChanges(ctx context.Context) (bool, error)
	// Diff returns the diff of the working tree against base.
	Diff(ctx context.Context, base string) (string, error)
	// DiffRelative returns the triple-dot diff of branch against relativeTo.
	DiffRelative(ctx context.Context, branch, relativeTo string) (string, error)
	// ChangedFiles lists files changed in the working tree against base.
	ChangedFiles(ctx context.Context, base string) ([]string, error)
	// ChangedFilesRelative lists files a branch changed relative to another.
	ChangedFilesRelative(ctx context.Context, branch, relativeTo string) ([]string, error)
	// ConflictedFiles lists paths with unmerged changes.
	ConflictedFiles(ctx context.Context) ([]string, error)
}

// MergeOps defines the interface for landing branches.
type MergeOps interface {
	// MergeNoFF merges branch into the current branch with a merge commit
	// and returns the merge commit hash.
	MergeNoFF(ctx context.Context, branch, message string) (string, error)
	// MergeAbort abandons an in-progress merge.
	MergeAbort(ctx context.Context) error
}

// WorktreeEntry is one parsed record from worktree list output.
type WorktreeEntry struct {
	// Path is the absolute worktree directory.
	Path string
	// Head is the commit the worktree has checked out.
	Head string
	// Branch is the short branch name, empty when detached.
	Branch string
}

// WorktreeOps defines the interface for linked worktree management.
type WorktreeOps interface {
	// WorktreeAdd attaches an existing branch at path.
	WorktreeAdd(ctx context.Context, path, branch string) error
	// WorktreeAddNewBranch creates branch at base and attaches it at path.
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error
	// WorktreeRemove detaches the worktree at path.
	WorktreeRemove(ctx context.Context, path string, force bool) error
	// WorktreeList returns every linked worktree of the repository.
	WorktreeList(ctx context.Context) ([]WorktreeEntry, error)
	// WorktreePrune drops stale worktree bookkeeping.
	WorktreePrune(ctx context.Context) error
}

// IdentityOps defines the interface for commit identity management.
type IdentityOps interface {
	// EnsureIdentity makes sure commits in this repository will carry
	// an author, configuring a local fallback identity if none is set.
	EnsureIdentity(ctx context.Context) error
}

// Client defines the complete interface for version-control operations.
// Consumers should prefer the focused interfaces when possible.
type Client interface {
	BranchOps
	CommitOps
	DiffOps
	MergeOps
	WorktreeOps
	IdentityOps
	// Root returns the directory the client operates in.
	Root() string
	// At returns a client bound to another directory, sharing the same
	// runner. Used to address individual worktrees.
	At(dir string) Client
}
