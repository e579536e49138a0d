// Package worktree manages the isolated git worktrees agents work in.
// Every task gets at most one worktree, on its own branch, under a base
// directory outside the main checkout.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusdev/nexus/internal/vcs"
)

// BranchPrefix marks branches owned by the engine.
const BranchPrefix = "nexus/"

// ErrTaskHasWorktree is returned when a task already owns a worktree.
var ErrTaskHasWorktree = errors.New("task already has a worktree")

// ErrUnknownWorktree is returned when releasing a handle that was never
// created or was already released.
var ErrUnknownWorktree = errors.New("unknown worktree")

// Info is the handle for one task's worktree.
type Info struct {
	// ID is the short unique identifier of the handle.
	ID string
	// Path is the absolute worktree directory.
	Path string
	// Branch is the task branch checked out in the worktree.
	Branch string
	// TaskID is the owning task.
	TaskID string
	// CreatedAt is when the worktree was created.
	CreatedAt time.Time
}

// gitClient is the slice of the vcs client the manager needs.
type gitClient interface {
	vcs.WorktreeOps
	vcs.BranchOps
}

// Provider defines the interface for worktree management.
// This abstraction allows mocking worktree operations in tests.
type Provider interface {
	// Create makes a fresh worktree for the task, branched off baseBranch.
	Create(ctx context.Context, taskID, baseBranch string) (*Info, error)
	// Release gives a task's worktree back. With destroy it deletes the
	// directory and branch; otherwise the directory stays for inspection.
	Release(ctx context.Context, taskID string, destroy bool) error
	// Adopt reclaims a surviving worktree directory from a previous run.
	Adopt(ctx context.Context, taskID string) (*Info, error)
	// Get returns the live handle for a task, if one exists.
	Get(taskID string) (*Info, bool)
	// List returns every live handle.
	List() []*Info
	// ListOrphans finds engine worktrees whose tasks are not active.
	ListOrphans(ctx context.Context, activeTasks []string) ([]vcs.WorktreeEntry, error)
	// CleanupOrphans removes orphaned worktrees, reporting each removal.
	CleanupOrphans(ctx context.Context, activeTasks []string, verbose func(path string)) (int, error)
	// StartupCleanup reclaims leftovers from a previous crashed run.
	StartupCleanup(ctx context.Context, activeTasks []string) (int, error)
	// BaseDir returns the directory worktrees are created under.
	BaseDir() string
}

// Manager implements Provider on top of the vcs client.
type Manager struct {
	baseDir  string
	repoRoot string
	git      gitClient

	mu     sync.Mutex
	active map[string]*Info
}

// NewManager creates a worktree manager. An empty baseDir defaults to
// ~/.cache/nexus/worktrees.
func NewManager(baseDir, repoRoot string, git gitClient) (*Manager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cache", "nexus", "worktrees")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Manager{
		baseDir:  baseDir,
		repoRoot: repoRoot,
		git:      git,
		active:   make(map[string]*Info),
	}, nil
}

// Create makes a fresh worktree for the task, branched off baseBranch.
// A second create for the same task fails with ErrTaskHasWorktree.
func (m *Manager) Create(ctx context.Context, taskID, baseBranch string) (*Info, error) {
	if taskID == "" {
		return nil, fmt.Errorf("create worktree: empty task id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[taskID]; ok {
		return nil, fmt.Errorf("task %s already bound to %s: %w", taskID, existing.Path, ErrTaskHasWorktree)
	}

	branch := BranchPrefix + taskID
	path := filepath.Join(m.baseDir, taskID)

	if err := m.git.WorktreeAddNewBranch(ctx, path, branch, baseBranch); err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", taskID, err)
	}

	info := &Info{
		ID:        uuid.New().String()[:8],
		Path:      path,
		Branch:    branch,
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}
	m.active[taskID] = info
	return info, nil
}

// Release gives a task's worktree back. Releasing an unknown task is an
// error: it means bookkeeping and reality diverged.
func (m *Manager) Release(ctx context.Context, taskID string, destroy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[taskID]
	if !ok {
		return fmt.Errorf("release %s: %w", taskID, ErrUnknownWorktree)
	}

	if destroy {
		if err := m.git.WorktreeRemove(ctx, info.Path, true); err != nil {
			// Git lost track of it; take the directory out directly.
			if rmErr := os.RemoveAll(info.Path); rmErr != nil {
				return fmt.Errorf("remove worktree %s: %w", info.Path, err)
			}
		}
		// The branch outlives the worktree; drop it too.
		_ = m.git.DeleteBranch(ctx, info.Branch)
		_ = m.git.WorktreePrune(ctx)
	}

	delete(m.active, taskID)
	return nil
}

// Adopt rebuilds the live handle for a task whose worktree survived a
// previous run. The directory and branch names are deterministic, so a
// restart can reclaim a parked worktree without recreating it.
func (m *Manager) Adopt(ctx context.Context, taskID string) (*Info, error) {
	if taskID == "" {
		return nil, fmt.Errorf("adopt worktree: empty task id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[taskID]; ok {
		return existing, nil
	}

	branch := BranchPrefix + taskID
	path := filepath.Join(m.baseDir, taskID)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("adopt worktree for %s: %w", taskID, err)
	}
	exists, err := m.git.BranchExists(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("adopt worktree for %s: %w", taskID, err)
	}
	if !exists {
		return nil, fmt.Errorf("adopt worktree for %s: branch %s missing: %w", taskID, branch, ErrUnknownWorktree)
	}

	info := &Info{
		ID:        uuid.New().String()[:8],
		Path:      path,
		Branch:    branch,
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}
	m.active[taskID] = info
	return info, nil
}

// Get returns the live handle for a task, if one exists.
func (m *Manager) Get(taskID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[taskID]
	return info, ok
}

// List returns every live handle, in no particular order.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Info, 0, len(m.active))
	for _, info := range m.active {
		out = append(out, info)
	}
	return out
}

// ListOrphans finds engine worktrees whose tasks are not in activeTasks.
// Foreign worktrees and the main checkout are never reported.
func (m *Manager) ListOrphans(ctx context.Context, activeTasks []string) ([]vcs.WorktreeEntry, error) {
	entries, err := m.git.WorktreeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	activeSet := make(map[string]bool, len(activeTasks))
	for _, id := range activeTasks {
		activeSet[id] = true
	}

	var orphans []vcs.WorktreeEntry
	for _, entry := range entries {
		if entry.Path == m.repoRoot {
			continue
		}
		if !strings.HasPrefix(entry.Branch, BranchPrefix) {
			continue
		}
		taskID := strings.TrimPrefix(entry.Branch, BranchPrefix)
		if activeSet[taskID] {
			continue
		}
		orphans = append(orphans, entry)
	}
	return orphans, nil
}

// CleanupOrphans removes orphaned worktrees and their branches, returning
// how many were reclaimed.
func (m *Manager) CleanupOrphans(ctx context.Context, activeTasks []string, verbose func(path string)) (int, error) {
	orphans, err := m.ListOrphans(ctx, activeTasks)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range orphans {
		if err := m.git.WorktreeRemove(ctx, entry.Path, true); err != nil {
			if rmErr := os.RemoveAll(entry.Path); rmErr != nil {
				continue
			}
		}
		if entry.Branch != "" {
			_ = m.git.DeleteBranch(ctx, entry.Branch)
		}
		if verbose != nil {
			verbose(entry.Path)
		}
		removed++
	}

	_ = m.git.WorktreePrune(ctx)
	return removed, nil
}

// StartupCleanup reclaims leftovers from a previous crashed run.
func (m *Manager) StartupCleanup(ctx context.Context, activeTasks []string) (int, error) {
	return m.CleanupOrphans(ctx, activeTasks, nil)
}

// BaseDir returns the directory worktrees are created under.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Verify Manager implements Provider at compile time.
var _ Provider = (*Manager)(nil)
