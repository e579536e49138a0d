package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/internal/vcs"
	"github.com/nexusdev/nexus/pkg/models"
)

// MergerOptions tunes conflict resolution.
type MergerOptions struct {
	MaxIterations int
	Timeout       time.Duration
	OnEvent       func(Event)
}

// MergeResult is the outcome of integrating one task branch.
type MergeResult struct {
	// Merged is true when the branch landed on the target.
	Merged bool
	// Commit is the merge commit hash when Merged is true.
	Commit string
	// Conflicts lists conflicted paths when the merge could not land.
	Conflicts []string
	// Resolution summarizes how conflicts were resolved, when a resolver
	// ran.
	Resolution string
	Usage      models.TokenUsage
}

// Merger integrates completed task branches into the target branch. When a
// merge conflicts it can attempt a model-driven resolution; if that fails
// the merge is aborted and the conflict is reported for human review.
type Merger struct {
	git    vcs.Client
	runner procrun.Runner
	// resolver is optional; without it conflicts are reported immediately.
	resolver llm.Client
	opts     MergerOptions
}

// NewMerger creates a merger operating on the repository behind git.
// resolver may be nil to disable automatic conflict resolution.
func NewMerger(git vcs.Client, runner procrun.Runner, resolver llm.Client, opts MergerOptions) *Merger {
	return &Merger{git: git, runner: runner, resolver: resolver, opts: opts}
}

// Merge lands branch onto target with a no-fast-forward merge. A conflicted
// merge either resolves (via the resolver) or aborts cleanly; in the abort
// case the returned result carries the conflicted paths and Merged is false.
func (m *Merger) Merge(ctx context.Context, task models.Task, branch, target string) (*MergeResult, error) {
	if err := m.git.CheckoutBranch(ctx, target); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", target, err)
	}

	message := fmt.Sprintf("Merge task %s: %s", task.ID, task.Title)
	hash, err := m.git.MergeNoFF(ctx, branch, message)
	if err == nil {
		return &MergeResult{Merged: true, Commit: hash}, nil
	}

	conflicts, cerr := m.git.ConflictedFiles(ctx)
	if cerr != nil || len(conflicts) == 0 {
		// Not a content conflict. Leave the tree clean and report the
		// underlying failure.
		m.git.MergeAbort(ctx)
		return nil, fmt.Errorf("merge %s into %s: %w", branch, target, err)
	}

	if m.resolver == nil {
		if aerr := m.git.MergeAbort(ctx); aerr != nil {
			return nil, fmt.Errorf("abort conflicted merge: %w", aerr)
		}
		return &MergeResult{Conflicts: conflicts}, nil
	}

	res, rerr := m.resolve(ctx, task, branch, target, conflicts)
	if rerr != nil {
		m.git.MergeAbort(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result := &MergeResult{Conflicts: conflicts}
		if res != nil {
			result.Usage = res.Usage
		}
		return result, nil
	}

	if err := m.git.Add(ctx, conflicts...); err != nil {
		m.git.MergeAbort(ctx)
		return &MergeResult{Conflicts: conflicts, Usage: res.Usage}, nil
	}
	hash, err = m.git.Commit(ctx, message)
	if err != nil {
		m.git.MergeAbort(ctx)
		return &MergeResult{Conflicts: conflicts, Usage: res.Usage}, nil
	}

	return &MergeResult{
		Merged:     true,
		Commit:     hash,
		Conflicts:  conflicts,
		Resolution: res.Output,
		Usage:      res.Usage,
	}, nil
}

// resolve runs the conflict-resolution conversation. The agent may only
// write the conflicted files themselves.
func (m *Merger) resolve(ctx context.Context, task models.Task, branch, target string, conflicts []string) (*LoopResult, error) {
	root := m.git.Root()

	contents := make(map[string]string, len(conflicts))
	for _, path := range conflicts {
		data, err := os.ReadFile(filepath.Join(root, path))
		if err != nil {
			return nil, fmt.Errorf("read conflicted file %s: %w", path, err)
		}
		contents[path] = string(data)
	}

	allowed := make(map[string]struct{}, len(conflicts))
	for _, path := range conflicts {
		allowed[filepath.ToSlash(path)] = struct{}{}
	}

	exec := NewToolExecutor(root, m.runner)
	exec.SetWriteFilter(func(rel string) error {
		if _, ok := allowed[filepath.ToSlash(rel)]; ok {
			return nil
		}
		return fmt.Errorf("%s is not a conflicted file", rel)
	})

	res, err := runLoop(ctx, LoopConfig{
		Client:        m.resolver,
		Agent:         llm.AgentMerger,
		System:        mergerSystemPrompt,
		Tools:         fileTools(),
		Executor:      exec,
		MaxIterations: m.opts.MaxIterations,
		Timeout:       m.opts.Timeout,
		OnEvent:       m.opts.OnEvent,
	}, buildMergePrompt(task.ID, branch, target, contents))
	if err != nil {
		return res, err
	}

	// Every conflicted file must have been rewritten.
	touched := make(map[string]struct{}, len(conflicts))
	for _, path := range exec.Touched() {
		touched[filepath.ToSlash(path)] = struct{}{}
	}
	for _, path := range conflicts {
		if _, ok := touched[filepath.ToSlash(path)]; !ok {
			return res, fmt.Errorf("conflicted file %s was not rewritten", path)
		}
	}
	return res, nil
}
