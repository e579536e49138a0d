package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/vcs"
	"github.com/nexusdev/nexus/internal/worktree"
	"github.com/nexusdev/nexus/pkg/models"
)

// fakeProvider satisfies worktree.Provider without touching git.
type fakeProvider struct {
	mu       sync.Mutex
	created  []string
	released map[string]bool
	failFor  map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		released: make(map[string]bool),
		failFor:  make(map[string]bool),
	}
}

func (f *fakeProvider) Create(ctx context.Context, taskID, baseBranch string) (*worktree.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[taskID] {
		return nil, errors.New("disk full")
	}
	f.created = append(f.created, taskID)
	return &worktree.Info{
		ID:     "wt-" + taskID,
		Path:   "/tmp/wt/" + taskID,
		Branch: worktree.BranchPrefix + taskID,
		TaskID: taskID,
	}, nil
}

func (f *fakeProvider) Release(ctx context.Context, taskID string, destroy bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[taskID] = true
	return nil
}

func (f *fakeProvider) Get(taskID string) (*worktree.Info, bool) { return nil, false }
func (f *fakeProvider) List() []*worktree.Info                   { return nil }
func (f *fakeProvider) Adopt(ctx context.Context, taskID string) (*worktree.Info, error) {
	return nil, worktree.ErrUnknownWorktree
}
func (f *fakeProvider) ListOrphans(ctx context.Context, activeTasks []string) ([]vcs.WorktreeEntry, error) {
	return nil, nil
}
func (f *fakeProvider) CleanupOrphans(ctx context.Context, activeTasks []string, verbose func(string)) (int, error) {
	return 0, nil
}
func (f *fakeProvider) StartupCleanup(ctx context.Context, activeTasks []string) (int, error) {
	return 0, nil
}
func (f *fakeProvider) BaseDir() string { return "/tmp/wt" }

func (f *fakeProvider) releasedTask(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[taskID]
}

// fakeExecutor records execution order and returns canned outcomes.
type fakeExecutor struct {
	mu      sync.Mutex
	order   []string
	active  int
	peak    int
	outcome func(a Assignment) (*Outcome, error)
	delay   time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, a Assignment) (*Outcome, error) {
	f.mu.Lock()
	f.order = append(f.order, a.Task.ID)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.outcome != nil {
		return f.outcome(a)
	}
	return &Outcome{MergeCommit: "commit-" + a.Task.ID}, nil
}

func (f *fakeExecutor) executionOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTask(id string, priority models.TaskPriority) *models.Task {
	return &models.Task{
		ID:        id,
		Title:     "task " + id,
		Priority:  priority,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

// collect subscribes to a kind and returns a locked slice of task IDs.
func collect(b *bus.Bus, kind bus.Kind) func() []string {
	var mu sync.Mutex
	var ids []string
	b.Subscribe(kind, func(e bus.Event) {
		mu.Lock()
		ids = append(ids, e.TaskID)
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	}
}

// startPool starts a pool whose completions feed the returned channel.
func startPool(t *testing.T, exec Executor, wp worktree.Provider, cfg Config) (*Pool, chan Completion) {
	t.Helper()

	completions := make(chan Completion, 64)
	cfg.OnCompletion = func(c Completion) { completions <- c }

	p := New(exec, wp, cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })
	return p, completions
}

func waitCompletions(t *testing.T, ch chan Completion, n int) []Completion {
	t.Helper()
	out := make([]Completion, 0, n)
	for len(out) < n {
		select {
		case c := <-ch:
			out = append(out, c)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completions: got %d, want %d", len(out), n)
		}
	}
	return out
}

func TestPoolRunsTaskToCompletion(t *testing.T) {
	b := bus.New()
	queued := collect(b, bus.TaskQueued)
	started := collect(b, bus.TaskStarted)
	completed := collect(b, bus.TaskCompleted)

	wp := newFakeProvider()
	exec := &fakeExecutor{}
	p, completions := startPool(t, exec, wp, Config{Workers: 2, Bus: b, BaseBranch: "main", CleanupOnRelease: true})

	task := newTask("t1", models.PriorityNormal)
	if err := p.Submit(task, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	c := waitCompletions(t, completions, 1)[0]
	if c.Err != nil {
		t.Fatalf("completion error: %v", c.Err)
	}
	if c.Outcome.MergeCommit != "commit-t1" {
		t.Errorf("MergeCommit = %q, want commit-t1", c.Outcome.MergeCommit)
	}

	if task.Status != models.TaskStatusDone {
		t.Errorf("Status = %q, want done", task.Status)
	}
	if task.MergeCommit != "commit-t1" {
		t.Errorf("task.MergeCommit = %q, want commit-t1", task.MergeCommit)
	}
	if task.StartedAt == nil || task.FinishedAt == nil {
		t.Error("expected StartedAt and FinishedAt to be set")
	}
	if task.AgentID == "" || task.WorktreeID == "" {
		t.Error("expected agent and worktree binding on the task")
	}

	if got := queued(); len(got) != 1 || got[0] != "t1" {
		t.Errorf("queued events = %v", got)
	}
	if got := started(); len(got) != 1 {
		t.Errorf("started events = %v", got)
	}
	if got := completed(); len(got) != 1 {
		t.Errorf("completed events = %v", got)
	}

	if !wp.releasedTask("t1") {
		t.Error("expected worktree release after success")
	}
}

func TestPriorityOrderWithinSingleWorker(t *testing.T) {
	wp := newFakeProvider()
	exec := &fakeExecutor{}

	completions := make(chan Completion, 64)
	p := New(exec, wp, Config{
		Workers:      1,
		OnCompletion: func(c Completion) { completions <- c },
	})

	// Queue everything before the worker exists so the dequeue order is
	// purely the scheduling policy.
	submissions := []struct {
		id       string
		priority models.TaskPriority
	}{
		{"low-1", models.PriorityLow},
		{"normal-1", models.PriorityNormal},
		{"crit-1", models.PriorityCritical},
		{"normal-2", models.PriorityNormal},
		{"high-1", models.PriorityHigh},
		{"crit-2", models.PriorityCritical},
	}
	for _, s := range submissions {
		if err := p.Submit(newTask(s.id, s.priority), ""); err != nil {
			t.Fatalf("Submit %s failed: %v", s.id, err)
		}
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Shutdown(2 * time.Second)

	waitCompletions(t, completions, len(submissions))

	want := []string{"crit-1", "crit-2", "high-1", "normal-1", "normal-2", "low-1"}
	got := exec.executionOrder()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("execution order = %v, want %v", got, want)
	}
}

func TestSchedulingOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	ranks := []models.TaskPriority{
		models.PriorityCritical, models.PriorityHigh,
		models.PriorityNormal, models.PriorityLow,
	}

	properties.Property("single worker dequeues by priority then enqueue order", prop.ForAll(
		func(n int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))

			wp := newFakeProvider()
			exec := &fakeExecutor{}
			completions := make(chan Completion, 128)
			p := New(exec, wp, Config{
				Workers:      1,
				OnCompletion: func(c Completion) { completions <- c },
			})

			type entry struct {
				id   string
				rank int
				seq  int
			}
			entries := make([]entry, n)
			for i := 0; i < n; i++ {
				pr := ranks[rng.Intn(len(ranks))]
				id := fmt.Sprintf("t%02d", i)
				entries[i] = entry{id: id, rank: pr.Rank(), seq: i}
				if err := p.Submit(newTask(id, pr), ""); err != nil {
					return false
				}
			}

			if err := p.Start(context.Background()); err != nil {
				return false
			}
			defer p.Shutdown(2 * time.Second)

			for i := 0; i < n; i++ {
				select {
				case <-completions:
				case <-time.After(5 * time.Second):
					return false
				}
			}

			got := exec.executionOrder()
			if len(got) != n {
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range got {
				pos[id] = i
			}
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					a, b := entries[i], entries[j]
					less := a.rank < b.rank || (a.rank == b.rank && a.seq < b.seq)
					if less && pos[a.id] > pos[b.id] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestRoleCapLimitsConcurrency(t *testing.T) {
	wp := newFakeProvider()

	var mu sync.Mutex
	reviewerActive, reviewerPeak := 0, 0
	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	exec.outcome = func(a Assignment) (*Outcome, error) {
		return &Outcome{MergeCommit: "c-" + a.Task.ID}, nil
	}

	// Wrap to observe per-role concurrency.
	wrapped := executorFunc(func(ctx context.Context, a Assignment) (*Outcome, error) {
		if a.Role == models.RoleReviewer {
			mu.Lock()
			reviewerActive++
			if reviewerActive > reviewerPeak {
				reviewerPeak = reviewerActive
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				reviewerActive--
				mu.Unlock()
			}()
		}
		return exec.Execute(ctx, a)
	})

	p, completions := startPool(t, wrapped, wp, Config{
		Workers:  4,
		RoleCaps: map[models.AgentRole]int{models.RoleReviewer: 1},
	})

	for i := 0; i < 3; i++ {
		if err := p.Submit(newTask(fmt.Sprintf("rev-%d", i), models.PriorityNormal), models.RoleReviewer); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := p.Submit(newTask("code-0", models.PriorityNormal), models.RoleCoder); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitCompletions(t, completions, 4)

	mu.Lock()
	peak := reviewerPeak
	mu.Unlock()
	if peak != 1 {
		t.Errorf("reviewer concurrency peak = %d, want 1", peak)
	}
}

type executorFunc func(ctx context.Context, a Assignment) (*Outcome, error)

func (f executorFunc) Execute(ctx context.Context, a Assignment) (*Outcome, error) {
	return f(ctx, a)
}

func TestEscalationParksTaskAndKeepsWorktree(t *testing.T) {
	b := bus.New()
	failed := collect(b, bus.TaskFailed)
	completed := collect(b, bus.TaskCompleted)

	wp := newFakeProvider()
	exec := &fakeExecutor{outcome: func(a Assignment) (*Outcome, error) {
		return &Outcome{
			Escalated: true,
			ReviewID:  "rev-123",
			QA:        &models.QAResult{TaskID: a.Task.ID, Iterations: 50, Escalated: true},
		}, nil
	}}

	p, completions := startPool(t, exec, wp, Config{Workers: 1, Bus: b})

	task := newTask("t1", models.PriorityHigh)
	if err := p.Submit(task, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	c := waitCompletions(t, completions, 1)[0]
	if !c.Outcome.Escalated {
		t.Fatal("expected escalated outcome")
	}

	if task.Status != models.TaskStatusAwaitingReview {
		t.Errorf("Status = %q, want awaiting_review", task.Status)
	}
	if task.Iterations != 50 {
		t.Errorf("Iterations = %d, want 50", task.Iterations)
	}
	if wp.releasedTask("t1") {
		t.Error("worktree must be held while the task awaits review")
	}
	if got := failed(); len(got) != 0 {
		t.Errorf("unexpected task-failed events: %v", got)
	}
	if got := completed(); len(got) != 0 {
		t.Errorf("unexpected task-completed events: %v", got)
	}
}

func TestExecutorErrorFailsTask(t *testing.T) {
	b := bus.New()
	failed := collect(b, bus.TaskFailed)

	wp := newFakeProvider()
	boom := errors.New("llm unreachable")
	exec := &fakeExecutor{outcome: func(a Assignment) (*Outcome, error) {
		return nil, boom
	}}

	p, completions := startPool(t, exec, wp, Config{Workers: 1, Bus: b})

	task := newTask("t1", models.PriorityNormal)
	if err := p.Submit(task, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	c := waitCompletions(t, completions, 1)[0]
	if !errors.Is(c.Err, boom) {
		t.Errorf("completion error = %v, want wrapped llm error", c.Err)
	}

	if task.Status != models.TaskStatusFailed {
		t.Errorf("Status = %q, want failed", task.Status)
	}
	if task.BlockedReason == "" {
		t.Error("expected a failure reason on the task")
	}
	if got := failed(); len(got) != 1 {
		t.Errorf("failed events = %v, want 1", got)
	}
	if !wp.releasedTask("t1") {
		t.Error("expected worktree release after failure")
	}
}

func TestWorktreeCreateFailureFailsTask(t *testing.T) {
	wp := newFakeProvider()
	wp.failFor["t1"] = true
	exec := &fakeExecutor{}

	p, completions := startPool(t, exec, wp, Config{Workers: 1})

	task := newTask("t1", models.PriorityNormal)
	if err := p.Submit(task, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	c := waitCompletions(t, completions, 1)[0]
	if c.Err == nil {
		t.Fatal("expected completion error")
	}
	if task.Status != models.TaskStatusFailed {
		t.Errorf("Status = %q, want failed", task.Status)
	}
	if len(exec.executionOrder()) != 0 {
		t.Error("executor must not run without a worktree")
	}
}

func TestSubmitValidation(t *testing.T) {
	p := New(&fakeExecutor{}, newFakeProvider(), Config{Workers: 1})

	if err := p.Submit(nil, ""); err == nil {
		t.Error("expected error for nil task")
	}
	if err := p.Submit(&models.Task{}, ""); err == nil {
		t.Error("expected error for empty task id")
	}
	if err := p.Submit(newTask("t1", models.PriorityNormal), models.AgentRole("plumber")); err == nil {
		t.Error("expected error for unknown role")
	}

	done := newTask("t2", models.PriorityNormal)
	done.Status = models.TaskStatusDone
	if err := p.Submit(done, ""); err == nil {
		t.Error("expected error submitting a terminal task")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	wp := newFakeProvider()
	exec := &fakeExecutor{}
	p, _ := startPool(t, exec, wp, Config{Workers: 1})

	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := p.Submit(newTask("late", models.PriorityNormal), ""); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after shutdown = %v, want ErrPoolClosed", err)
	}

	// Second shutdown is a no-op.
	if err := p.Shutdown(time.Second); err != nil {
		t.Errorf("repeat Shutdown = %v, want nil", err)
	}
}

func TestShutdownHardCancelsAfterDeadline(t *testing.T) {
	wp := newFakeProvider()
	exec := &fakeExecutor{delay: 10 * time.Second}

	completions := make(chan Completion, 4)
	p := New(exec, wp, Config{
		Workers:      1,
		OnCompletion: func(c Completion) { completions <- c },
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	task := newTask("slow", models.PriorityNormal)
	if err := p.Submit(task, ""); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Wait for the task to be picked up.
	deadline := time.Now().Add(2 * time.Second)
	for p.Metrics().InFlight == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	if err := p.Shutdown(50 * time.Millisecond); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown took %v, hard cancel did not kick in", elapsed)
	}

	c := waitCompletions(t, completions, 1)[0]
	if c.Err == nil {
		t.Error("expected cancellation error for the in-flight task")
	}
	if task.Status != models.TaskStatusFailed {
		t.Errorf("Status = %q, want failed", task.Status)
	}
	if task.BlockedReason != "canceled" {
		t.Errorf("BlockedReason = %q, want canceled", task.BlockedReason)
	}
}

func TestRemoveAndDrain(t *testing.T) {
	p := New(&fakeExecutor{}, newFakeProvider(), Config{Workers: 1})

	for _, id := range []string{"a", "b", "c"} {
		if err := p.Submit(newTask(id, models.PriorityNormal), ""); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if got := p.Remove("b"); got == nil || got.ID != "b" {
		t.Fatalf("Remove(b) = %v", got)
	}
	if got := p.Remove("b"); got != nil {
		t.Errorf("second Remove(b) = %v, want nil", got)
	}

	rest := p.Drain()
	if len(rest) != 2 || rest[0].ID != "a" || rest[1].ID != "c" {
		t.Errorf("Drain = %v, want [a c]", taskIDs(rest))
	}
	if p.Metrics().QueueLength != 0 {
		t.Errorf("queue length after drain = %d, want 0", p.Metrics().QueueLength)
	}
}

func taskIDs(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestMetricsCounts(t *testing.T) {
	wp := newFakeProvider()
	exec := &fakeExecutor{outcome: func(a Assignment) (*Outcome, error) {
		switch {
		case strings.HasPrefix(a.Task.ID, "ok"):
			return &Outcome{MergeCommit: "c"}, nil
		case strings.HasPrefix(a.Task.ID, "esc"):
			return &Outcome{Escalated: true}, nil
		default:
			return nil, errors.New("boom")
		}
	}}

	p, completions := startPool(t, exec, wp, Config{Workers: 2})

	for _, id := range []string{"ok-1", "ok-2", "esc-1", "bad-1"} {
		if err := p.Submit(newTask(id, models.PriorityNormal), ""); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	waitCompletions(t, completions, 4)

	// The worker decrements in-flight just after delivering the
	// completion; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for p.Metrics().InFlight != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	m := p.Metrics()
	if m.Completed != 2 {
		t.Errorf("Completed = %d, want 2", m.Completed)
	}
	if m.Failed != 1 {
		t.Errorf("Failed = %d, want 1", m.Failed)
	}
	if m.Escalated != 1 {
		t.Errorf("Escalated = %d, want 1", m.Escalated)
	}
	if m.InFlight != 0 || m.QueueLength != 0 {
		t.Errorf("InFlight = %d QueueLength = %d, want 0/0", m.InFlight, m.QueueLength)
	}
}
