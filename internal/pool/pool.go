// Package pool dispatches queued tasks to agent executors under a
// bounded concurrency limit. It owns the task queue, the worker slots,
// and the binding of each running task to its worktree; everything the
// agents actually do happens behind the Executor interface.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/worktree"
	"github.com/nexusdev/nexus/pkg/models"
)

// ErrPoolClosed is returned by Submit after shutdown has begun.
var ErrPoolClosed = errors.New("pool is shutting down")

// ErrNotStarted is returned by Shutdown when Start was never called.
var ErrNotStarted = errors.New("pool not started")

// ErrAlreadyStarted is returned by Start on a running pool.
var ErrAlreadyStarted = errors.New("pool already started")

// Assignment is one dequeued task bound to a worktree and a role.
// The executor must treat the task as read-only; status transitions
// belong to the pool.
type Assignment struct {
	Task     *models.Task
	Role     models.AgentRole
	Worktree *worktree.Info
}

// Outcome describes how an assignment ended. Executors return an error
// only for infrastructure failures; a task that ran to a verdict always
// comes back as an Outcome.
type Outcome struct {
	// MergeCommit is set when the task's branch landed on the
	// integration branch.
	MergeCommit string
	// Escalated is true when the task parked on a human review instead
	// of finishing.
	Escalated bool
	// ReviewID names the pending review when Escalated.
	ReviewID string
	// QA is the final QA loop result, when the loop ran.
	QA *models.QAResult
	// FilesChanged lists the files the agents touched.
	FilesChanged []string
	// Usage sums model token consumption across the task's agents.
	Usage models.TokenUsage
	// Failure explains a terminal failure when no merge landed and the
	// task did not escalate.
	Failure string
}

// Executor runs one bound task end to end: agent work, QA loop, merge.
type Executor interface {
	Execute(ctx context.Context, a Assignment) (*Outcome, error)
}

// Completion is delivered to the OnCompletion hook for every task the
// pool dequeued, whatever the result. Exactly one of the cases holds:
// Err set (infrastructure failure), Outcome.Escalated, or a terminal
// success/failure outcome.
type Completion struct {
	Task    *models.Task
	Outcome *Outcome
	Err     error
}

// Config contains the knobs for a Pool.
type Config struct {
	// Workers bounds concurrent assignments. Values below 1 become 1.
	Workers int
	// RoleCaps optionally bounds concurrency per role. Roles without an
	// entry share the global worker count.
	RoleCaps map[models.AgentRole]int
	// BaseBranch is the branch task worktrees fork from.
	BaseBranch string
	// CleanupOnRelease removes worktree directories when tasks finish.
	CleanupOnRelease bool
	// TaskTimeout bounds one assignment end to end. Zero means no bound;
	// the QA iteration cap is then the binding constraint.
	TaskTimeout time.Duration
	// Bus receives task lifecycle events, when set.
	Bus *bus.Bus
	// OnCompletion is invoked synchronously from the worker goroutine
	// after each dequeued task settles. Used by the coordinator for wave
	// accounting; must not block.
	OnCompletion func(Completion)
}

// Metrics is a point-in-time snapshot of pool state.
type Metrics struct {
	QueueLength int
	InFlight    int
	// Busy counts running assignments per role.
	Busy map[models.AgentRole]int
	// Completed, Failed and Escalated count settled tasks since Start.
	Completed int
	Failed    int
	Escalated int
}

type item struct {
	task *models.Task
	role models.AgentRole
	seq  uint64
}

// Pool is the bounded-concurrency task dispatcher.
type Pool struct {
	cfg       Config
	exec      Executor
	worktrees worktree.Provider

	mu   sync.Mutex
	cond *sync.Cond
	// queue holds one FIFO bucket per priority rank; rank 4 catches
	// unknown priorities behind low.
	queue    [5][]*item
	queued   int
	seq      uint64
	busy     map[models.AgentRole]int
	inFlight int

	completed int
	failed    int
	escalated int

	started  bool
	draining bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pool. Start must be called before submissions run.
func New(exec Executor, worktrees worktree.Provider, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	p := &Pool{
		cfg:       cfg,
		exec:      exec,
		worktrees: worktrees,
		busy:      make(map[models.AgentRole]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines. The context bounds the pool's
// lifetime; cancelling it hard-stops all work.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(p.cfg.Workers)
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(p.ctx)
	}

	// Wake blocked workers when the context dies so they can exit.
	go func() {
		<-p.ctx.Done()
		p.cond.Broadcast()
	}()

	log.Printf("[pool] started %d workers", p.cfg.Workers)
	return nil
}

// Submit enqueues a task. The zero roleHint selects the coder. The task
// must be in a status that allows queuing.
func (p *Pool) Submit(task *models.Task, roleHint models.AgentRole) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("submit: task without id")
	}
	role := roleHint
	if role == "" {
		role = models.RoleCoder
	}
	if !role.Valid() {
		return fmt.Errorf("submit %s: unknown role %q", task.ID, role)
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if task.Status != models.TaskStatusQueued {
		if !task.Status.CanTransition(models.TaskStatusQueued) {
			p.mu.Unlock()
			return fmt.Errorf("submit %s: cannot queue from status %s", task.ID, task.Status)
		}
		task.Status = models.TaskStatusQueued
	}

	rank := task.Priority.Rank()
	if rank >= len(p.queue) {
		rank = len(p.queue) - 1
	}
	it := &item{task: task, role: role, seq: p.seq}
	p.seq++
	p.queue[rank] = append(p.queue[rank], it)
	p.queued++
	p.mu.Unlock()

	p.publish(bus.TaskQueued, task, "")
	p.cond.Signal()
	return nil
}

// Remove takes a still-queued task out of the queue and returns it.
// Returns nil when the task is not queued (unknown, running, settled).
func (p *Pool) Remove(taskID string) *models.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for rank := range p.queue {
		for i, it := range p.queue[rank] {
			if it.task.ID == taskID {
				p.queue[rank] = append(p.queue[rank][:i], p.queue[rank][i+1:]...)
				p.queued--
				return it.task
			}
		}
	}
	return nil
}

// Drain empties the queue and returns the tasks that never ran, in
// priority-then-enqueue order. Running tasks are unaffected.
func (p *Pool) Drain() []*models.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*models.Task
	for rank := range p.queue {
		for _, it := range p.queue[rank] {
			out = append(out, it.task)
		}
		p.queue[rank] = nil
	}
	p.queued = 0
	return out
}

// Shutdown stops accepting work, lets running tasks finish until the
// deadline, then hard-cancels the rest. Queued tasks that never started
// stay in the queue; use Drain to collect them.
func (p *Pool) Shutdown(deadline time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		log.Printf("[pool] shutdown deadline elapsed, cancelling in-flight work")
		p.cancel()
		<-done
	}
	p.cancel()
	return nil
}

// Metrics returns a snapshot of queue and worker state.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := make(map[models.AgentRole]int, len(p.busy))
	for role, n := range p.busy {
		if n > 0 {
			busy[role] = n
		}
	}
	return Metrics{
		QueueLength: p.queued,
		InFlight:    p.inFlight,
		Busy:        busy,
		Completed:   p.completed,
		Failed:      p.failed,
		Escalated:   p.escalated,
	}
}

// worker pulls items until the pool drains or the context dies.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		it, ok := p.take(ctx)
		if !ok {
			return
		}
		p.run(ctx, it)
	}
}

// take blocks until an item is runnable, the pool drains, or the
// context dies.
func (p *Pool) take(ctx context.Context) (*item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil || p.draining {
			return nil, false
		}
		if it := p.nextLocked(); it != nil {
			p.busy[it.role]++
			p.inFlight++
			return it, true
		}
		p.cond.Wait()
	}
}

// nextLocked pops the highest-priority runnable item, skipping entries
// whose role is at its cap. Caller holds p.mu.
func (p *Pool) nextLocked() *item {
	for rank := range p.queue {
		for i, it := range p.queue[rank] {
			if p.roleCappedLocked(it.role) {
				continue
			}
			p.queue[rank] = append(p.queue[rank][:i], p.queue[rank][i+1:]...)
			p.queued--
			return it
		}
	}
	return nil
}

func (p *Pool) roleCappedLocked(role models.AgentRole) bool {
	limit, ok := p.cfg.RoleCaps[role]
	if !ok {
		return false
	}
	return p.busy[role] >= limit
}

// run executes the binding protocol for one dequeued item: create the
// worktree, mark the task in progress, invoke the executor, settle the
// task, release the worktree.
func (p *Pool) run(ctx context.Context, it *item) {
	defer func() {
		p.mu.Lock()
		p.busy[it.role]--
		p.inFlight--
		p.mu.Unlock()
		p.cond.Broadcast()
	}()

	task := it.task

	// Tasks resumed after a human review come back with their worktree
	// still attached; everything else gets a fresh one.
	wt, ok := p.worktrees.Get(task.ID)
	if !ok {
		var err error
		wt, err = p.worktrees.Create(ctx, task.ID, p.cfg.BaseBranch)
		if err != nil {
			log.Printf("[pool] worktree for task %s: %v", task.ID, err)
			p.settleFailed(task, fmt.Sprintf("worktree: %v", err))
			p.complete(Completion{Task: task, Err: err})
			return
		}
	}

	now := time.Now()
	p.mu.Lock()
	task.Status = models.TaskStatusInProgress
	task.StartedAt = &now
	task.WorktreeID = wt.ID
	task.AgentID = uuid.New().String()[:8]
	p.mu.Unlock()
	p.publish(bus.TaskStarted, task, "")

	runCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	out, err := p.exec.Execute(runCtx, Assignment{Task: task, Role: it.role, Worktree: wt})

	switch {
	case err != nil:
		reason := err.Error()
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			reason = "canceled"
		}
		p.settleFailed(task, reason)
		p.releaseWorktree(task.ID)
		p.complete(Completion{Task: task, Err: err})

	case out.Escalated:
		p.mu.Lock()
		task.Status = models.TaskStatusAwaitingReview
		if out.QA != nil {
			task.Iterations = out.QA.Iterations
		}
		p.escalated++
		p.mu.Unlock()
		// The worktree borrow passes to the coordinator until the human
		// decides; releasing here would destroy the work under review.
		p.complete(Completion{Task: task, Outcome: out})

	case out.MergeCommit != "":
		finished := time.Now()
		p.mu.Lock()
		task.Status = models.TaskStatusDone
		task.MergeCommit = out.MergeCommit
		if out.QA != nil {
			task.Iterations = out.QA.Iterations
		}
		task.FinishedAt = &finished
		p.completed++
		p.mu.Unlock()
		p.publish(bus.TaskCompleted, task, "")
		p.releaseWorktree(task.ID)
		p.complete(Completion{Task: task, Outcome: out})

	default:
		reason := out.Failure
		if reason == "" {
			reason = "finished without merge commit"
		}
		p.settleFailed(task, reason)
		p.releaseWorktree(task.ID)
		p.complete(Completion{Task: task, Outcome: out})
	}
}

// settleFailed moves a task to failed and publishes the event.
func (p *Pool) settleFailed(task *models.Task, reason string) {
	finished := time.Now()
	p.mu.Lock()
	task.Status = models.TaskStatusFailed
	task.BlockedReason = reason
	task.FinishedAt = &finished
	p.failed++
	p.mu.Unlock()
	p.publish(bus.TaskFailed, task, reason)
}

// releaseWorktree returns a task's worktree, destroying it when the
// config says so. Runs on a background context so cleanup proceeds even
// after a hard cancel.
func (p *Pool) releaseWorktree(taskID string) {
	if err := p.worktrees.Release(context.Background(), taskID, p.cfg.CleanupOnRelease); err != nil {
		log.Printf("[pool] release worktree for %s: %v", taskID, err)
	}
}

func (p *Pool) complete(c Completion) {
	if p.cfg.OnCompletion != nil {
		p.cfg.OnCompletion(c)
	}
}

func (p *Pool) publish(kind bus.Kind, task *models.Task, reason string) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Publish(bus.Event{
		Kind:    kind,
		TaskID:  task.ID,
		Payload: bus.TaskPayload{Task: task, Reason: reason},
	})
}
