// Package coordinator composes the engine: it turns submitted features
// into dependency-ordered waves, drives the waves through the agent
// pool, and is the single place where task outcomes become plan-level
// action. Blocking the dependents of a failed task, acting on replan
// decisions, resuming reviewed tasks, and finalizing plans all happen
// here; every other component only reports what it saw.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/decompose"
	"github.com/nexusdev/nexus/internal/estimate"
	"github.com/nexusdev/nexus/internal/graph"
	"github.com/nexusdev/nexus/internal/pool"
	"github.com/nexusdev/nexus/internal/replan"
	"github.com/nexusdev/nexus/internal/review"
	"github.com/nexusdev/nexus/internal/state"
	"github.com/nexusdev/nexus/internal/worktree"
	"github.com/nexusdev/nexus/pkg/models"
)

// ErrShuttingDown is returned by SubmitFeature once Shutdown has begun.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// ErrUnknownPlan is returned for plan IDs the store has never seen.
var ErrUnknownPlan = errors.New("unknown plan")

// ErrPlanNotRunning is returned by Cancel for plans that already settled.
var ErrPlanNotRunning = errors.New("plan is not running")

// Executor runs one bound task end to end: agent work, QA loop, merge.
// Execute is the normal path. The resume variants re-enter a task a
// human just decided: ResumeApproved merges the parked worktree as it
// stands, ResumeRejected reworks it with the reviewer's feedback first.
type Executor interface {
	Execute(ctx context.Context, a pool.Assignment) (*pool.Outcome, error)
	ResumeApproved(ctx context.Context, a pool.Assignment, resolution string) (*pool.Outcome, error)
	ResumeRejected(ctx context.Context, a pool.Assignment, feedback string) (*pool.Outcome, error)
}

// Planner turns a feature into tasks. The decompose package's
// Decomposer satisfies it.
type Planner interface {
	Decompose(ctx context.Context, feature models.Feature) ([]models.Task, error)
}

// Options wires a Coordinator. Store, Worktrees, Bus, Reviews, Monitor,
// Planner, Estimator and Executor are required.
type Options struct {
	Store     state.Store
	Worktrees worktree.Provider
	Bus       *bus.Bus
	Reviews   *review.Service
	Monitor   *replan.Monitor
	Planner   Planner
	Estimator *estimate.Estimator
	Executor  Executor

	// ProjectRoot anchors the signal drop directory and the calibration
	// snapshot. Empty disables both.
	ProjectRoot string
	// BaseBranch is the integration branch plans merge into.
	BaseBranch string
	// Workers bounds concurrent task executions.
	Workers int
	// RoleCaps optionally bounds concurrency per agent role.
	RoleCaps map[models.AgentRole]int
	// TaskTimeout bounds one task execution end to end. Zero leaves the
	// QA iteration cap as the only bound.
	TaskTimeout time.Duration
	// CleanupOnRelease removes worktree directories when tasks settle.
	CleanupOnRelease bool
	// BudgetMinutes is the per-part effort budget used when a replan
	// decision splits a task. Zero means the decomposer default.
	BudgetMinutes int
	// SweepInterval is the replan monitor cadence. Zero means 30s.
	SweepInterval time.Duration
	// StopGrace bounds draining when a stop signal file arrives. Zero
	// means 30s.
	StopGrace time.Duration
}

// SubmitOptions tunes one feature submission.
type SubmitOptions struct {
	// Priority overrides the feature's own priority classification.
	Priority models.FeaturePriority
}

// resumeDirective tells the dispatcher how to re-enter a reviewed task.
type resumeDirective struct {
	approved bool
	// text is the approval resolution or the rejection feedback.
	text string
}

// Coordinator owns every running plan. One instance serves a project.
type Coordinator struct {
	opts  Options
	pool  *pool.Pool
	pause *PauseController

	mu        sync.Mutex
	runs      map[string]*planRun
	taskRuns  map[string]*planRun
	cancels   map[string]context.CancelFunc
	resumes   map[string]resumeDirective
	parked    map[string]string        // task ID -> review ID, escalation recall in flight
	aborted   map[string]string        // task ID -> reason, abort recall in flight
	splitting map[string][]models.Task // task ID -> prepared parts, split recall in flight
	started   bool

	draining atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subs    []*bus.Subscription
	signals *SignalWatcher
}

// New builds a Coordinator and its agent pool. Call Start before
// submitting features.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("coordinator: nil store")
	case opts.Worktrees == nil:
		return nil, errors.New("coordinator: nil worktree provider")
	case opts.Bus == nil:
		return nil, errors.New("coordinator: nil bus")
	case opts.Reviews == nil:
		return nil, errors.New("coordinator: nil review service")
	case opts.Monitor == nil:
		return nil, errors.New("coordinator: nil replan monitor")
	case opts.Planner == nil:
		return nil, errors.New("coordinator: nil planner")
	case opts.Estimator == nil:
		return nil, errors.New("coordinator: nil estimator")
	case opts.Executor == nil:
		return nil, errors.New("coordinator: nil executor")
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	if opts.BudgetMinutes <= 0 {
		opts.BudgetMinutes = decompose.DefaultBudgetMinutes
	}

	c := &Coordinator{
		opts:      opts,
		pause:     NewPauseController(),
		runs:      make(map[string]*planRun),
		taskRuns:  make(map[string]*planRun),
		cancels:   make(map[string]context.CancelFunc),
		resumes:   make(map[string]resumeDirective),
		parked:    make(map[string]string),
		aborted:   make(map[string]string),
		splitting: make(map[string][]models.Task),
	}
	c.pool = pool.New(&dispatcher{c: c}, opts.Worktrees, pool.Config{
		Workers:          opts.Workers,
		RoleCaps:         opts.RoleCaps,
		BaseBranch:       opts.BaseBranch,
		CleanupOnRelease: opts.CleanupOnRelease,
		TaskTimeout:      opts.TaskTimeout,
		Bus:              opts.Bus,
		OnCompletion:     c.onCompletion,
	})
	return c, nil
}

// Start brings the engine up: event subscriptions, leftover-worktree
// cleanup, the calibration snapshot, the replan sweep loop, the agent
// pool, and the signal watcher. It does not block.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.subs = append(c.subs,
		c.opts.Bus.Subscribe(bus.TaskStarted, c.onTaskStarted),
		c.opts.Bus.Subscribe(bus.StageCompleted, c.onStageCompleted),
		c.opts.Bus.Subscribe(bus.ReplanDecision, c.onReplanDecision),
		c.opts.Bus.Subscribe(bus.ReviewResolved, c.onReviewResolved),
	)

	// worktrees parked behind a pending review survive restarts; the
	// rest are leftovers from interrupted runs
	active, err := c.awaitingTaskIDs()
	if err != nil {
		log.Printf("[coordinator] startup: list parked tasks: %v", err)
	}
	if n, err := c.opts.Worktrees.StartupCleanup(c.ctx, active); err != nil {
		log.Printf("[coordinator] startup worktree cleanup: %v", err)
	} else if n > 0 {
		log.Printf("[coordinator] startup: reclaimed %d leftover worktrees", n)
	}

	if c.opts.ProjectRoot != "" {
		if err := c.opts.Estimator.Load(estimate.SnapshotPath(c.opts.ProjectRoot)); err != nil {
			log.Printf("[coordinator] load calibration: %v", err)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.opts.Monitor.Run(c.ctx, c.opts.SweepInterval)
	}()

	if err := c.pool.Start(c.ctx); err != nil {
		return err
	}

	if c.opts.ProjectRoot != "" {
		w, err := NewSignalWatcher(DefaultSignalsDir(c.opts.ProjectRoot), SignalHooks{
			OnStop:   func() { go c.Shutdown(c.opts.StopGrace) },
			OnPause:  c.pause.Pause,
			OnResume: c.pause.Resume,
		})
		if err != nil {
			log.Printf("[coordinator] signal watcher: %v", err)
		} else {
			c.signals = w
		}
	}
	return nil
}

// SubmitFeature decomposes the feature, resolves its dependency waves,
// annotates estimates, persists the plan, and starts executing it. The
// plan ID returns immediately; progress is observable through Status
// and the event bus.
func (c *Coordinator) SubmitFeature(ctx context.Context, feature models.Feature, opts SubmitOptions) (string, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return "", errors.New("coordinator not started")
	}
	if c.draining.Load() {
		return "", ErrShuttingDown
	}

	if strings.TrimSpace(feature.Title) == "" {
		return "", errors.New("submit feature: empty title")
	}
	if opts.Priority != "" {
		if !opts.Priority.Valid() {
			return "", fmt.Errorf("submit feature: invalid priority %q", opts.Priority)
		}
		feature.Priority = opts.Priority
	}
	if feature.ID == "" {
		feature.ID = uuid.New().String()[:8]
	}
	if feature.Priority == "" {
		feature.Priority = models.FeatureShould
	}

	tasks, err := c.opts.Planner.Decompose(ctx, feature)
	if err != nil {
		return "", fmt.Errorf("decompose feature %s: %w", feature.ID, err)
	}
	c.opts.Estimator.Annotate(tasks)

	g, err := graph.Build(tasks)
	if err != nil {
		return "", fmt.Errorf("resolve feature %s: %w", feature.ID, err)
	}
	waves, err := g.Waves()
	if err != nil {
		return "", fmt.Errorf("resolve feature %s: %w", feature.ID, err)
	}

	now := time.Now()
	plan := &state.Plan{
		ID:          uuid.New().String()[:8],
		FeatureID:   feature.ID,
		Title:       feature.Title,
		Description: feature.Description,
		Priority:    feature.Priority,
		Status:      state.PlanPlanning,
		BaseBranch:  c.opts.BaseBranch,
		Waves:       waves,
		CreatedAt:   now,
	}
	if err := c.opts.Store.CreatePlan(plan); err != nil {
		return "", fmt.Errorf("persist plan: %w", err)
	}
	for i := range tasks {
		if tasks[i].Status == "" {
			tasks[i].Status = models.TaskStatusPending
		}
		if tasks[i].CreatedAt.IsZero() {
			tasks[i].CreatedAt = now
		}
		if err := c.opts.Store.CreateTask(plan.ID, &tasks[i]); err != nil {
			return "", fmt.Errorf("persist task %s: %w", tasks[i].ID, err)
		}
	}
	plan.Status = state.PlanRunning
	if err := c.opts.Store.UpdatePlan(plan); err != nil {
		return "", fmt.Errorf("persist plan: %w", err)
	}

	c.startRun(plan, tasks)
	log.Printf("[coordinator] plan %s: %d tasks in %d waves for feature %q",
		plan.ID, len(tasks), len(waves), feature.Title)
	return plan.ID, nil
}

func (c *Coordinator) startRun(plan *state.Plan, tasks []models.Task) {
	run := newPlanRun(plan, tasks)
	c.mu.Lock()
	c.runs[plan.ID] = run
	for id := range run.tasks {
		c.taskRuns[id] = run
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runPlan(run)
}

// ResumePlans restarts every plan a previous process left unfinished.
// Interrupted tasks were handed back as pending at shutdown; whatever
// the reset misses (a crash) is caught here. Parked tasks reclaim their
// surviving worktrees, and reviews decided while no engine was running
// are applied. Returns the resumed plan IDs.
func (c *Coordinator) ResumePlans(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, errors.New("coordinator not started")
	}

	plans, err := c.opts.Store.IncompletePlans()
	if err != nil {
		return nil, err
	}

	var resumed []string
	for i := range plans {
		plan := plans[i]
		if len(plan.Waves) == 0 {
			// died between planning and task persistence; nothing to run
			now := time.Now()
			plan.Status = state.PlanFailed
			plan.FinishedAt = &now
			if err := c.opts.Store.UpdatePlan(&plan); err != nil {
				log.Printf("[coordinator] resume: fail empty plan %s: %v", plan.ID, err)
			}
			continue
		}
		if _, err := c.opts.Store.ResetInFlightTasks(plan.ID); err != nil {
			log.Printf("[coordinator] resume: reset plan %s: %v", plan.ID, err)
			continue
		}
		tasks, err := c.opts.Store.ListTasks(plan.ID)
		if err != nil {
			log.Printf("[coordinator] resume: load plan %s: %v", plan.ID, err)
			continue
		}

		plan.Status = state.PlanRunning
		if err := c.opts.Store.UpdatePlan(&plan); err != nil {
			log.Printf("[coordinator] resume: persist plan %s: %v", plan.ID, err)
		}

		run := newPlanRun(&plan, tasks)
		c.reclaimParked(ctx, run)

		c.mu.Lock()
		c.runs[plan.ID] = run
		for id := range run.tasks {
			c.taskRuns[id] = run
		}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.runPlan(run)

		c.applyOfflineDecisions(run)
		resumed = append(resumed, plan.ID)
		log.Printf("[coordinator] resumed plan %s (%d tasks)", plan.ID, len(tasks))
	}
	return resumed, nil
}

// reclaimParked re-registers the worktrees of tasks awaiting review. A
// parked task whose worktree did not survive restarts from scratch.
func (c *Coordinator) reclaimParked(ctx context.Context, run *planRun) {
	for id, task := range run.tasks {
		if task.Status != models.TaskStatusAwaitingReview {
			continue
		}
		if _, err := c.opts.Worktrees.Adopt(ctx, id); err != nil {
			log.Printf("[coordinator] adopt worktree for %s: %v; restarting task", shortID(id), err)
			task.Status = models.TaskStatusPending
			task.WorktreeID, task.AgentID = "", ""
			task.Iterations = 0
			task.StartedAt, task.FinishedAt = nil, nil
			if err := c.opts.Store.UpdateTask(task); err != nil {
				log.Printf("[coordinator] persist task %s: %v", shortID(id), err)
			}
			run.mu.Lock()
			run.view[id] = *task
			run.mu.Unlock()
		}
	}
}

// applyOfflineDecisions catches up on reviews decided while no engine
// was running. Parked tasks whose latest request was resolved resume or
// abort now; tasks parked with no request at all get a fresh manual one
// so an operator can still unblock them.
func (c *Coordinator) applyOfflineDecisions(run *planRun) {
	all, err := c.opts.Reviews.All()
	if err != nil {
		log.Printf("[coordinator] resume: list reviews: %v", err)
		return
	}
	byTask := make(map[string][]models.ReviewRequest)
	for _, r := range all {
		byTask[r.TaskID] = append(byTask[r.TaskID], r)
	}

	run.mu.Lock()
	var parked []string
	for id, v := range run.view {
		if v.Status == models.TaskStatusAwaitingReview {
			parked = append(parked, id)
		}
	}
	run.mu.Unlock()
	sort.Strings(parked)

	for _, id := range parked {
		var hasPending bool
		var latest *models.ReviewRequest
		reqs := byTask[id]
		for i := range reqs {
			switch {
			case reqs[i].Status == models.ReviewPending:
				hasPending = true
			case reqs[i].Resolved() && (latest == nil || reqs[i].CreatedAt.After(latest.CreatedAt)):
				latest = &reqs[i]
			}
		}
		switch {
		case hasPending:
			// still waiting on the human
		case latest != nil:
			c.applyResolution(run, id, latest)
		default:
			task := c.viewTask(run, id)
			rid, err := c.opts.Reviews.Request(task, models.ReasonManual, models.ReviewContext{
				SuggestedAction: "approve to merge the parked work, reject with feedback to rework it",
			})
			if err != nil {
				log.Printf("[coordinator] resume: file review for %s: %v", shortID(id), err)
			} else {
				log.Printf("[coordinator] resume: filed review %s for parked task %s", shortID(rid), shortID(id))
			}
		}
	}
}

// Status reports a plan's progress. Running plans answer from memory,
// settled ones from the store.
func (c *Coordinator) Status(planID string) (*PlanStatus, error) {
	c.mu.Lock()
	run := c.runs[planID]
	c.mu.Unlock()
	if run != nil {
		run.mu.Lock()
		plan := *run.plan
		tasks := make([]models.Task, 0, len(run.view))
		for _, v := range run.view {
			tasks = append(tasks, v)
		}
		run.mu.Unlock()
		return Summarize(plan, tasks), nil
	}

	plan, err := c.opts.Store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrUnknownPlan)
	}
	tasks, err := c.opts.Store.ListTasks(planID)
	if err != nil {
		return nil, err
	}
	return Summarize(*plan, tasks), nil
}

// Plans lists every plan the store knows, newest first, optionally
// filtered by status.
func (c *Coordinator) Plans(status *state.PlanStatus) ([]state.Plan, error) {
	return c.opts.Store.ListPlans(status)
}

// Metrics exposes the agent pool's counters.
func (c *Coordinator) Metrics() pool.Metrics {
	return c.pool.Metrics()
}

// Pause holds newly dequeued tasks at a barrier before any agent work
// begins. Tasks already past the barrier finish normally.
func (c *Coordinator) Pause() { c.pause.Pause() }

// Resume lifts the pause barrier.
func (c *Coordinator) Resume() { c.pause.Resume() }

// Paused reports whether the dispatch barrier is down.
func (c *Coordinator) Paused() bool { return c.pause.IsPaused() }

// Cancel cooperatively aborts a running plan: queued tasks leave the
// pool and revert to pending, in-flight tasks get their contexts
// canceled, and the call blocks until every dispatched task settled.
// No merge lands after Cancel returns.
func (c *Coordinator) Cancel(planID string) error {
	c.mu.Lock()
	run := c.runs[planID]
	c.mu.Unlock()
	if run == nil {
		plan, err := c.opts.Store.GetPlan(planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return fmt.Errorf("cancel %s: %w", planID, ErrUnknownPlan)
		}
		return fmt.Errorf("cancel %s: %w", planID, ErrPlanNotRunning)
	}

	run.canceled.Store(true)

	run.mu.Lock()
	dispatched := make([]string, 0, len(run.pending))
	for id := range run.pending {
		dispatched = append(dispatched, id)
	}
	run.mu.Unlock()

	// queued tasks leave before a worker reaches them
	for _, id := range dispatched {
		t := c.pool.Remove(id)
		if t == nil {
			continue
		}
		t.Status = models.TaskStatusPending
		if err := c.opts.Store.UpdateTask(t); err != nil {
			log.Printf("[coordinator] persist task %s: %v", shortID(id), err)
		}
		run.mu.Lock()
		run.view[id] = *t
		delete(run.pending, id)
		run.mu.Unlock()
	}

	// in-flight tasks stop at their next stage boundary
	c.mu.Lock()
	for id := range run.tasks {
		if cancel, ok := c.cancels[id]; ok {
			cancel()
		}
	}
	c.mu.Unlock()

	run.kickNow()
	<-run.done
	log.Printf("[coordinator] plan %s canceled", planID)
	return nil
}

// Shutdown drains the engine: no new submissions, running tasks get the
// deadline to finish, stragglers are hard-canceled and handed back as
// pending for a later resume. Parked worktrees stay on disk so pending
// reviews survive the restart. Safe to call more than once.
func (c *Coordinator) Shutdown(deadline time.Duration) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errors.New("coordinator not started")
	}

	log.Printf("[coordinator] shutdown: draining with %v grace", deadline)
	c.pause.Stop()
	if err := c.pool.Shutdown(deadline); err != nil && !errors.Is(err, pool.ErrNotStarted) {
		log.Printf("[coordinator] pool shutdown: %v", err)
	}

	// tasks still queued never ran; hand them back for the next run
	for _, t := range c.pool.Drain() {
		t.Status = models.TaskStatusPending
		t.WorktreeID, t.AgentID = "", ""
		if err := c.opts.Store.UpdateTask(t); err != nil {
			log.Printf("[coordinator] persist task %s: %v", shortID(t.ID), err)
		}
	}

	c.cancel()
	c.wg.Wait()

	if c.signals != nil {
		c.signals.Close()
	}
	for _, s := range c.subs {
		s.Cancel()
	}

	// drop handles only; parked worktrees stay on disk for resume
	for _, info := range c.opts.Worktrees.List() {
		if err := c.opts.Worktrees.Release(context.Background(), info.TaskID, false); err != nil {
			log.Printf("[coordinator] release worktree %s: %v", shortID(info.TaskID), err)
		}
	}

	c.saveCalibration()
	log.Printf("[coordinator] shutdown complete")
	return nil
}

// runPlan drives one plan to settlement. The loop advances waves, keeps
// ready tasks flowing into the pool, and sleeps between events. Engine
// shutdown exits without finalizing so the plan can resume later.
func (c *Coordinator) runPlan(run *planRun) {
	defer c.wg.Done()
	defer close(run.done)

	for {
		c.advance(run)
		if c.planSettled(run) {
			break
		}
		select {
		case <-run.kick:
		case <-c.ctx.Done():
			return
		}
	}
	c.finalize(run)
}

// advance pushes the plan as far forward as it can go: whole waves
// enter the dispatch set once the previous wave terminated, ready tasks
// go to the pool, and tasks whose prerequisites failed settle as
// blocked without ever dispatching. Blocking can complete a wave and
// doom further tasks, so the sweep repeats until nothing moves.
func (c *Coordinator) advance(run *planRun) {
	for {
		var submit []*models.Task
		type doomed struct {
			task *models.Task
			dep  string
		}
		var blocked []doomed

		run.mu.Lock()
		for run.waveIdx < len(run.waves) && run.waveDoneLocked(run.waveIdx-1) && !run.canceled.Load() {
			for _, id := range run.waves[run.waveIdx].TaskIDs {
				if run.settledLocked(id) {
					continue
				}
				run.deferred[id] = struct{}{}
			}
			run.waveIdx++
		}
		if !run.canceled.Load() && !c.draining.Load() {
			for id := range run.deferred {
				switch st, dep := run.prereqStateLocked(id); st {
				case prereqDoomed:
					delete(run.deferred, id)
					blocked = append(blocked, doomed{run.tasks[id], dep})
				case prereqReady:
					delete(run.deferred, id)
					run.pending[id] = struct{}{}
					submit = append(submit, run.tasks[id])
				}
			}
		}
		run.mu.Unlock()

		if len(submit) == 0 && len(blocked) == 0 {
			return
		}
		for _, d := range blocked {
			c.settleBlocked(run, d.task, d.dep)
		}
		for _, t := range submit {
			if err := c.pool.Submit(t, models.RoleCoder); err != nil {
				log.Printf("[coordinator] submit %s: %v", shortID(t.ID), err)
				run.mu.Lock()
				delete(run.pending, t.ID)
				run.deferred[t.ID] = struct{}{}
				run.mu.Unlock()
			}
		}
		if len(blocked) == 0 {
			return
		}
	}
}

// settleBlocked parks a never-dispatched task whose prerequisite failed.
// No event fires: nothing started, nothing finished.
func (c *Coordinator) settleBlocked(run *planRun, task *models.Task, failedDep string) {
	task.Status = models.TaskStatusBlocked
	task.BlockedReason = "dependency_failed:" + failedDep
	if err := c.opts.Store.UpdateTask(task); err != nil {
		log.Printf("[coordinator] persist task %s: %v", shortID(task.ID), err)
	}
	run.mu.Lock()
	run.view[task.ID] = *task
	run.mu.Unlock()
	log.Printf("[coordinator] task %s blocked: dependency %s failed", shortID(task.ID), shortID(failedDep))
}

// planSettled reports whether nothing in the plan can move anymore:
// nothing dispatched, no wave left to open, and no task parked on a
// pending review. A canceled plan settles as soon as its dispatched
// tasks drain.
func (c *Coordinator) planSettled(run *planRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	if len(run.pending) != 0 {
		return false
	}
	if run.canceled.Load() {
		return true
	}
	return run.waveIdx >= len(run.waves) && len(run.deferred) == 0 && !run.hasAwaitingLocked()
}

// finalize stamps the plan's terminal status: canceled when Cancel won,
// completed when every wave member merged, failed otherwise.
func (c *Coordinator) finalize(run *planRun) {
	run.mu.Lock()
	total, merged := 0, 0
	for _, w := range run.waves {
		for _, id := range w.TaskIDs {
			total++
			if run.view[id].Status == models.TaskStatusDone {
				merged++
			}
		}
	}
	run.mu.Unlock()

	status := state.PlanCompleted
	if merged != total {
		status = state.PlanFailed
	}
	if run.canceled.Load() {
		status = state.PlanCanceled
	}

	now := time.Now()
	run.mu.Lock()
	run.plan.Status = status
	run.plan.FinishedAt = &now
	planCopy := *run.plan
	run.mu.Unlock()
	if err := c.opts.Store.UpdatePlan(&planCopy); err != nil {
		log.Printf("[coordinator] finalize plan %s: %v", planCopy.ID, err)
	}

	c.mu.Lock()
	delete(c.runs, run.plan.ID)
	for id := range run.tasks {
		delete(c.taskRuns, id)
	}
	c.mu.Unlock()

	c.saveCalibration()
	log.Printf("[coordinator] plan %s %s: %d/%d tasks merged", run.plan.ID, status, merged, total)
}

func (c *Coordinator) saveCalibration() {
	if c.opts.ProjectRoot == "" || c.opts.Estimator.Samples() == 0 {
		return
	}
	if err := c.opts.Estimator.Save(estimate.SnapshotPath(c.opts.ProjectRoot)); err != nil {
		log.Printf("[coordinator] save calibration: %v", err)
	}
}

// onCompletion is the pool's settle hook, running on the worker
// goroutine after the pool's own bookkeeping. It persists the outcome,
// folds it into the run view, feeds the estimator, and wakes the plan
// loop. Split recalls divert to supersede instead.
func (c *Coordinator) onCompletion(done pool.Completion) {
	task := done.Task

	c.mu.Lock()
	run := c.taskRuns[task.ID]
	parts := c.splitting[task.ID]
	staleReview, wasParked := c.parked[task.ID]
	delete(c.splitting, task.ID)
	delete(c.parked, task.ID)
	delete(c.aborted, task.ID)
	c.mu.Unlock()
	if run == nil {
		return
	}

	if parts != nil && done.Outcome != nil && done.Outcome.Escalated && done.Outcome.ReviewID == "" {
		c.supersede(run, task, parts)
		return
	}
	if wasParked && task.Status == models.TaskStatusDone {
		// the recall lost the race with a clean finish
		log.Printf("[coordinator] task %s merged before recall; review %s stays pending",
			shortID(task.ID), shortID(staleReview))
	}

	if done.Err != nil && c.draining.Load() {
		// interrupted by shutdown, not failed: hand it back
		task.Status = models.TaskStatusPending
		task.BlockedReason = ""
		task.WorktreeID, task.AgentID = "", ""
		task.StartedAt, task.FinishedAt = nil, nil
		task.Iterations = 0
	}

	if err := c.opts.Store.UpdateTask(task); err != nil {
		log.Printf("[coordinator] persist task %s: %v", shortID(task.ID), err)
	}

	run.mu.Lock()
	run.view[task.ID] = *task
	delete(run.pending, task.ID)
	run.mu.Unlock()

	if task.Status == models.TaskStatusDone && task.StartedAt != nil && task.FinishedAt != nil {
		c.opts.Estimator.Observe(task.EstimatedMinutes, task.FinishedAt.Sub(*task.StartedAt))
	}
	run.kickNow()
}

// supersede replaces a recalled task with its split parts. The final
// part reuses the task's ID, so its canonical struct is rewritten in
// place and downstream dependents never notice the surgery. The
// abandoned attempt's worktree is destroyed: the final part will
// recreate the same branch from scratch.
func (c *Coordinator) supersede(run *planRun, task *models.Task, parts []models.Task) {
	if task.WorktreeID != "" {
		if err := c.opts.Worktrees.Release(context.Background(), task.ID, true); err != nil {
			log.Printf("[coordinator] discard split worktree %s: %v", shortID(task.ID), err)
		}
	}
	// The final part reuses this ID; the abandoned attempt's stage trail
	// would read as its history.
	if err := c.opts.Store.PurgeStageResults(task.ID); err != nil {
		log.Printf("[coordinator] purge stage trail %s: %v", shortID(task.ID), err)
	}

	now := time.Now()
	for i := range parts {
		parts[i].CreatedAt = now
	}
	chainIDs := make([]string, len(parts))
	for i := range parts {
		chainIDs[i] = parts[i].ID
	}

	run.mu.Lock()
	*task = parts[len(parts)-1]
	run.view[task.ID] = *task
	for i := 0; i < len(parts)-1; i++ {
		p := parts[i]
		run.tasks[p.ID] = &p
		run.view[p.ID] = p
	}
	for _, p := range parts {
		run.deps[p.ID] = filterKnown(run.tasks, p.DependsOn)
	}
splice:
	for wi := range run.waves {
		members := run.waves[wi].TaskIDs
		for ti, id := range members {
			if id != task.ID {
				continue
			}
			spliced := make([]string, 0, len(members)+len(parts)-1)
			spliced = append(spliced, members[:ti]...)
			spliced = append(spliced, chainIDs...)
			spliced = append(spliced, members[ti+1:]...)
			run.waves[wi].TaskIDs = spliced
			break splice
		}
	}
	run.plan.Waves = run.waves
	delete(run.pending, task.ID)
	for _, id := range chainIDs {
		run.deferred[id] = struct{}{}
	}
	planCopy := *run.plan
	run.mu.Unlock()

	for i := 0; i < len(parts)-1; i++ {
		if err := c.opts.Store.CreateTask(run.plan.ID, &parts[i]); err != nil {
			log.Printf("[coordinator] persist part %s: %v", shortID(parts[i].ID), err)
		}
	}
	if err := c.opts.Store.UpdateTask(task); err != nil {
		log.Printf("[coordinator] persist task %s: %v", shortID(task.ID), err)
	}
	if err := c.opts.Store.UpdatePlan(&planCopy); err != nil {
		log.Printf("[coordinator] persist plan %s: %v", planCopy.ID, err)
	}

	c.mu.Lock()
	for _, id := range chainIDs {
		c.taskRuns[id] = run
	}
	c.mu.Unlock()

	log.Printf("[coordinator] task %s split into %d parts", shortID(task.ID), len(parts))
	run.kickNow()
}

// onTaskStarted persists the binding the pool just wrote. The bus is
// synchronous, so the task's fields are stable while the handler runs.
func (c *Coordinator) onTaskStarted(e bus.Event) {
	p, ok := e.Payload.(bus.TaskPayload)
	if !ok || p.Task == nil {
		return
	}
	c.mu.Lock()
	run := c.taskRuns[e.TaskID]
	c.mu.Unlock()
	if run == nil {
		return
	}
	if err := c.opts.Store.UpdateTask(p.Task); err != nil {
		log.Printf("[coordinator] persist task %s: %v", shortID(e.TaskID), err)
	}
	run.mu.Lock()
	run.view[e.TaskID] = *p.Task
	run.mu.Unlock()
}

// onStageCompleted checkpoints the stage trail and refreshes the replan
// monitor's picture of the task.
func (c *Coordinator) onStageCompleted(e bus.Event) {
	p, ok := e.Payload.(bus.StagePayload)
	if !ok || p.Result == nil {
		return
	}
	if err := c.opts.Store.RecordStageResult(e.TaskID, p.Result); err != nil {
		log.Printf("[coordinator] record stage result for %s: %v", shortID(e.TaskID), err)
	}

	c.mu.Lock()
	run := c.taskRuns[e.TaskID]
	c.mu.Unlock()
	var elapsed time.Duration
	if run != nil {
		run.mu.Lock()
		if v, ok := run.view[e.TaskID]; ok && v.StartedAt != nil {
			elapsed = time.Since(*v.StartedAt)
		}
		run.mu.Unlock()
	}

	res := p.Result
	iteration := p.Iteration
	c.opts.Monitor.Update(e.TaskID, func(ec *models.ExecutionContext) {
		ec.Iteration = iteration
		if elapsed > 0 {
			ec.Elapsed = elapsed
		}
		if res.Passed {
			return
		}
		ec.ConsecutiveFailures++
		ec.RecentErrors = appendTail(ec.RecentErrors, res.ErrorStrings(), 10)
	})
}

// onReplanDecision is where replan policy becomes mechanism. The
// monitor only recommends; acting on the recommendation happens here,
// and only for tasks still in progress.
func (c *Coordinator) onReplanDecision(e bus.Event) {
	p, ok := e.Payload.(bus.ReplanPayload)
	if !ok || p.Decision == nil || !p.Decision.Replan {
		return
	}
	d := p.Decision

	c.mu.Lock()
	run := c.taskRuns[d.TaskID]
	c.mu.Unlock()
	if run == nil {
		return
	}
	if v := c.viewTask(run, d.TaskID); v.Status != models.TaskStatusInProgress {
		return
	}

	log.Printf("[coordinator] replan %s for task %s: %s", d.Action, shortID(d.TaskID), replanSummary(d))
	switch d.Action {
	case models.ReplanReestimate:
		c.applyReestimate(run, d)
	case models.ReplanEscalate:
		c.applyEscalate(run, d)
	case models.ReplanAbort:
		c.applyAbort(d)
	case models.ReplanSplit:
		c.applySplit(run, d)
	}
}

// applyReestimate raises the estimate to double, or to elapsed plus
// half again when the task already outran that, so the time trigger
// quiets down while the task keeps its slot. The new figure persists
// with the task's eventual settle.
func (c *Coordinator) applyReestimate(run *planRun, d *models.ReplanDecision) {
	run.mu.Lock()
	task := run.tasks[d.TaskID]
	v := run.view[d.TaskID]
	run.mu.Unlock()
	if task == nil {
		return
	}

	elapsed := int(v.Elapsed(time.Now()).Minutes())
	revised := task.EstimatedMinutes * 2
	if floor := elapsed + elapsed/2; floor > revised {
		revised = floor
	}
	if revised <= task.EstimatedMinutes {
		revised = task.EstimatedMinutes + 15
	}

	task.EstimatedMinutes = revised
	run.mu.Lock()
	v = run.view[d.TaskID]
	v.EstimatedMinutes = revised
	run.view[d.TaskID] = v
	run.mu.Unlock()

	c.opts.Monitor.Update(d.TaskID, func(ec *models.ExecutionContext) {
		ec.EstimatedMinutes = revised
	})
	log.Printf("[coordinator] task %s re-estimated to %dm", shortID(d.TaskID), revised)
}

// applyEscalate files a durable review, then recalls the task. The
// dispatcher sees the mark and parks the task on the review instead of
// failing it. Filing first means a recall that loses the race to a
// clean finish leaves only a dangling pending review.
func (c *Coordinator) applyEscalate(run *planRun, d *models.ReplanDecision) {
	task := c.viewTask(run, d.TaskID)
	reviewID, err := c.opts.Reviews.Request(task, models.ReasonReplanEscalation, models.ReviewContext{
		SuggestedAction: replanSummary(d),
	})
	if err != nil {
		log.Printf("[coordinator] file escalation review for %s: %v", shortID(d.TaskID), err)
		return
	}

	c.mu.Lock()
	c.parked[d.TaskID] = reviewID
	cancel := c.cancels[d.TaskID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// applyAbort recalls the task and fails it with the replanner's
// reasoning. Dependents block when their dispatch turn comes.
func (c *Coordinator) applyAbort(d *models.ReplanDecision) {
	c.mu.Lock()
	c.aborted[d.TaskID] = "replan: " + replanSummary(d)
	cancel := c.cancels[d.TaskID]
	if cancel == nil {
		delete(c.aborted, d.TaskID)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// applySplit cuts a struggling task into a chain of smaller parts and
// recalls the in-flight attempt, discarding its partial work. When the
// task offers nothing to cut along, escalation is the fallback.
func (c *Coordinator) applySplit(run *planRun, d *models.ReplanDecision) {
	base := c.viewTask(run, d.TaskID)
	if base.ID == "" {
		return
	}
	base.Status = models.TaskStatusPending
	base.Iterations = 0
	base.WorktreeID, base.AgentID, base.MergeCommit, base.BlockedReason = "", "", "", ""
	base.StartedAt, base.FinishedAt = nil, nil
	if base.EstimatedMinutes <= c.opts.BudgetMinutes {
		base.EstimatedMinutes = 2 * c.opts.BudgetMinutes
	}

	parts := decompose.SplitOversized([]models.Task{base}, c.opts.BudgetMinutes)
	if len(parts) < 2 {
		c.applyEscalate(run, d)
		return
	}

	c.mu.Lock()
	c.splitting[d.TaskID] = parts
	cancel := c.cancels[d.TaskID]
	if cancel == nil {
		delete(c.splitting, d.TaskID)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// onReviewResolved routes a decided review back to its parked task. A
// decision for a plan not currently running is applied at resume.
func (c *Coordinator) onReviewResolved(e bus.Event) {
	p, ok := e.Payload.(bus.ReviewPayload)
	if !ok || p.Request == nil {
		return
	}
	c.mu.Lock()
	run := c.taskRuns[p.Request.TaskID]
	c.mu.Unlock()
	if run == nil {
		return
	}
	c.applyResolution(run, p.Request.TaskID, p.Request)
}

// applyResolution re-enters a parked task after a human decision. An
// approval merges the parked work, a rejection reworks it with the
// feedback, and the literal feedback "abort" fails the task outright.
// Decisions for tasks no longer parked are dropped.
func (c *Coordinator) applyResolution(run *planRun, taskID string, req *models.ReviewRequest) {
	run.mu.Lock()
	task := run.tasks[taskID]
	v, ok := run.view[taskID]
	run.mu.Unlock()
	if task == nil || !ok || v.Status != models.TaskStatusAwaitingReview {
		log.Printf("[coordinator] review %s resolved for task %s, which is no longer parked; ignoring",
			shortID(req.ID), shortID(taskID))
		return
	}

	if req.Status == models.ReviewRejected && strings.EqualFold(strings.TrimSpace(req.Feedback), "abort") {
		c.abortParked(run, task, "aborted by reviewer")
		return
	}

	c.mu.Lock()
	c.resumes[taskID] = resumeDirective{
		approved: req.Status == models.ReviewApproved,
		text:     req.Feedback,
	}
	c.mu.Unlock()

	task.Status = models.TaskStatusQueued
	if err := c.opts.Store.UpdateTask(task); err != nil {
		log.Printf("[coordinator] persist task %s: %v", shortID(taskID), err)
	}
	run.mu.Lock()
	run.view[taskID] = *task
	run.pending[taskID] = struct{}{}
	run.mu.Unlock()

	if err := c.pool.Submit(task, models.RoleCoder); err != nil {
		log.Printf("[coordinator] resume %s: %v", shortID(taskID), err)
		task.Status = models.TaskStatusAwaitingReview
		if err := c.opts.Store.UpdateTask(task); err != nil {
			log.Printf("[coordinator] persist task %s: %v", shortID(taskID), err)
		}
		c.mu.Lock()
		delete(c.resumes, taskID)
		c.mu.Unlock()
		run.mu.Lock()
		run.view[taskID] = *task
		delete(run.pending, taskID)
		run.mu.Unlock()
		return
	}
	log.Printf("[coordinator] task %s resumed after review %s (%s)",
		shortID(taskID), shortID(req.ID), req.Status)
}

// abortParked fails a parked task outright and releases its worktree.
func (c *Coordinator) abortParked(run *planRun, task *models.Task, reason string) {
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.BlockedReason = reason
	task.FinishedAt = &now
	if err := c.opts.Store.UpdateTask(task); err != nil {
		log.Printf("[coordinator] persist task %s: %v", shortID(task.ID), err)
	}
	run.mu.Lock()
	run.view[task.ID] = *task
	run.mu.Unlock()

	if err := c.opts.Worktrees.Release(context.Background(), task.ID, c.opts.CleanupOnRelease); err != nil {
		log.Printf("[coordinator] release worktree %s: %v", shortID(task.ID), err)
	}

	c.opts.Bus.Publish(bus.Event{
		Kind:    bus.TaskFailed,
		TaskID:  task.ID,
		Payload: bus.TaskPayload{Task: task, Reason: reason},
	})
	log.Printf("[coordinator] task %s aborted by reviewer", shortID(task.ID))
	run.kickNow()
}

// awaitingTaskIDs lists the parked tasks of every unfinished plan;
// their worktrees must survive startup cleanup.
func (c *Coordinator) awaitingTaskIDs() ([]string, error) {
	plans, err := c.opts.Store.IncompletePlans()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range plans {
		parked, err := c.opts.Store.ListTasksByStatus(p.ID, models.TaskStatusAwaitingReview)
		if err != nil {
			return ids, err
		}
		for _, t := range parked {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (c *Coordinator) viewTask(run *planRun, id string) models.Task {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.view[id]
}

// dispatcher wraps the executor behind the pool. Each dispatch gets a
// per-task cancel handle for Cancel and replan recalls, waits out a
// pause, routes resumed tasks to the right re-entry, and translates a
// recall into the outcome the pool should record.
type dispatcher struct {
	c *Coordinator
}

var _ pool.Executor = (*dispatcher)(nil)

func (d *dispatcher) Execute(ctx context.Context, a pool.Assignment) (*pool.Outcome, error) {
	c := d.c
	id := a.Task.ID

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	dir, isResume := c.resumes[id]
	delete(c.resumes, id)
	c.cancels[id] = cancel
	run := c.taskRuns[id]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}()
	if run != nil && run.canceled.Load() {
		// plan canceled while this task sat in the queue
		cancel()
	}

	if err := c.pause.WaitIfPaused(runCtx); err != nil {
		return nil, err
	}

	var out *pool.Outcome
	var err error
	switch {
	case isResume && dir.approved:
		out, err = c.opts.Executor.ResumeApproved(runCtx, a, dir.text)
	case isResume:
		out, err = c.opts.Executor.ResumeRejected(runCtx, a, dir.text)
	default:
		out, err = c.opts.Executor.Execute(runCtx, a)
	}
	if err == nil {
		return out, nil
	}

	// a recall canceled the context on purpose; reshape the outcome
	c.mu.Lock()
	_, splitting := c.splitting[id]
	reviewID, parked := c.parked[id]
	reason, aborted := c.aborted[id]
	delete(c.parked, id)
	delete(c.aborted, id)
	c.mu.Unlock()
	switch {
	case splitting:
		return &pool.Outcome{Escalated: true}, nil
	case parked:
		return &pool.Outcome{Escalated: true, ReviewID: reviewID}, nil
	case aborted:
		return &pool.Outcome{Failure: reason}, nil
	}
	return out, err
}

func replanSummary(d *models.ReplanDecision) string {
	if len(d.Signals) == 0 {
		return fmt.Sprintf("%s (confidence %.2f)", d.Action, d.Confidence)
	}
	return fmt.Sprintf("%s (confidence %.2f): %s", d.Action, d.Confidence, d.Signals[0].Reason)
}

func appendTail(dst []string, src []string, keep int) []string {
	dst = append(dst, src...)
	if len(dst) > keep {
		dst = dst[len(dst)-keep:]
	}
	return dst
}

func filterKnown(tasks map[string]*models.Task, deps []string) []string {
	var out []string
	for _, d := range deps {
		if _, ok := tasks[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
