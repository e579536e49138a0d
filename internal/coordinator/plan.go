package coordinator

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nexusdev/nexus/internal/state"
	"github.com/nexusdev/nexus/pkg/models"
)

// planRun is the in-memory execution state of one running plan. The
// canonical task structs in tasks are shared with the pool; view holds
// copies refreshed only at event boundaries, so Status never reads a
// struct a worker is writing.
//
// A task in deferred has had its wave opened but is not dispatchable
// yet; a task in pending is queued or running in the pool. Tasks in
// neither set are either waiting for their wave or settled.
type planRun struct {
	plan  *state.Plan
	tasks map[string]*models.Task

	canceled atomic.Bool
	kick     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	view     map[string]models.Task
	deps     map[string][]string
	waves    []models.Wave
	waveIdx  int
	pending  map[string]struct{}
	deferred map[string]struct{}
}

func newPlanRun(plan *state.Plan, tasks []models.Task) *planRun {
	run := &planRun{
		plan:     plan,
		tasks:    make(map[string]*models.Task, len(tasks)),
		view:     make(map[string]models.Task, len(tasks)),
		deps:     make(map[string][]string, len(tasks)),
		waves:    plan.Waves,
		pending:  make(map[string]struct{}),
		deferred: make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for i := range tasks {
		t := tasks[i]
		run.tasks[t.ID] = &t
		run.view[t.ID] = t
	}
	for id, t := range run.tasks {
		run.deps[id] = filterKnown(run.tasks, t.DependsOn)
	}
	return run
}

// kickNow wakes the plan loop without blocking. The channel holds one
// pending kick; further ones coalesce.
func (r *planRun) kickNow() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// settledLocked reports whether the task needs no further dispatch:
// terminal, blocked, or parked on a review.
func (r *planRun) settledLocked(id string) bool {
	switch r.view[id].Status {
	case models.TaskStatusDone, models.TaskStatusFailed,
		models.TaskStatusBlocked, models.TaskStatusAwaitingReview:
		return true
	}
	return false
}

// waveDoneLocked reports whether every member of wave k terminated:
// nothing dispatched and nothing waiting to dispatch. A task parked on
// a review counts as terminated here; it holds its dependents' waves
// open through the prerequisite check instead.
func (r *planRun) waveDoneLocked(k int) bool {
	if k < 0 {
		return true
	}
	for _, id := range r.waves[k].TaskIDs {
		if _, ok := r.pending[id]; ok {
			return false
		}
		if _, ok := r.deferred[id]; ok {
			return false
		}
	}
	return true
}

func (r *planRun) hasAwaitingLocked() bool {
	for _, v := range r.view {
		if v.Status == models.TaskStatusAwaitingReview {
			return true
		}
	}
	return false
}

type readiness int

const (
	prereqWaiting readiness = iota
	prereqReady
	prereqDoomed
)

// prereqStateLocked classifies a deferred task: ready when every
// prerequisite merged, doomed when one failed or was blocked, waiting
// otherwise. Doomed wins over waiting so dependents of a failed task
// settle promptly. The doomed case names the prerequisite.
func (r *planRun) prereqStateLocked(id string) (readiness, string) {
	st := prereqReady
	for _, dep := range r.deps[id] {
		switch r.view[dep].Status {
		case models.TaskStatusDone:
		case models.TaskStatusFailed, models.TaskStatusBlocked:
			return prereqDoomed, dep
		default:
			st = prereqWaiting
		}
	}
	return st, ""
}

// PlanStatus is a point-in-time snapshot of one plan's progress.
type PlanStatus struct {
	Plan state.Plan
	// Tasks holds the current view of every task, wave order first,
	// then any rows outside the waves by creation time.
	Tasks []models.Task
	// WavesDone counts leading waves whose members all settled.
	WavesDone  int
	WavesTotal int
	// InProgress, Failures and Escalations list task IDs by state.
	InProgress  []string
	Failures    []string
	Escalations []string
	// Counts tallies tasks by status.
	Counts map[models.TaskStatus]int
}

// Summarize builds a PlanStatus from a plan row and its tasks. Status
// uses it on the live view; the CLI uses it on raw store rows.
func Summarize(plan state.Plan, tasks []models.Task) *PlanStatus {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	st := &PlanStatus{
		Plan:       plan,
		WavesTotal: len(plan.Waves),
		Counts:     make(map[models.TaskStatus]int),
	}
	seen := make(map[string]bool, len(tasks))
	leading := true
	for _, w := range plan.Waves {
		waveDone := true
		for _, id := range w.TaskIDs {
			t, ok := byID[id]
			if !ok {
				continue
			}
			st.Tasks = append(st.Tasks, t)
			seen[id] = true
			if !t.Status.Terminal() && t.Status != models.TaskStatusBlocked {
				waveDone = false
			}
		}
		if leading && waveDone {
			st.WavesDone++
		} else {
			leading = false
		}
	}

	// rows no wave references, left by an interrupted split
	var rest []models.Task
	for _, t := range tasks {
		if !seen[t.ID] {
			rest = append(rest, t)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if !rest[i].CreatedAt.Equal(rest[j].CreatedAt) {
			return rest[i].CreatedAt.Before(rest[j].CreatedAt)
		}
		return rest[i].ID < rest[j].ID
	})
	st.Tasks = append(st.Tasks, rest...)

	for _, t := range st.Tasks {
		st.Counts[t.Status]++
		switch t.Status {
		case models.TaskStatusInProgress:
			st.InProgress = append(st.InProgress, t.ID)
		case models.TaskStatusFailed:
			st.Failures = append(st.Failures, t.ID)
		case models.TaskStatusAwaitingReview:
			st.Escalations = append(st.Escalations, t.ID)
		}
	}
	return st
}
