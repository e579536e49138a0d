package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task exists but has not been queued.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusQueued indicates the task is waiting for a free agent.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusInProgress indicates an agent is working on the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusAwaitingReview indicates the task is parked on a human decision.
	TaskStatusAwaitingReview TaskStatus = "awaiting_review"
	// TaskStatusBlocked indicates a dependency failed and the task cannot run.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusDone indicates the task completed and merged successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed terminally.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusInProgress,
		TaskStatusAwaitingReview, TaskStatusBlocked, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is allowed from the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// CanTransition reports whether moving from s to next is a legal status change.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusBlocked || next == TaskStatusFailed
	case TaskStatusQueued:
		return next == TaskStatusInProgress || next == TaskStatusBlocked || next == TaskStatusFailed
	case TaskStatusInProgress:
		return next == TaskStatusAwaitingReview || next == TaskStatusDone || next == TaskStatusFailed
	case TaskStatusAwaitingReview:
		// Queued covers resubmission after a human decision resolves the park.
		return next == TaskStatusQueued || next == TaskStatusInProgress ||
			next == TaskStatusDone || next == TaskStatusFailed
	case TaskStatusBlocked:
		return next == TaskStatusQueued || next == TaskStatusFailed
	default:
		return false
	}
}

// TaskPriority orders tasks within the agent pool queue.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the scheduling rank of the priority. Lower ranks dequeue first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task represents a unit of work small enough for one agent to complete
// in a single worktree.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// FeatureID is the ID of the feature this task was decomposed from.
	FeatureID string `json:"feature_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed instructions for the implementing agent.
	Description string `json:"description,omitempty"`
	// Files lists the paths the task is expected to touch.
	Files []string `json:"files,omitempty"`
	// TestSelector narrows the test run for this task, if any.
	TestSelector string `json:"test_selector,omitempty"`
	// EstimatedMinutes is the current effort estimate.
	EstimatedMinutes int `json:"estimated_minutes"`
	// Priority orders the task within the pool queue.
	Priority TaskPriority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Iterations is the number of QA repair cycles consumed so far.
	Iterations int `json:"iterations,omitempty"`
	// WorktreeID names the worktree the task is bound to while in progress.
	WorktreeID string `json:"worktree_id,omitempty"`
	// AgentID is the ID of the agent working on this task.
	AgentID string `json:"agent_id,omitempty"`
	// MergeCommit is the commit hash produced when the task merged.
	MergeCommit string `json:"merge_commit,omitempty"`
	// BlockedReason explains why the task is blocked or failed.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when an agent picked the task up, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the task reached a terminal status, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Elapsed returns how long the task has been running, or the total runtime
// once finished. Returns zero for tasks that never started.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.FinishedAt != nil {
		return t.FinishedAt.Sub(*t.StartedAt)
	}
	return now.Sub(*t.StartedAt)
}

// Wave is a batch of tasks with no dependency edges between its members.
// All tasks in a wave may run concurrently.
type Wave struct {
	// Index is the zero-based position of the wave in the plan.
	Index int `json:"index"`
	// TaskIDs lists the member tasks in deterministic order.
	TaskIDs []string `json:"task_ids"`
}
