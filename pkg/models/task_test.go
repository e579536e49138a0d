package models

import (
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"queued is valid", TaskStatusQueued, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"awaiting_review is valid", TaskStatusAwaitingReview, true},
		{"blocked is valid", TaskStatusBlocked, true},
		{"done is valid", TaskStatusDone, true},
		{"failed is valid", TaskStatusFailed, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("unknown"), false},
		{"typo status is invalid", TaskStatus("pendingg"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to queued", TaskStatusPending, TaskStatusQueued, true},
		{"pending to blocked", TaskStatusPending, TaskStatusBlocked, true},
		{"pending to in_progress skips queue", TaskStatusPending, TaskStatusInProgress, false},
		{"queued to in_progress", TaskStatusQueued, TaskStatusInProgress, true},
		{"queued to done skips work", TaskStatusQueued, TaskStatusDone, false},
		{"in_progress to done", TaskStatusInProgress, TaskStatusDone, true},
		{"in_progress to failed", TaskStatusInProgress, TaskStatusFailed, true},
		{"in_progress to awaiting_review", TaskStatusInProgress, TaskStatusAwaitingReview, true},
		{"in_progress back to queued", TaskStatusInProgress, TaskStatusQueued, false},
		{"awaiting_review resumes work", TaskStatusAwaitingReview, TaskStatusInProgress, true},
		{"awaiting_review requeues after decision", TaskStatusAwaitingReview, TaskStatusQueued, true},
		{"awaiting_review approved as done", TaskStatusAwaitingReview, TaskStatusDone, true},
		{"awaiting_review rejected terminally", TaskStatusAwaitingReview, TaskStatusFailed, true},
		{"blocked requeues", TaskStatusBlocked, TaskStatusQueued, true},
		{"blocked fails", TaskStatusBlocked, TaskStatusFailed, true},
		{"blocked straight to done", TaskStatusBlocked, TaskStatusDone, false},
		{"done is terminal", TaskStatusDone, TaskStatusQueued, false},
		{"failed is terminal", TaskStatusFailed, TaskStatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusDone, TaskStatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	live := []TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusInProgress, TaskStatusAwaitingReview, TaskStatusBlocked}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}

func TestTaskPriority_Rank(t *testing.T) {
	order := []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("Rank(%q) = %d should be below Rank(%q) = %d",
				order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
	if TaskPriority("bogus").Rank() <= PriorityLow.Rank() {
		t.Errorf("unknown priority should rank last, got %d", TaskPriority("bogus").Rank())
	}
}

func TestTaskPriority_Valid(t *testing.T) {
	for _, p := range []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		if !p.Valid() {
			t.Errorf("%q.Valid() = false, want true", p)
		}
	}
	if TaskPriority("").Valid() {
		t.Error("empty priority should be invalid")
	}
}

func TestTask_Elapsed(t *testing.T) {
	now := time.Now()

	t.Run("never started", func(t *testing.T) {
		task := Task{}
		if got := task.Elapsed(now); got != 0 {
			t.Errorf("Elapsed() = %v, want 0", got)
		}
	})

	t.Run("running", func(t *testing.T) {
		start := now.Add(-10 * time.Minute)
		task := Task{StartedAt: &start}
		if got := task.Elapsed(now); got != 10*time.Minute {
			t.Errorf("Elapsed() = %v, want 10m", got)
		}
	})

	t.Run("finished", func(t *testing.T) {
		start := now.Add(-30 * time.Minute)
		end := now.Add(-5 * time.Minute)
		task := Task{StartedAt: &start, FinishedAt: &end}
		if got := task.Elapsed(now); got != 25*time.Minute {
			t.Errorf("Elapsed() = %v, want 25m", got)
		}
	})
}

func TestFeaturePriority_Valid(t *testing.T) {
	for _, p := range []FeaturePriority{FeatureMust, FeatureShould, FeatureCould, FeatureWont} {
		if !p.Valid() {
			t.Errorf("%q.Valid() = false, want true", p)
		}
	}
	if FeaturePriority("mandatory").Valid() {
		t.Error("unknown feature priority should be invalid")
	}
}
