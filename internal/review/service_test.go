package review

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/pkg/models"
)

func setupTestService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "reviews.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := bus.New()
	return NewService(store, b), b
}

func TestServiceRequest(t *testing.T) {
	svc, b := setupTestService(t)

	var events []bus.Event
	b.Subscribe(bus.ReviewRequested, func(e bus.Event) { events = append(events, e) })

	task := models.Task{ID: "task-1", Title: "wire the parser"}
	id, err := svc.Request(task, models.ReasonQAExhausted, models.ReviewContext{QAIterations: 50})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if id == "" {
		t.Fatal("Request() returned empty ID")
	}

	got, err := svc.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.ReviewPending {
		t.Errorf("Status = %q, want %q", got.Status, models.ReviewPending)
	}
	if got.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want %q", got.TaskID, "task-1")
	}

	if len(events) != 1 {
		t.Fatalf("got %d ReviewRequested events, want 1", len(events))
	}
	payload, ok := events[0].Payload.(bus.ReviewPayload)
	if !ok {
		t.Fatalf("payload type = %T, want bus.ReviewPayload", events[0].Payload)
	}
	if payload.Request.ID != id {
		t.Errorf("event review ID = %q, want %q", payload.Request.ID, id)
	}
}

func TestServiceRequestInvalidReason(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.Request(models.Task{ID: "t"}, models.ReviewReason("whim"), models.ReviewContext{})
	if err == nil {
		t.Fatal("Request() expected error for invalid reason")
	}
}

func TestServiceApprove(t *testing.T) {
	svc, b := setupTestService(t)

	var resolved []bus.Event
	b.Subscribe(bus.ReviewResolved, func(e bus.Event) { resolved = append(resolved, e) })

	id, err := svc.Request(models.Task{ID: "task-2"}, models.ReasonMergeConflict, models.ReviewContext{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if err := svc.Approve(id, "merged by hand on main"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	got, err := svc.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.ReviewApproved {
		t.Errorf("Status = %q, want %q", got.Status, models.ReviewApproved)
	}
	if got.Feedback != "merged by hand on main" {
		t.Errorf("Feedback = %q, want resolution note", got.Feedback)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt = nil, want set")
	}
	if len(resolved) != 1 {
		t.Fatalf("got %d ReviewResolved events, want 1", len(resolved))
	}
}

func TestServiceRejectRequiresFeedback(t *testing.T) {
	svc, _ := setupTestService(t)

	id, err := svc.Request(models.Task{ID: "task-3"}, models.ReasonQAExhausted, models.ReviewContext{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if err := svc.Reject(id, "   "); !errors.Is(err, ErrFeedbackRequired) {
		t.Fatalf("Reject() error = %v, want ErrFeedbackRequired", err)
	}

	got, _ := svc.Get(id)
	if got.Status != models.ReviewPending {
		t.Errorf("Status after failed reject = %q, want pending", got.Status)
	}

	if err := svc.Reject(id, "split the task and retry the parser half"); err != nil {
		t.Fatalf("Reject() with feedback error = %v", err)
	}
	got, _ = svc.Get(id)
	if got.Status != models.ReviewRejected {
		t.Errorf("Status = %q, want %q", got.Status, models.ReviewRejected)
	}
	if got.Feedback == "" {
		t.Error("Feedback empty after reject")
	}
}

func TestServiceDecisionIsFinal(t *testing.T) {
	svc, _ := setupTestService(t)

	id, err := svc.Request(models.Task{ID: "task-4"}, models.ReasonManual, models.ReviewContext{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if err := svc.Approve(id, ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	if err := svc.Approve(id, "again"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Approve() error = %v, want ErrAlreadyResolved", err)
	}
	if err := svc.Reject(id, "changed my mind"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Reject() after approve error = %v, want ErrAlreadyResolved", err)
	}

	got, _ := svc.Get(id)
	if got.Status != models.ReviewApproved {
		t.Errorf("Status = %q, want first decision to stand", got.Status)
	}
}

func TestServicePending(t *testing.T) {
	svc, _ := setupTestService(t)

	first, _ := svc.Request(models.Task{ID: "a"}, models.ReasonManual, models.ReviewContext{})
	second, _ := svc.Request(models.Task{ID: "b"}, models.ReasonManual, models.ReviewContext{})
	if err := svc.Approve(first, ""); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	pending, err := svc.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending() returned %d, want 1", len(pending))
	}
	if pending[0].ID != second {
		t.Errorf("Pending()[0].ID = %q, want %q", pending[0].ID, second)
	}

	all, err := svc.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("All() returned %d, want 2", len(all))
	}
}
