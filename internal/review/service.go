package review

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/pkg/models"
)

var (
	// ErrFeedbackRequired is returned when a rejection carries no feedback.
	ErrFeedbackRequired = errors.New("rejection requires feedback")
	// ErrAlreadyResolved is returned when deciding a non-pending request.
	ErrAlreadyResolved = errors.New("review already resolved")
)

// Service raises review requests and applies human decisions. Decisions
// are serialized through a single writer, so two racing calls on the
// same request see first-wins semantics.
type Service struct {
	store  Storage
	events *bus.Bus

	mu sync.Mutex
}

// NewService creates a review service. The bus may be nil, in which
// case no events are published.
func NewService(store Storage, events *bus.Bus) *Service {
	return &Service{store: store, events: events}
}

// Request raises a new review for the given task and returns its ID.
func (s *Service) Request(task models.Task, reason models.ReviewReason, rctx models.ReviewContext) (string, error) {
	if !reason.Valid() {
		return "", fmt.Errorf("invalid review reason: %q", reason)
	}

	req := &models.ReviewRequest{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Reason:    reason,
		Context:   rctx,
		Status:    models.ReviewPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(req); err != nil {
		return "", err
	}

	log.Printf("[review] requested %s for task %s (%s)", shortID(req.ID), task.ID, reason)
	s.publish(bus.ReviewRequested, req)
	return req.ID, nil
}

// Approve marks a pending request approved. The resolution note is
// optional and recorded as feedback.
func (s *Service) Approve(reviewID, resolution string) error {
	return s.decide(reviewID, models.ReviewApproved, resolution)
}

// Reject marks a pending request rejected. Feedback is required: it is
// what the retry acts on.
func (s *Service) Reject(reviewID, feedback string) error {
	if strings.TrimSpace(feedback) == "" {
		return fmt.Errorf("reject %s: %w", reviewID, ErrFeedbackRequired)
	}
	return s.decide(reviewID, models.ReviewRejected, feedback)
}

// decide applies a terminal status to a pending request.
func (s *Service) decide(reviewID string, status models.ReviewStatus, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.store.Get(reviewID)
	if err != nil {
		return err
	}
	if req.Resolved() {
		return fmt.Errorf("review %s is %s: %w", reviewID, req.Status, ErrAlreadyResolved)
	}

	now := time.Now()
	req.Status = status
	req.Feedback = feedback
	req.ResolvedAt = &now
	if err := s.store.Update(req); err != nil {
		return err
	}

	log.Printf("[review] %s %s (task %s)", shortID(req.ID), status, req.TaskID)
	s.publish(bus.ReviewResolved, req)
	return nil
}

// Get retrieves one request by ID.
func (s *Service) Get(reviewID string) (*models.ReviewRequest, error) {
	return s.store.Get(reviewID)
}

// Pending returns all undecided requests, newest first.
func (s *Service) Pending() ([]models.ReviewRequest, error) {
	pending := models.ReviewPending
	return s.store.List(&pending)
}

// All returns every request regardless of status, newest first.
func (s *Service) All() ([]models.ReviewRequest, error) {
	return s.store.List(nil)
}

func (s *Service) publish(kind bus.Kind, req *models.ReviewRequest) {
	if s.events == nil {
		return
	}
	snapshot := *req
	s.events.Publish(bus.Event{
		Kind:    kind,
		TaskID:  req.TaskID,
		Time:    time.Now(),
		Payload: bus.ReviewPayload{Request: &snapshot},
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
