package models

import "time"

// ReviewReason explains why a task was escalated to a human.
type ReviewReason string

const (
	// ReasonQAExhausted indicates the QA loop hit its iteration cap.
	ReasonQAExhausted ReviewReason = "qa_exhausted"
	// ReasonMergeConflict indicates the merger could not land the branch.
	ReasonMergeConflict ReviewReason = "merge_conflict"
	// ReasonReplanEscalation indicates the replanner recommended human judgment.
	ReasonReplanEscalation ReviewReason = "replan_escalation"
	// ReasonManual indicates an operator requested the review directly.
	ReasonManual ReviewReason = "manual"
)

// Valid returns true if the reason is a known value.
func (r ReviewReason) Valid() bool {
	switch r {
	case ReasonQAExhausted, ReasonMergeConflict, ReasonReplanEscalation, ReasonManual:
		return true
	default:
		return false
	}
}

// ReviewStatus represents the lifecycle of a human review request.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Valid returns true if the status is a known value.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected:
		return true
	default:
		return false
	}
}

// ReviewContext carries the evidence a human needs to decide a review.
type ReviewContext struct {
	// QAIterations is how many repair cycles ran before escalation.
	QAIterations int `json:"qa_iterations,omitempty"`
	// Errors holds the final blocking findings.
	Errors []StageError `json:"errors,omitempty"`
	// ConflictFiles lists paths with merge conflicts, for merge escalations.
	ConflictFiles []string `json:"conflict_files,omitempty"`
	// SuggestedAction is the engine's recommendation to the reviewer.
	SuggestedAction string `json:"suggested_action,omitempty"`
	// Diff is the working diff at escalation time, when captured.
	Diff string `json:"diff,omitempty"`
}

// ReviewRequest asks a human to unblock a task the engine gave up on.
type ReviewRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`
	// TaskID is the task parked on this review.
	TaskID string `json:"task_id"`
	// Reason classifies why the review was raised.
	Reason ReviewReason `json:"reason"`
	// Context carries evidence for the reviewer.
	Context ReviewContext `json:"context"`
	// Status is the current state of the request.
	Status ReviewStatus `json:"status"`
	// Feedback holds the reviewer's instructions. Required on rejection.
	Feedback string `json:"feedback,omitempty"`
	// CreatedAt is when the request was raised.
	CreatedAt time.Time `json:"created_at"`
	// ResolvedAt is when a decision landed, if one has.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved returns true once the request has a decision.
func (r *ReviewRequest) Resolved() bool {
	return r.Status == ReviewApproved || r.Status == ReviewRejected
}
