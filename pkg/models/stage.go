package models

import (
	"fmt"
	"time"
)

// StageKind identifies one stage of the QA pipeline.
type StageKind string

const (
	StageBuild  StageKind = "build"
	StageLint   StageKind = "lint"
	StageTest   StageKind = "test"
	StageReview StageKind = "review"
)

// Valid returns true if the kind is a known value.
func (k StageKind) Valid() bool {
	switch k {
	case StageBuild, StageLint, StageTest, StageReview:
		return true
	default:
		return false
	}
}

// StageErrorKind classifies a normalized stage error.
type StageErrorKind string

const (
	ErrKindCompile StageErrorKind = "compile"
	ErrKindLint    StageErrorKind = "lint"
	ErrKindTest    StageErrorKind = "test"
	ErrKindReview  StageErrorKind = "review"
	ErrKindTimeout StageErrorKind = "timeout"
)

// StageError is a single normalized finding from a QA stage.
type StageError struct {
	// Kind classifies the finding.
	Kind StageErrorKind `json:"kind"`
	// File is the path the finding points at, when known.
	File string `json:"file,omitempty"`
	// Line is the 1-based line number, or 0 when unknown.
	Line int `json:"line,omitempty"`
	// Message is the human-readable description.
	Message string `json:"message"`
}

// TestFailure records one failing test case.
type TestFailure struct {
	// Name is the failing test's name.
	Name string `json:"name"`
	// File is the source file of the test, when known.
	File string `json:"file,omitempty"`
	// Message is the failure output.
	Message string `json:"message"`
	// Stack holds the stack trace, when the harness produced one.
	Stack string `json:"stack,omitempty"`
}

// TestCounts summarizes a test stage run.
type TestCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	// Failures carries one record per failing test.
	Failures []TestFailure `json:"failures,omitempty"`
}

// ReviewSeverity grades a review finding.
type ReviewSeverity string

const (
	SeverityCritical   ReviewSeverity = "critical"
	SeverityMajor      ReviewSeverity = "major"
	SeverityMinor      ReviewSeverity = "minor"
	SeveritySuggestion ReviewSeverity = "suggestion"
)

// Valid returns true if the severity is a known value.
func (s ReviewSeverity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeveritySuggestion:
		return true
	default:
		return false
	}
}

// ReviewIssue is one finding from the automated review stage.
type ReviewIssue struct {
	Severity ReviewSeverity `json:"severity"`
	File     string         `json:"file,omitempty"`
	Line     int            `json:"line,omitempty"`
	Message  string         `json:"message"`
	// Suggestion holds a proposed fix, when the reviewer offered one.
	Suggestion string `json:"suggestion,omitempty"`
}

// ReviewAssessment is the structured verdict of the review stage.
type ReviewAssessment struct {
	// Approved is the reviewer's own verdict.
	Approved bool          `json:"approved"`
	Issues   []ReviewIssue `json:"issues,omitempty"`
	Summary  string        `json:"summary,omitempty"`
}

// CountBySeverity returns how many issues carry the given severity.
func (a ReviewAssessment) CountBySeverity(sev ReviewSeverity) int {
	n := 0
	for _, iss := range a.Issues {
		if iss.Severity == sev {
			n++
		}
	}
	return n
}

// Blocking reports whether the assessment fails the review stage.
// A review blocks when it contains at least one critical issue or more
// than two major issues; an unapproved verdict blocks regardless of
// issue counts.
func (a ReviewAssessment) Blocking() bool {
	if !a.Approved {
		return true
	}
	if a.CountBySeverity(SeverityCritical) >= 1 {
		return true
	}
	return a.CountBySeverity(SeverityMajor) > 2
}

// StageResult is the normalized outcome of one QA stage run.
type StageResult struct {
	// Stage identifies which stage produced the result.
	Stage StageKind `json:"stage"`
	// Iteration is the QA loop iteration the stage ran in.
	Iteration int `json:"iteration"`
	// Passed is true when the stage found nothing blocking.
	Passed bool `json:"passed"`
	// Duration is how long the stage took.
	Duration time.Duration `json:"duration"`
	// Errors lists blocking findings.
	Errors []StageError `json:"errors,omitempty"`
	// Warnings lists non-blocking findings.
	Warnings []string `json:"warnings,omitempty"`
	// Tests is populated for the test stage only.
	Tests *TestCounts `json:"tests,omitempty"`
	// Review is populated for the review stage only.
	Review *ReviewAssessment `json:"review,omitempty"`
}

// ErrorStrings flattens the stage's errors into repair-prompt lines.
func (r *StageResult) ErrorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.String())
	}
	return out
}

// String renders the error as file:line: message, omitting unknown parts.
func (e StageError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	case e.File != "":
		return e.File + ": " + e.Message
	default:
		return e.Message
	}
}

// QAResult is the outcome of a full QA loop run for one task.
type QAResult struct {
	// TaskID is the task the loop ran for.
	TaskID string `json:"task_id"`
	// Success is true when every stage passed within the iteration cap.
	Success bool `json:"success"`
	// Iterations is the number of loop iterations consumed.
	Iterations int `json:"iterations"`
	// Escalated is true when the loop gave up and raised a review request.
	Escalated bool `json:"escalated"`
	// Trail holds every stage result from every iteration, in run order.
	Trail []StageResult `json:"trail,omitempty"`
	// FinalErrors carries the last failing stage's errors when Success is false.
	FinalErrors []StageError `json:"final_errors,omitempty"`
}
