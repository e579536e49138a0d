package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusdev/nexus/pkg/models"
)

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPlanning  PlanStatus = "planning"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCanceled  PlanStatus = "canceled"
)

// Terminal reports whether the plan has reached a final state.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCanceled:
		return true
	}
	return false
}

// Plan is the persisted record of a feature submission: the feature
// fields that matter for display plus the resolved execution waves.
type Plan struct {
	ID          string                 `json:"id"`
	FeatureID   string                 `json:"feature_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Priority    models.FeaturePriority `json:"priority"`
	Status      PlanStatus             `json:"status"`
	BaseBranch  string                 `json:"base_branch"`
	Waves       []models.Wave          `json:"waves"`
	CreatedAt   time.Time              `json:"created_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// CreatePlan creates a new plan record.
func (db *DB) CreatePlan(p *Plan) error {
	waves, err := json.Marshal(p.Waves)
	if err != nil {
		return fmt.Errorf("marshal waves: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO plans (id, feature_id, title, description, priority, status, base_branch, waves, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.FeatureID, p.Title, p.Description, string(p.Priority), string(p.Status), p.BaseBranch, string(waves), formatTime(p.CreatedAt), nil)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID. Returns nil when no such plan exists.
func (db *DB) GetPlan(id string) (*Plan, error) {
	row := db.QueryRow(`
		SELECT id, feature_id, title, description, priority, status, base_branch, waves, created_at, finished_at
		FROM plans WHERE id = ?
	`, id)

	p, err := scanPlan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// UpdatePlan updates a plan record.
func (db *DB) UpdatePlan(p *Plan) error {
	waves, err := json.Marshal(p.Waves)
	if err != nil {
		return fmt.Errorf("marshal waves: %w", err)
	}

	var finishedAt *string
	if p.FinishedAt != nil {
		s := formatTime(*p.FinishedAt)
		finishedAt = &s
	}

	_, err = db.Exec(`
		UPDATE plans SET feature_id = ?, title = ?, description = ?, priority = ?, status = ?,
			base_branch = ?, waves = ?, finished_at = ?
		WHERE id = ?
	`, p.FeatureID, p.Title, p.Description, string(p.Priority), string(p.Status), p.BaseBranch, string(waves), finishedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

// DeletePlan deletes a plan and, via the foreign key, its tasks.
func (db *DB) DeletePlan(id string) error {
	_, err := db.Exec("DELETE FROM plans WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}

// ListPlans lists all plans, optionally filtered by status, newest first.
func (db *DB) ListPlans(status *PlanStatus) ([]Plan, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, feature_id, title, description, priority, status, base_branch, waves, created_at, finished_at
			FROM plans WHERE status = ? ORDER BY created_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, feature_id, title, description, priority, status, base_branch, waves, created_at, finished_at
			FROM plans ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, nil
}

// IncompletePlans returns plans that never reached a terminal state,
// newest first. These are candidates for resume after a crash.
func (db *DB) IncompletePlans() ([]Plan, error) {
	rows, err := db.Query(`
		SELECT id, feature_id, title, description, priority, status, base_branch, waves, created_at, finished_at
		FROM plans WHERE status IN ('planning', 'running') ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list incomplete plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, nil
}

// scanPlan scans one plan row via the given scan function.
func scanPlan(scan func(...any) error) (*Plan, error) {
	var p Plan
	var description, baseBranch, waves sql.NullString
	var createdAt string
	var finishedAt sql.NullString

	err := scan(&p.ID, &p.FeatureID, &p.Title, &description, &p.Priority, &p.Status, &baseBranch, &waves, &createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		p.Description = description.String
	}
	if baseBranch.Valid {
		p.BaseBranch = baseBranch.String
	}
	if waves.Valid && waves.String != "" {
		json.Unmarshal([]byte(waves.String), &p.Waves)
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.FinishedAt = parseNullableTime(finishedAt)
	return &p, nil
}
