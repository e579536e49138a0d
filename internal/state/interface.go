// Package state provides the SQLite-backed checkpoint store for Nexus.
package state

import (
	"io"

	"github.com/nexusdev/nexus/pkg/models"
)

// PlanStore handles plan-related persistence operations.
type PlanStore interface {
	CreatePlan(p *Plan) error
	GetPlan(id string) (*Plan, error)
	UpdatePlan(p *Plan) error
	ListPlans(status *PlanStatus) ([]Plan, error)
	IncompletePlans() ([]Plan, error)
}

// TaskStore handles task-related persistence operations.
type TaskStore interface {
	CreateTask(planID string, t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasks(planID string) ([]models.Task, error)
	ListTasksByStatus(planID string, status models.TaskStatus) ([]models.Task, error)
	ResetInFlightTasks(planID string) (int64, error)
}

// SnapshotStore handles QA stage trail persistence.
type SnapshotStore interface {
	RecordStageResult(taskID string, r *models.StageResult) error
	ListStageResults(taskID string) ([]StageSnapshot, error)
	PurgeStageResults(taskID string) error
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for checkpoint persistence.
// It lets the coordinator work with any backend without depending on the
// concrete SQLite implementation. It composes focused sub-interfaces for
// better modularity.
type Store interface {
	io.Closer
	Migrator
	PlanStore
	TaskStore
	SnapshotStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ PlanStore     = (*DB)(nil)
	_ TaskStore     = (*DB)(nil)
	_ SnapshotStore = (*DB)(nil)
)
