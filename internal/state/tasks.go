package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nexusdev/nexus/pkg/models"
)

const taskColumns = `id, feature_id, title, description, files, test_selector, estimated_minutes,
	priority, depends_on, status, iterations, worktree_id, agent_id, merge_commit, blocked_reason,
	created_at, started_at, finished_at`

// CreateTask persists a task under the given plan.
func (db *DB) CreateTask(planID string, t *models.Task) error {
	files, _ := json.Marshal(t.Files)
	dependsOn, _ := json.Marshal(t.DependsOn)

	var startedAt, finishedAt *string
	if t.StartedAt != nil {
		s := formatTime(*t.StartedAt)
		startedAt = &s
	}
	if t.FinishedAt != nil {
		s := formatTime(*t.FinishedAt)
		finishedAt = &s
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, plan_id, feature_id, title, description, files, test_selector, estimated_minutes,
			priority, depends_on, status, iterations, worktree_id, agent_id, merge_commit, blocked_reason,
			created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, planID, t.FeatureID, t.Title, t.Description, string(files), t.TestSelector, t.EstimatedMinutes,
		string(t.Priority), string(dependsOn), string(t.Status), t.Iterations, t.WorktreeID, t.AgentID,
		t.MergeCommit, t.BlockedReason, formatTime(t.CreatedAt), startedAt, finishedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil when no such task exists.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask updates a persisted task's mutable fields.
func (db *DB) UpdateTask(t *models.Task) error {
	files, _ := json.Marshal(t.Files)
	dependsOn, _ := json.Marshal(t.DependsOn)

	var startedAt, finishedAt *string
	if t.StartedAt != nil {
		s := formatTime(*t.StartedAt)
		startedAt = &s
	}
	if t.FinishedAt != nil {
		s := formatTime(*t.FinishedAt)
		finishedAt = &s
	}

	_, err := db.Exec(`
		UPDATE tasks SET title = ?, description = ?, files = ?, test_selector = ?, estimated_minutes = ?,
			priority = ?, depends_on = ?, status = ?, iterations = ?, worktree_id = ?, agent_id = ?,
			merge_commit = ?, blocked_reason = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`, t.Title, t.Description, string(files), t.TestSelector, t.EstimatedMinutes,
		string(t.Priority), string(dependsOn), string(t.Status), t.Iterations, t.WorktreeID, t.AgentID,
		t.MergeCommit, t.BlockedReason, startedAt, finishedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// DeleteTask deletes a task by ID.
func (db *DB) DeleteTask(id string) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks lists all tasks for a plan in creation order.
func (db *DB) ListTasks(planID string) ([]models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListTasksByStatus lists a plan's tasks with the given status.
func (db *DB) ListTasksByStatus(planID string, status models.TaskStatus) ([]models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? AND status = ? ORDER BY created_at, id`,
		planID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ResetInFlightTasks returns a plan's queued and in-progress tasks to
// pending so a resumed run can schedule them again. Returns how many
// rows changed.
func (db *DB) ResetInFlightTasks(planID string) (int64, error) {
	result, err := db.Exec(`
		UPDATE tasks SET status = ?, worktree_id = '', agent_id = '', started_at = NULL
		WHERE plan_id = ? AND status IN (?, ?)
	`, string(models.TaskStatusPending), planID, string(models.TaskStatusQueued), string(models.TaskStatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("reset in-flight tasks: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// collectTasks scans task rows into a slice.
func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// scanTask scans one task row via the given scan function.
func scanTask(scan func(...any) error) (*models.Task, error) {
	var t models.Task
	var featureID, description, files, testSelector, dependsOn sql.NullString
	var worktreeID, agentID, mergeCommit, blockedReason sql.NullString
	var createdAt string
	var startedAt, finishedAt sql.NullString

	err := scan(&t.ID, &featureID, &t.Title, &description, &files, &testSelector, &t.EstimatedMinutes,
		&t.Priority, &dependsOn, &t.Status, &t.Iterations, &worktreeID, &agentID, &mergeCommit, &blockedReason,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if featureID.Valid {
		t.FeatureID = featureID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if files.Valid && files.String != "" {
		json.Unmarshal([]byte(files.String), &t.Files)
	}
	if testSelector.Valid {
		t.TestSelector = testSelector.String
	}
	if dependsOn.Valid && dependsOn.String != "" {
		json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	if worktreeID.Valid {
		t.WorktreeID = worktreeID.String
	}
	if agentID.Valid {
		t.AgentID = agentID.String
	}
	if mergeCommit.Valid {
		t.MergeCommit = mergeCommit.String
	}
	if blockedReason.Valid {
		t.BlockedReason = blockedReason.String
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.FinishedAt = parseNullableTime(finishedAt)
	return &t, nil
}
