package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusdev/nexus/pkg/models"
)

// StageSnapshot is a persisted QA stage outcome. The full StageResult is
// kept as JSON so status can replay the trail; the indexed columns exist
// for cheap filtering.
type StageSnapshot struct {
	TaskID    string              `json:"task_id"`
	Result    *models.StageResult `json:"result"`
	CreatedAt time.Time           `json:"created_at"`
}

// RecordStageResult appends a QA stage outcome for a task.
func (db *DB) RecordStageResult(taskID string, r *models.StageResult) error {
	detail, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}

	passed := 0
	if r.Passed {
		passed = 1
	}

	_, err = db.Exec(`
		INSERT INTO stage_results (task_id, stage, iteration, passed, duration_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, taskID, string(r.Stage), r.Iteration, passed, r.Duration.Milliseconds(), string(detail), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record stage result: %w", err)
	}
	return nil
}

// ListStageResults returns a task's stage trail in insertion order.
func (db *DB) ListStageResults(taskID string) ([]StageSnapshot, error) {
	rows, err := db.Query(`
		SELECT task_id, detail, created_at FROM stage_results WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var snapshots []StageSnapshot
	for rows.Next() {
		var s StageSnapshot
		var detail, createdAt string
		if err := rows.Scan(&s.TaskID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		var r models.StageResult
		if err := json.Unmarshal([]byte(detail), &r); err != nil {
			return nil, fmt.Errorf("unmarshal stage result: %w", err)
		}
		s.Result = &r
		s.CreatedAt, _ = parseTime(createdAt)
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

// PurgeStageResults deletes a task's stage trail. Used when a task is
// re-decomposed after a split and its history no longer applies.
func (db *DB) PurgeStageResults(taskID string) error {
	_, err := db.Exec("DELETE FROM stage_results WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("purge stage results: %w", err)
	}
	return nil
}
