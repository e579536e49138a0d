package state

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexusdev/nexus/pkg/models"
)

// openTestDB opens a migrated database in a temp directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	// Running again must be a no-op, not an error.
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestDefaultPath(t *testing.T) {
	got := DefaultPath("/repo")
	want := filepath.Join("/repo", ".nexus", "state.db")
	if got != want {
		t.Errorf("DefaultPath = %q, want %q", got, want)
	}
}

func TestPurgeOldPlans(t *testing.T) {
	db := openTestDB(t)

	old := &Plan{
		ID:        "plan-old",
		FeatureID: "feat-1",
		Title:     "old",
		Priority:  models.FeatureShould,
		Status:    PlanCompleted,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := db.CreatePlan(old); err != nil {
		t.Fatalf("create old plan: %v", err)
	}

	// Incomplete plans are never purged regardless of age.
	stale := &Plan{
		ID:        "plan-stale",
		FeatureID: "feat-2",
		Title:     "stale but running",
		Priority:  models.FeatureShould,
		Status:    PlanRunning,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := db.CreatePlan(stale); err != nil {
		t.Fatalf("create stale plan: %v", err)
	}

	fresh := &Plan{
		ID:        "plan-fresh",
		FeatureID: "feat-3",
		Title:     "fresh",
		Priority:  models.FeatureShould,
		Status:    PlanCompleted,
		CreatedAt: time.Now(),
	}
	if err := db.CreatePlan(fresh); err != nil {
		t.Fatalf("create fresh plan: %v", err)
	}

	count, err := db.PurgeOldPlans(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldPlans failed: %v", err)
	}
	if count != 1 {
		t.Errorf("purged %d plans, want 1", count)
	}

	if p, _ := db.GetPlan("plan-old"); p != nil {
		t.Error("expected old completed plan to be purged")
	}
	if p, _ := db.GetPlan("plan-stale"); p == nil {
		t.Error("expected running plan to survive purge")
	}
	if p, _ := db.GetPlan("plan-fresh"); p == nil {
		t.Error("expected fresh plan to survive purge")
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := openTestDB(t)

	sentinel := errors.New("boom")
	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO plans (id, feature_id, title, priority, status, created_at)
			VALUES ('plan-tx', 'feat-1', 't', 'must', 'planning', ?)
		`, formatTime(time.Now())); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Transaction error = %v, want sentinel", err)
	}

	if p, _ := db.GetPlan("plan-tx"); p != nil {
		t.Error("expected insert to roll back with the transaction")
	}
}
