// Package review queues tasks the engine gave up on for an out-of-band
// human decision. Requests are durable: they survive a crashed run and
// can be resolved from a later process, programmatically or by dropping
// decision files.
package review

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexusdev/nexus/pkg/models"
)

// Storage is the persistence surface the service needs. The sqlite
// Store is the production implementation.
type Storage interface {
	Insert(r *models.ReviewRequest) error
	Get(id string) (*models.ReviewRequest, error)
	Update(r *models.ReviewRequest) error
	List(status *models.ReviewStatus) ([]models.ReviewRequest, error)
	Close() error
}

// Store persists review requests in a single sqlite table.
type Store struct {
	db *sql.DB
}

// DefaultStorePath returns the review database path for a project root.
func DefaultStorePath(projectRoot string) string {
	return filepath.Join(projectRoot, ".nexus", "reviews.db")
}

// NewStore opens (creating if needed) the review database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create review db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open review database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reviews (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			context TEXT,
			status TEXT NOT NULL,
			feedback TEXT,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create reviews table: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores a new request. The request keeps whatever ID the caller
// assigned.
func (s *Store) Insert(r *models.ReviewRequest) error {
	contextJSON, err := json.Marshal(r.Context)
	if err != nil {
		return fmt.Errorf("marshal review context: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO reviews (id, task_id, reason, context, status, feedback, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, string(r.Reason), string(contextJSON), string(r.Status),
		r.Feedback, formatTime(r.CreatedAt), formatNullableTime(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert review %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves one request by ID.
func (s *Store) Get(id string) (*models.ReviewRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, reason, context, status, feedback, created_at, resolved_at
		FROM reviews WHERE id = ?
	`, id)

	r, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review %s: %w", id, err)
	}
	return r, nil
}

// Update rewrites a request's mutable fields.
func (s *Store) Update(r *models.ReviewRequest) error {
	contextJSON, err := json.Marshal(r.Context)
	if err != nil {
		return fmt.Errorf("marshal review context: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE reviews
		SET status = ?, feedback = ?, context = ?, resolved_at = ?
		WHERE id = ?
	`, string(r.Status), r.Feedback, string(contextJSON), formatNullableTime(r.ResolvedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update review %s: %w", r.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("review not found: %s", r.ID)
	}
	return nil
}

// List returns requests, newest first, optionally filtered by status.
func (s *Store) List(status *models.ReviewStatus) ([]models.ReviewRequest, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.Query(`
			SELECT id, task_id, reason, context, status, feedback, created_at, resolved_at
			FROM reviews WHERE status = ? ORDER BY created_at DESC
		`, string(*status))
	} else {
		rows, err = s.db.Query(`
			SELECT id, task_id, reason, context, status, feedback, created_at, resolved_at
			FROM reviews ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []models.ReviewRequest
	for rows.Next() {
		r, err := scanReview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanReview reads one row through the given scan function.
func scanReview(scan func(dest ...any) error) (*models.ReviewRequest, error) {
	var r models.ReviewRequest
	var reason, status, createdAt string
	var contextJSON, feedback, resolvedAt sql.NullString

	if err := scan(&r.ID, &r.TaskID, &reason, &contextJSON, &status,
		&feedback, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}

	r.Reason = models.ReviewReason(reason)
	r.Status = models.ReviewStatus(status)
	r.Feedback = feedback.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &r.Context); err != nil {
			return nil, fmt.Errorf("parse review context: %w", err)
		}
	}
	r.CreatedAt, _ = parseTime(createdAt)
	if resolvedAt.Valid {
		if t, err := parseTime(resolvedAt.String); err == nil {
			r.ResolvedAt = &t
		}
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Verify Store implements Storage at compile time.
var _ Storage = (*Store)(nil)
