package estimate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the on-disk form of the calibration state. It lives in the
// project's .nexus directory so a later run starts from the learned
// factor instead of a neutral one.
type Snapshot struct {
	// Factor is the calibration multiplier at save time.
	Factor float64 `yaml:"factor"`
	// Samples is how many completed tasks fed the factor.
	Samples int `yaml:"samples"`
	// SavedAt is when the snapshot was written.
	SavedAt time.Time `yaml:"saved_at"`
}

// SnapshotPath returns the calibration file path for a project root.
func SnapshotPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".nexus", "calibration.yaml")
}

// Save writes the estimator's calibration state to path, creating parent
// directories as needed.
func (e *Estimator) Save(path string) error {
	e.mu.Lock()
	snap := Snapshot{Factor: e.factor, Samples: e.samples, SavedAt: time.Now()}
	e.mu.Unlock()

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create calibration directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return nil
}

// Load restores calibration state from path. A missing file is not an
// error: the estimator keeps its neutral factor. A corrupt file is
// reported so the operator knows calibration was lost.
func (e *Estimator) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read calibration: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse calibration %s: %w", path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.factor = clampFactor(snap.Factor)
	e.samples = snap.Samples
	return nil
}
