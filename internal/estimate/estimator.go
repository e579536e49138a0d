// Package estimate produces per-task duration estimates. A baseline
// heuristic scores size signals from the task itself; an online
// calibration factor, learned from completed tasks, corrects the
// systematic bias of that heuristic over time.
package estimate

import (
	"strings"
	"sync"
	"time"

	"github.com/nexusdev/nexus/pkg/models"
)

const (
	// baseMinutes is the floor cost of any task: reading the code,
	// making one focused change, committing.
	baseMinutes = 8
	// perFileMinutes is the marginal cost of each declared file.
	perFileMinutes = 4
	// testVerbMinutes is added when the description asks for test work.
	testVerbMinutes = 8
	// descriptionStep adds one minute per this many description runes.
	descriptionStep = 200

	// MinMinutes and MaxMinutes clamp every estimate.
	MinMinutes = 5
	MaxMinutes = 240

	// defaultAlpha weighs the newest actual/estimated ratio in the
	// running mean.
	defaultAlpha = 0.3

	// minFactor and maxFactor clamp the calibration multiplier so one
	// pathological sample cannot poison future estimates.
	minFactor = 0.25
	maxFactor = 4.0
)

// testVerbs are the description words that signal test-writing effort.
var testVerbs = []string{"test", "verify", "assert", "cover", "spec"}

// Estimator scores tasks and learns a calibration factor from completed
// ones. Safe for concurrent use.
type Estimator struct {
	mu      sync.Mutex
	factor  float64
	alpha   float64
	samples int
}

// New creates an estimator with a neutral calibration factor.
func New() *Estimator {
	return &Estimator{factor: 1.0, alpha: defaultAlpha}
}

// Estimate returns the calibrated estimate for one task, in minutes.
// Tasks that already carry an estimate are calibrated from it; others
// get the baseline heuristic first.
func (e *Estimator) Estimate(task models.Task) int {
	base := task.EstimatedMinutes
	if base <= 0 {
		base = Baseline(task)
	}

	e.mu.Lock()
	factor := e.factor
	e.mu.Unlock()

	return clampMinutes(int(float64(base)*factor + 0.5))
}

// Annotate writes calibrated estimates back onto every task in place.
func (e *Estimator) Annotate(tasks []models.Task) {
	for i := range tasks {
		tasks[i].EstimatedMinutes = e.Estimate(tasks[i])
	}
}

// Observe feeds one completed task into the calibration. Estimates the
// sample cannot price (zero estimate or non-positive duration) are
// ignored.
func (e *Estimator) Observe(estimatedMinutes int, actual time.Duration) {
	if estimatedMinutes <= 0 || actual <= 0 {
		return
	}

	ratio := actual.Minutes() / float64(estimatedMinutes)
	ratio = clampFactor(ratio)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.samples == 0 {
		e.factor = ratio
	} else {
		e.factor = e.alpha*ratio + (1-e.alpha)*e.factor
	}
	e.factor = clampFactor(e.factor)
	e.samples++
}

// Factor returns the current calibration multiplier.
func (e *Estimator) Factor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.factor
}

// Samples returns how many completed tasks fed the calibration.
func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// Baseline scores a task from its size signals alone, without
// calibration: a base cost, a per-file cost, a description-length cost,
// and a surcharge when test work is asked for.
func Baseline(task models.Task) int {
	minutes := baseMinutes
	minutes += perFileMinutes * len(task.Files)
	minutes += len(task.Description) / descriptionStep

	if hasTestVerb(task) {
		minutes += testVerbMinutes
	}
	return clampMinutes(minutes)
}

// hasTestVerb reports whether the title or description mentions test
// work. Matching is on lowercase substrings; "test" also catches
// "tests" and "testing".
func hasTestVerb(task models.Task) bool {
	text := strings.ToLower(task.Title + " " + task.Description)
	for _, verb := range testVerbs {
		if strings.Contains(text, verb) {
			return true
		}
	}
	return false
}

func clampMinutes(m int) int {
	if m < MinMinutes {
		return MinMinutes
	}
	if m > MaxMinutes {
		return MaxMinutes
	}
	return m
}

func clampFactor(f float64) float64 {
	if f < minFactor {
		return minFactor
	}
	if f > maxFactor {
		return maxFactor
	}
	return f
}
