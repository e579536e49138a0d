// Package graph resolves task prerequisites into the waves the coordinator
// schedules. A wave holds tasks with no dependency edges between them; wave
// k+1 contains only tasks whose prerequisites all sit in earlier waves.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nexusdev/nexus/pkg/models"
)

// ErrCycle indicates a circular dependency in the task set. A cyclic plan
// is never partially scheduled.
var ErrCycle = errors.New("circular dependency detected")

// CycleError reports the tasks left unordered after a topological sort.
type CycleError struct {
	// Remaining lists the involved task IDs in insertion order.
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency among %d tasks: %s", len(e.Remaining), strings.Join(e.Remaining, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Graph is an immutable view of a task set's prerequisites. Build it once;
// reads are safe for concurrent use.
type Graph struct {
	order      []string
	tasks      map[string]models.Task
	deps       map[string][]string
	dependents map[string][]string
}

// Build indexes the task set. Prerequisites referencing unknown tasks are
// an error; cycles are reported later, by Waves.
func Build(tasks []models.Task) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(tasks)),
		tasks:      make(map[string]models.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for _, task := range tasks {
		if _, dup := g.tasks[task.ID]; dup {
			return nil, fmt.Errorf("duplicate task ID %s", task.ID)
		}
		g.order = append(g.order, task.ID)
		g.tasks[task.ID] = task
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, ok := g.tasks[depID]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.deps[task.ID] = append(g.deps[task.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}
	return g, nil
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int { return len(g.order) }

// Task returns the task for an ID.
func (g *Graph) Task(id string) (models.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns every task in insertion order.
func (g *Graph) Tasks() []models.Task {
	out := make([]models.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Dependencies returns the IDs a task directly depends on.
func (g *Graph) Dependencies(id string) []string { return g.deps[id] }

// Dependents returns the IDs that directly depend on a task.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// TransitiveDependents returns every task reachable from id along
// dependent edges, in breadth-first discovery order. The root itself is
// excluded. Used to block the whole downstream subtree of a failed task.
func (g *Graph) TransitiveDependents(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// Waves runs Kahn's algorithm and groups the tasks into dependency waves.
// Within a wave, order is by priority rank then insertion order, so the
// result is deterministic for a given input. Any tasks left after the sort
// form a cycle and are reported via *CycleError.
func (g *Graph) Waves() ([]models.Wave, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = len(g.deps[id])
	}

	remaining := len(g.order)
	placed := make(map[string]bool, len(g.order))
	var waves []models.Wave

	for remaining > 0 {
		var ready []string
		for _, id := range g.order {
			if !placed[id] && indegree[id] == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			var leftover []string
			for _, id := range g.order {
				if !placed[id] {
					leftover = append(leftover, id)
				}
			}
			return nil, &CycleError{Remaining: leftover}
		}

		sort.SliceStable(ready, func(i, j int) bool {
			return g.tasks[ready[i]].Priority.Rank() < g.tasks[ready[j]].Priority.Rank()
		})

		for _, id := range ready {
			placed[id] = true
			for _, dependent := range g.dependents[id] {
				indegree[dependent]--
			}
		}
		waves = append(waves, models.Wave{Index: len(waves), TaskIDs: ready})
		remaining -= len(ready)
	}
	return waves, nil
}
