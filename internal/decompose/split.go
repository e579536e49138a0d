package decompose

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nexusdev/nexus/pkg/models"
)

// stepRe matches one declared sub-step: a bulleted or numbered line.
var stepRe = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+(.+)$`)

// SplitOversized replaces every task whose estimate exceeds the budget with
// an ordered chain of parts that fit. Parts are cut along declared
// sub-steps first, then file groups, then plain time slices. The last part
// keeps the original task's ID so downstream prerequisites still point at
// the chain's completion. The pass is deterministic and repeats until
// every task fits.
func SplitOversized(tasks []models.Task, budget int) []models.Task {
	if budget <= 0 {
		budget = DefaultBudgetMinutes
	}
	for {
		var out []models.Task
		split := false
		for _, task := range tasks {
			if task.EstimatedMinutes <= budget {
				out = append(out, task)
				continue
			}
			out = append(out, splitTask(task, budget)...)
			split = true
		}
		tasks = out
		if !split {
			return tasks
		}
	}
}

// splitTask cuts one oversized task into a sequential chain of parts.
func splitTask(task models.Task, budget int) []models.Task {
	want := ceilDiv(task.EstimatedMinutes, budget)

	header, steps := extractSteps(task.Description)
	var parts []models.Task
	switch {
	case len(steps) >= 2:
		n := want
		if n > len(steps) {
			n = len(steps)
		}
		for i, group := range partition(steps, n) {
			part := partOf(task, i, n)
			part.Description = stepDescription(header, group)
			parts = append(parts, part)
		}
	case len(task.Files) >= 2:
		n := want
		if n > len(task.Files) {
			n = len(task.Files)
		}
		for i, group := range partition(task.Files, n) {
			part := partOf(task, i, n)
			part.Files = group
			part.Description = task.Description + "\n\nFocus on: " + strings.Join(group, ", ")
			parts = append(parts, part)
		}
	default:
		for i := 0; i < want; i++ {
			parts = append(parts, partOf(task, i, want))
		}
	}

	chain(parts)
	per := ceilDiv(task.EstimatedMinutes, len(parts))
	for i := range parts {
		parts[i].EstimatedMinutes = per
	}
	return parts
}

// partOf builds the i-th part skeleton: identity, title, and the chain
// prerequisite. The final part inherits the original ID; the first part
// inherits the original prerequisites.
func partOf(task models.Task, i, n int) models.Task {
	part := task
	part.Title = fmt.Sprintf("%s (part %d/%d)", task.Title, i+1, n)
	if i == n-1 {
		part.ID = task.ID
	} else {
		part.ID = uuid.New().String()
	}
	if i > 0 {
		part.DependsOn = nil
	}
	return part
}

// chain links each part to its predecessor so subdivision preserves the
// original ordering.
func chain(parts []models.Task) {
	for i := 1; i < len(parts); i++ {
		parts[i].DependsOn = append(parts[i].DependsOn, parts[i-1].ID)
	}
}

// extractSteps splits a description into its prose header and any declared
// sub-steps (bulleted or numbered lines).
func extractSteps(description string) (header string, steps []string) {
	var headerLines []string
	for _, line := range strings.Split(description, "\n") {
		if m := stepRe.FindStringSubmatch(line); m != nil {
			steps = append(steps, m[1])
			continue
		}
		if len(steps) == 0 {
			headerLines = append(headerLines, line)
		}
	}
	return strings.TrimSpace(strings.Join(headerLines, "\n")), steps
}

// stepDescription renders one part's description from the shared header and
// its own steps.
func stepDescription(header string, steps []string) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	b.WriteString("Steps:\n")
	for _, step := range steps {
		b.WriteString("- ")
		b.WriteString(step)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// partition splits items into n contiguous groups of near-equal size.
func partition(items []string, n int) [][]string {
	groups := make([][]string, 0, n)
	base := len(items) / n
	extra := len(items) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		groups = append(groups, items[start:start+size])
		start += size
	}
	return groups
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
