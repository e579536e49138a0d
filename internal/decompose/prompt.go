package decompose

import (
	"fmt"
	"strings"

	"github.com/nexusdev/nexus/pkg/models"
)

// plannerSystemPrompt frames the decomposition call.
const plannerSystemPrompt = `You are a planning agent that breaks software features into small, independent tasks.

Each task must be a single focused change that one implementing agent can finish in one sitting. Prefer many small independent tasks over few large ones; only declare a dependency when one task genuinely cannot start before another finishes.`

// buildDecompositionPrompt renders the per-feature request.
func buildDecompositionPrompt(feature models.Feature, budget int) string {
	var b strings.Builder
	b.WriteString("Break this feature into tasks sized for a single focused change.\n\n")
	b.WriteString("Feature ID: ")
	b.WriteString(feature.ID)
	b.WriteString("\nTitle: ")
	b.WriteString(feature.Title)
	b.WriteString("\n\n## Description\n")
	b.WriteString(feature.Description)
	b.WriteString("\n")

	if len(feature.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		for _, c := range feature.AcceptanceCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	b.WriteString(`
Return ONLY a JSON array of tasks with this exact structure (no other text):
[
  {
    "title": "Short task title",
    "description": "Detailed instructions for the implementing agent",
    "files": ["internal/auth/login.go", "internal/auth/login_test.go"],
    "estimated_minutes": 20,
    "priority": "critical|high|normal|low",
    "depends_on": ["title of a prerequisite task"],
    "test_selector": "TestLogin"
  }
]

Rules:
`)
	fmt.Fprintf(&b, "1. Every estimated_minutes must be %d or less.\n", budget)
	b.WriteString(`2. depends_on references other tasks by their exact title; use [] when independent.
3. files lists the paths the task is expected to touch; be specific, not just a directory.
4. Tasks with disjoint files can run in parallel; keep overlap to a minimum.
5. description must tell the implementing agent exactly what to build, not restate the title.
6. test_selector optionally names the tests that prove the task works.`)
	return b.String()
}
