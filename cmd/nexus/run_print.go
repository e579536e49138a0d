package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/coordinator"
	"github.com/nexusdev/nexus/internal/state"
	"github.com/nexusdev/nexus/pkg/models"
)

// printEvent returns the headless event narrator. It runs on the
// engine's publishing goroutines, so it only formats and prints.
func printEvent(verbose bool) bus.Handler {
	started := color.New(color.FgCyan).SprintFunc()
	done := color.New(color.FgGreen).SprintFunc()
	failed := color.New(color.FgRed).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	review := color.New(color.FgMagenta).SprintFunc()

	return func(e bus.Event) {
		switch e.Kind {
		case bus.TaskQueued:
			if !verbose {
				return
			}
			if p, ok := e.Payload.(bus.TaskPayload); ok && p.Task != nil {
				fmt.Printf("%s %s (task %s)\n", "[QUEUED]", p.Task.Title, short(e.TaskID))
			}

		case bus.TaskStarted:
			if p, ok := e.Payload.(bus.TaskPayload); ok && p.Task != nil {
				fmt.Printf("%s %s (task %s)\n", started("[STARTED]"), p.Task.Title, short(e.TaskID))
			}

		case bus.TaskCompleted:
			if p, ok := e.Payload.(bus.TaskPayload); ok && p.Task != nil {
				commit := p.Task.MergeCommit
				if len(commit) > 8 {
					commit = commit[:8]
				}
				if commit != "" {
					fmt.Printf("%s %s (merged %s)\n", done("[DONE]"), p.Task.Title, commit)
				} else {
					fmt.Printf("%s %s\n", done("[DONE]"), p.Task.Title)
				}
			}

		case bus.TaskFailed:
			if p, ok := e.Payload.(bus.TaskPayload); ok {
				title := short(e.TaskID)
				if p.Task != nil {
					title = p.Task.Title
				}
				fmt.Printf("%s %s: %s\n", failed("[FAILED]"), title, p.Reason)
			}

		case bus.StageStarted:
			if !verbose {
				return
			}
			if p, ok := e.Payload.(bus.StagePayload); ok {
				fmt.Printf("[STAGE] %s on task %s (iteration %d)\n", p.Stage, short(e.TaskID), p.Iteration)
			}

		case bus.StageCompleted:
			p, ok := e.Payload.(bus.StagePayload)
			if !ok || p.Result == nil {
				return
			}
			if p.Result.Passed {
				if verbose {
					fmt.Printf("[STAGE] %s passed on task %s\n", p.Stage, short(e.TaskID))
				}
				return
			}
			fmt.Printf("%s %s failed on task %s (iteration %d, %d error(s))\n",
				warn("[QA]"), p.Stage, short(e.TaskID), p.Iteration, len(p.Result.Errors))

		case bus.ReplanRequested:
			if !verbose {
				return
			}
			if p, ok := e.Payload.(bus.ReplanPayload); ok {
				fmt.Printf("[REPLAN] trigger %s fired for task %s\n", p.Trigger, short(e.TaskID))
			}

		case bus.ReplanDecision:
			p, ok := e.Payload.(bus.ReplanPayload)
			if !ok || p.Decision == nil || !p.Decision.Replan {
				return
			}
			fmt.Printf("%s task %s: %s (confidence %.2f)\n",
				warn("[REPLAN]"), short(e.TaskID), p.Decision.Action, p.Decision.Confidence)

		case bus.ReviewRequested:
			if p, ok := e.Payload.(bus.ReviewPayload); ok && p.Request != nil {
				fmt.Printf("%s task %s parked: %s\n", review("[REVIEW]"), short(p.Request.TaskID), p.Request.Reason)
				fmt.Printf("          decide with: nexus reviews approve %s | nexus reviews reject %s -m \"...\"\n",
					p.Request.ID, p.Request.ID)
			}

		case bus.ReviewResolved:
			if p, ok := e.Payload.(bus.ReviewPayload); ok && p.Request != nil {
				fmt.Printf("%s %s %s\n", review("[REVIEW]"), short(p.Request.ID), p.Request.Status)
			}
		}
	}
}

// printPlanHeader shows the wave layout right after planning.
func printPlanHeader(st *coordinator.PlanStatus) {
	byID := make(map[string]models.Task, len(st.Tasks))
	for _, t := range st.Tasks {
		byID[t.ID] = t
	}

	fmt.Printf("\nPlan %s: %s\n", short(st.Plan.ID), st.Plan.Title)
	fmt.Printf("  Base branch: %s\n", st.Plan.BaseBranch)
	fmt.Printf("  %d task(s) in %d wave(s):\n", len(st.Tasks), st.WavesTotal)
	for i, w := range st.Plan.Waves {
		fmt.Printf("  Wave %d:\n", i+1)
		for _, id := range w.TaskIDs {
			t, ok := byID[id]
			if !ok {
				continue
			}
			fmt.Printf("    - %s (~%dm)\n", t.Title, t.EstimatedMinutes)
		}
	}
	fmt.Println()
}

// printPlanSummary reports one settled plan.
func printPlanSummary(st *coordinator.PlanStatus) {
	fmt.Printf("Plan %s %q: %s", short(st.Plan.ID), st.Plan.Title, st.Plan.Status)
	if st.Plan.FinishedAt != nil {
		fmt.Printf(" in %s", formatDuration(st.Plan.FinishedAt.Sub(st.Plan.CreatedAt)))
	}
	fmt.Println()

	merged := st.Counts[models.TaskStatusDone]
	fmt.Printf("  %d/%d task(s) merged\n", merged, len(st.Tasks))

	for _, t := range st.Tasks {
		switch t.Status {
		case models.TaskStatusFailed:
			fmt.Printf("  failed:  %s: %s\n", t.Title, t.BlockedReason)
		case models.TaskStatusBlocked:
			fmt.Printf("  blocked: %s: %s\n", t.Title, t.BlockedReason)
		}
	}

	if st.Plan.Status == state.PlanRunning && len(st.Escalations) > 0 {
		fmt.Printf("  %d task(s) awaiting review; decide with: nexus reviews\n", len(st.Escalations))
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
