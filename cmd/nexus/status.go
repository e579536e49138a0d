package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/config"
	"github.com/nexusdev/nexus/internal/coordinator"
	"github.com/nexusdev/nexus/internal/review"
	"github.com/nexusdev/nexus/internal/state"
	"github.com/nexusdev/nexus/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show plan and task progress",
	Long: `Display the state of the engine's plans.

Without arguments, shows every unfinished plan, recent finished ones,
and pending review requests. With a plan ID (a unique prefix is
enough), shows that plan's tasks in wave order.

The command reads the checkpoint database directly, so it works
whether or not an engine is running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	dbPath := state.DefaultPath(root)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No plans yet. Run 'nexus run \"<feature>\"' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if len(args) == 1 {
		return showPlan(db, args[0])
	}
	return showOverview(db, root)
}

func showOverview(db *state.DB, root string) error {
	displayAuth()

	open, err := db.IncompletePlans()
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}

	if len(open) == 0 {
		fmt.Println("No unfinished plans.")
	}
	for _, p := range open {
		tasks, err := db.ListTasks(p.ID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		displayPlan(coordinator.Summarize(p, tasks))
		fmt.Println()
	}

	if err := displayRecentPlans(db); err != nil {
		return err
	}
	return displayPendingReviews(root)
}

func showPlan(db *state.DB, idPrefix string) error {
	plan, err := findPlan(db, idPrefix)
	if err != nil {
		return err
	}
	tasks, err := db.ListTasks(plan.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	st := coordinator.Summarize(*plan, tasks)
	displayPlan(st)

	fmt.Println()
	fmt.Println("Tasks:")
	for _, t := range st.Tasks {
		fmt.Printf("  %-15s %s (%s)%s\n", t.Status, t.Title, short(t.ID), taskDetail(t))
	}
	return nil
}

// findPlan resolves a plan by ID or unique ID prefix.
func findPlan(db *state.DB, idPrefix string) (*state.Plan, error) {
	plan, err := db.GetPlan(idPrefix)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan != nil {
		return plan, nil
	}

	all, err := db.ListPlans(nil)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var matches []state.Plan
	for _, p := range all {
		if strings.HasPrefix(p.ID, idPrefix) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no plan matches %q", idPrefix)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("plan prefix %q is ambiguous (%d matches)", idPrefix, len(matches))
	}
}

func displayPlan(st *coordinator.PlanStatus) {
	p := st.Plan
	fmt.Printf("Plan %s: %s\n", short(p.ID), p.Title)
	fmt.Printf("  Status: %s\n", p.Status)
	fmt.Printf("  Waves: %d/%d done\n", st.WavesDone, st.WavesTotal)
	fmt.Printf("  Tasks: %s\n", countLine(st.Counts, len(st.Tasks)))
	if len(st.InProgress) > 0 {
		fmt.Printf("  In progress: %s\n", strings.Join(shortAll(st.InProgress), ", "))
	}
	if len(st.Escalations) > 0 {
		fmt.Printf("  Awaiting review: %s (decide with: nexus reviews)\n", strings.Join(shortAll(st.Escalations), ", "))
	}
	if p.FinishedAt != nil {
		fmt.Printf("  Finished: %s ago\n", formatDuration(time.Since(*p.FinishedAt)))
	} else {
		fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(p.CreatedAt)))
	}
}

// countLine renders task counts in lifecycle order, skipping zeroes.
func countLine(counts map[models.TaskStatus]int, total int) string {
	order := []models.TaskStatus{
		models.TaskStatusDone,
		models.TaskStatusInProgress,
		models.TaskStatusAwaitingReview,
		models.TaskStatusQueued,
		models.TaskStatusPending,
		models.TaskStatusBlocked,
		models.TaskStatusFailed,
	}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d total", total)
	}
	return strings.Join(parts, ", ") + fmt.Sprintf(" (of %d)", total)
}

func taskDetail(t models.Task) string {
	switch t.Status {
	case models.TaskStatusInProgress:
		if t.StartedAt != nil {
			return fmt.Sprintf(" running %s", formatDuration(time.Since(*t.StartedAt)))
		}
	case models.TaskStatusDone:
		if t.MergeCommit != "" {
			return fmt.Sprintf(" merged %s", short(t.MergeCommit))
		}
	case models.TaskStatusFailed, models.TaskStatusBlocked:
		if t.BlockedReason != "" {
			return fmt.Sprintf(" (%s)", t.BlockedReason)
		}
	}
	return ""
}

func displayRecentPlans(db *state.DB) error {
	all, err := db.ListPlans(nil)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}

	var recent []state.Plan
	for _, p := range all {
		if p.Status.Terminal() {
			recent = append(recent, p)
			if len(recent) >= 5 {
				break
			}
		}
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Println("Recent plans:")
	for _, p := range recent {
		when := p.CreatedAt
		if p.FinishedAt != nil {
			when = *p.FinishedAt
		}
		fmt.Printf("  %s %s: %s (%s ago)\n", short(p.ID), p.Title, p.Status, formatDuration(time.Since(when)))
	}
	return nil
}

func displayPendingReviews(root string) error {
	storePath := review.DefaultStorePath(root)
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		return nil
	}
	rstore, err := review.NewStore(storePath)
	if err != nil {
		return fmt.Errorf("open review database: %w", err)
	}
	defer rstore.Close()

	st := models.ReviewPending
	pending, err := rstore.List(&st)
	if err != nil {
		return fmt.Errorf("list pending reviews: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Printf("Pending reviews (%d):\n", len(pending))
	for _, r := range pending {
		fmt.Printf("  %s task %s: %s (%s ago)\n", r.ID, short(r.TaskID), r.Reason, formatDuration(time.Since(r.CreatedAt)))
	}
	fmt.Println("Decide with: nexus reviews approve <id> | nexus reviews reject <id> -m \"feedback\"")
	return nil
}

// displayAuth shows where the model credential comes from, masked. A
// config that fails to load is not status's problem to report.
func displayAuth() {
	cfg, err := loadEngineConfig()
	if err != nil {
		return
	}
	info := config.ResolveAPIKey(cfg)
	line := fmt.Sprintf("Model auth: %s %s", info.Source, info.Masked())
	if info.Source != config.KeySourceNone && !info.Valid() {
		line += " (unexpected format)"
	}
	fmt.Println(line)
	fmt.Println()
}

func shortAll(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = short(id)
	}
	return out
}
