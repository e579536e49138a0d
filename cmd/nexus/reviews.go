package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/review"
	"github.com/nexusdev/nexus/pkg/models"
)

var (
	reviewMessage  string
	reviewShowDiff bool
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List and decide pending review requests",
	Long: `Manage tasks the engine parked for a human decision.

Without arguments, lists pending requests. Decisions are recorded as
drop files under .nexus/reviews: a running engine applies them
immediately, and an idle project applies them on the next
'nexus run --resume'.`,
	RunE: runReviewsList,
}

var reviewsShowCmd = &cobra.Command{
	Use:   "show <review-id>",
	Short: "Show the full context of one review request",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewsShow,
}

var reviewsApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Approve a review, letting the task proceed as-is",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewsApprove,
}

var reviewsRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Reject a review, sending the task back with feedback",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewsReject,
}

func init() {
	reviewsShowCmd.Flags().BoolVar(&reviewShowDiff, "diff", false, "Include the captured diff")
	reviewsApproveCmd.Flags().StringVarP(&reviewMessage, "message", "m", "", "Optional note passed to the engine")
	reviewsRejectCmd.Flags().StringVarP(&reviewMessage, "message", "m", "", "Feedback for the rework (required)")
	reviewsCmd.AddCommand(reviewsShowCmd, reviewsApproveCmd, reviewsRejectCmd)
}

func runReviewsList(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	rstore, err := openReviewStore(root)
	if err != nil {
		return err
	}
	if rstore == nil {
		fmt.Println("No reviews yet.")
		return nil
	}
	defer rstore.Close()

	st := models.ReviewPending
	pending, err := rstore.List(&st)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending reviews.")
		return nil
	}

	for _, r := range pending {
		fmt.Printf("%s  task %s  %s  (%s ago)\n", r.ID, short(r.TaskID), r.Reason, formatDuration(time.Since(r.CreatedAt)))
		if r.Context.SuggestedAction != "" {
			fmt.Printf("    %s\n", r.Context.SuggestedAction)
		}
	}
	fmt.Println()
	fmt.Println("Inspect with: nexus reviews show <id>")
	fmt.Println("Decide with:  nexus reviews approve <id> | nexus reviews reject <id> -m \"feedback\"")
	return nil
}

func runReviewsShow(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	rstore, err := openReviewStore(root)
	if err != nil {
		return err
	}
	if rstore == nil {
		return fmt.Errorf("no review matches %q", args[0])
	}
	defer rstore.Close()

	r, err := findReview(rstore, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Review %s\n", r.ID)
	fmt.Printf("  Task: %s\n", r.TaskID)
	fmt.Printf("  Reason: %s\n", r.Reason)
	fmt.Printf("  Status: %s\n", r.Status)
	fmt.Printf("  Raised: %s ago\n", formatDuration(time.Since(r.CreatedAt)))
	if r.Context.QAIterations > 0 {
		fmt.Printf("  QA iterations: %d\n", r.Context.QAIterations)
	}
	if len(r.Context.Errors) > 0 {
		fmt.Println("  Blocking errors:")
		for _, e := range r.Context.Errors {
			loc := ""
			if e.File != "" {
				loc = fmt.Sprintf(" (%s:%d)", e.File, e.Line)
			}
			fmt.Printf("    [%s] %s%s\n", e.Kind, e.Message, loc)
		}
	}
	if len(r.Context.ConflictFiles) > 0 {
		fmt.Printf("  Conflicts: %s\n", strings.Join(r.Context.ConflictFiles, ", "))
	}
	if r.Context.SuggestedAction != "" {
		fmt.Printf("  Suggested: %s\n", r.Context.SuggestedAction)
	}
	if r.Feedback != "" {
		fmt.Printf("  Feedback: %s\n", r.Feedback)
	}
	if reviewShowDiff {
		if r.Context.Diff == "" {
			fmt.Println("  No diff captured.")
		} else {
			fmt.Println()
			fmt.Println(r.Context.Diff)
		}
	}
	return nil
}

func runReviewsApprove(cmd *cobra.Command, args []string) error {
	return recordDecision(args[0], true, reviewMessage)
}

func runReviewsReject(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(reviewMessage) == "" {
		return fmt.Errorf("rejection needs feedback: pass -m \"what to change\"")
	}
	return recordDecision(args[0], false, reviewMessage)
}

// recordDecision resolves the review ID and drops a decision file for
// the engine's watcher. Writing a file instead of the database keeps
// the decision path identical whether or not an engine is running.
func recordDecision(idPrefix string, approve bool, message string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	rstore, err := openReviewStore(root)
	if err != nil {
		return err
	}
	if rstore == nil {
		return fmt.Errorf("no review matches %q", idPrefix)
	}
	defer rstore.Close()

	r, err := findReview(rstore, idPrefix)
	if err != nil {
		return err
	}
	if r.Resolved() {
		return fmt.Errorf("review %s is already %s", short(r.ID), r.Status)
	}

	dir := review.DefaultDecisionsDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create decisions directory: %w", err)
	}
	name := r.ID + ".reject"
	verb := "Rejection"
	if approve {
		name = r.ID + ".approve"
		verb = "Approval"
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(message), 0644); err != nil {
		return fmt.Errorf("write decision file: %w", err)
	}

	fmt.Printf("%s recorded for review %s (task %s).\n", verb, short(r.ID), short(r.TaskID))
	fmt.Println("A running engine applies it immediately; otherwise it lands on the next 'nexus run --resume'.")
	return nil
}

// openReviewStore opens the project's review database. Returns nil
// without error when the database does not exist yet, so read paths
// can treat an untouched project as empty.
func openReviewStore(root string) (*review.Store, error) {
	path := review.DefaultStorePath(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	rstore, err := review.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open review database: %w", err)
	}
	return rstore, nil
}

// findReview resolves a review by ID or unique ID prefix.
func findReview(rstore *review.Store, idPrefix string) (*models.ReviewRequest, error) {
	all, err := rstore.List(nil)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	var matches []models.ReviewRequest
	for _, r := range all {
		if r.ID == idPrefix {
			match := r
			return &match, nil
		}
		if strings.HasPrefix(r.ID, idPrefix) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no review matches %q", idPrefix)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("review prefix %q is ambiguous (%d matches)", idPrefix, len(matches))
	}
}
