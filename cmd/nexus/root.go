package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/config"
)

var rootConfigPath string

// checkGitInstalled verifies that the git binary is available in PATH.
// Returns an error with installation instructions if not found.
func checkGitInstalled() error {
	_, err := exec.LookPath("git")
	if err != nil {
		return fmt.Errorf("git not found in PATH\n\n" +
			"Nexus needs git to isolate tasks in worktrees and merge their work.\n\n" +
			"Install git with:\n" +
			"  - macOS: brew install git\n" +
			"  - Ubuntu/Debian: sudo apt-get install git\n" +
			"  - Other: https://git-scm.com/downloads")
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Autonomous feature construction engine",
	Long: `Nexus plans, implements, tests and merges features with a pool of
model-driven agents.

A feature request is decomposed into small dependency-ordered tasks.
Each task runs in its own git worktree: a coder implements it, a tester
extends coverage, a QA loop repairs it until build, lint, tests and an
automated review all pass, and the merger lands the branch. Tasks the
engine cannot finish park on durable review requests a human decides.

Core commands:
  nexus run "<feature>"   plan and build a feature end to end
  nexus status            show plan and task progress
  nexus reviews           list and decide parked tasks
  nexus pause / resume    gate task dispatch of a running engine`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to a config file (bypasses the search paths)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadEngineConfig loads configuration honoring the --config flag.
func loadEngineConfig() (*config.Config, error) {
	if rootConfigPath != "" {
		return config.LoadFromPath(rootConfigPath)
	}
	return config.Load()
}

// findGitRoot finds the root of the git repository starting from the given directory.
func findGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitDir := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a git repository")
		}
		dir = parent
	}
}

// projectRoot resolves the repository root from the working directory.
func projectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	root, err := findGitRoot(cwd)
	if err != nil {
		return "", fmt.Errorf("find git repository: %w", err)
	}
	return root, nil
}
