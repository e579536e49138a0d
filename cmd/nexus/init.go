package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/coordinator"
	"github.com/nexusdev/nexus/internal/qa"
	"github.com/nexusdev/nexus/internal/review"
)

var (
	initForce bool
	initNoGit bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a project for Nexus",
	Long: `Initialize a directory for use with Nexus.

This command sets up everything needed to run the engine:
  - Verifies prerequisites (git, API key)
  - Initializes a git repository if needed
  - Creates the .nexus directory structure
  - Writes a .nexus.yaml configuration template

The directory argument is optional and defaults to the current directory.

Examples:
  nexus init              # Initialize current directory
  nexus init ./myproject  # Initialize specific directory
  nexus init --force      # Reinitialize even if already set up
  nexus init --no-git     # Skip git initialization`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initNoGit, "no-git", false, "Skip git initialization")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}
	if err := os.Chdir(absPath); err != nil {
		return fmt.Errorf("changing to directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing Nexus in %s...\n\n", absPath)

	nexusDir := filepath.Join(absPath, ".nexus")
	if _, err := os.Stat(nexusDir); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	if err := checkGitInstalled(); err != nil {
		printStatus("✗", "Git not found", color.FgRed)
		return err
	}
	printStatus("✓", "Git found", color.FgGreen)

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	if !initNoGit {
		if err := initGitRepo(absPath); err != nil {
			return err
		}
	} else {
		fmt.Println("Skipping git initialization (--no-git flag)")
	}

	for _, dir := range []string{
		review.DefaultDecisionsDir(absPath),
		coordinator.DefaultSignalsDir(absPath),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .nexus directory structure", color.FgGreen)

	if !initNoGit {
		if err := updateGitignore(absPath); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus("✓", "Updated .gitignore with Nexus entries", color.FgGreen)
	}

	created, err := createProjectConfig(absPath)
	if err != nil {
		return fmt.Errorf("creating project config: %w", err)
	}
	if created {
		printStatus("✓", "Created .nexus.yaml template", color.FgGreen)
	} else {
		printStatus("✓", ".nexus.yaml already exists, left unchanged", color.FgGreen)
	}

	branch := "main"
	if !initNoGit {
		if b, err := gitOut(absPath, "branch", "--show-current"); err == nil && b != "" {
			branch = b
		}
	}

	fmt.Printf("\n%s Nexus initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if apiKey == "" {
		fmt.Println("  1. Set your API key:")
		fmt.Println("     export ANTHROPIC_API_KEY=your-key-here")
		fmt.Println()
	}
	fmt.Println("  2. Submit a feature:")
	fmt.Println("     nexus run \"describe the feature to build\"")
	fmt.Println()
	fmt.Println("  3. Learn more:")
	fmt.Println("     nexus --help")
	fmt.Println()
	fmt.Println("Project details:")
	fmt.Printf("  Project name: %s\n", detectProjectName(absPath))
	fmt.Printf("  Repository: %s\n", absPath)
	if !initNoGit {
		fmt.Printf("  Base branch: %s\n", branch)
	}

	return nil
}

// gitOut runs a git command in dir and returns its trimmed stdout.
func gitOut(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}

// gitDo runs a git command in dir, folding any output into the error.
func gitDo(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %s\n%s", args[0], err, string(out))
	}
	return nil
}

// initGitRepo brings the directory to a state worktrees can fork from:
// a repository, at least one commit, and a branch named main. Worktrees
// cannot fork from an unborn branch.
func initGitRepo(repoPath string) error {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); os.IsNotExist(err) {
		if err := gitDo(repoPath, "init"); err != nil {
			return err
		}
		printStatus("✓", "Initialized git repository", color.FgGreen)
	} else {
		printStatus("✓", "Git repository exists", color.FgGreen)
	}

	switch heads, err := gitOut(repoPath, "rev-list", "-n", "1", "--all"); {
	case err == nil && heads != "":
		printStatus("✓", "Git repository has commits", color.FgGreen)
	default:
		// rev-list exits 128 on a repo with no commits at all
		if err := makeInitialCommit(repoPath); err != nil {
			return fmt.Errorf("creating initial commit: %w", err)
		}
		printStatus("✓", "Created initial commit", color.FgGreen)
	}

	// rename whatever the first branch is called unless main exists
	if _, err := gitOut(repoPath, "rev-parse", "--verify", "main"); err != nil {
		if err := gitDo(repoPath, "branch", "-M", "main"); err != nil {
			return fmt.Errorf("ensuring main branch: %w", err)
		}
	}
	printStatus("✓", "Main branch exists", color.FgGreen)

	return nil
}

// makeInitialCommit seeds an empty repository. A .gitignore is written
// first so the commit is never empty in the common case.
func makeInitialCommit(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitignorePath, []byte("# Nexus\n.nexus/\nnexus\n"), 0644); err != nil {
			return fmt.Errorf("creating .gitignore: %w", err)
		}
	}
	if err := gitDo(repoPath, "add", "."); err != nil {
		return err
	}
	return gitDo(repoPath, "commit", "--allow-empty", "-m", "Initial commit")
}

// updateGitignore appends the engine's entries to .gitignore when they
// are not already present.
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existing string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	var missing []string
	for _, entry := range []string{".nexus/", "nexus"} {
		if !strings.Contains(existing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(existing)
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n# Nexus\n")
	for _, entry := range missing {
		b.WriteString(entry + "\n")
	}
	return os.WriteFile(gitignorePath, []byte(b.String()), 0644)
}

// createProjectConfig writes the .nexus.yaml template with the
// project's detected QA commands shown in the comments. Returns false
// when a config already exists.
func createProjectConfig(repoPath string) (bool, error) {
	configPath := filepath.Join(repoPath, ".nexus.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return false, nil
	}

	detected := qa.DetectCommands(repoPath)
	stageComment := func(cmd string) string {
		if cmd == "" {
			return "(not detected, stage skipped)"
		}
		return cmd
	}

	template := fmt.Sprintf(`# Nexus Project Configuration
# This file overrides defaults from ~/.config/nexus/config.yaml.
# Unknown keys are rejected at load time.

# anthropic:
#   model: ""                  # empty = per-agent defaults
#   use_bedrock: false
#   aws_region: ""

# max_concurrent_workers: 0    # 0 = CPU count
# qa_max_iterations: 50
# task_max_minutes: 30
# base_branch: ""              # empty = current branch

# QA stage commands. Detected for this project:
#   build: %s
#   lint:  %s
#   test:  %s
# stages:
#   build: ""
#   lint: ""
#   test: ""

# replanner_thresholds:
#   time_ratio: 1.5
#   iteration_ratio: 0.4
#   scope_creep_files: 3
#   consecutive_failures: 5
`,
		stageComment(detected.Build.Command),
		stageComment(detected.Lint.Command),
		stageComment(detected.Test.Command),
	)

	if err := os.WriteFile(configPath, []byte(template), 0644); err != nil {
		return false, err
	}
	return true, nil
}

// detectProjectName prefers the origin remote's repository name, then
// the directory name.
func detectProjectName(repoPath string) string {
	if url, err := gitOut(repoPath, "config", "--get", "remote.origin.url"); err == nil {
		url = strings.TrimSuffix(url, ".git")
		if i := strings.LastIndexAny(url, "/:"); i >= 0 && i < len(url)-1 {
			return url[i+1:]
		}
	}
	return filepath.Base(repoPath)
}

// printStatus prints a status line with color.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}