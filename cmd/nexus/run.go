package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/config"
	"github.com/nexusdev/nexus/internal/coordinator"
	"github.com/nexusdev/nexus/internal/decompose"
	"github.com/nexusdev/nexus/internal/estimate"
	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/internal/qa"
	"github.com/nexusdev/nexus/internal/replan"
	"github.com/nexusdev/nexus/internal/review"
	"github.com/nexusdev/nexus/internal/state"
	"github.com/nexusdev/nexus/internal/vcs"
	"github.com/nexusdev/nexus/internal/worktree"
	"github.com/nexusdev/nexus/pkg/models"
)

var (
	runPriority    string
	runDescription string
	runCriteria    []string
	runResume      bool
	runBase        string
	runWorkers     int
)

var runCmd = &cobra.Command{
	Use:   "run <feature title>",
	Short: "Plan and build a feature with the agent pool",
	Long: `Plan and build a feature end to end.

The feature is decomposed into small dependency-ordered tasks. Tasks
without unmet dependencies run concurrently, each in an isolated git
worktree: a coder implements, a tester extends coverage, the QA loop
repairs until build, lint, tests and an automated review pass, and the
merger lands the branch on the integration branch.

Tasks the engine cannot finish park on durable review requests. Decide
them from another terminal with 'nexus reviews' while the run keeps
working on everything else; an interrupted run hands unfinished tasks
back and picks them up again with --resume.

Examples:
  nexus run "add rate limiting to the public API"
  nexus run "checkout flow" --priority must --criteria "cart survives login"
  nexus run --resume              # pick up plans a previous run left behind
  nexus run --workers 2 "..."     # cap agent concurrency for this run`,
	Args: cobra.ArbitraryArgs,
	RunE: runFeature,
}

func init() {
	runCmd.Flags().StringVar(&runPriority, "priority", "", "Feature priority: must, should, could or wont")
	runCmd.Flags().StringVar(&runDescription, "description", "", "Longer prose description handed to the planner")
	runCmd.Flags().StringArrayVar(&runCriteria, "criteria", nil, "Acceptance criterion (repeatable)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume unfinished plans from a previous run")
	runCmd.Flags().StringVar(&runBase, "base", "", "Integration branch (default: config, then current branch)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent agent cap (default: config, then CPU count)")
}

func runFeature(cmd *cobra.Command, args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("PANIC in run: %v", r)
		}
	}()

	title := strings.TrimSpace(strings.Join(args, " "))
	if title == "" && !runResume {
		return fmt.Errorf("nothing to do: pass a feature title, or --resume to pick up earlier plans")
	}

	verbose := os.Getenv("NEXUS_DEBUG") != ""

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := buildEngine(ctx, root, cfg, verbose)
	if err != nil {
		return err
	}
	defer eng.Close()

	sub := eng.bus.SubscribeAll(printEvent(verbose))
	defer sub.Cancel()

	if err := eng.coord.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := eng.coord.Shutdown(30 * time.Second); err != nil && !errors.Is(err, coordinator.ErrShuttingDown) {
			fmt.Printf("Warning: shutdown: %v\n", err)
		}
	}()

	// Handle signals for graceful shutdown: interrupted tasks are handed
	// back to the store for a later --resume.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var plans []string

	if runResume {
		resumed, err := eng.coord.ResumePlans(ctx)
		if err != nil {
			return fmt.Errorf("resume plans: %w", err)
		}
		if len(resumed) == 0 {
			fmt.Println("No unfinished plans to resume.")
		} else {
			fmt.Printf("Resumed %d plan(s).\n", len(resumed))
		}
		plans = append(plans, resumed...)
	}

	if title != "" {
		feature := models.Feature{
			Title:              title,
			Description:        runDescription,
			AcceptanceCriteria: runCriteria,
		}
		var opts coordinator.SubmitOptions
		if runPriority != "" {
			opts.Priority = models.FeaturePriority(runPriority)
		}
		planID, err := eng.coord.SubmitFeature(ctx, feature, opts)
		if err != nil {
			return fmt.Errorf("submit feature: %w", err)
		}
		plans = append(plans, planID)

		if st, err := eng.coord.Status(planID); err == nil {
			printPlanHeader(st)
		}
	}

	if len(plans) == 0 {
		return nil
	}

	return waitForPlans(eng, plans, sigCh)
}

// waitForPlans blocks until every plan settles or a signal arrives.
// The bus subscription narrates progress; polling only detects the end.
func waitForPlans(eng *engine, planIDs []string, sigCh <-chan os.Signal) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupt received, draining...")
			if err := eng.coord.Shutdown(30 * time.Second); err != nil && !errors.Is(err, coordinator.ErrShuttingDown) {
				return fmt.Errorf("drain: %w", err)
			}
			fmt.Println("Stopped. Unfinished tasks were handed back; pick them up with: nexus run --resume")
			return nil

		case <-ticker.C:
			allDone := true
			for _, id := range planIDs {
				st, err := eng.coord.Status(id)
				if err != nil {
					return fmt.Errorf("plan status: %w", err)
				}
				if !st.Plan.Status.Terminal() {
					allDone = false
					break
				}
			}
			if !allDone {
				continue
			}

			var failed int
			fmt.Println()
			for _, id := range planIDs {
				st, err := eng.coord.Status(id)
				if err != nil {
					return fmt.Errorf("plan status: %w", err)
				}
				printPlanSummary(st)
				if st.Plan.Status != state.PlanCompleted {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plan(s) did not complete", failed, len(planIDs))
			}
			return nil
		}
	}
}

// engine bundles the wired subsystems with their lifecycles.
type engine struct {
	root      string
	cfg       *config.Config
	bus       *bus.Bus
	store     *state.DB
	rstore    *review.Store
	reviews   *review.Service
	watcher   *review.Watcher
	worktrees *worktree.Manager
	coord     *coordinator.Coordinator
}

func (e *engine) Close() {
	if e.watcher != nil {
		e.watcher.Close()
	}
	if e.rstore != nil {
		e.rstore.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// buildEngine wires every subsystem under one coordinator for root.
func buildEngine(ctx context.Context, root string, cfg *config.Config, verbose bool) (*engine, error) {
	db, err := state.OpenProject(root)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	eng := &engine{root: root, cfg: cfg, store: db}
	ok := false
	defer func() {
		if !ok {
			eng.Close()
		}
	}()

	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	runner := procrun.NewRunner(loadBlocklist(root, verbose))
	runner.SetDefaultTimeout(cfg.ProcessTimeout())
	if verbose {
		runner.SetDebugLog(log.Printf)
	}

	git := vcs.NewGit(runner, root)
	base, err := resolveBaseBranch(ctx, git, cfg)
	if err != nil {
		return nil, err
	}

	worktrees, err := worktree.NewManager(cfg.WorktreeDir, root, git)
	if err != nil {
		return nil, fmt.Errorf("create worktree manager: %w", err)
	}
	eng.worktrees = worktrees

	eng.bus = bus.New()

	rstore, err := review.NewStore(review.DefaultStorePath(root))
	if err != nil {
		return nil, fmt.Errorf("open review database: %w", err)
	}
	eng.rstore = rstore
	eng.reviews = review.NewService(rstore, eng.bus)

	watcher, err := review.NewWatcher(review.DefaultDecisionsDir(root), eng.reviews)
	if err != nil {
		return nil, fmt.Errorf("watch review decisions: %w", err)
	}
	eng.watcher = watcher

	monitor := replan.NewMonitor(replanThresholds(cfg), eng.bus)

	apiKey, err := config.GetAPIKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("set ANTHROPIC_API_KEY or anthropic.api_key in .nexus.yaml: %w", err)
	}

	client, err := llm.NewAnthropic(llm.Config{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
		Retry:         retryPolicy(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	estimator := estimate.New()
	if err := estimator.Load(estimate.SnapshotPath(root)); err != nil {
		fmt.Printf("Warning: estimate calibration unavailable: %v\n", err)
	}

	executor := coordinator.NewTaskExecutor(client, runner, git, eng.reviews, monitor, eng.bus,
		coordinator.ExecutorOptions{
			Target:          base,
			Commands:        stageCommands(cfg, root),
			QAMaxIterations: cfg.QAMaxIterations,
			OnOutput:        agentOutputFunc(verbose),
		})

	workers := cfg.Workers()
	if runWorkers > 0 {
		workers = runWorkers
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:            db,
		Worktrees:        worktrees,
		Bus:              eng.bus,
		Reviews:          eng.reviews,
		Monitor:          monitor,
		Planner:          decompose.New(client, decompose.Config{BudgetMinutes: cfg.TaskMaxMinutes}),
		Estimator:        estimator,
		Executor:         executor,
		ProjectRoot:      root,
		BaseBranch:       base,
		Workers:          workers,
		RoleCaps:         cfg.RoleCaps(),
		CleanupOnRelease: cfg.CleanupOnRelease,
		BudgetMinutes:    cfg.TaskMaxMinutes,
	})
	if err != nil {
		return nil, err
	}
	eng.coord = coord

	ok = true
	return eng, nil
}

// loadBlocklist builds the command blocklist, merging the project
// policy file when one exists.
func loadBlocklist(root string, verbose bool) *procrun.Blocklist {
	bl := procrun.NewBlocklist()
	policyPath := filepath.Join(root, ".nexus", "policy.yaml")
	if _, err := os.Stat(policyPath); err != nil {
		return bl
	}
	if err := bl.LoadPolicy(policyPath); err != nil {
		fmt.Printf("Warning: command policy %s: %v\n", policyPath, err)
	} else if verbose {
		fmt.Printf("[DEBUG] Loaded command policy from %s\n", policyPath)
	}
	return bl
}

// resolveBaseBranch picks the integration branch: flag, then config,
// then whatever the repository has checked out.
func resolveBaseBranch(ctx context.Context, git vcs.Client, cfg *config.Config) (string, error) {
	if runBase != "" {
		return runBase, nil
	}
	if cfg.BaseBranch != "" {
		return cfg.BaseBranch, nil
	}
	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("detect base branch: %w", err)
	}
	if branch == "" {
		return "", fmt.Errorf("repository is on a detached HEAD; set base_branch or pass --base")
	}
	return branch, nil
}

// stageCommands merges config overrides over the commands detected
// from the project type.
func stageCommands(cfg *config.Config, root string) qa.Commands {
	cmds := qa.DetectCommands(root)
	timeout := cfg.StageTimeout()

	if cfg.Stages.Build != "" {
		cmds.Build.Command = cfg.Stages.Build
	}
	if cfg.Stages.Lint != "" {
		cmds.Lint.Command = cfg.Stages.Lint
	}
	if cfg.Stages.LintFix != "" {
		cmds.LintFix = cfg.Stages.LintFix
	}
	if cfg.Stages.Test != "" {
		cmds.Test.Command = cfg.Stages.Test
	}
	if cfg.Stages.TestSelective != "" {
		cmds.Test.Selective = cfg.Stages.TestSelective
	}
	if timeout > 0 {
		cmds.Build.Timeout = timeout
		cmds.Lint.Timeout = timeout
		cmds.Test.Timeout = timeout
	}
	return cmds
}

// replanThresholds maps the config knobs onto the monitor's thresholds.
func replanThresholds(cfg *config.Config) replan.Thresholds {
	th := replan.DefaultThresholds()
	rt := cfg.ReplannerThresholds
	if rt.TimeRatio > 0 {
		th.TimeRatio = rt.TimeRatio
	}
	if rt.IterationRatio > 0 {
		th.IterationRatio = rt.IterationRatio
	}
	if rt.ScopeCreepFiles > 0 {
		th.ScopeCreepFiles = rt.ScopeCreepFiles
	}
	if rt.ConsecutiveFailures > 0 {
		th.ConsecutiveFailures = rt.ConsecutiveFailures
	}
	if len(rt.ComplexityKeywords) > 0 {
		th.ComplexityKeywords = rt.ComplexityKeywords
	}
	return th
}

// retryPolicy maps the config knobs onto the client's retry policy.
func retryPolicy(cfg *config.Config) llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	rp := cfg.LLMRetryPolicy
	if rp.MaxAttempts > 0 {
		p.MaxAttempts = rp.MaxAttempts
	}
	if rp.InitialBackoffMS > 0 {
		p.InitialBackoff = time.Duration(rp.InitialBackoffMS) * time.Millisecond
	}
	if rp.MaxBackoffMS > 0 {
		p.MaxBackoff = time.Duration(rp.MaxBackoffMS) * time.Millisecond
	}
	return p
}

// agentOutputFunc streams agent shell output when debugging.
func agentOutputFunc(verbose bool) func(taskID, line string) {
	if !verbose {
		return nil
	}
	return func(taskID, line string) {
		fmt.Printf("  [%s] %s\n", short(taskID), line)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
