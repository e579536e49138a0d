package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nexusdev/nexus/internal/agents"
	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/pool"
	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/internal/qa"
	"github.com/nexusdev/nexus/internal/replan"
	"github.com/nexusdev/nexus/internal/review"
	"github.com/nexusdev/nexus/internal/vcs"
	"github.com/nexusdev/nexus/pkg/models"
)

// ExecutorOptions tunes the task executor.
type ExecutorOptions struct {
	// Target is the integration branch merges land on.
	Target string
	// Commands configures the externally-run QA stages.
	Commands qa.Commands
	// QAMaxIterations caps repair cycles per task.
	QAMaxIterations int
	// AgentTimeout bounds each individual agent conversation. Zero
	// means no limit beyond the task's own deadline.
	AgentTimeout time.Duration
	// OnOutput streams agent shell output, keyed by task.
	OnOutput func(taskID, line string)
}

// TaskExecutor runs one assignment through the full agent chain: the
// coder implements, the tester extends coverage, the QA loop repairs
// until green, and the merger lands the branch. Escalations file a
// durable review and report the parked state upward; the Resume entry
// points re-enter after the human decides.
type TaskExecutor struct {
	llm     llm.Client
	runner  procrun.Runner
	git     vcs.Client
	reviews *review.Service
	monitor *replan.Monitor
	events  *bus.Bus
	opts    ExecutorOptions

	// the target branch checkout is shared state, so merges serialize
	mergeMu sync.Mutex
}

var _ Executor = (*TaskExecutor)(nil)

// NewTaskExecutor builds the agent chain behind the pool. git must be
// bound to the repository root; worktree-local operations derive from
// it with At.
func NewTaskExecutor(client llm.Client, runner procrun.Runner, git vcs.Client,
	reviews *review.Service, monitor *replan.Monitor, events *bus.Bus, opts ExecutorOptions) *TaskExecutor {
	if opts.Target == "" {
		opts.Target = "main"
	}
	return &TaskExecutor{
		llm:     client,
		runner:  runner,
		git:     git,
		reviews: reviews,
		monitor: monitor,
		events:  events,
		opts:    opts,
	}
}

// Execute implements the task from scratch in its worktree.
func (x *TaskExecutor) Execute(ctx context.Context, a pool.Assignment) (*pool.Outcome, error) {
	task := *a.Task
	x.watch(task)
	defer x.monitor.Unwatch(task.ID)
	st := newTaskState()

	coder := x.newCoder(task.ID)
	cres, err := coder.Execute(ctx, task, a.Worktree.Path)
	if err != nil {
		return nil, err
	}
	st.add(cres.FilesChanged, cres.Usage)
	x.reportFiles(task.ID, st)
	if !cres.Success {
		return &pool.Outcome{
			Failure:      "coder gave up: " + cres.Output,
			FilesChanged: st.fileList(),
			Usage:        st.totals(),
		}, nil
	}

	// tester is best-effort: thin coverage surfaces in QA, not here
	tester := x.newTester(task.ID)
	if tres, terr := tester.Execute(ctx, task, a.Worktree.Path, cres.FilesChanged); terr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[executor] tester for %s: %v", shortID(task.ID), terr)
	} else {
		st.add(tres.FilesChanged, tres.Usage)
		x.reportFiles(task.ID, st)
	}

	return x.qaAndMerge(ctx, a, st)
}

// ResumeApproved lands a parked task's work as the reviewer approved
// it: straight to merge, no rework.
func (x *TaskExecutor) ResumeApproved(ctx context.Context, a pool.Assignment, resolution string) (*pool.Outcome, error) {
	if resolution != "" {
		log.Printf("[executor] task %s approved: %s", shortID(a.Task.ID), resolution)
	}
	return x.merge(ctx, a, newTaskState(), nil)
}

// ResumeRejected reworks a parked task with the reviewer's feedback,
// then takes the normal QA-and-merge path again.
func (x *TaskExecutor) ResumeRejected(ctx context.Context, a pool.Assignment, feedback string) (*pool.Outcome, error) {
	task := *a.Task
	x.watch(task)
	defer x.monitor.Unwatch(task.ID)
	st := newTaskState()

	coder := x.newCoder(task.ID)
	cres, err := coder.FixIssues(ctx, task, a.Worktree.Path, models.StageReview, []models.StageError{
		{Kind: models.ErrKindReview, Message: "human reviewer: " + feedback},
	})
	if err != nil {
		return nil, err
	}
	st.add(cres.FilesChanged, cres.Usage)
	x.reportFiles(task.ID, st)
	if !cres.Success {
		return &pool.Outcome{
			Failure:      "rework gave up: " + cres.Output,
			FilesChanged: st.fileList(),
			Usage:        st.totals(),
		}, nil
	}

	return x.qaAndMerge(ctx, a, st)
}

// qaAndMerge drives the QA loop and, when it converges, lands the
// branch. An exhausted loop parks the task on a durable review instead.
func (x *TaskExecutor) qaAndMerge(ctx context.Context, a pool.Assignment, st *taskState) (*pool.Outcome, error) {
	task := *a.Task
	engine := x.newEngine(task.ID, st)
	qres, err := engine.Run(ctx, task, a.Worktree.Path)
	if err != nil {
		return nil, err
	}
	if qres.Escalated {
		diff, derr := x.git.At(a.Worktree.Path).Diff(ctx, x.opts.Target)
		if derr != nil {
			diff = ""
		}
		reviewID, rerr := x.reviews.Request(task, models.ReasonQAExhausted, models.ReviewContext{
			QAIterations:    qres.Iterations,
			Errors:          qres.FinalErrors,
			Diff:            diff,
			SuggestedAction: "approve to merge as-is, reject with feedback to rework",
		})
		if rerr != nil {
			return nil, fmt.Errorf("file review for %s: %w", task.ID, rerr)
		}
		return &pool.Outcome{
			Escalated:    true,
			ReviewID:     reviewID,
			QA:           qres,
			FilesChanged: st.fileList(),
			Usage:        st.totals(),
		}, nil
	}

	return x.merge(ctx, a, st, qres)
}

// merge commits the worktree and lands its branch on the target. A
// context already canceled stops before touching the branch; once the
// merge begins it runs to its verdict so a cancellation cannot leave
// the target mid-merge. Unresolvable conflicts park the task on a
// review.
func (x *TaskExecutor) merge(ctx context.Context, a pool.Assignment, st *taskState, qres *models.QAResult) (*pool.Outcome, error) {
	task := *a.Task
	if err := x.commitWork(ctx, task, a.Worktree.Path); err != nil {
		return nil, err
	}

	x.mergeMu.Lock()
	defer x.mergeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx := context.WithoutCancel(ctx)

	merger := agents.NewMerger(x.git, x.runner, x.llm, agents.MergerOptions{
		Timeout: x.opts.AgentTimeout,
	})
	res, err := merger.Merge(mctx, task, a.Worktree.Branch, x.opts.Target)
	if err != nil {
		return nil, err
	}
	st.add(nil, res.Usage)

	if res.Merged {
		if res.Resolution != "" {
			log.Printf("[executor] task %s merge conflicts resolved: %s", shortID(task.ID), res.Resolution)
		}
		return &pool.Outcome{
			MergeCommit:  res.Commit,
			QA:           qres,
			FilesChanged: st.fileList(),
			Usage:        st.totals(),
		}, nil
	}

	reviewID, rerr := x.reviews.Request(task, models.ReasonMergeConflict, models.ReviewContext{
		ConflictFiles:   res.Conflicts,
		SuggestedAction: "resolve the conflicts by hand, then approve; or reject to rework the task",
	})
	if rerr != nil {
		return nil, fmt.Errorf("file conflict review for %s: %w", task.ID, rerr)
	}
	return &pool.Outcome{
		Escalated:    true,
		ReviewID:     reviewID,
		QA:           qres,
		FilesChanged: st.fileList(),
		Usage:        st.totals(),
	}, nil
}

// commitWork records the worktree's outstanding changes on the task
// branch. A clean tree is fine: resumes re-merge work committed before
// the park.
func (x *TaskExecutor) commitWork(ctx context.Context, task models.Task, path string) error {
	wgit := x.git.At(path)
	dirty, err := wgit.HasChanges(ctx)
	if err != nil {
		return fmt.Errorf("inspect worktree for %s: %w", task.ID, err)
	}
	if !dirty {
		return nil
	}
	if err := wgit.EnsureIdentity(ctx); err != nil {
		return fmt.Errorf("commit identity for %s: %w", task.ID, err)
	}
	if err := wgit.AddAll(ctx); err != nil {
		return fmt.Errorf("stage changes for %s: %w", task.ID, err)
	}
	msg := fmt.Sprintf("%s\n\ntask: %s", task.Title, task.ID)
	if _, err := wgit.Commit(ctx, msg); err != nil {
		return fmt.Errorf("commit changes for %s: %w", task.ID, err)
	}
	return nil
}

func (x *TaskExecutor) watch(task models.Task) {
	x.monitor.Watch(models.ExecutionContext{
		TaskID:           task.ID,
		EstimatedMinutes: task.EstimatedMinutes,
		MaxIterations:    x.opts.QAMaxIterations,
		ExpectedFiles:    task.Files,
	})
}

func (x *TaskExecutor) reportFiles(taskID string, st *taskState) {
	files := st.fileList()
	x.monitor.Update(taskID, func(ec *models.ExecutionContext) {
		ec.ModifiedFiles = files
	})
}

func (x *TaskExecutor) newCoder(taskID string) *agents.Coder {
	return agents.NewCoder(x.llm, x.runner, agents.CoderOptions{
		Timeout:  x.opts.AgentTimeout,
		OnReplan: x.monitor.AgentHandler(taskID),
		OnOutput: x.outputFunc(taskID),
	})
}

func (x *TaskExecutor) newTester(taskID string) *agents.Tester {
	return agents.NewTester(x.llm, x.runner, agents.TesterOptions{
		Timeout:  x.opts.AgentTimeout,
		OnOutput: x.outputFunc(taskID),
	})
}

func (x *TaskExecutor) newEngine(taskID string, st *taskState) *qa.Engine {
	fixer := &qaFixer{coder: x.newCoder(taskID), st: st}
	build := qa.NewBuildRunner(x.runner, x.opts.Commands.Build)
	lint := qa.NewLintRunner(x.runner, x.opts.Commands.Lint, x.opts.Commands.LintFix)
	test := qa.NewTestRunner(x.runner, x.opts.Commands.Test)
	reviewer := &meteredReviewer{
		rev: agents.NewReviewer(x.llm, x.runner, agents.ReviewerOptions{Timeout: x.opts.AgentTimeout}),
		st:  st,
	}
	rev := qa.NewReviewRunner(reviewer, func(ctx context.Context, workdir string) (string, error) {
		return x.git.At(workdir).Diff(ctx, x.opts.Target)
	})
	return qa.NewEngine(qa.Pipeline(build, lint, test, rev), fixer, qa.EngineConfig{
		MaxIterations: x.opts.QAMaxIterations,
		Bus:           x.events,
	})
}

func (x *TaskExecutor) outputFunc(taskID string) func(string) {
	if x.opts.OnOutput == nil {
		return nil
	}
	return func(line string) { x.opts.OnOutput(taskID, line) }
}

// taskState accumulates what the agent chain touched and spent across
// one assignment. The QA fixer and reviewer append concurrently with
// nothing else, but the lock keeps the contract simple.
type taskState struct {
	mu    sync.Mutex
	files map[string]struct{}
	usage models.TokenUsage
}

func newTaskState() *taskState {
	return &taskState{files: make(map[string]struct{})}
}

func (s *taskState) add(files []string, usage models.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.files[f] = struct{}{}
	}
	s.usage.InputTokens += usage.InputTokens
	s.usage.OutputTokens += usage.OutputTokens
	s.usage.Calls += usage.Calls
}

func (s *taskState) totals() models.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *taskState) fileList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for f := range s.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// qaFixer adapts the coder's repair entry point to the loop engine. A
// repair that ran out of turns is not an infrastructure failure: the
// stage will fail again and the loop escalates at its cap.
type qaFixer struct {
	coder *agents.Coder
	st    *taskState
}

func (f *qaFixer) FixIssues(ctx context.Context, task models.Task, worktree string, stage models.StageKind, errs []models.StageError) error {
	res, err := f.coder.FixIssues(ctx, task, worktree, stage, errs)
	if err != nil {
		return err
	}
	f.st.add(res.FilesChanged, res.Usage)
	if !res.Success {
		log.Printf("[executor] fix for %s stage on %s did not converge: %s", stage, shortID(task.ID), res.Output)
	}
	return nil
}

// meteredReviewer folds the reviewer's token spend into the task state.
type meteredReviewer struct {
	rev *agents.Reviewer
	st  *taskState
}

func (m *meteredReviewer) Review(ctx context.Context, task models.Task, worktree, diff string) (*models.ReviewAssessment, models.TokenUsage, error) {
	as, usage, err := m.rev.Review(ctx, task, worktree, diff)
	m.st.add(nil, usage)
	return as, usage, err
}
