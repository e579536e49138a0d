package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/pool"
	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/internal/replan"
	"github.com/nexusdev/nexus/internal/review"
	"github.com/nexusdev/nexus/internal/vcs"
	"github.com/nexusdev/nexus/internal/worktree"
	"github.com/nexusdev/nexus/pkg/models"
)

// scriptClient replays canned model responses in order, repeating the
// last one when the conversation outlasts the script. errs values are
// returned instead, indexed by call.
type scriptClient struct {
	responses []*llm.Response
	errs      []error
	calls     int
	requests  []llm.Request
}

func (s *scriptClient) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *scriptClient) CountTokens(text string) int { return (len(text) + 3) / 4 }

func say(text string, in, out int64) *llm.Response {
	return &llm.Response{
		Text:         text,
		FinishReason: llm.FinishEndTurn,
		InputTokens:  in,
		OutputTokens: out,
	}
}

func callTool(name string, input string) *llm.Response {
	return &llm.Response{
		ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: name, Input: json.RawMessage(input)},
		},
		FinishReason: llm.FinishToolUse,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

const (
	approveVerdict = `{"approved": true, "issues": [], "summary": "clean"}`
	rejectVerdict  = `{"approved": false, "issues": [], "summary": "needs another pass"}`
)

// execGit scripts the version-control verbs the executor and merger
// reach for. Unimplemented methods panic through the embedded nil
// Client, which in a test means the executor touched something it
// should not have.
type execGit struct {
	vcs.Client

	root      string
	dirty     bool
	diff      string
	mergeHash string
	mergeErr  error
	conflicts []string

	checkouts []string
	commits   []string
	mergeMsgs []string
	addAlls   int
	added     [][]string
	identity  bool
	aborted   bool
}

func (g *execGit) Root() string             { return g.root }
func (g *execGit) At(dir string) vcs.Client { return g }

func (g *execGit) EnsureIdentity(_ context.Context) error { g.identity = true; return nil }

func (g *execGit) HasChanges(_ context.Context) (bool, error) { return g.dirty, nil }

func (g *execGit) Diff(_ context.Context, base string) (string, error) { return g.diff, nil }

func (g *execGit) AddAll(_ context.Context) error { g.addAlls++; return nil }

func (g *execGit) Add(_ context.Context, paths ...string) error {
	g.added = append(g.added, paths)
	return nil
}

func (g *execGit) Commit(_ context.Context, message string) (string, error) {
	g.commits = append(g.commits, message)
	return "c-1", nil
}

func (g *execGit) CheckoutBranch(_ context.Context, name string) error {
	g.checkouts = append(g.checkouts, name)
	return nil
}

func (g *execGit) MergeNoFF(_ context.Context, branch, message string) (string, error) {
	g.mergeMsgs = append(g.mergeMsgs, message)
	if g.mergeErr != nil {
		return "", g.mergeErr
	}
	return g.mergeHash, nil
}

func (g *execGit) ConflictedFiles(_ context.Context) ([]string, error) {
	return g.conflicts, nil
}

func (g *execGit) MergeAbort(_ context.Context) error { g.aborted = true; return nil }

type execEnv struct {
	t       *testing.T
	client  *scriptClient
	git     *execGit
	reviews *review.Service
	x       *TaskExecutor
}

// newExecEnv wires a TaskExecutor over a scripted model, scripted git,
// and a real review service, with QA shell stages disabled so only the
// agent-driven review stage runs.
func newExecEnv(t *testing.T, client *scriptClient, git *execGit, opts ExecutorOptions) *execEnv {
	t.Helper()
	b := bus.New()
	store, err := review.NewStore(filepath.Join(t.TempDir(), "reviews.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := review.NewService(store, b)
	monitor := replan.NewMonitor(replan.DefaultThresholds(), b)
	x := NewTaskExecutor(client, procrun.NewRunner(nil), git, svc, monitor, b, opts)
	return &execEnv{t: t, client: client, git: git, reviews: svc, x: x}
}

func (e *execEnv) assignment(tk models.Task) pool.Assignment {
	return pool.Assignment{
		Task: &tk,
		Role: models.RoleCoder,
		Worktree: &worktree.Info{
			ID:     "wt-" + tk.ID,
			Path:   e.t.TempDir(),
			Branch: worktree.BranchPrefix + tk.ID,
			TaskID: tk.ID,
		},
	}
}

func (e *execEnv) pendingCount() int {
	e.t.Helper()
	pending, err := e.reviews.Pending()
	if err != nil {
		e.t.Fatalf("Pending: %v", err)
	}
	return len(pending)
}

func TestExecuteImplementsTestsAndMerges(t *testing.T) {
	client := &scriptClient{responses: []*llm.Response{
		say("implemented the parser", 50, 20),
		say("added parser tests", 30, 10),
		say(approveVerdict, 8, 4),
	}}
	git := &execGit{dirty: true, diff: "diff --git a/parser.go b/parser.go\n+func Parse()", mergeHash: "m-1"}
	env := newExecEnv(t, client, git, ExecutorOptions{Target: "main", QAMaxIterations: 3})

	out, err := env.x.Execute(context.Background(), env.assignment(task("t1", 20)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.MergeCommit != "m-1" {
		t.Fatalf("merge commit = %q, want m-1", out.MergeCommit)
	}
	if out.Escalated || out.Failure != "" {
		t.Fatalf("unexpected escalation/failure: %+v", out)
	}
	if out.QA == nil || !out.QA.Success || out.QA.Iterations != 1 {
		t.Errorf("qa result = %+v, want success in one iteration", out.QA)
	}
	if client.calls != 3 {
		t.Errorf("model calls = %d, want 3 (coder, tester, reviewer)", client.calls)
	}
	if got := out.Usage; got.InputTokens != 88 || got.OutputTokens != 34 || got.Calls != 3 {
		t.Errorf("usage = %+v, want 88 in / 34 out / 3 calls", got)
	}

	// The worktree was dirty, so its work is committed before the merge.
	if !git.identity || git.addAlls != 1 || len(git.commits) != 1 {
		t.Fatalf("commit verbs = identity %v, addAll %d, commits %d", git.identity, git.addAlls, len(git.commits))
	}
	if !strings.Contains(git.commits[0], "task: t1") {
		t.Errorf("commit message %q missing task trailer", git.commits[0])
	}
	if len(git.checkouts) != 1 || git.checkouts[0] != "main" {
		t.Errorf("checkouts = %v, want [main]", git.checkouts)
	}
	if len(git.mergeMsgs) != 1 || !strings.Contains(git.mergeMsgs[0], "t1") {
		t.Errorf("merge messages = %v, want one naming the task", git.mergeMsgs)
	}
	if n := env.pendingCount(); n != 0 {
		t.Errorf("pending reviews = %d, want 0", n)
	}
}

func TestExecuteReportsCoderGiveUpAsFailure(t *testing.T) {
	// The script never produces a terminal answer, so the coder burns
	// through its iteration cap and reports a give-up rather than an error.
	client := &scriptClient{responses: []*llm.Response{
		callTool("Write", `{"file_path":"parser.go","content":"package parser\n"}`),
	}}
	git := &execGit{}
	env := newExecEnv(t, client, git, ExecutorOptions{Target: "main", QAMaxIterations: 3})

	out, err := env.x.Execute(context.Background(), env.assignment(task("t1", 20)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.Failure, "coder gave up") {
		t.Fatalf("failure = %q, want coder give-up", out.Failure)
	}
	if out.MergeCommit != "" || out.Escalated {
		t.Fatalf("gave-up task must not merge or escalate: %+v", out)
	}
	if len(git.checkouts) != 0 {
		t.Errorf("target branch touched on failure: %v", git.checkouts)
	}
	if n := env.pendingCount(); n != 0 {
		t.Errorf("pending reviews = %d, want 0", n)
	}
}

func TestExecuteClientErrorPropagates(t *testing.T) {
	client := &scriptClient{
		responses: []*llm.Response{say("unused", 1, 1)},
		errs:      []error{errors.New("model offline")},
	}
	env := newExecEnv(t, client, &execGit{}, ExecutorOptions{Target: "main"})

	out, err := env.x.Execute(context.Background(), env.assignment(task("t1", 20)))
	if err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("err = %v, want model offline", err)
	}
	if out != nil {
		t.Fatalf("outcome = %+v, want nil on error", out)
	}
}

func TestExecuteEscalatesWhenQAExhausted(t *testing.T) {
	// Reviewer rejects on every pass: iteration one fails review, the
	// fix attempt changes nothing the reviewer accepts, and iteration
	// two hits the cap. That parks the task on a qa_exhausted review.
	client := &scriptClient{responses: []*llm.Response{
		say("implemented the parser", 50, 20),
		say("added parser tests", 30, 10),
		say(rejectVerdict, 8, 4),
	}}
	git := &execGit{dirty: true, diff: "diff --git a/parser.go b/parser.go\n+func Parse()"}
	env := newExecEnv(t, client, git, ExecutorOptions{Target: "main", QAMaxIterations: 2})

	out, err := env.x.Execute(context.Background(), env.assignment(task("t1", 20)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Escalated || out.ReviewID == "" {
		t.Fatalf("outcome = %+v, want escalation with review id", out)
	}
	if out.MergeCommit != "" {
		t.Fatalf("escalated task must not merge, got commit %q", out.MergeCommit)
	}
	if out.QA == nil || !out.QA.Escalated || out.QA.Iterations != 2 {
		t.Fatalf("qa result = %+v, want escalation after 2 iterations", out.QA)
	}

	req, err := env.reviews.Get(out.ReviewID)
	if err != nil {
		t.Fatalf("Get review: %v", err)
	}
	if req.Reason != models.ReasonQAExhausted {
		t.Errorf("review reason = %q, want %q", req.Reason, models.ReasonQAExhausted)
	}
	if req.Context.QAIterations != 2 {
		t.Errorf("review context iterations = %d, want 2", req.Context.QAIterations)
	}
	if req.Context.Diff != git.diff {
		t.Errorf("review context diff = %q, want the worktree diff", req.Context.Diff)
	}
	if len(req.Context.Errors) == 0 || !strings.Contains(req.Context.Errors[0].Message, "needs another pass") {
		t.Errorf("review context errors = %+v, want the reviewer's finding", req.Context.Errors)
	}
	if len(git.checkouts) != 0 {
		t.Errorf("target branch touched on escalation: %v", git.checkouts)
	}

	// The repair attempt saw the reviewer's finding in its prompt.
	if len(client.requests) < 4 {
		t.Fatalf("model calls = %d, want at least 4", len(client.requests))
	}
	if fix := client.requests[3].Messages[0].Text; !strings.Contains(fix, "needs another pass") {
		t.Errorf("fix prompt missing reviewer finding: %q", fix)
	}
}

func TestResumeApprovedMergesWithoutAgents(t *testing.T) {
	client := &scriptClient{}
	git := &execGit{dirty: true, mergeHash: "m-9"}
	env := newExecEnv(t, client, git, ExecutorOptions{Target: "main"})

	out, err := env.x.ResumeApproved(context.Background(), env.assignment(task("t1", 20)), "ship as-is")
	if err != nil {
		t.Fatalf("ResumeApproved: %v", err)
	}
	if out.MergeCommit != "m-9" {
		t.Fatalf("merge commit = %q, want m-9", out.MergeCommit)
	}
	if out.QA != nil {
		t.Errorf("qa result = %+v, want none on approved resume", out.QA)
	}
	if client.calls != 0 {
		t.Errorf("model calls = %d, want 0 on approved resume", client.calls)
	}
	// Leftover uncommitted work from before the park still lands.
	if len(git.commits) != 1 || !strings.Contains(git.commits[0], "task: t1") {
		t.Errorf("commits = %v, want one with the task trailer", git.commits)
	}
	if len(git.checkouts) != 1 || git.checkouts[0] != "main" {
		t.Errorf("checkouts = %v, want [main]", git.checkouts)
	}
}

func TestResumeApprovedFilesConflictReview(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "shared.go"), []byte("<<<<<<< HEAD\npackage a\n=======\npackage b\n>>>>>>> nexus/t1\n"), 0o644); err != nil {
		t.Fatalf("write conflicted file: %v", err)
	}
	// The resolver's one model call fails, so the merge aborts and the
	// conflict goes to a human.
	client := &scriptClient{
		responses: []*llm.Response{say("unused", 1, 1)},
		errs:      []error{errors.New("model offline")},
	}
	git := &execGit{
		root:      root,
		mergeErr:  errors.New("exit status 1"),
		conflicts: []string{"shared.go"},
	}
	env := newExecEnv(t, client, git, ExecutorOptions{Target: "main"})

	out, err := env.x.ResumeApproved(context.Background(), env.assignment(task("t1", 20)), "")
	if err != nil {
		t.Fatalf("ResumeApproved: %v", err)
	}
	if !out.Escalated || out.ReviewID == "" {
		t.Fatalf("outcome = %+v, want conflict escalation", out)
	}
	if out.MergeCommit != "" {
		t.Fatalf("conflicted merge must not report a commit, got %q", out.MergeCommit)
	}
	if !git.aborted {
		t.Error("merge not aborted after failed resolution")
	}

	req, err := env.reviews.Get(out.ReviewID)
	if err != nil {
		t.Fatalf("Get review: %v", err)
	}
	if req.Reason != models.ReasonMergeConflict {
		t.Errorf("review reason = %q, want %q", req.Reason, models.ReasonMergeConflict)
	}
	if len(req.Context.ConflictFiles) != 1 || req.Context.ConflictFiles[0] != "shared.go" {
		t.Errorf("conflict files = %v, want [shared.go]", req.Context.ConflictFiles)
	}
}

func TestResumeRejectedReworksWithFeedback(t *testing.T) {
	client := &scriptClient{responses: []*llm.Response{
		say("tightened the parser", 40, 15),
		say(approveVerdict, 8, 4),
	}}
	git := &execGit{dirty: true, diff: "diff --git a/parser.go b/parser.go\n+func Parse()", mergeHash: "m-3"}
	env := newExecEnv(t, client, git, ExecutorOptions{Target: "main", QAMaxIterations: 3})

	out, err := env.x.ResumeRejected(context.Background(), env.assignment(task("t1", 20)), "tighten the parser")
	if err != nil {
		t.Fatalf("ResumeRejected: %v", err)
	}
	if out.MergeCommit != "m-3" {
		t.Fatalf("merge commit = %q, want m-3", out.MergeCommit)
	}
	if out.QA == nil || !out.QA.Success {
		t.Errorf("qa result = %+v, want success after rework", out.QA)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2 (rework, reviewer)", client.calls)
	}
	if prompt := client.requests[0].Messages[0].Text; !strings.Contains(prompt, "human reviewer: tighten the parser") {
		t.Errorf("rework prompt missing reviewer feedback: %q", prompt)
	}
	if got := out.Usage; got.InputTokens != 48 || got.OutputTokens != 19 {
		t.Errorf("usage = %+v, want 48 in / 19 out", got)
	}
}
