package procrun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// killWait bounds how long we wait for Wait to return after a tree kill.
const killWait = 5 * time.Second

// ExecRunner implements Runner using os/exec. Children are placed in
// their own process group so a kill reaches the whole tree.
type ExecRunner struct {
	blocklist      *Blocklist
	defaultTimeout time.Duration
	debugLog       func(format string, args ...interface{})

	// start launches a prepared command. Tests swap it to observe
	// or forbid spawns.
	start func(c *exec.Cmd) error
}

// NewRunner creates an ExecRunner. A nil blocklist gets the defaults.
func NewRunner(blocklist *Blocklist) *ExecRunner {
	if blocklist == nil {
		blocklist = NewBlocklist()
	}
	return &ExecRunner{
		blocklist:      blocklist,
		defaultTimeout: DefaultTimeout,
		debugLog:       func(string, ...interface{}) {},
		start:          func(c *exec.Cmd) error { return c.Start() },
	}
}

// SetDefaultTimeout overrides the timeout used when a command sets none.
func (r *ExecRunner) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		r.defaultTimeout = d
	}
}

// SetDebugLog installs a logger for spawn diagnostics.
func (r *ExecRunner) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		r.debugLog = fn
	}
}

// Run executes a command to completion. The returned result is non-nil
// whenever a process actually ran; on timeout it reports ExitCode -1 and
// Killed alongside a *TimeoutError.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	line := cmd.Line()
	if err := r.blocklist.Check(line); err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := buildCmd(cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	started := time.Now()
	if err := r.start(c); err != nil {
		return nil, fmt.Errorf("start %s: %w", line, err)
	}
	r.debugLog("[procrun] started pid=%d: %s", c.Process.Pid, line)

	waitCh := make(chan error, 1)
	go func() { waitCh <- c.Wait() }()

	select {
	case <-runCtx.Done():
		killTree(c.Process.Pid)
		drainWait(waitCh)
		res := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: time.Since(started),
			Killed:   true,
		}
		if errors.Is(runCtx.Err(), context.Canceled) {
			return res, fmt.Errorf("run %s: %w", line, context.Canceled)
		}
		r.debugLog("[procrun] killed pid=%d after %s", c.Process.Pid, timeout)
		return res, &TimeoutError{Command: line, Timeout: timeout}

	case err := <-waitCh:
		res := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode(c),
			Duration: time.Since(started),
		}
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				return res, &ExitError{Command: line, Code: res.ExitCode, Stderr: firstLines(stderr.String(), 20)}
			}
			return res, fmt.Errorf("wait %s: %w", line, err)
		}
		return res, nil
	}
}

// Start launches a command and streams line-oriented output. The caller
// must drain Output and call Wait.
func (r *ExecRunner) Start(ctx context.Context, cmd Command) (*Process, error) {
	line := cmd.Line()
	if err := r.blocklist.Check(line); err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	c := buildCmd(cmd)
	stdoutPipe, err := c.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := c.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		cmd:     c,
		line:    line,
		timeout: timeout,
		out:     make(chan Chunk, 256),
		done:    make(chan struct{}),
		started: time.Now(),
	}

	if err := r.start(c); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", line, err)
	}
	r.debugLog("[procrun] started pid=%d (streaming): %s", c.Process.Pid, line)

	var wg sync.WaitGroup
	wg.Add(2)
	go p.collect(stdoutPipe, StdoutStream, &wg, &p.stdout)
	go p.collect(stderrPipe, StderrStream, &wg, &p.stderr)

	go p.watch(runCtx, cancel, &wg)
	return p, nil
}

// Process is a streaming command in flight.
type Process struct {
	cmd     *exec.Cmd
	line    string
	timeout time.Duration
	out     chan Chunk
	bufMu   sync.Mutex
	stdout  strings.Builder
	stderr  strings.Builder
	started time.Time

	manualKill atomic.Bool
	done       chan struct{}
	res        *Result
	err        error
}

// Output returns the stream of output lines. The channel closes when the
// process exits and all output has been delivered.
func (p *Process) Output() <-chan Chunk {
	return p.out
}

// PID returns the process ID of the running command.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill terminates the whole process tree. The eventual result reports
// Killed with a nil error; a manual kill is not a failure.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("kill %s: process not started", p.line)
	}
	p.manualKill.Store(true)
	killTree(p.cmd.Process.Pid)
	return nil
}

// Wait blocks until the process finishes and returns its result.
func (p *Process) Wait() (*Result, error) {
	<-p.done
	return p.res, p.err
}

func (p *Process) collect(rd io.Reader, kind StreamKind, wg *sync.WaitGroup, buf *strings.Builder) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.bufMu.Lock()
		buf.WriteString(line)
		buf.WriteByte('\n')
		p.bufMu.Unlock()
		p.out <- Chunk{Stream: kind, Line: line}
	}
}

func (p *Process) watch(runCtx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	defer cancel()
	defer close(p.done)

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		close(p.out)
		waitCh <- p.cmd.Wait()
	}()

	var werr error
	timedOut := false
	select {
	case werr = <-waitCh:
	case <-runCtx.Done():
		killTree(p.cmd.Process.Pid)
		timedOut = true
		werr = drainWait(waitCh)
	}

	p.bufMu.Lock()
	res := &Result{
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		ExitCode: exitCode(p.cmd),
		Duration: time.Since(p.started),
	}
	p.bufMu.Unlock()

	switch {
	case p.manualKill.Load():
		res.ExitCode = -1
		res.Killed = true
	case timedOut:
		res.ExitCode = -1
		res.Killed = true
		if errors.Is(runCtx.Err(), context.Canceled) {
			p.err = fmt.Errorf("run %s: %w", p.line, context.Canceled)
		} else {
			p.err = &TimeoutError{Command: p.line, Timeout: p.timeout}
		}
	case werr != nil:
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			p.err = &ExitError{Command: p.line, Code: res.ExitCode, Stderr: firstLines(res.Stderr, 20)}
		} else {
			p.err = fmt.Errorf("wait %s: %w", p.line, werr)
		}
	}
	p.res = res
}

// buildCmd prepares an exec.Cmd in its own process group.
func buildCmd(cmd Command) *exec.Cmd {
	var c *exec.Cmd
	if cmd.Shell != "" {
		c = exec.Command("sh", "-c", cmd.Shell)
	} else {
		c = exec.Command(cmd.Name, cmd.Args...)
	}
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return c
}

// killTree delivers SIGKILL to the command's process group so children
// and grandchildren die with it.
func killTree(pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// drainWait collects the Wait result after a kill, giving up after a
// bounded delay if a descendant escaped the process group.
func drainWait(waitCh <-chan error) error {
	select {
	case err := <-waitCh:
		return err
	case <-time.After(killWait):
		return nil
	}
}

// exitCode extracts the exit code once the process finished.
func exitCode(c *exec.Cmd) int {
	if c.ProcessState == nil {
		return -1
	}
	return c.ProcessState.ExitCode()
}

// firstLines returns at most n lines of s, for compact error payloads.
func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.TrimRight(s, "\n")
	}
	return strings.Join(lines[:n], "\n")
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
