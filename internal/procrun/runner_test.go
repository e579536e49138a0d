package procrun

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestCommand_Line(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"name only", Command{Name: "ls"}, "ls"},
		{"name with args", Command{Name: "git", Args: []string{"status", "-s"}}, "git status -s"},
		{"shell wins", Command{Name: "ignored", Shell: "echo hi | wc -l"}, "echo hi | wc -l"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Line(); got != tt.want {
				t.Errorf("Line() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunner_Run(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Killed {
		t.Error("Killed = true, want false")
	}
}

func TestRunner_Run_Shell(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), Command{Shell: "echo out; echo err >&2"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out\n")
	}
	if res.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err\n")
	}
}

func TestRunner_Run_NonZeroExit(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), Command{Shell: "echo oops >&2; exit 3"})
	if res == nil {
		t.Fatal("result should be non-nil for a process that ran")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}

	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("error type = %T, want *ExitError", err)
	}
	if ee.Code != 3 {
		t.Errorf("ExitError.Code = %d, want 3", ee.Code)
	}
	if !strings.Contains(ee.Stderr, "oops") {
		t.Errorf("ExitError.Stderr = %q, want to contain %q", ee.Stderr, "oops")
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	r := NewRunner(nil)

	start := time.Now()
	res, err := r.Run(context.Background(), Command{Shell: "sleep 30", Timeout: 200 * time.Millisecond})
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *TimeoutError", err)
	}
	if res == nil {
		t.Fatal("result should be non-nil on timeout")
	}
	if !res.Killed {
		t.Error("Killed = false, want true")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took %v, the kill did not land promptly", elapsed)
	}
}

func TestRunner_Run_KillsWholeTree(t *testing.T) {
	r := NewRunner(nil)

	// A background child inherits the output pipe. If only the direct
	// shell died, Wait would hang on the orphan until the drain cutoff.
	start := time.Now()
	res, err := r.Run(context.Background(), Command{Shell: "sleep 30 & sleep 30", Timeout: 200 * time.Millisecond})
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *TimeoutError", err)
	}
	if !res.Killed {
		t.Error("Killed = false, want true")
	}
	if elapsed > 3*time.Second {
		t.Errorf("run returned after %v, descendants were not killed", elapsed)
	}
}

func TestRunner_Run_ContextCancel(t *testing.T) {
	r := NewRunner(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, Command{Shell: "sleep 30", Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if res == nil || !res.Killed {
		t.Error("cancelled run should report a killed result")
	}
}

func TestRunner_Run_BlockedNeverSpawns(t *testing.T) {
	r := NewRunner(nil)
	spawns := 0
	r.start = func(c *exec.Cmd) error {
		spawns++
		return c.Start()
	}

	res, err := r.Run(context.Background(), Command{Shell: "sudo rm -rf /tmp/x"})

	var be *BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("error type = %T, want *BlockedError", err)
	}
	if res != nil {
		t.Error("blocked command should return a nil result")
	}
	if spawns != 0 {
		t.Errorf("spawn count = %d, want 0", spawns)
	}
}

func TestRunner_Run_WorkingDirectory(t *testing.T) {
	r := NewRunner(nil)
	dir := t.TempDir()

	res, err := r.Run(context.Background(), Command{Name: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != dir {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(res.Stdout), dir)
	}
}

func TestRunner_Run_Env(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), Command{Shell: "echo $NEXUS_TEST_VALUE", Env: []string{"NEXUS_TEST_VALUE=42"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "42" {
		t.Errorf("env passthrough = %q, want %q", strings.TrimSpace(res.Stdout), "42")
	}
}

func TestRunner_Start_Streams(t *testing.T) {
	r := NewRunner(nil)

	p, err := r.Start(context.Background(), Command{Shell: "echo one; echo two; echo three >&2"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var stdoutLines, stderrLines []string
	for chunk := range p.Output() {
		switch chunk.Stream {
		case StdoutStream:
			stdoutLines = append(stdoutLines, chunk.Line)
		case StderrStream:
			stderrLines = append(stderrLines, chunk.Line)
		}
	}

	res, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if len(stdoutLines) != 2 || stdoutLines[0] != "one" || stdoutLines[1] != "two" {
		t.Errorf("stdout lines = %v, want [one two]", stdoutLines)
	}
	if len(stderrLines) != 1 || stderrLines[0] != "three" {
		t.Errorf("stderr lines = %v, want [three]", stderrLines)
	}
	if res.Stdout != "one\ntwo\n" {
		t.Errorf("aggregated Stdout = %q", res.Stdout)
	}
}

func TestProcess_Kill(t *testing.T) {
	r := NewRunner(nil)

	p, err := r.Start(context.Background(), Command{Shell: "sleep 30", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = p.Kill()
	}()

	for range p.Output() {
	}
	res, err := p.Wait()
	if err != nil {
		t.Errorf("Wait() after manual kill should not error, got %v", err)
	}
	if !res.Killed {
		t.Error("Killed = false, want true")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestRunner_Start_Blocked(t *testing.T) {
	r := NewRunner(nil)

	p, err := r.Start(context.Background(), Command{Name: "vim", Args: []string{"main.go"}})
	var be *BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("error type = %T, want *BlockedError", err)
	}
	if p != nil {
		t.Error("blocked Start should return a nil process")
	}
}
