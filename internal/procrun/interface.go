// Package procrun executes external commands on behalf of agents and QA
// stages. Every spawn passes a safety blocklist, runs under a bounded
// timeout, and is cleaned up as a full process tree.
package procrun

import (
	"context"
	"strings"
	"time"
)

// DefaultTimeout bounds command runtime when the caller sets none.
const DefaultTimeout = 30 * time.Second

// Command describes one external command to execute.
type Command struct {
	// Name is the program to execute. Ignored when Shell is set.
	Name string
	// Args is the argument vector passed to Name.
	Args []string
	// Shell, when non-empty, runs the whole line through "sh -c".
	Shell string
	// Dir is the working directory. Empty means the caller's directory.
	Dir string
	// Env holds extra KEY=VALUE entries appended to the parent environment.
	Env []string
	// Timeout bounds the run. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Line renders the command as the single line the blocklist inspects.
func (c Command) Line() string {
	if c.Shell != "" {
		return c.Shell
	}
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a finished command.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string
	// Stderr is the captured standard error.
	Stderr string
	// ExitCode is the process exit code, or -1 when the tree was killed.
	ExitCode int
	// Duration is wall-clock time from spawn to exit.
	Duration time.Duration
	// Killed is true when the process tree was terminated early.
	Killed bool
}

// StreamKind tells which pipe a streamed chunk came from.
type StreamKind int

const (
	// StdoutStream marks chunks read from standard output.
	StdoutStream StreamKind = iota
	// StderrStream marks chunks read from standard error.
	StderrStream
)

// Chunk is one line of incremental output from a streaming run.
type Chunk struct {
	Stream StreamKind
	Line   string
}

// Runner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type Runner interface {
	// Run executes a command to completion and returns its result.
	// The result is non-nil whenever the process actually ran, even
	// when err reports a timeout or a non-zero exit.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// Start launches a command and streams its output incrementally.
	// The returned process must be waited on to reclaim resources.
	Start(ctx context.Context, cmd Command) (*Process, error)
}
