package procrun

import (
	"errors"
	"fmt"
	"time"
)

// ErrBlocked is the sentinel every blocklist rejection unwraps to, for
// callers that only care whether a command was refused.
var ErrBlocked = errors.New("command blocked by policy")

// BlockedError reports a command the blocklist refused to spawn.
type BlockedError struct {
	// Command is the rejected command line.
	Command string
	// Rule is the blocklist entry that matched.
	Rule string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked by policy (%s): %s", e.Rule, e.Command)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// TimeoutError reports a command whose tree was killed at its deadline.
type TimeoutError struct {
	// Command is the timed-out command line.
	Command string
	// Timeout is the limit that was exceeded.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

// ExitError reports a process that ran to completion with a non-zero code.
type ExitError struct {
	// Command is the failed command line.
	Command string
	// Code is the process exit code.
	Code int
	// Stderr is the captured standard error, for diagnostics.
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command exited %d: %s: %s", e.Code, e.Command, e.Stderr)
	}
	return fmt.Sprintf("command exited %d: %s", e.Code, e.Command)
}
