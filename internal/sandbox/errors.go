package sandbox

import (
	"fmt"
	"time"
)

// The sandbox's failure types carry a Retryable classification consumed by
// the retry engine. Timeouts, hangs, credential failures, and startup
// failures never benefit from another attempt.

// TimeoutError means the command exceeded its overall time budget.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.After, e.Command)
}
func (e *TimeoutError) Retryable() bool { return false }

// HangError means the command went silent past the hang window while the
// overall budget still had room.
type HangError struct {
	Command string
	Silence time.Duration
}

func (e *HangError) Error() string {
	return fmt.Sprintf("command hung (no output for %s): %s", e.Silence, e.Command)
}
func (e *HangError) Retryable() bool { return false }

// AuthError means stderr matched a configured credential-failure signature.
// The command is killed immediately; an expired credential will not recover
// by waiting.
type AuthError struct {
	Signature string
	Line      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failure (matched %q): %s", e.Signature, e.Line)
}
func (e *AuthError) Retryable() bool { return false }

// StartError means the command could not be launched at all.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}
func (e *StartError) Unwrap() error   { return e.Err }
func (e *StartError) Retryable() bool { return false }

// ExitError is an ordinary nonzero exit. Retryable: the next attempt may
// succeed.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Command)
}
func (e *ExitError) Retryable() bool { return true }
