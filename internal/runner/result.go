package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned by Collect when the command outlived Runner.Timeout
// and was killed.
var ErrTimeout = errors.New("command timed out")

// ErrLaunch matches every error caused by a command that never started
// (binary not found, not executable, bad working directory).
var ErrLaunch = errors.New("command failed to start")

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Argv []string
	Code int // -1 when the process was terminated by a signal
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", commandName(e.Argv), e.Code)
}

// Result holds the output of a command execution.
type Result struct {
	RunID     string        // unique identifier for this run
	Argv      []string      // command as executed
	ExitCode  int           // process exit code, -1 if killed
	Stdout    []byte        // captured stdout (may be truncated)
	Stderr    []byte        // captured stderr (may be truncated)
	Truncated bool          // true if either stream exceeded the size cap
	TimedOut  bool          // killed because Runner.Timeout elapsed
	Canceled  bool          // killed because the caller's context was canceled
	Duration  time.Duration // wall-clock time from start to reap
}

// Combined returns stdout followed by stderr. The two streams are kept in
// separate buffers, so the result is not time-interleaved.
func (r *Result) Combined() string {
	var b strings.Builder
	b.Grow(len(r.Stdout) + len(r.Stderr))
	b.Write(r.Stdout)
	b.Write(r.Stderr)
	return b.String()
}

// Err converts the completion status into the failure signal used by
// Collect. It returns nil only for a clean zero exit.
func (r *Result) Err() error {
	switch {
	case r.TimedOut:
		return fmt.Errorf("%s: %w after %s", commandName(r.Argv), ErrTimeout, r.Duration.Round(time.Millisecond))
	case r.Canceled:
		return fmt.Errorf("%s: %w", commandName(r.Argv), context.Canceled)
	case r.ExitCode != 0:
		return &ExitError{Argv: r.Argv, Code: r.ExitCode}
	}
	return nil
}

type launchError struct {
	name string
	err  error
}

func (e *launchError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.name, e.err)
}

func (e *launchError) Unwrap() []error { return []error{ErrLaunch, e.err} }

func commandName(argv []string) string {
	if len(argv) == 0 {
		return "<empty>"
	}
	// Shell invocations read better as the script than as "/bin/sh".
	if len(argv) == 3 && argv[1] == "-c" {
		return fmt.Sprintf("%q", argv[2])
	}
	return argv[0]
}
