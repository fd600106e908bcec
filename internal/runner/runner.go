// Package runner executes external commands and collects their standard
// output and standard error without risking a pipe deadlock, with an
// optional wall-clock timeout and per-stream output caps.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultWaitDelay bounds how long Wait keeps draining pipes after the
// process is gone, for grandchildren that inherited the descriptors.
const DefaultWaitDelay = 2 * time.Second

// Runner executes commands. The zero value runs in the current directory,
// inherits the environment, never times out and keeps all output.
type Runner struct {
	Dir       string        // default working directory
	Env       []string      // nil inherits the parent environment
	Timeout   time.Duration // <= 0 waits indefinitely
	MaxOutput int           // bytes per stream; <= 0 is unlimited
	Spool     bool          // capture through temp files instead of pipes
}

// Shell returns the argv that runs command through /bin/sh.
func Shell(command string) []string {
	return []string{"/bin/sh", "-c", command}
}

// Collect runs argv and returns stdout followed by stderr. Any failure
// (launch error, non-zero exit, timeout, cancellation) yields an empty
// string and an error; partial output is never returned.
func (r *Runner) Collect(ctx context.Context, argv []string, cwd string) (string, error) {
	res, err := r.Run(ctx, argv, cwd)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return res.Combined(), nil
}

// Run executes argv. The first element is the binary name (resolved via
// PATH), the rest are arguments. cwd is resolved relative to Runner.Dir.
//
// A nil error means the process started; its completion status is in the
// Result. Only launch failures are returned as errors, and they match
// ErrLaunch.
func (r *Runner) Run(ctx context.Context, argv []string, cwd string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.resolveDir(cwd)
	cmd.Env = r.Env
	cmd.Stdin = nil // null device
	cmd.WaitDelay = DefaultWaitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	res := &Result{
		RunID: uuid.New().String(),
		Argv:  argv,
	}

	var c capture
	if r.Spool {
		c = &spoolCapture{limit: r.MaxOutput}
	} else {
		c = &pipeCapture{limit: r.MaxOutput}
	}
	defer c.release()
	if err := c.attach(cmd); err != nil {
		return nil, &launchError{name: argv[0], err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &launchError{name: argv[0], err: err}
	}
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)

	stdout, stderr, truncated, err := c.collect()
	if err != nil {
		return nil, fmt.Errorf("reading output of %s: %w", argv[0], err)
	}
	res.Stdout, res.Stderr, res.Truncated = stdout, stderr, truncated

	// A process that exited cleanly just before the deadline keeps its result.
	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			res.Canceled = true
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
		}
	}

	res.ExitCode = exitCode(cmd, waitErr)
	return res, nil
}

func (r *Runner) resolveDir(cwd string) string {
	switch {
	case cwd == "":
		return r.Dir
	case filepath.IsAbs(cwd) || r.Dir == "":
		return filepath.Clean(cwd)
	default:
		return filepath.Join(r.Dir, cwd)
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		// ErrWaitDelay: the process exited but a descendant held the pipes.
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// capture wires a command's stdout and stderr to some backing storage and
// hands the bytes back once the command has been reaped.
type capture interface {
	attach(cmd *exec.Cmd) error
	collect() (stdout, stderr []byte, truncated bool, err error)
	release()
}

// pipeCapture lets os/exec drain each pipe on its own goroutine into a
// bounded buffer.
type pipeCapture struct {
	limit          int
	stdout, stderr limitWriter
}

func (p *pipeCapture) attach(cmd *exec.Cmd) error {
	p.stdout.limit = p.limit
	p.stderr.limit = p.limit
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	return nil
}

func (p *pipeCapture) collect() ([]byte, []byte, bool, error) {
	return p.stdout.buf.Bytes(), p.stderr.buf.Bytes(), p.stdout.truncated || p.stderr.truncated, nil
}

func (p *pipeCapture) release() {}

var createTemp = os.CreateTemp

// spoolCapture redirects both streams to temp files, which the child writes
// directly, and reads them back after exit.
type spoolCapture struct {
	limit          int
	stdout, stderr *os.File
}

func (s *spoolCapture) attach(cmd *exec.Cmd) error {
	var err error
	if s.stdout, err = createTemp("", "relval-stdout-*"); err != nil {
		return fmt.Errorf("creating stdout spool: %w", err)
	}
	if s.stderr, err = createTemp("", "relval-stderr-*"); err != nil {
		return fmt.Errorf("creating stderr spool: %w", err)
	}
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	return nil
}

func (s *spoolCapture) collect() ([]byte, []byte, bool, error) {
	stdout, outTrunc, err := readSpool(s.stdout, s.limit)
	if err != nil {
		return nil, nil, false, err
	}
	stderr, errTrunc, err := readSpool(s.stderr, s.limit)
	if err != nil {
		return nil, nil, false, err
	}
	return stdout, stderr, outTrunc || errTrunc, nil
}

func (s *spoolCapture) release() {
	for _, f := range []*os.File{s.stdout, s.stderr} {
		if f != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}
}

func readSpool(f *os.File, limit int) ([]byte, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, false, err
	}
	w := limitWriter{limit: limit}
	if _, err := io.Copy(&w, f); err != nil {
		return nil, false, err
	}
	return w.buf.Bytes(), w.truncated, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the
// rest. A limit <= 0 disables the cap.
type limitWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}
