// Package workflow runs the validation pipeline: for every (config, sample)
// pair it runs the analysis, files the data and log under the web tree and
// renders plots against the reference release. It is consumed by both the
// MCP server and the CLI commands.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/deixis/relval/internal/config"
	"github.com/deixis/relval/internal/layout"
	"github.com/deixis/relval/internal/logging"
	"github.com/deixis/relval/internal/metrics"
	"github.com/deixis/relval/internal/report"
	"github.com/deixis/relval/internal/runner"
)

// MaxSamples is the number of samples one run accepts.
const MaxSamples = 6

// ErrAbort marks conditions that stop the whole run: an invalid request,
// a log that cannot be opened, a missing analysis output, or any other
// file-system failure. External command failures never abort.
var ErrAbort = errors.New("validation aborted")

// CommandRunner executes commands.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Progress receives console progress events.
// Implemented by ui.Progress.
type Progress interface {
	Start(total, workers int)
	Begin(key string)
	End(key, status string, d time.Duration)
	Notef(format string, args ...any)
	Finish(passed, failed int)
}

// Engine holds shared dependencies for all workflow operations.
type Engine struct {
	Config   *config.Config
	Runner   CommandRunner
	Store    report.Store     // optional; receives every finished run
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger     // optional
	Progress Progress         // optional
	WorkDir  string           // where staged files are written; defaults to cwd
}

// Request describes one validation run.
type Request struct {
	WebPath   string
	Configs   []string
	Samples   []string
	Version   string // release under validation
	Reference string // defaults to Config.Reference
	NoCompare bool
	PlotsOnly bool
	LogAxis   bool
	Parallel  int // overrides Config.Parallel when > 0
}

func (r *Request) check(versionEnv string) error {
	switch {
	case r.WebPath == "":
		return errors.New("web output path is required")
	case len(r.Configs) == 0:
		return errors.New("at least one config file is required")
	case len(r.Samples) == 0:
		return errors.New("at least one sample is required")
	case len(r.Samples) > MaxSamples:
		return fmt.Errorf("at most %d samples are supported, got %d", MaxSamples, len(r.Samples))
	case r.Version == "":
		return fmt.Errorf("release version is not set ($%s)", versionEnv)
	}
	return nil
}

// job is one (config, sample) pair. config and sample are the paths as
// given; configPath and samplePath are absolute.
type job struct {
	config     string
	sample     string
	configPath string
	samplePath string
}

// absPath resolves p against base unless it is already absolute.
func absPath(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// Validate runs every (config, sample) pair of req in config-major order.
//
// The returned RunResult is non-nil whenever the request passed its
// pre-flight checks, including when the run aborted part way; in that case
// the error matches ErrAbort and RunResult.Aborted holds the reason.
func (e *Engine) Validate(ctx context.Context, req Request) (*report.RunResult, error) {
	if err := req.check(e.Config.VersionEnv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbort, err)
	}
	if req.Reference == "" {
		req.Reference = e.Config.Reference
	}
	workers := req.Parallel
	if workers <= 0 {
		workers = e.Config.Workers()
	}
	workdir, err := e.workDir()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbort, err)
	}

	// Commands run in per-sample scratch directories in parallel mode, so
	// every path handed to them must be absolute.
	req.WebPath = absPath(workdir, req.WebPath)
	var jobs []job
	for _, c := range req.Configs {
		for _, s := range req.Samples {
			jobs = append(jobs, job{
				config:     c,
				sample:     s,
				configPath: absPath(workdir, c),
				samplePath: absPath(workdir, s),
			})
		}
	}

	rr := &report.RunResult{
		ID:        uuid.New().String(),
		Kind:      report.Validate,
		Version:   req.Version,
		Reference: req.Reference,
		WebPath:   req.WebPath,
		Options: report.Options{
			NoCompare: req.NoCompare,
			PlotsOnly: req.PlotsOnly,
			LogAxis:   req.LogAxis,
			Parallel:  workers,
		},
		Started: time.Now(),
	}
	log := e.logger().With("run", rr.ID)
	log.Info("validation started",
		"version", req.Version, "reference", req.Reference,
		"configs", len(req.Configs), "samples", len(req.Samples), "workers", workers)

	lay := layout.New(e.Config, req.WebPath, req.Version, req.Reference)
	e.progress().Start(len(jobs), workers)
	e.progress().Notef("Running Release Validation on %s", req.Version)
	if req.NoCompare {
		e.progress().Notef("Comparison with reference plots will NOT be run.")
	} else {
		e.progress().Notef("Using reference plots from version %s", req.Reference)
	}

	var samples []*report.Sample
	var runErr error
	if workers > 1 {
		samples, runErr = e.runParallel(ctx, lay, workdir, req, jobs, workers)
	} else {
		samples, runErr = e.runSequential(ctx, lay, workdir, req, jobs)
	}
	for _, s := range samples {
		if s != nil {
			rr.Samples = append(rr.Samples, *s)
		}
	}
	if runErr == nil {
		e.removeLeftovers(workdir)
	} else {
		rr.Aborted = runErr.Error()
	}
	rr.Finished = time.Now()

	sum := report.Summarize(rr)
	e.progress().Finish(sum.Passed, sum.Failed)
	log.Info("validation finished",
		"passed", sum.Passed, "failed", sum.Failed,
		"aborted", rr.Aborted != "", "duration", rr.Finished.Sub(rr.Started).Round(time.Millisecond))

	e.Metrics.Finish(rr.Finished)
	if err := e.Metrics.WriteFile(e.Config.MetricsFile); err != nil {
		log.Warn("metrics not written", "err", err)
	}
	if e.Store != nil {
		if err := e.Store.Save(rr); err != nil {
			log.Warn("run report not saved", "err", err)
			if runErr == nil {
				runErr = fmt.Errorf("saving run report: %w", err)
			}
		}
	}
	return rr, runErr
}

func (e *Engine) runSequential(ctx context.Context, lay *layout.Layout, workdir string, req Request, jobs []job) ([]*report.Sample, error) {
	var out []*report.Sample
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrAbort, err)
		}
		s, err := e.runSample(ctx, lay, workdir, req, j)
		out = append(out, s)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// runParallel gives every sample its own scratch directory under workdir so
// the staged data config, the macro and the analysis output never collide.
func (e *Engine) runParallel(ctx context.Context, lay *layout.Layout, workdir string, req Request, jobs []job, workers int) ([]*report.Sample, error) {
	results := make([]*report.Sample, len(jobs))

	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	for i, j := range jobs {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			scratch, err := os.MkdirTemp(workdir, ".relval-scratch-*")
			if err != nil {
				return fmt.Errorf("%w: creating scratch directory: %v", ErrAbort, err)
			}
			defer os.RemoveAll(scratch)

			s, err := e.runSample(gctx, lay, scratch, req, j)
			results[i] = s
			return err
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrAbort, ctx.Err())
	}
	return results, err
}

// removeLeftovers deletes the plotter by-products listed in Config.Cleanup.
func (e *Engine) removeLeftovers(workdir string) {
	for _, name := range e.Config.Cleanup {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(workdir, name)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger().Warn("cleanup failed", "path", path, "err", err)
		}
	}
}

func (e *Engine) workDir() (string, error) {
	if e.WorkDir != "" {
		return filepath.Abs(e.WorkDir)
	}
	return os.Getwd()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

func (e *Engine) progress() Progress {
	if e.Progress == nil {
		return nopProgress{}
	}
	return e.Progress
}

type nopProgress struct{}

func (nopProgress) Start(int, int)                    {}
func (nopProgress) Begin(string)                      {}
func (nopProgress) End(string, string, time.Duration) {}
func (nopProgress) Notef(string, ...any)              {}
func (nopProgress) Finish(int, int)                   {}
