package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/deixis/relval/internal/layout"
	"github.com/deixis/relval/internal/macro"
	"github.com/deixis/relval/internal/report"
	"github.com/deixis/relval/internal/runner"
)

// Log banners around the plotter output.
const (
	plotBanner  = "\n\n\n========== Build ROOT macro to produce plots \n"
	closeBanner = "\n\n\n==========\n"
)

// sampleRun carries the state of one (config, sample) pair through its steps.
type sampleRun struct {
	e       *Engine
	req     Request
	paths   layout.Paths
	config  string // absolute config path handed to the analysis
	source  string // absolute sample path
	workdir string
	log     *os.File
	logger  *slog.Logger
	sample  *report.Sample
}

func (e *Engine) runSample(ctx context.Context, lay *layout.Layout, workdir string, req Request, j job) (*report.Sample, error) {
	p := lay.Resolve(workdir, j.config, j.sample)
	s := &report.Sample{
		Config:     j.config,
		SamplePath: j.sample,
		Sample:     p.Sample,
		Package:    p.Package,
		Folder:     p.Folder,
		DataFile:   p.DataFile,
		LogFile:    p.LogFile,
	}
	if !req.NoCompare {
		s.ReferenceFile = p.Reference
	}

	key := p.Package + "/" + p.Sample
	start := time.Now()
	e.progress().Begin(key)

	r := &sampleRun{
		e:       e,
		req:     req,
		paths:   p,
		config:  j.configPath,
		source:  j.samplePath,
		workdir: workdir,
		logger:  e.logger().With("package", p.Package, "sample", p.Sample, "config", j.config),
		sample:  s,
	}
	err := r.run(ctx)

	status := s.Status()
	if err != nil {
		status = report.Fail
		r.logger.Error("sample aborted", "err", err)
	}
	e.Metrics.SampleDone(p.Package, string(status))
	e.progress().End(key, string(status), time.Since(start))
	return s, err
}

func (r *sampleRun) run(ctx context.Context) error {
	if err := r.openLog(); err != nil {
		return err
	}
	defer r.log.Close()

	dataConfig := filepath.Join(r.workdir, r.e.Config.Analysis.DataConfig)
	macroFile := filepath.Join(r.workdir, r.e.Config.Plotter.Macro)

	if r.req.PlotsOnly {
		r.skip(report.StepStage, report.StepAnalysis, report.StepCollect)
	} else {
		if err := r.stage(dataConfig); err != nil {
			return err
		}
		if err := r.analyze(ctx); err != nil {
			return err
		}
		if err := r.collect(); err != nil {
			return err
		}
	}

	if err := r.writeMacro(macroFile); err != nil {
		return err
	}
	if err := r.plot(ctx, macroFile); err != nil {
		return err
	}
	if err := r.publishLog(); err != nil {
		return err
	}
	r.cleanup(dataConfig, macroFile)

	ref := ""
	if !r.req.NoCompare {
		ref = r.req.Reference
	}
	if err := report.WriteIndex(r.sample, r.req.Version, ref, r.e.Config.Plotter.Extension); err != nil {
		r.logger.Warn("index page not written", "err", err)
	}
	return nil
}

// openLog truncates the staging log of a full run. A plots-only run appends
// to the log already filed in the sample folder.
func (r *sampleRun) openLog() error {
	path := r.paths.StagingLog
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if r.req.PlotsOnly {
		path = r.paths.LogFile
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		r.e.progress().Notef("Cannot open log file %s: %v", path, err)
		return abortf("opening log: %v", err)
	}
	r.log = f
	return nil
}

func (r *sampleRun) stage(dataConfig string) error {
	start := time.Now()
	if err := copyFile(r.source, dataConfig); err != nil {
		r.fail(report.StepStage, start, err.Error())
		return abortf("staging %s: %v", r.sample.SamplePath, err)
	}
	r.pass(report.StepStage, start, "")
	return nil
}

func (r *sampleRun) analyze(ctx context.Context) error {
	a := r.e.Config.Analysis
	argv := append(append([]string{a.Binary}, a.Args...), r.config)
	return r.exec(ctx, report.StepAnalysis, argv)
}

// collect files the analysis output under the sample folder. A missing
// output aborts the run even when the analysis itself failed.
func (r *sampleRun) collect() error {
	start := time.Now()
	if err := os.MkdirAll(r.paths.Folder, 0o755); err != nil {
		r.fail(report.StepCollect, start, err.Error())
		return abortf("creating %s: %v", r.paths.Folder, err)
	}

	name := r.e.Config.AnalysisOutput(r.req.Version)
	produced := filepath.Join(r.workdir, name)
	if _, err := os.Stat(produced); err != nil {
		r.e.progress().Notef("%s does not exist. Exiting.", name)
		r.fail(report.StepCollect, start, name+" not found")
		return abortf("analysis output %s not found", name)
	}
	if err := moveFile(produced, r.paths.DataFile); err != nil {
		r.fail(report.StepCollect, start, err.Error())
		return abortf("filing data: %v", err)
	}
	r.pass(report.StepCollect, start, r.paths.DataFile)
	return nil
}

func (r *sampleRun) writeMacro(path string) error {
	start := time.Now()
	pl := r.e.Config.Plotter
	src := macro.Render(macro.Params{
		Name:           macro.FuncName(path),
		Style:          pl.Style,
		Library:        pl.Library,
		DataFile:       r.paths.DataFile,
		WebPath:        r.paths.Folder,
		Extension:      pl.Extension,
		Compare:        !r.req.NoCompare,
		CompareFile:    r.paths.Reference,
		LogAxis:        r.req.LogAxis,
		ReleaseVersion: r.req.Version,
		CompareVersion: r.req.Reference,
	})
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		r.fail(report.StepMacro, start, err.Error())
		return abortf("writing macro: %v", err)
	}
	r.pass(report.StepMacro, start, "")
	return nil
}

func (r *sampleRun) plot(ctx context.Context, macroFile string) error {
	if err := r.write(plotBanner); err != nil {
		return err
	}
	pl := r.e.Config.Plotter
	argv := append(append([]string{pl.Binary}, pl.Args...), filepath.Base(macroFile))
	if err := r.exec(ctx, report.StepPlot, argv); err != nil {
		return err
	}
	return r.write(closeBanner)
}

// publishLog closes the log and, for a full run, moves it next to the data.
func (r *sampleRun) publishLog() error {
	start := time.Now()
	if err := r.log.Close(); err != nil {
		r.fail(report.StepPublishLog, start, err.Error())
		return abortf("closing log: %v", err)
	}
	if r.req.PlotsOnly {
		r.skip(report.StepPublishLog)
		return nil
	}
	if err := moveFile(r.paths.StagingLog, r.paths.LogFile); err != nil {
		r.fail(report.StepPublishLog, start, err.Error())
		return abortf("filing log: %v", err)
	}
	r.pass(report.StepPublishLog, start, r.paths.LogFile)
	return nil
}

func (r *sampleRun) cleanup(paths ...string) {
	start := time.Now()
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("cleanup failed", "err", err)
		r.fail(report.StepCleanup, start, err.Error())
		return
	}
	r.pass(report.StepCleanup, start, "")
}

// exec runs argv in the working directory. On success the combined output
// goes to the log; on any failure the output is dropped and the log gets a
// one-line note instead. Command failures are recorded, not returned; only
// log write errors abort.
func (r *sampleRun) exec(ctx context.Context, name string, argv []string) error {
	step := report.Step{Name: name, Status: report.Pass, Command: argv}

	var out, reason string
	res, err := r.e.Runner.Run(ctx, argv, r.workdir)
	if err == nil {
		step.ExitCode = res.ExitCode
		step.DurationMS = res.Duration.Milliseconds()
		err = res.Err()
		switch {
		case res.TimedOut:
			reason = "timeout"
		case res.Canceled:
			reason = "canceled"
		case err != nil:
			reason = "exit"
		default:
			out = res.Combined()
		}
	} else {
		step.ExitCode = -1
		reason = "launch"
	}
	r.e.Metrics.ObserveCommand(name, time.Duration(step.DurationMS)*time.Millisecond, reason)

	if err != nil {
		step.Status = report.Fail
		step.Detail = err.Error()
		r.logger.Warn("command failed", "step", name, "reason", reason, "err", err)
		out = fmt.Sprintf("relval: %s failed: %v (output discarded)\n", name, err)
	}
	r.sample.Steps = append(r.sample.Steps, step)
	return r.write(out)
}

func (r *sampleRun) write(s string) error {
	if s == "" {
		return nil
	}
	if _, err := io.WriteString(r.log, s); err != nil {
		return abortf("writing log: %v", err)
	}
	return nil
}

func (r *sampleRun) pass(name string, start time.Time, detail string) {
	r.sample.Steps = append(r.sample.Steps, report.Step{
		Name:       name,
		Status:     report.Pass,
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     detail,
	})
}

func (r *sampleRun) fail(name string, start time.Time, detail string) {
	r.sample.Steps = append(r.sample.Steps, report.Step{
		Name:       name,
		Status:     report.Fail,
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     detail,
	})
}

func (r *sampleRun) skip(names ...string) {
	for _, n := range names {
		r.sample.Steps = append(r.sample.Steps, report.Step{Name: n, Status: report.Skipped})
	}
}

func abortf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAbort, fmt.Sprintf(format, args...))
}

// Ensure runner.Runner satisfies CommandRunner.
var _ CommandRunner = (*runner.Runner)(nil)
