package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/relval/internal/config"
	"github.com/deixis/relval/internal/report"
	"github.com/deixis/relval/internal/runner"
)

const testVersion = "CMSSW_1_4_0"

// fakeRunner is a test double for CommandRunner. It returns predetermined
// results keyed by argv[0] and runs optional side effects standing in for
// what the real tools write to disk.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []fakeCall
	Results map[string]*runner.Result
	Err     map[string]error
	OnRun   map[string]func(t *testing.T, argv []string, cwd string)
	t       *testing.T
}

type fakeCall struct {
	argv []string
	cwd  string
}

func (f *fakeRunner) Run(_ context.Context, argv []string, cwd string) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{argv: argv, cwd: cwd})
	f.mu.Unlock()

	key := argv[0]
	if fn, ok := f.OnRun[key]; ok {
		fn(f.t, argv, cwd)
	}
	if err, ok := f.Err[key]; ok {
		return nil, err
	}
	if r, ok := f.Results[key]; ok {
		return r, nil
	}
	// Default: success with a line on each stream.
	return &runner.Result{
		Argv:   argv,
		Stdout: []byte(key + " stdout\n"),
		Stderr: []byte(key + " stderr\n"),
	}, nil
}

func (f *fakeRunner) binaries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.argv[0])
	}
	return out
}

var webPathRe = regexp.MustCompile(`SetWebPath\("([^"]*)"\)`)

// analysisWritesOutput mimics cmsRun producing <version>_validation.root in
// its working directory after reading the staged data config.
func analysisWritesOutput(t *testing.T, _ []string, cwd string) {
	staged, err := os.ReadFile(filepath.Join(cwd, config.DefaultDataConfig))
	require.NoError(t, err, "sample must be staged before the analysis runs")
	out := filepath.Join(cwd, testVersion+"_validation.root")
	require.NoError(t, os.WriteFile(out, append([]byte("data for "), staged...), 0o644))
}

// plotterWritesImage mimics root drawing into the macro's web path.
func plotterWritesImage(t *testing.T, argv []string, cwd string) {
	src, err := os.ReadFile(filepath.Join(cwd, argv[len(argv)-1]))
	require.NoError(t, err, "macro must exist when the plotter runs")
	m := webPathRe.FindSubmatch(src)
	require.NotNil(t, m, "macro has no web path")
	require.NoError(t, os.WriteFile(filepath.Join(string(m[1]), "eff.png"), []byte("png"), 0o644))
}

type fixture struct {
	engine  *Engine
	runner  *fakeRunner
	store   *report.DiskStore
	web     string
	work    string
	configs []string
	samples []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	web := filepath.Join(root, "www")
	work := filepath.Join(root, "work")
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.MkdirAll(in, 0o755))

	write := func(name, content string) string {
		p := filepath.Join(in, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	fr := &fakeRunner{
		t: t,
		OnRun: map[string]func(*testing.T, []string, string){
			"cmsRun": analysisWritesOutput,
			"root":   plotterWritesImage,
		},
	}
	store := report.NewDiskStore(report.RunsDir(web))
	return &fixture{
		engine: &Engine{
			Config:  config.Default(),
			Runner:  fr,
			Store:   store,
			WorkDir: work,
		},
		runner:  fr,
		store:   store,
		web:     web,
		work:    work,
		configs: []string{write("RecoB_val.cfg", "process B"), write("vertex_val.cfg", "process V")},
		samples: []string{write("ttbar.cfg", "ttbar events"), write("qcd.cfg", "qcd events")},
	}
}

func (f *fixture) request() Request {
	return Request{
		WebPath: f.web,
		Configs: f.configs,
		Samples: f.samples,
		Version: testVersion,
	}
}

func (f *fixture) folder(pkg, sample string) string {
	return filepath.Join(f.web, "packages", pkg, testVersion, sample)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestValidate_FullRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.work, "make_plots.C"), nil, 0o644))

	rr, err := f.engine.Validate(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, report.Validate, rr.Kind)
	assert.Equal(t, config.DefaultReference, rr.Reference)
	assert.Empty(t, rr.Aborted)
	require.Len(t, rr.Samples, 4)

	// Config-major order.
	var order []string
	for _, s := range rr.Samples {
		order = append(order, s.Package+"/"+s.Sample)
		assert.Equal(t, report.Pass, s.Status(), s.Sample)
	}
	assert.Equal(t, []string{"RecoB/ttbar", "RecoB/qcd", "RecoVertex/ttbar", "RecoVertex/qcd"}, order)
	assert.Equal(t, []string{"cmsRun", "root", "cmsRun", "root", "cmsRun", "root", "cmsRun", "root"}, f.runner.binaries())

	folder := f.folder("RecoB", "ttbar")
	base := testVersion + "_RecoB_ttbar"
	assert.Equal(t, "data for ttbar events", readFile(t, filepath.Join(folder, base+".root")))
	assert.FileExists(t, filepath.Join(folder, "eff.png"))
	assert.Contains(t, readFile(t, filepath.Join(folder, report.IndexFile)), "eff.png")

	log := readFile(t, filepath.Join(folder, base+".log"))
	assert.Equal(t,
		"cmsRun stdout\ncmsRun stderr\n"+plotBanner+"root stdout\nroot stderr\n"+closeBanner,
		log)

	// Staged files, the staging log and the plotter by-products are gone.
	for _, name := range []string{"the_data.cfg", "tmpbatch.C", base + ".log", "make_plots.C", testVersion + "_validation.root"} {
		assert.NoFileExists(t, filepath.Join(f.work, name))
	}

	// The analysis gets the absolute config path and runs in the work dir.
	first := f.runner.calls[0]
	assert.Equal(t, f.configs[0], first.argv[len(first.argv)-1])
	assert.Equal(t, f.work, first.cwd)
	assert.Equal(t, []string{"root", "-l", "-b", "-q", "tmpbatch.C"}, f.runner.calls[1].argv)

	stored, err := f.store.Load(rr.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Samples, 4)

	steps := rr.Samples[0].Steps
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"stage", "analysis", "collect", "macro", "plot", "publish-log", "cleanup"}, names)
}

func TestValidate_MacroOptions(t *testing.T) {
	f := newFixture(t)
	var macros []string
	f.runner.OnRun["root"] = func(t *testing.T, argv []string, cwd string) {
		macros = append(macros, readFile(t, filepath.Join(cwd, argv[len(argv)-1])))
	}

	req := f.request()
	req.Configs = f.configs[:1]
	req.Samples = f.samples[:1]
	req.Reference = "CMSSW_1_2_0"
	_, err := f.engine.Validate(context.Background(), req)
	require.NoError(t, err)

	req.NoCompare = true
	req.LogAxis = true
	rr, err := f.engine.Validate(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, macros, 2)
	ref := filepath.Join(f.web, "packages", "RecoB", "CMSSW_1_2_0", "ttbar", "CMSSW_1_2_0_RecoB_ttbar.root")
	assert.Contains(t, macros[0], `plot.SetCompareFilename("`+ref+`");`)
	assert.NotContains(t, macros[0], "SetLogAxis")
	assert.NotContains(t, macros[1], "SetCompare(true)")
	assert.Contains(t, macros[1], "plot.SetLogAxis(true);")
	assert.Empty(t, rr.Samples[0].ReferenceFile)
}

func TestValidate_PlotsOnly(t *testing.T) {
	f := newFixture(t)
	f.runner.OnRun["cmsRun"] = func(t *testing.T, _ []string, _ string) {
		t.Error("analysis must not run in plots-only mode")
	}

	folder := f.folder("RecoB", "ttbar")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	base := filepath.Join(folder, testVersion+"_RecoB_ttbar")
	require.NoError(t, os.WriteFile(base+".root", []byte("existing data"), 0o644))
	require.NoError(t, os.WriteFile(base+".log", []byte("previous run\n"), 0o644))

	req := f.request()
	req.Configs = f.configs[:1]
	req.Samples = f.samples[:1]
	req.PlotsOnly = true
	rr, err := f.engine.Validate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"root"}, f.runner.binaries())
	assert.Equal(t, "existing data", readFile(t, base+".root"))
	log := readFile(t, base+".log")
	assert.True(t, strings.HasPrefix(log, "previous run\n"), "log must be appended to, got %q", log)
	assert.Contains(t, log, plotBanner)
	assert.NoFileExists(t, filepath.Join(f.work, testVersion+"_RecoB_ttbar.log"))

	s := rr.Samples[0]
	for _, name := range []string{report.StepStage, report.StepAnalysis, report.StepCollect, report.StepPublishLog} {
		require.NotNil(t, s.Step(name), name)
		assert.Equal(t, report.Skipped, s.Step(name).Status, name)
	}
	assert.True(t, rr.Options.PlotsOnly)
}

func TestValidate_PlotsOnlyWithoutFolderAborts(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.PlotsOnly = true

	rr, err := f.engine.Validate(context.Background(), req)
	require.ErrorIs(t, err, ErrAbort)
	assert.Contains(t, err.Error(), "opening log")
	require.NotNil(t, rr)
	assert.NotEmpty(t, rr.Aborted)
	assert.Empty(t, f.runner.binaries())
}

func TestValidate_CommandFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.runner.Results = map[string]*runner.Result{
		"cmsRun": {Argv: []string{"cmsRun"}, ExitCode: 65, Stdout: []byte("useful diagnostics\n")},
	}

	req := f.request()
	req.Configs = f.configs[:1]
	rr, err := f.engine.Validate(context.Background(), req)
	require.NoError(t, err, "a failed command must not abort the run")
	require.Len(t, rr.Samples, 2)

	s := rr.Samples[0]
	assert.Equal(t, report.Fail, s.Status())
	analysis := s.Step(report.StepAnalysis)
	assert.Equal(t, report.Fail, analysis.Status)
	assert.Equal(t, 65, analysis.ExitCode)
	assert.Equal(t, report.Pass, s.Step(report.StepPlot).Status)

	log := readFile(t, filepath.Join(f.folder("RecoB", "ttbar"), testVersion+"_RecoB_ttbar.log"))
	assert.NotContains(t, log, "useful diagnostics")
	assert.Contains(t, log, "relval: analysis failed: cmsRun exited with status 65 (output discarded)")

	assert.Equal(t, report.Summary{Total: 2, Passed: 0, Failed: 2}, report.Summarize(rr))
}

func TestValidate_PlotterFailures(t *testing.T) {
	tests := []struct {
		name     string
		result   *runner.Result
		err      error
		wantCode int
		wantText string
	}{
		{
			name:     "launch",
			err:      errors.Join(runner.ErrLaunch, errors.New(`exec: "root": executable file not found in $PATH`)),
			wantCode: -1,
			wantText: "executable file not found",
		},
		{
			name:     "timeout",
			result:   &runner.Result{Argv: []string{"root"}, ExitCode: -1, TimedOut: true},
			wantCode: -1,
			wantText: "timed out",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.err != nil {
				f.runner.Err = map[string]error{"root": tt.err}
			} else {
				f.runner.Results = map[string]*runner.Result{"root": tt.result}
			}

			rr, err := f.engine.Validate(context.Background(), f.request())
			require.NoError(t, err)
			require.Len(t, rr.Samples, 4)
			for _, s := range rr.Samples {
				plot := s.Step(report.StepPlot)
				assert.Equal(t, report.Fail, plot.Status)
				assert.Equal(t, tt.wantCode, plot.ExitCode)
				assert.Contains(t, plot.Detail, tt.wantText)
				// The log is still filed.
				assert.FileExists(t, s.LogFile)
			}
		})
	}
}

func TestValidate_MissingAnalysisOutputAborts(t *testing.T) {
	f := newFixture(t)
	delete(f.runner.OnRun, "cmsRun")

	rr, err := f.engine.Validate(context.Background(), f.request())
	require.ErrorIs(t, err, ErrAbort)
	assert.Contains(t, err.Error(), testVersion+"_validation.root not found")

	require.Len(t, rr.Samples, 1, "the run stops at the first sample")
	assert.Equal(t, report.Fail, rr.Samples[0].Step(report.StepCollect).Status)
	assert.Equal(t, []string{"cmsRun"}, f.runner.binaries())

	stored, err := f.store.Load(rr.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Aborted)
}

func TestValidate_RequestChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		want   string
	}{
		{"no web path", func(r *Request) { r.WebPath = "" }, "web output path"},
		{"no configs", func(r *Request) { r.Configs = nil }, "config file"},
		{"no samples", func(r *Request) { r.Samples = nil }, "at least one sample"},
		{"too many samples", func(r *Request) { r.Samples = make([]string, MaxSamples+1) }, "at most 6"},
		{"no version", func(r *Request) { r.Version = "" }, "$CMSSW_VERSION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			tt.mutate(&req)

			rr, err := f.engine.Validate(context.Background(), req)
			require.ErrorIs(t, err, ErrAbort)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, rr)
			assert.Empty(t, f.runner.binaries())
			assert.NoDirExists(t, f.web)

			entries, err := os.ReadDir(f.work)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestValidate_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr, err := f.engine.Validate(ctx, f.request())
	require.ErrorIs(t, err, ErrAbort)
	assert.Empty(t, rr.Samples)
}

func TestValidate_ParallelMatchesSequential(t *testing.T) {
	seq := newFixture(t)
	_, err := seq.engine.Validate(context.Background(), seq.request())
	require.NoError(t, err)

	par := newFixture(t)
	req := par.request()
	req.Parallel = 3
	rr, err := par.engine.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, rr.Options.Parallel)

	assert.Equal(t, tree(t, filepath.Join(seq.web, "packages")), tree(t, filepath.Join(par.web, "packages")))

	// Results keep config-major order regardless of completion order.
	var order []string
	for _, s := range rr.Samples {
		order = append(order, s.Package+"/"+s.Sample)
	}
	assert.Equal(t, []string{"RecoB/ttbar", "RecoB/qcd", "RecoVertex/ttbar", "RecoVertex/qcd"}, order)

	// Every sample ran in its own scratch directory, now removed.
	cwds := map[string]bool{}
	for _, c := range par.runner.calls {
		cwds[c.cwd] = true
		assert.NotEqual(t, par.work, c.cwd)
	}
	assert.Len(t, cwds, 4)
	entries, err := os.ReadDir(par.work)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// tree lists the files under root relative to it, with their contents for
// the data files.
func tree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if filepath.Ext(path) == ".root" {
			rel += "=" + readFile(t, path)
		}
		out = append(out, rel)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

var fileNameRe = regexp.MustCompile(`SetFilename\("([^"]*)"\)`)

func TestValidate_RelativePaths(t *testing.T) {
	for _, tc := range []struct {
		name    string
		workers int
	}{
		{"sequential", 1},
		{"parallel", 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			root := filepath.Dir(f.web)
			t.Chdir(root)
			f.engine.WorkDir = ""

			// The plotter resolves macro paths against its own working
			// directory, which is a scratch directory in parallel mode.
			var mu sync.Mutex
			var plotted []string
			f.runner.OnRun["root"] = func(t *testing.T, argv []string, cwd string) {
				src := readFile(t, filepath.Join(cwd, argv[len(argv)-1]))
				m := fileNameRe.FindStringSubmatch(src)
				require.NotNil(t, m, "macro has no data file")
				data := m[1]
				if !filepath.IsAbs(data) {
					data = filepath.Join(cwd, data)
				}
				assert.FileExists(t, data)
				mu.Lock()
				plotted = append(plotted, data)
				mu.Unlock()
				plotterWritesImage(t, argv, cwd)
			}

			req := Request{
				WebPath:  "www",
				Configs:  []string{filepath.Join("in", "RecoB_val.cfg"), filepath.Join("in", "vertex_val.cfg")},
				Samples:  []string{filepath.Join("in", "ttbar.cfg"), filepath.Join("in", "qcd.cfg")},
				Version:  testVersion,
				Parallel: tc.workers,
			}
			rr, err := f.engine.Validate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, f.web, rr.WebPath)
			assert.Len(t, plotted, 4)

			for _, s := range rr.Samples {
				assert.Equal(t, report.Pass, s.Status(), "%s/%s", s.Package, s.Sample)
				assert.FileExists(t, filepath.Join(f.folder(s.Package, s.Sample), "eff.png"))
			}
			assert.Equal(t, filepath.Join("in", "RecoB_val.cfg"), rr.Samples[0].Config)
		})
	}
}

// recordingProgress keeps the notes printed during a run.
type recordingProgress struct {
	mu    sync.Mutex
	notes []string
}

func (p *recordingProgress) Start(int, int)                    {}
func (p *recordingProgress) Begin(string)                      {}
func (p *recordingProgress) End(string, string, time.Duration) {}
func (p *recordingProgress) Finish(int, int)                   {}

func (p *recordingProgress) Notef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, fmt.Sprintf(format, args...))
}

func TestValidate_AnnouncesRun(t *testing.T) {
	f := newFixture(t)
	p := &recordingProgress{}
	f.engine.Progress = p

	_, err := f.engine.Validate(context.Background(), f.request())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(p.notes), 2)
	assert.Equal(t, "Running Release Validation on "+testVersion, p.notes[0])
	assert.Equal(t, "Using reference plots from version "+config.DefaultReference, p.notes[1])

	f = newFixture(t)
	p = &recordingProgress{}
	f.engine.Progress = p
	req := f.request()
	req.NoCompare = true
	_, err = f.engine.Validate(context.Background(), req)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(p.notes), 2)
	assert.Equal(t, "Comparison with reference plots will NOT be run.", p.notes[1])
}
