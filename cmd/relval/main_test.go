package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/relval"
	"github.com/deixis/relval/internal/report"
)

const testVersion = "CMSSW_1_4_0"

// runCLI executes the root command with args and captures both streams.
func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

// project sets up a working directory with a .relval.yaml whose analysis
// and plotter are shell one-liners, plus one config and one sample file.
func project(t *testing.T, analysis string) (dir string) {
	t.Helper()
	dir = t.TempDir()
	t.Chdir(dir)
	t.Setenv("CMSSW_VERSION", testVersion)

	yaml := `version: 1
timeout: 30s
metrics_file: relval.prom
analysis:
  binary: /bin/sh
  args: ["-c", ` + quoteYAML(analysis) + `]
plotter:
  binary: /bin/sh
  args: ["-c", "echo plotting"]
cleanup: []
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".relval.yaml"), []byte(yaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RecoB_val.cfg"), []byte("process"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttbar.cfg"), []byte("events"), 0o644))
	return dir
}

func quoteYAML(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestRun_MissingWebPathPrintsUsage(t *testing.T) {
	dir := project(t, "true")
	before := listFiles(t, dir)

	_, stderr, err := runCLI(t, "run", "-c", "RecoB_val.cfg", "-1", "ttbar.cfg")
	require.Error(t, err)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Usage:")
	assert.Contains(t, stderr, "--webpath")

	assert.Equal(t, before, listFiles(t, dir), "no files may be created")
}

func TestRun_MissingConfigOrSample(t *testing.T) {
	project(t, "true")

	_, _, err := runCLI(t, "run", "-w", "www", "-1", "ttbar.cfg")
	assert.ErrorIs(t, err, errUsage)

	_, _, err = runCLI(t, "run", "-w", "www", "-c", "RecoB_val.cfg")
	assert.ErrorIs(t, err, errUsage)
}

func TestRun_TooManySamples(t *testing.T) {
	project(t, "true")

	args := []string{"run", "-w", "www", "-c", "RecoB_val.cfg"}
	for i := 1; i <= 6; i++ {
		args = append(args, "-"+string(rune('0'+i)), "ttbar.cfg")
	}
	args = append(args, "-s", "ttbar.cfg")

	_, _, err := runCLI(t, args...)
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "at most 6")
}

func TestRun_VersionNotSet(t *testing.T) {
	dir := project(t, "true")
	t.Setenv("CMSSW_VERSION", "")

	_, _, err := runCLI(t, "run", "-w", "www", "-c", "RecoB_val.cfg", "-1", "ttbar.cfg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CMSSW_VERSION")
	assert.NoDirExists(t, filepath.Join(dir, "www"))
}

func TestRun_EndToEnd(t *testing.T) {
	dir := project(t, `echo analysing "$0"; echo data > `+testVersion+`_validation.root`)

	stdout, _, err := runCLI(t, "run", "-w", "www", "-c", "RecoB_val.cfg", "-1", "ttbar.cfg")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run: ")

	folder := filepath.Join(dir, "www", "packages", "RecoB", testVersion, "ttbar")
	assert.DirExists(t, folder)
	assert.FileExists(t, filepath.Join(dir, "relval.prom"))

	metrics, err := os.ReadFile(filepath.Join(dir, "relval.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "relval_samples_total")

	// Staged and temporary files are gone after a clean run.
	assert.NoFileExists(t, filepath.Join(dir, "the_data.cfg"))
	assert.NoFileExists(t, filepath.Join(dir, "tmpbatch.C"))

	store := report.NewDiskStore(report.RunsDir(filepath.Join(dir, "www")))
	id, err := store.Latest()
	require.NoError(t, err)
	assert.Contains(t, stdout, id)

	// inspect without an ID shows the latest run.
	out, _, err := runCLI(t, "inspect", "-w", "www")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "RecoB/ttbar")
	assert.Contains(t, out, "1 passed, 0 failed")

	out, _, err = runCLI(t, "inspect", id, "-w", "www", "--json")
	require.NoError(t, err)
	var rr report.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &rr))
	assert.Equal(t, id, rr.ID)
	assert.Equal(t, testVersion, rr.Version)
	require.Len(t, rr.Samples, 1)
	assert.Equal(t, report.Pass, rr.Samples[0].Status())
}

func TestRun_AnalysisFailureIsReported(t *testing.T) {
	project(t, `echo boom >&2; exit 3`)

	stdout, _, err := runCLI(t, "run", "-w", "www", "-c", "RecoB_val.cfg", "-1", "ttbar.cfg", "--json")
	// Without the analysis output the run aborts.
	require.Error(t, err)

	var rr report.RunResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &rr))
	assert.NotEmpty(t, rr.Aborted)
	require.Len(t, rr.Samples, 1)
	step := rr.Samples[0].Step(report.StepAnalysis)
	require.NotNil(t, step)
	assert.Equal(t, report.Fail, step.Status)
	assert.Equal(t, 3, step.ExitCode)
}

func TestInspect_RequiresWebPath(t *testing.T) {
	_, stderr, err := runCLI(t, "inspect")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Usage:")
}

func TestPublish_VersionNeedsPackage(t *testing.T) {
	_, _, err := runCLI(t, "publish", "-w", "www", "--version", testVersion)
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "--package")
}

func TestMCP_Instructions(t *testing.T) {
	out, _, err := runCLI(t, "mcp", "--instructions")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "relval_validate"))
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, relval.Version+"\n", out)
}
