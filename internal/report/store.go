// Package report holds the structured result of a validation run and
// persists it so a run can be inspected after the fact.
package report

import (
	"fmt"
	"time"
)

// Kind identifies the type of a run.
type Kind string

// Validate is a full or plots-only validation run.
const Validate Kind = "validate"

// Status is the outcome of one step.
type Status string

const (
	Pass    Status = "pass"
	Fail    Status = "fail"
	Skipped Status = "skipped"
)

// Step names in execution order.
const (
	StepStage      = "stage"
	StepAnalysis   = "analysis"
	StepCollect    = "collect"
	StepMacro      = "macro"
	StepPlot       = "plot"
	StepPublishLog = "publish-log"
	StepCleanup    = "cleanup"
)

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
}

// Options are the switches a run was started with.
type Options struct {
	NoCompare bool `json:"no_compare,omitempty"`
	PlotsOnly bool `json:"plots_only,omitempty"`
	LogAxis   bool `json:"log_axis,omitempty"`
	Parallel  int  `json:"parallel,omitempty"`
}

// RunResult is everything recorded about one validation run.
type RunResult struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Version   string    `json:"version"`
	Reference string    `json:"reference"`
	WebPath   string    `json:"web_path"`
	Options   Options   `json:"options"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Samples   []Sample  `json:"samples"`
	Aborted   string    `json:"aborted,omitempty"` // reason the run stopped early
}

// Expect returns an error if the run's Kind does not match want.
func (r *RunResult) Expect(want Kind) error {
	if r.Kind != want {
		return fmt.Errorf("run %s is a %s run, not a %s run", r.ID, r.Kind, want)
	}
	return nil
}

// Sample is the outcome of one (config, sample) pair.
type Sample struct {
	Config        string `json:"config"`
	SamplePath    string `json:"sample_path"`
	Sample        string `json:"sample"`
	Package       string `json:"package"`
	Folder        string `json:"folder"`
	DataFile      string `json:"data_file"`
	LogFile       string `json:"log_file"`
	ReferenceFile string `json:"reference_file,omitempty"`
	Steps         []Step `json:"steps"`
}

// Step is one stage of the per-sample pipeline.
type Step struct {
	Name       string   `json:"name"`
	Status     Status   `json:"status"`
	Command    []string `json:"command,omitempty"`
	ExitCode   int      `json:"exit_code,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

// Status is Fail if any step failed, otherwise Pass.
func (s *Sample) Status() Status {
	for _, st := range s.Steps {
		if st.Status == Fail {
			return Fail
		}
	}
	return Pass
}

// Step returns the named step, or nil.
func (s *Sample) Step(name string) *Step {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// Summary counts samples by status.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Summarize counts the samples of r.
func Summarize(r *RunResult) Summary {
	sum := Summary{Total: len(r.Samples)}
	for i := range r.Samples {
		if r.Samples[i].Status() == Fail {
			sum.Failed++
		} else {
			sum.Passed++
		}
	}
	return sum
}

// ByPackage returns the samples filed under package label pkg.
func ByPackage(r *RunResult, pkg string) []Sample {
	var out []Sample
	for _, s := range r.Samples {
		if s.Package == pkg {
			out = append(out, s)
		}
	}
	return out
}

// BySample returns the samples named name, across all configs.
func BySample(r *RunResult, name string) []Sample {
	var out []Sample
	for _, s := range r.Samples {
		if s.Sample == name {
			out = append(out, s)
		}
	}
	return out
}
