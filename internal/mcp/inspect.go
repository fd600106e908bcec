package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/relval/internal/report"
)

type inspectParams struct {
	WebPath string `json:"web_path" jsonschema:"root of the web output tree the run wrote to"`
	RunID   string `json:"run_id,omitempty" jsonschema:"the run ID from a relval_validate result. Defaults to the latest run."`
	Sample  string `json:"sample,omitempty" jsonschema:"only show this sample (name without .cfg)"`
	Package string `json:"package,omitempty" jsonschema:"only show this package label"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.WebPath == "" {
		return errorResult("web_path is required")
	}

	runID := params.RunID
	if runID == "" {
		id, err := report.NewDiskStore(report.RunsDir(params.WebPath)).Latest()
		if err != nil {
			return errorResult(fmt.Sprintf("No run to inspect: %v", err))
		}
		runID = id
	}

	result, err := h.storeFor(params.WebPath).Load(runID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", runID, err))
	}
	if err := result.Expect(report.Validate); err != nil {
		return errorResult(err.Error())
	}

	samples := result.Samples
	if params.Package != "" {
		samples = report.ByPackage(&report.RunResult{Samples: samples}, params.Package)
	}
	if params.Sample != "" {
		samples = report.BySample(&report.RunResult{Samples: samples}, params.Sample)
	}
	if len(samples) == 0 {
		return textResult(fmt.Sprintf("No samples match in run %s (%s).", runID, result.Kind))
	}

	return textResult(formatInspect(result, samples))
}

func formatInspect(rr *report.RunResult, samples []report.Sample) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", rr.ID, rr.Kind)
	fmt.Fprintf(&b, "Release: %s, reference %s\n", rr.Version, rr.Reference)
	if !rr.Finished.IsZero() {
		fmt.Fprintf(&b, "Started: %s, took %s\n", rr.Started.Format("2006-01-02 15:04:05"), rr.Finished.Sub(rr.Started).Round(time.Millisecond))
	}
	var opts []string
	if rr.Options.PlotsOnly {
		opts = append(opts, "plots only")
	}
	if rr.Options.NoCompare {
		opts = append(opts, "no compare")
	}
	if rr.Options.LogAxis {
		opts = append(opts, "log axis")
	}
	if len(opts) > 0 {
		fmt.Fprintf(&b, "Options: %s\n", strings.Join(opts, ", "))
	}
	if rr.Aborted != "" {
		fmt.Fprintf(&b, "Aborted: %s\n", rr.Aborted)
	}

	for _, s := range samples {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "%s/%s: %s\n", s.Package, s.Sample, s.Status())
		fmt.Fprintf(&b, "  config: %s\n", s.Config)
		fmt.Fprintf(&b, "  folder: %s\n", s.Folder)
		fmt.Fprintf(&b, "  log:    %s\n", s.LogFile)
		for _, st := range s.Steps {
			line := fmt.Sprintf("  %-12s %s", st.Name, st.Status)
			if st.ExitCode != 0 {
				line += fmt.Sprintf(" (exit %d)", st.ExitCode)
			}
			if st.Detail != "" && st.Status == report.Fail {
				line += ": " + st.Detail
			}
			fmt.Fprintln(&b, line)
		}
	}
	return b.String()
}
