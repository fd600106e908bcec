package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/relval/internal/report"
	"github.com/deixis/relval/internal/workflow"
)

type validateParams struct {
	WebPath   string   `json:"web_path" jsonschema:"root of the web output tree"`
	Configs   []string `json:"configs" jsonschema:"analysis config files; the package label is derived from each name"`
	Samples   []string `json:"samples" jsonschema:"dataset config files, one to six"`
	Version   string   `json:"version,omitempty" jsonschema:"release under validation. Defaults to the version environment variable."`
	Reference string   `json:"reference,omitempty" jsonschema:"reference release to compare against. Defaults to the configured reference."`
	NoCompare bool     `json:"no_compare,omitempty" jsonschema:"skip the comparison against the reference release"`
	PlotsOnly bool     `json:"plots_only,omitempty" jsonschema:"only regenerate plots from the data already filed"`
	LogAxis   bool     `json:"log_axis,omitempty" jsonschema:"use a logarithmic Y axis"`
	Parallel  int      `json:"parallel,omitempty" jsonschema:"samples processed at once. Default: the configured value (1)."`
}

func (h *handler) validateHandler(ctx context.Context, req *mcp.CallToolRequest, params validateParams) (*mcp.CallToolResult, any, error) {
	engine := h.snapshot()
	if params.WebPath != "" {
		engine.Store = h.storeFor(params.WebPath)
	}

	rr, err := engine.Validate(ctx, workflow.Request{
		WebPath:   params.WebPath,
		Configs:   params.Configs,
		Samples:   params.Samples,
		Version:   h.version(params.Version, engine.Config),
		Reference: params.Reference,
		NoCompare: params.NoCompare,
		PlotsOnly: params.PlotsOnly,
		LogAxis:   params.LogAxis,
		Parallel:  params.Parallel,
	})
	if rr == nil {
		return errorResult(fmt.Sprintf("validate failed: %v", err))
	}
	if err != nil && !errors.Is(err, workflow.ErrAbort) {
		return errorResult(fmt.Sprintf("validate failed: %v", err))
	}
	return textResult(formatRun(rr))
}

// formatRun renders a run as one status block plus one line per sample.
func formatRun(rr *report.RunResult) string {
	var b strings.Builder

	sum := report.Summarize(rr)
	switch {
	case rr.Aborted != "":
		fmt.Fprintln(&b, "Status: ABORTED")
	case sum.Failed > 0:
		fmt.Fprintln(&b, "Status: FAIL")
	default:
		fmt.Fprintln(&b, "Status: PASS")
	}
	fmt.Fprintf(&b, "Run: %s\n", rr.ID)
	fmt.Fprintf(&b, "Release: %s (reference %s)\n", rr.Version, rr.Reference)
	fmt.Fprintf(&b, "Samples: %d passed, %d failed\n", sum.Passed, sum.Failed)
	fmt.Fprintln(&b)

	for i := range rr.Samples {
		s := &rr.Samples[i]
		fmt.Fprintf(&b, "  %s/%s: %s\n", s.Package, s.Sample, s.Status())
		for _, st := range s.Steps {
			if st.Status == report.Fail {
				fmt.Fprintf(&b, "    %s: %s\n", st.Name, st.Detail)
			}
		}
	}

	if rr.Aborted != "" {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Aborted: %s\n", rr.Aborted)
	}
	if sum.Failed > 0 || rr.Aborted != "" {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "Inspect with relval_inspect(web_path=%q, run_id=%q).\n", rr.WebPath, rr.ID)
	}
	return b.String()
}
