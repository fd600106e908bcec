package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/relval/internal/layout"
)

type layoutParams struct {
	WebPath   string `json:"web_path" jsonschema:"root of the web output tree"`
	Config    string `json:"config" jsonschema:"analysis config file"`
	Sample    string `json:"sample" jsonschema:"dataset config file"`
	Version   string `json:"version,omitempty" jsonschema:"release version. Defaults to the version environment variable."`
	Reference string `json:"reference,omitempty" jsonschema:"reference release. Defaults to the configured reference."`
}

func (h *handler) layoutHandler(ctx context.Context, req *mcp.CallToolRequest, params layoutParams) (*mcp.CallToolResult, any, error) {
	if params.WebPath == "" || params.Config == "" || params.Sample == "" {
		return errorResult("web_path, config and sample are required")
	}
	engine := h.snapshot()
	cfg := engine.Config

	version := h.version(params.Version, cfg)
	if version == "" {
		return errorResult(fmt.Sprintf("version is required ($%s is not set)", cfg.VersionEnv))
	}
	ref := params.Reference
	if ref == "" {
		ref = cfg.Reference
	}

	workdir := engine.WorkDir
	if workdir == "" {
		workdir = "."
	}
	web := params.WebPath
	if !filepath.IsAbs(web) {
		web = filepath.Join(workdir, web)
	}
	p := layout.New(cfg, web, version, ref).Resolve(workdir, params.Config, params.Sample)

	var b strings.Builder
	fmt.Fprintf(&b, "Package: %s\n", p.Package)
	fmt.Fprintf(&b, "Sample: %s\n", p.Sample)
	fmt.Fprintf(&b, "Folder: %s\n", p.Folder)
	fmt.Fprintf(&b, "Data: %s\n", p.DataFile)
	fmt.Fprintf(&b, "Log: %s\n", p.LogFile)
	fmt.Fprintf(&b, "Reference: %s\n", p.Reference)
	return textResult(b.String())
}
