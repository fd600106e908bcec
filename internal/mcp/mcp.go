// Package mcp provides the relval MCP server, registering all tools and
// publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/relval"
	"github.com/deixis/relval/internal/config"
	"github.com/deixis/relval/internal/report"
	"github.com/deixis/relval/internal/runner"
	"github.com/deixis/relval/internal/workflow"
)

//go:embed instructions.md
var Instructions string

// storeCapacity is the number of runs cached per web path.
const storeCapacity = 16

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mu     sync.Mutex
	engine *workflow.Engine
	stores map[string]*report.LRUStore // keyed by web path
}

// NewServer creates an MCP server with all relval tools registered. engine
// is used as a template: every validation runs on a copy whose Store points
// at the requested web path.
func NewServer(engine *workflow.Engine) *mcp.Server {
	h := &handler{
		engine: engine,
		stores: make(map[string]*report.LRUStore),
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkDirFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "relval", Version: relval.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "relval_validate",
		Description: `Run a validation batch: analysis, data filing and plotting for every config x sample pair.

Failed commands are recorded per step and the batch continues. The run is stored under
<web_path>/.relval/runs for drill-down via relval_inspect.`,
	}, h.validateHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "relval_inspect",
		Description: `Show the step results of a stored validation run.

Omit run_id to inspect the most recent run under web_path. Narrow the output with sample or package.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "relval_layout",
		Description: "Show the package label and output paths a config file and sample map to.",
	}, h.layoutHandler)

	return s
}

// storeFor returns the run store of a web path.
func (h *handler) storeFor(webPath string) *report.LRUStore {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stores[webPath]
	if !ok {
		s = report.NewLRUStore(storeCapacity, report.NewDiskStore(report.RunsDir(webPath)))
		h.stores[webPath] = s
	}
	return s
}

// snapshot returns a copy of the engine template. A *runner.Runner is
// copied too, so a later roots update never touches a running validation.
func (h *handler) snapshot() workflow.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := *h.engine
	if r, ok := e.Runner.(*runner.Runner); ok {
		rc := *r
		e.Runner = &rc
	}
	return e
}

// version falls back to the configured environment variable.
func (h *handler) version(explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(cfg.VersionEnv)
}

// updateWorkDirFromRoots queries the client for MCP roots and, when a file
// root is returned, runs relative paths and staged files from there with
// the config found for it. This is called during session initialization,
// before any tool calls.
func (h *handler) updateWorkDirFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	dir := u.Path

	loaded, err := config.Load(dir)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.Config = loaded.Config
	h.engine.WorkDir = dir
	if r, ok := h.engine.Runner.(*runner.Runner); ok {
		rc := *r
		rc.Dir = dir
		rc.Timeout = loaded.Config.Timeout.Duration
		rc.MaxOutput = loaded.Config.MaxOutput
		rc.Spool = loaded.Config.Spool
		h.engine.Runner = &rc
	}
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
