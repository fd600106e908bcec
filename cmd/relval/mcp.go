package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	relvalmcp "github.com/deixis/relval/internal/mcp"
	"github.com/deixis/relval/internal/metrics"
	"github.com/deixis/relval/internal/workflow"
)

func newMCPCmd() *cobra.Command {
	var (
		instructions bool
		httpAddr     string
		configFile   string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio, or over HTTP with --http",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if instructions {
				fmt.Fprint(cmd.OutOrStdout(), relvalmcp.Instructions)
				return nil
			}

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determining working directory: %w", err)
			}

			// stdout carries the protocol, so logs go to stderr or the file.
			logger, closer := newLogger(cfg, os.Stderr)
			defer closer.Close()

			engine := &workflow.Engine{
				Config: cfg,
				Runner:  newRunner(cfg, wd),
				Metrics: metrics.New(),
				Logger:  logger,
				WorkDir: wd,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			server := relvalmcp.NewServer(engine)
			if httpAddr != "" {
				return serveHTTP(ctx, server, httpAddr, cmd)
			}
			return server.Run(ctx, &mcpsdk.StdioTransport{})
		},
	}

	cmd.Flags().BoolVar(&instructions, "instructions", false, "print model instructions and exit")
	cmd.Flags().StringVar(&httpAddr, "http", "", "start HTTP server on address (e.g. :9090)")
	cmd.Flags().StringVar(&configFile, "config", "", "explicit .relval.yaml path")
	return cmd
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string, cmd *cobra.Command) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
