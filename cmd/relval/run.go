package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/relval/internal/metrics"
	"github.com/deixis/relval/internal/report"
	"github.com/deixis/relval/internal/ui"
	"github.com/deixis/relval/internal/workflow"
)

func newRunCmd() *cobra.Command {
	var (
		webPath    string
		configs    []string
		numbered   [workflow.MaxSamples]string
		extra      []string
		reference  string
		noCompare  bool
		plotsOnly  bool
		logAxis    bool
		timeout    time.Duration
		parallel   int
		jsonOutput bool
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "run -w WEBPATH -c CFG [-c CFG...] -1 SAMPLE [-2 SAMPLE ... -6 SAMPLE]",
		Short: "Run analysis and plotting for every config and sample",
		Long: `Runs the analysis executable for every config x sample pair, files the data
and log under WEBPATH/packages/<package>/<version>/<sample>/ and renders
comparison plots against the reference release.

The release version is read from $CMSSW_VERSION (configurable in .relval.yaml).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var samples []string
			for _, s := range numbered {
				if s != "" {
					samples = append(samples, s)
				}
			}
			samples = append(samples, extra...)

			switch {
			case webPath == "":
				return usageError(cmd, "the web path (-w) is required")
			case len(configs) == 0:
				return usageError(cmd, "at least one config file (-c) is required")
			case len(samples) == 0:
				return usageError(cmd, "at least one sample (-1) is required")
			case len(samples) > workflow.MaxSamples:
				return usageError(cmd, "at most %d samples are supported, got %d", workflow.MaxSamples, len(samples))
			}

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			version := os.Getenv(cfg.VersionEnv)
			if version == "" {
				return fmt.Errorf("environment variable %s is not set", cfg.VersionEnv)
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout.Duration = timeout
			}

			logger, closer := newLogger(cfg, cmd.ErrOrStderr())
			defer closer.Close()

			progressOut := cmd.OutOrStdout()
			if jsonOutput {
				progressOut = cmd.ErrOrStderr()
			}
			var progress workflow.Progress = ui.NewWriterProgress(progressOut)
			if f, ok := progressOut.(*os.File); ok {
				progress = ui.NewProgress(f)
			}

			engine := &workflow.Engine{
				Config: cfg,
				Runner:   newRunner(cfg, ""),
				Store:    report.NewDiskStore(report.RunsDir(webPath)),
				Metrics:  metrics.New(),
				Logger:   logger,
				Progress: progress,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rr, err := engine.Validate(ctx, workflow.Request{
				WebPath:   webPath,
				Configs:   configs,
				Samples:   samples,
				Version:   version,
				Reference: reference,
				NoCompare: noCompare,
				PlotsOnly: plotsOnly,
				LogAxis:   logAxis,
				Parallel:  parallel,
			})
			if jsonOutput && rr != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(rr); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "Run: %s\n", rr.ID)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&webPath, "webpath", "w", "", "root of the web output tree (required)")
	f.StringArrayVarP(&configs, "cfg", "c", nil, "analysis config file (repeatable)")
	for i := range numbered {
		n := strconv.Itoa(i + 1)
		f.StringVarP(&numbered[i], "sample"+n, n, "", "dataset config file "+n)
	}
	f.StringArrayVarP(&extra, "sample", "s", nil, "additional dataset config file (repeatable)")
	f.StringVarP(&reference, "reference", "r", "", "reference release (default from .relval.yaml, CMSSW_1_3_1)")
	f.BoolVarP(&noCompare, "nocompare", "n", false, "do not compare against the reference release")
	f.BoolVarP(&plotsOnly, "plots", "p", false, "only regenerate plots from existing data")
	f.BoolVarP(&logAxis, "logaxis", "l", false, "logarithmic Y axis")
	f.DurationVar(&timeout, "timeout", 0, "per-command timeout, 0 waits forever (default from .relval.yaml)")
	f.IntVar(&parallel, "parallel", 0, "samples processed at once (default from .relval.yaml)")
	f.BoolVar(&jsonOutput, "json", false, "print the run report as JSON")
	f.StringVar(&configFile, "config", "", "explicit .relval.yaml path")
	return cmd
}
