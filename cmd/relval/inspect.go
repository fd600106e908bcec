package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/relval/internal/report"
)

func newInspectCmd() *cobra.Command {
	var (
		webPath    string
		sample     string
		pkg        string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Show a stored run (the latest when no ID is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if webPath == "" {
				return usageError(cmd, "the web path (-w) is required")
			}
			store := report.NewDiskStore(report.RunsDir(webPath))

			var runID string
			if len(args) == 1 {
				runID = args[0]
			} else {
				id, err := store.Latest()
				if err != nil {
					return err
				}
				runID = id
			}

			rr, err := store.Load(runID)
			if err != nil {
				return err
			}
			if pkg != "" {
				rr.Samples = report.ByPackage(rr, pkg)
			}
			if sample != "" {
				rr.Samples = report.BySample(rr, sample)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rr)
			}
			printRun(cmd.OutOrStdout(), rr)
			return nil
		},
	}

	cmd.Flags().StringVarP(&webPath, "webpath", "w", "", "root of the web output tree (required)")
	cmd.Flags().StringVar(&sample, "sample", "", "only show this sample")
	cmd.Flags().StringVar(&pkg, "package", "", "only show this package")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the run report as JSON")
	return cmd
}

func printRun(w io.Writer, rr *report.RunResult) {
	sum := report.Summarize(rr)
	status := "ok"
	switch {
	case rr.Aborted != "":
		status = "ABORTED"
	case sum.Failed > 0:
		status = "FAIL"
	}

	fmt.Fprintf(w, "%s  %s\n", status, rr.ID)
	fmt.Fprintf(w, "release %s, reference %s, %d passed, %d failed, took %s\n",
		rr.Version, rr.Reference, sum.Passed, sum.Failed, rr.Finished.Sub(rr.Started).Round(time.Second))
	if rr.Aborted != "" {
		fmt.Fprintf(w, "aborted: %s\n", rr.Aborted)
	}
	fmt.Fprintln(w)

	for i := range rr.Samples {
		s := &rr.Samples[i]
		fmt.Fprintf(w, "%s/%s\n", s.Package, s.Sample)
		for _, st := range s.Steps {
			switch st.Status {
			case report.Pass:
				fmt.Fprintf(w, "  %-15s ok\n", st.Name)
			case report.Skipped:
				fmt.Fprintf(w, "  %-15s -\n", st.Name)
			default:
				fmt.Fprintf(w, "  %-15s FAIL  %s\n", st.Name, st.Detail)
			}
		}
	}
}
