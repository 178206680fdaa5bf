package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/experiment"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

var (
	runBQRSDir string
	runReport  string
	runWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run [root]",
	Short: "Run queries against the database and count their results",
	Long: `Executes every .ql under root against the configured database, decodes each
result set and counts its rows. Successful queries are appended to a CSV
report (ql_path,vuln_count). Totals are printed per CWE, taken from the
CWE-<n> part of each file name.`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiment,
}

func init() {
	runCmd.Flags().StringVar(&runBQRSDir, "bqrs-dir", "bqrs", "Directory for result sets")
	runCmd.Flags().StringVar(&runReport, "report", "results.csv", "CSV report to append to (empty to disable)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 1, "Concurrent codeql processes")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateCodeQL(); err != nil {
		return err
	}
	paths, err := queryPaths(args[0], qlsource.FindOptions{SkipPrefixes: []string{cfg.Augment.StagePrefix}})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	e := &experiment.Experiment{
		Runner:     newCodeQLRunner(),
		BQRSDir:    runBQRSDir,
		ReportPath: runReport,
		Workers:    runWorkers,
		OnResult: func(r experiment.Result) {
			if r.OK {
				fmt.Fprintf(out, "%s -> %d results\n", r.Query, r.Count)
			} else {
				fmt.Fprintf(out, "%s -> %s %s\n", r.Query, errorStyle.Render("failed:"), firstLine(r.Diagnostic))
			}
		},
	}
	logger.Info("Running queries", zap.Int("queries", len(paths)), zap.String("bqrs_dir", runBQRSDir))
	rep, runErr := e.Run(ctx, paths)

	byCWE := rep.ByCWE()
	if len(byCWE) > 0 {
		t := newTable("Results per CWE", "CWE", "results")
		var empty []string
		for _, c := range byCWE {
			if c.Count == 0 {
				empty = append(empty, c.CWE)
				continue
			}
			t.add(c.CWE, fmt.Sprint(c.Count))
		}
		t.print(out)
		if len(empty) > 0 {
			fmt.Fprintln(out, mutedStyle.Render("no results: "+strings.Join(empty, ", ")))
		}
	}
	fmt.Fprintf(out, "%s %d queries, %d failed, %s\n", titleStyle.Render("Run:"),
		len(rep.Results), rep.Failed, successStyle.Render(fmt.Sprintf("%d results", rep.Total)))
	return runErr
}
