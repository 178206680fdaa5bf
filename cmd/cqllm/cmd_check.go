package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/codeql"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
)

var checkWorkers int

var checkCmd = &cobra.Command{
	Use:   "check [root]",
	Short: "Compile every query under root and report failures",
	Long: `Runs each .ql file under root (or a single file) against the configured
database and lists the ones that fail with their diagnostics. Staging files
left by interrupted runs are ignored. Exits non-zero if any query fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkWorkers, "workers", 1, "Concurrent codeql processes")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateCodeQL(); err != nil {
		return err
	}
	paths, err := queryPaths(args[0], qlsource.FindOptions{SkipPrefixes: []string{cfg.Augment.StagePrefix}})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("Checking queries", zap.Int("queries", len(paths)), zap.Int("workers", checkWorkers))
	results, err := newCodeQLRunner().CheckAll(ctx, paths, checkWorkers)
	if err != nil {
		return err
	}

	failed := codeql.Failed(results)
	out := cmd.OutOrStdout()
	if len(failed) > 0 {
		t := newTable("Failed queries", "query", "diagnostic")
		for _, r := range failed {
			t.add(r.Path, truncate(firstLine(r.Diagnostic), 100))
		}
		t.print(out)
	}
	fmt.Fprintf(out, "%s %d checked, %s, %s\n", titleStyle.Render("Check:"), len(results),
		successStyle.Render(fmt.Sprintf("%d ok", len(results)-len(failed))),
		errorStyle.Render(fmt.Sprintf("%d failed", len(failed))))
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d queries failed", len(failed), len(results))
	}
	return nil
}

// queryPaths lists the .ql files under root, or root itself if it is a file.
func queryPaths(root string, opts qlsource.FindOptions) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	return qlsource.Find(root, opts)
}
