package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/augment"
	"github.com/Arashiailing/CQLLM/internal/refine"
	"github.com/Arashiailing/CQLLM/internal/store"
)

var (
	augmentSkipExisting bool
	augmentWatch        bool
	augmentWorkers      int
	augmentMaxAttempts  int
	augmentDebounce     time.Duration
)

var augmentCmd = &cobra.Command{
	Use:   "augment [root]",
	Short: "Write validated variants of every query under root",
	Long: `Asks the model for a variant of each .ql file under root (a directory or a
single file) and keeps only variants that compile against the configured
database. A rejected variant is sent back with the codeql diagnostic until
augment.max_attempts is reached.

Variants are published next to the original as aug_<name>.ql. Existing
variants and leftover staging files are never used as inputs.

Examples:
  cqllm augment queries/
  cqllm augment queries/ --skip-existing
  cqllm augment queries/ --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runAugment,
}

func init() {
	augmentCmd.Flags().BoolVar(&augmentSkipExisting, "skip-existing", false, "Skip queries whose variant already exists")
	augmentCmd.Flags().BoolVar(&augmentWatch, "watch", false, "Keep running and augment queries as they appear")
	augmentCmd.Flags().IntVar(&augmentWorkers, "workers", 0, "Concurrent queries (default: augment.workers)")
	augmentCmd.Flags().IntVar(&augmentMaxAttempts, "max-attempts", 0, "Attempts per query (default: augment.max_attempts)")
	augmentCmd.Flags().DurationVar(&augmentDebounce, "debounce", 500*time.Millisecond, "Quiet period before a watched file is picked up")
}

func runAugment(cmd *cobra.Command, args []string) error {
	if augmentWorkers > 0 {
		cfg.Augment.Workers = augmentWorkers
	}
	if augmentMaxAttempts > 0 {
		cfg.Augment.MaxAttempts = augmentMaxAttempts
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateCodeQL(); err != nil {
		return err
	}
	root := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, "augment", root)
	if err != nil {
		return err
	}
	prompts, err := loadPrompts()
	if err != nil {
		s.finish(err, store.RunTotals{})
		return err
	}

	wf := newWorkflow(newValidator(newCodeQLRunner()))
	wf.Transformer = augment.NewAugmentTransformer(s.client, prompts, cfg.GetLLMTimeout())
	runner := &augment.Runner{
		Workflow:     wf,
		Workers:      cfg.Augment.Workers,
		SkipExisting: augmentSkipExisting,
		Recorder:     s.recorder(),
		RunID:        s.runID,
		Logger:       logger,
	}

	if augmentWatch {
		return watchAugment(cmd, s, runner, root)
	}

	jobs, err := augment.Discover(root, cfg.Augment.PublishPrefix, cfg.Augment.StagePrefix)
	if err != nil {
		s.finish(err, store.RunTotals{})
		return err
	}
	logger.Info("Augmenting queries", zap.String("root", root), zap.Int("queries", len(jobs)),
		zap.Int("workers", runner.Workers), zap.Int("max_attempts", wf.MaxAttempts))

	sum, runErr := runner.Run(s.ctx, jobs)
	s.finish(runErr, store.RunTotals{
		Total: sum.Total, Succeeded: sum.Succeeded, Abandoned: sum.Abandoned, Failed: sum.Failed,
	})
	printSummary(cmd, "Augment", sum)
	if line := s.runLine(); line != "" {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return runErr
}

func watchAugment(cmd *cobra.Command, s *session, runner *augment.Runner, root string) error {
	var (
		mu  sync.Mutex
		sum augment.Summary
	)
	w := &augment.Watcher{
		Runner:        runner,
		Root:          root,
		PublishPrefix: cfg.Augment.PublishPrefix,
		StagePrefix:   cfg.Augment.StagePrefix,
		Debounce:      augmentDebounce,
		OnResult: func(r augment.Result) {
			mu.Lock()
			defer mu.Unlock()
			sum.Add(r)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d attempts)\n", statusText(r.Status), r.Source, r.Attempts)
		},
	}
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("watching "+root+", press Ctrl+C to stop"))
	err := w.Watch(s.ctx)
	mu.Lock()
	defer mu.Unlock()
	s.finish(err, store.RunTotals{
		Total: sum.Total, Succeeded: sum.Succeeded, Abandoned: sum.Abandoned, Failed: sum.Failed,
	})
	printSummary(cmd, "Augment", sum)
	return err
}

// printSummary renders per-query results followed by the totals.
func printSummary(cmd *cobra.Command, title string, sum augment.Summary) {
	out := cmd.OutOrStdout()
	if len(sum.Results) > 0 {
		t := newTable(title+" results", "status", "query", "attempts", "detail")
		for _, r := range sum.Results {
			detail := ""
			switch {
			case r.Err != nil:
				detail = r.Err.Error()
			case r.Status == string(refine.StatusAbandoned):
				detail = r.Diagnostic
			}
			t.add(statusText(r.Status), r.Source, fmt.Sprint(r.Attempts), truncate(firstLine(detail), 80))
		}
		t.print(out)
	}
	parts := []string{
		fmt.Sprintf("%d total", sum.Total),
		successStyle.Render(fmt.Sprintf("%d published", sum.Succeeded)),
		warningStyle.Render(fmt.Sprintf("%d abandoned", sum.Abandoned)),
	}
	if sum.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", sum.Skipped))
	}
	if sum.Failed > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d failed", sum.Failed)))
	} else {
		parts = append(parts, "0 failed")
	}
	fmt.Fprintln(out, titleStyle.Render(title+":"), strings.Join(parts, ", "))
}
