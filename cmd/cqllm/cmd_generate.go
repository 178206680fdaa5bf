package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/augment"
	"github.com/Arashiailing/CQLLM/internal/generate"
	"github.com/Arashiailing/CQLLM/internal/refine"
	"github.com/Arashiailing/CQLLM/internal/store"
)

var (
	generateOut             string
	generateValidate        bool
	generateRestrictImports bool
	generateSkipExisting    bool
	generateWorkers         int
)

var generateCmd = &cobra.Command{
	Use:   "generate [table.csv]",
	Short: "Write one query per row of a vulnerability table",
	Long: `Reads a CSV table with the columns CWE-id, Vul-type, Name, Description and
Query_id and asks the model for a query per row. Each query is written to
<out>/<CWE-id>-<query id>.ql.

Without --validate the first answer is kept. With --validate every query is
compiled against the configured database and repaired with the diagnostic
until it passes or augment.max_attempts is reached.

Examples:
  cqllm generate prompts.csv --out generated/
  cqllm generate prompts.csv --out generated/ --validate --restrict-imports`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generateOut, "out", "o", "generated", "Output directory")
	generateCmd.Flags().BoolVar(&generateValidate, "validate", false, "Compile each query and repair it on failure")
	generateCmd.Flags().BoolVar(&generateRestrictImports, "restrict-imports", false, "Tell the model to use only libraries from its knowledge base")
	generateCmd.Flags().BoolVar(&generateSkipExisting, "skip-existing", false, "Skip rows whose query file already exists")
	generateCmd.Flags().IntVar(&generateWorkers, "workers", 0, "Concurrent rows (default: augment.workers)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if generateWorkers > 0 {
		cfg.Augment.Workers = generateWorkers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if generateValidate {
		if err := cfg.ValidateCodeQL(); err != nil {
			return err
		}
	}
	rows, err := generate.ReadRowsFile(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, "generate", args[0])
	if err != nil {
		return err
	}
	prompts, err := loadPrompts()
	if err != nil {
		s.finish(err, store.RunTotals{})
		return err
	}
	jobs, err := generate.Jobs(s.client, prompts, rows, generate.Options{
		OutDir:          generateOut,
		RestrictImports: generateRestrictImports,
		Timeout:         cfg.GetLLMTimeout(),
	})
	if err != nil {
		s.finish(err, store.RunTotals{})
		return err
	}

	var wf refine.Workflow
	if generateValidate {
		wf = newWorkflow(newValidator(newCodeQLRunner()))
	} else {
		wf = newWorkflow(refine.AcceptAll)
		wf.MaxAttempts = 1
	}
	runner := &augment.Runner{
		Label:        "generate",
		Workflow:     wf,
		Workers:      cfg.Augment.Workers,
		SkipExisting: generateSkipExisting,
		Recorder:     s.recorder(),
		RunID:        s.runID,
		Logger:       logger,
	}
	logger.Info("Generating queries", zap.Int("rows", len(jobs)), zap.String("out", generateOut),
		zap.Bool("validate", generateValidate))

	sum, runErr := runner.Run(s.ctx, jobs)
	s.finish(runErr, store.RunTotals{
		Total: sum.Total, Succeeded: sum.Succeeded, Abandoned: sum.Abandoned, Failed: sum.Failed,
	})
	printSummary(cmd, "Generate", sum)
	if line := s.runLine(); line != "" {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return runErr
}
