package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/classify"
	"github.com/Arashiailing/CQLLM/internal/store"
)

var (
	classifyCodeDir  string
	classifyOut      string
	classifyWorkers  int
	classifyMaxChars int
)

var classifyCmd = &cobra.Command{
	Use:   "classify [table.csv]",
	Short: "Label the benchmark file behind each table row with vulnerability classes",
	Long: `For each row of a CSV table with CWE-id and Query_id columns, finds the
matching source file under --code-dir, asks the model which vulnerability
classes apply and writes the answer to the Vul-type column.

Rows without a source file get FileNotFound. Answers that are not a list of
known labels are kept for review as "UnmappedResponse: ...", and model
errors as "AIError: ...".`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVar(&classifyCodeDir, "code-dir", "", "Directory holding the benchmark sources (required)")
	classifyCmd.Flags().StringVarP(&classifyOut, "out", "o", "", "Output table (default: output_<name> next to the input)")
	classifyCmd.Flags().IntVar(&classifyWorkers, "workers", 1, "Concurrent model calls")
	classifyCmd.Flags().IntVar(&classifyMaxChars, "max-chars", classify.DefaultMaxChars, "Characters of each file sent to the model")
	classifyCmd.MarkFlagRequired("code-dir")
}

func runClassify(cmd *cobra.Command, args []string) error {
	in := args[0]
	out := classifyOut
	if out == "" {
		out = filepath.Join(filepath.Dir(in), "output_"+filepath.Base(in))
	}
	table, err := classify.ReadTable(in)
	if err != nil {
		return err
	}
	idx, err := classify.NewIndex(classifyCodeDir)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, "classify", in)
	if err != nil {
		return err
	}
	prompts, err := loadPrompts()
	if err != nil {
		s.finish(err, store.RunTotals{})
		return err
	}
	c := &classify.Classifier{
		Client:   s.client,
		Prompts:  prompts,
		Labels:   classify.DefaultVocabulary(),
		MaxChars: classifyMaxChars,
		Timeout:  cfg.GetLLMTimeout(),
		Workers:  classifyWorkers,
		Logger:   logger,
	}
	logger.Info("Classifying table", zap.String("table", in), zap.Int("rows", len(table.Records)))

	sum, err := c.Run(s.ctx, table, idx)
	s.finish(err, store.RunTotals{Total: sum.Rows, Succeeded: sum.Labelled, Failed: sum.NotFound + sum.Unmapped + sum.ModelError})
	if err != nil {
		return err
	}
	if err := table.Write(out); err != nil {
		return err
	}

	t := newTable("Classify", "rows", "labelled", "file not found", "unmapped", "model errors")
	t.add(fmt.Sprint(sum.Rows), fmt.Sprint(sum.Labelled), fmt.Sprint(sum.NotFound), fmt.Sprint(sum.Unmapped), fmt.Sprint(sum.ModelError))
	t.print(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("written to "+out))
	return nil
}
