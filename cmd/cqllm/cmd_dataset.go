package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Arashiailing/CQLLM/internal/dataset"
)

var (
	datasetBuildOut    string
	datasetMergeOut    string
	datasetCombineOut  string
	datasetRAGOut      string
	datasetIndexOut    string
	datasetMaxBytes    int64
	datasetCompletions int
	datasetSeed        int64
	datasetTrainOut    string
	datasetValOut      string
	datasetRatio       float64
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Build and maintain fine-tuning datasets from query trees",
}

var datasetBuildCmd = &cobra.Command{
	Use:   "build [root]",
	Short: "Turn every query under root into instruction examples",
	Long: `Each query yields one generation example built from its metadata and a
number of completion examples with one line masked. The output format
follows the extension of --out (.json or .jsonl).`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetBuild,
}

var datasetMergeCmd = &cobra.Command{
	Use:   "merge [root]",
	Short: "Pack query sources into size-bounded merged_N.json files",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetMerge,
}

var datasetDedupeCmd = &cobra.Command{
	Use:   "dedupe [out] [folder...]",
	Short: "Copy folders into out, skipping files with identical content",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runDatasetDedupe,
}

var datasetSplitCmd = &cobra.Command{
	Use:   "split [file]",
	Short: "Shuffle a dataset and split it into train and validation files",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetSplit,
}

var datasetCombineCmd = &cobra.Command{
	Use:   "combine [file...]",
	Short: "Concatenate datasets and shuffle the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDatasetCombine,
}

var datasetConvertCmd = &cobra.Command{
	Use:   "convert [in] [out]",
	Short: "Convert between JSON and JSON Lines",
	Args:  cobra.ExactArgs(2),
	RunE:  runDatasetConvert,
}

var datasetVerifyCmd = &cobra.Command{
	Use:   "verify [file...]",
	Short: "Check that dataset files parse",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDatasetVerify,
}

var datasetStatsCmd = &cobra.Command{
	Use:   "stats [root]",
	Short: "Count queries and libraries under root",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetStats,
}

var datasetTrimCmd = &cobra.Command{
	Use:   "trim [root]",
	Short: "Strip the first and last line of every query under root",
	Long: `Removes the wrapper lines a model often leaves around a query, such as
code fences. Files are rewritten in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetTrim,
}

var datasetRAGFragmentsCmd = &cobra.Command{
	Use:   "rag-fragments [table.csv]",
	Short: "Split a module documentation table into knowledge-base fragments",
	Long: `Reads a CSV with import_path, section_type and entity_name columns and
writes one fragment per row. Rows with every field blank are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetRAGFragments,
}

var datasetRAGIndexCmd = &cobra.Command{
	Use:   "rag-index [table.csv]",
	Short: "Group a module documentation table by module and section",
	Long: `Writes {import_path: {section_type: [entity...]}} as JSON. Rows missing
any field are skipped and repeated entities are listed once.`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetRAGIndex,
}

func init() {
	datasetBuildCmd.Flags().StringVarP(&datasetBuildOut, "out", "o", "dataset.json", "Output file")
	datasetBuildCmd.Flags().IntVar(&datasetCompletions, "completions", 2, "Masked-line examples per query")
	datasetBuildCmd.Flags().Int64Var(&datasetSeed, "seed", 42, "Random seed")

	datasetMergeCmd.Flags().StringVarP(&datasetMergeOut, "out", "o", "merged", "Output directory")
	datasetMergeCmd.Flags().Int64Var(&datasetMaxBytes, "max-bytes", dataset.DefaultMaxBatchBytes, "Largest merged file")

	datasetSplitCmd.Flags().StringVar(&datasetTrainOut, "train", "train.json", "Training output")
	datasetSplitCmd.Flags().StringVar(&datasetValOut, "val", "val.json", "Validation output")
	datasetSplitCmd.Flags().Float64Var(&datasetRatio, "ratio", dataset.DefaultTrainRatio, "Share of records for training")
	datasetSplitCmd.Flags().Int64Var(&datasetSeed, "seed", 42, "Random seed")

	datasetCombineCmd.Flags().StringVarP(&datasetCombineOut, "out", "o", "combined.json", "Output file")
	datasetCombineCmd.Flags().Int64Var(&datasetSeed, "seed", 42, "Random seed")

	datasetRAGFragmentsCmd.Flags().StringVarP(&datasetRAGOut, "out", "o", "modules_rag.jsonl", "Output file")
	datasetRAGIndexCmd.Flags().StringVarP(&datasetIndexOut, "out", "o", "modules.json", "Output file")

	datasetCmd.AddCommand(datasetBuildCmd, datasetMergeCmd, datasetDedupeCmd, datasetSplitCmd,
		datasetCombineCmd, datasetConvertCmd, datasetVerifyCmd, datasetStatsCmd, datasetTrimCmd,
		datasetRAGFragmentsCmd, datasetRAGIndexCmd)
}

func runDatasetBuild(cmd *cobra.Command, args []string) error {
	prompts, err := loadPrompts()
	if err != nil {
		return err
	}
	entries, err := dataset.NewBuilder(prompts, datasetCompletions, datasetSeed).Build(args[0])
	if err != nil {
		return err
	}
	if err := dataset.WriteRecords(datasetBuildOut, entries); err != nil {
		return err
	}
	logger.Info("Dataset built", zap.String("out", datasetBuildOut), zap.Int("entries", len(entries)))
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries written to %s\n", successStyle.Render("Built:"), len(entries), datasetBuildOut)
	return nil
}

func runDatasetMerge(cmd *cobra.Command, args []string) error {
	files, err := dataset.Merge(args[0], datasetMergeOut, datasetMaxBytes)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range files {
		fmt.Fprintln(out, f)
	}
	fmt.Fprintf(out, "%s %d files\n", successStyle.Render("Merged:"), len(files))
	return nil
}

func runDatasetDedupe(cmd *cobra.Command, args []string) error {
	rep, err := dataset.Dedupe(args[0], args[1:]...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rep.Duplicates) > 0 {
		t := newTable("Duplicates skipped", "file", "same as")
		for _, d := range rep.Duplicates {
			t.add(d.Path, d.Original)
		}
		t.print(out)
	}
	fmt.Fprintf(out, "%s %d copied, %d duplicates\n", successStyle.Render("Dedupe:"), rep.Copied, len(rep.Duplicates))
	return nil
}

func runDatasetSplit(cmd *cobra.Command, args []string) error {
	recs, err := dataset.ReadRecords(args[0])
	if err != nil {
		return err
	}
	train, val, err := dataset.Split(recs, datasetRatio, rand.New(rand.NewSource(datasetSeed)))
	if err != nil {
		return err
	}
	if err := dataset.WriteRecords(datasetTrainOut, train); err != nil {
		return err
	}
	if err := dataset.WriteRecords(datasetValOut, val); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d train (%s), %d validation (%s)\n", successStyle.Render("Split:"),
		len(train), datasetTrainOut, len(val), datasetValOut)
	return nil
}

func runDatasetCombine(cmd *cobra.Command, args []string) error {
	var all []json.RawMessage
	for _, in := range args {
		recs, err := dataset.ReadRecords(in)
		if err != nil {
			return err
		}
		all = append(all, recs...)
	}
	all = dataset.Shuffle(all, rand.New(rand.NewSource(datasetSeed)))
	if err := dataset.WriteRecords(datasetCombineOut, all); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d records from %d files written to %s\n", successStyle.Render("Combined:"),
		len(all), len(args), datasetCombineOut)
	return nil
}

func runDatasetConvert(cmd *cobra.Command, args []string) error {
	n, err := dataset.Convert(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d records written to %s\n", successStyle.Render("Converted:"), n, args[1])
	return nil
}

func runDatasetVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	var errs []error
	for _, path := range args {
		n, err := dataset.Verify(path)
		if err != nil {
			fmt.Fprintf(out, "%s %v\n", errorStyle.Render("invalid"), err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "%s %s (%d records)\n", successStyle.Render("ok"), path, n)
	}
	return errors.Join(errs...)
}

func runDatasetStats(cmd *cobra.Command, args []string) error {
	s, err := dataset.Count(args[0])
	if err != nil {
		return err
	}
	t := newTable("Query sources", "kind", "files")
	t.add(".ql", fmt.Sprint(s.Queries))
	t.add(".qll", fmt.Sprint(s.Libraries))
	t.print(cmd.OutOrStdout())
	return nil
}

func runDatasetTrim(cmd *cobra.Command, args []string) error {
	rep, err := dataset.TrimAll(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range rep.Failures {
		fmt.Fprintf(out, "%s %s: %v\n", warningStyle.Render("skipped"), f.Path, f.Err)
	}
	fmt.Fprintf(out, "%s %d files, %d skipped\n", successStyle.Render("Trimmed:"), rep.Trimmed, len(rep.Failures))
	return nil
}

func runDatasetRAGFragments(cmd *cobra.Command, args []string) error {
	frags, err := dataset.ReadModuleTableFile(args[0])
	if err != nil {
		return err
	}
	if err := dataset.WriteRecords(datasetRAGOut, frags); err != nil {
		return err
	}
	logger.Info("Fragments written", zap.String("out", datasetRAGOut), zap.Int("fragments", len(frags)))
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d fragments written to %s\n", successStyle.Render("Split:"), len(frags), datasetRAGOut)
	return nil
}

func runDatasetRAGIndex(cmd *cobra.Command, args []string) error {
	frags, err := dataset.ReadModuleTableFile(args[0])
	if err != nil {
		return err
	}
	idx := dataset.Index(frags)
	if err := dataset.WriteIndex(datasetIndexOut, idx); err != nil {
		return err
	}
	logger.Info("Module index written", zap.String("out", datasetIndexOut), zap.Int("modules", len(idx)))
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d modules, %d entities written to %s\n", successStyle.Render("Indexed:"),
		len(idx), idx.Entities(), datasetIndexOut)
	return nil
}
