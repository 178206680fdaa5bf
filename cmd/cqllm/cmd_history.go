package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Arashiailing/CQLLM/internal/store"
)

var (
	historyLimit  int
	historyKey    string
	historyTraces bool
	historyKeep   int
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past runs or show the artifacts and attempts of one run",
	Long: `Without arguments, lists the most recent runs from the ledger. With a run
id, shows the final status of every artifact in that run. --key narrows
the view to one artifact and lists each of its attempts; --traces adds the
model exchanges recorded for it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest runs",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Runs to list")
	historyCmd.Flags().StringVar(&historyKey, "key", "", "Show the attempts of one artifact")
	historyCmd.Flags().BoolVar(&historyTraces, "traces", false, "With --key, also show model exchanges")
	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", 50, "Runs to keep")
	historyCmd.AddCommand(historyPruneCmd)
}

func openLedger() (*store.Ledger, error) {
	ws, err := workspaceDir()
	if err != nil {
		return nil, err
	}
	return store.Open(inWorkspace(ws, cfg.Store.DatabasePath))
}

func runHistory(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	ctx := context.Background()
	if len(args) == 0 {
		return listRuns(ctx, cmd, l)
	}
	run, err := l.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	if historyKey != "" {
		return showAttempts(ctx, cmd, l, run.ID, historyKey)
	}
	return showRun(ctx, cmd, l, run)
}

func listRuns(ctx context.Context, cmd *cobra.Command, l *store.Ledger) error {
	runs, err := l.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("no runs recorded"))
		return nil
	}
	t := newTable("Runs", "id", "command", "status", "started", "total", "published", "abandoned", "failed", "tokens")
	for _, r := range runs {
		t.add(r.ID, r.Command, statusText(r.Status), r.StartedAt.Local().Format(time.DateTime),
			fmt.Sprint(r.Total), fmt.Sprint(r.Succeeded), fmt.Sprint(r.Abandoned), fmt.Sprint(r.Failed),
			fmt.Sprint(r.TokensInput+r.TokensOutput))
	}
	t.print(out)
	return nil
}

func showRun(ctx context.Context, cmd *cobra.Command, l *store.Ledger, run *store.Run) error {
	outcomes, err := l.Outcomes(ctx, run.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s (%s)\n", titleStyle.Render("Run"), run.ID, run.Command, statusText(run.Status))
	if run.Args != "" {
		fmt.Fprintln(out, mutedStyle.Render("args: "+run.Args))
	}
	if !run.FinishedAt.IsZero() {
		fmt.Fprintln(out, mutedStyle.Render("took "+run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()))
	}
	t := newTable("Artifacts", "key", "status", "attempts", "last diagnostic")
	for _, o := range outcomes {
		detail := o.Diagnostic
		if o.Error != "" {
			detail = o.Error
		}
		t.add(o.Key, statusText(o.Status), fmt.Sprint(o.Attempts), truncate(firstLine(detail), 80))
	}
	t.print(out)
	return nil
}

func showAttempts(ctx context.Context, cmd *cobra.Command, l *store.Ledger, runID, key string) error {
	attempts, err := l.Attempts(ctx, runID, key)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	t := newTable("Attempts for "+key, "#", "outcome", "duration", "bytes", "diagnostic")
	for _, a := range attempts {
		detail := a.Diagnostic
		if a.Error != "" {
			detail = a.Error
		}
		t.add(fmt.Sprint(a.Number), statusText(a.Outcome),
			(time.Duration(a.DurationMs) * time.Millisecond).String(),
			fmt.Sprint(a.CandidateBytes), truncate(firstLine(detail), 80))
	}
	t.print(out)

	if !historyTraces {
		return nil
	}
	traces, err := l.Traces(ctx, runID, key)
	if err != nil {
		return err
	}
	for i, tr := range traces {
		fmt.Fprintf(out, "\n%s %d (%s, %dms)\n", headerStyle.Render("Exchange"), i+1, tr.Provider, tr.DurationMs)
		fmt.Fprintln(out, mutedStyle.Render("prompt:"))
		fmt.Fprintln(out, tr.UserPrompt)
		if tr.Success {
			fmt.Fprintln(out, mutedStyle.Render("response:"))
			fmt.Fprintln(out, tr.Response)
		} else {
			fmt.Fprintln(out, errorStyle.Render("error: ")+tr.ErrorMessage)
		}
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()
	n, err := l.PruneRuns(context.Background(), historyKeep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d runs removed\n", successStyle.Render("Pruned:"), n)
	return nil
}
