package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Arashiailing/CQLLM/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage recorded in this workspace",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	ws, err := workspaceDir()
	if err != nil {
		return err
	}
	tracker, err := usage.NewTracker(ws)
	if err != nil {
		return err
	}
	stats := tracker.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d calls, %d input, %d output, %d total tokens\n", titleStyle.Render("Usage:"),
		stats.Calls, stats.TotalProject.Input, stats.TotalProject.Output, stats.TotalProject.Total)

	for _, section := range []struct {
		title string
		m     map[string]usage.TokenCounts
	}{
		{"By command", stats.ByCommand},
		{"By provider", stats.ByProvider},
		{"By model", stats.ByModel},
	} {
		if len(section.m) == 0 {
			continue
		}
		t := newTable(section.title, "name", "input", "output", "total")
		keys := make([]string, 0, len(section.m))
		for k := range section.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := section.m[k]
			t.add(k, fmt.Sprint(c.Input), fmt.Sprint(c.Output), fmt.Sprint(c.Total))
		}
		t.print(out)
	}
	return nil
}
