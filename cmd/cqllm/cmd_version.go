package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cqllm and codeql versions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cqllm %s\n", cfg.Version)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		v, err := newCodeQLRunner().Version(ctx)
		if err != nil {
			fmt.Fprintln(out, mutedStyle.Render("codeql: unavailable ("+firstLine(err.Error())+")"))
			return
		}
		fmt.Fprintf(out, "codeql %s\n", v)
	},
}
