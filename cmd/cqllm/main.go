// Command cqllm builds and curates CodeQL query datasets with an LLM in the
// loop: every generated query is compiled by codeql before it is kept.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Arashiailing/CQLLM/internal/config"
	"github.com/Arashiailing/CQLLM/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Set by PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cqllm",
	Short: "LLM-assisted CodeQL query generation and augmentation",
	Long: `cqllm generates, augments and evaluates CodeQL queries with a language
model. Every candidate query is compiled with the codeql CLI and only
published once it passes; rejected candidates are sent back to the model
with the compiler diagnostic.

Configuration is read from .cqllm/config.yaml in the workspace. Run
"cqllm config init" to write the defaults.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := workspaceDir()
		if err != nil {
			return err
		}
		cfg, err = config.Load(resolveConfigPath(ws))
		if err != nil {
			return err
		}
		return logging.Initialize(ws, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.Format == "json",
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/"+config.DefaultConfigPath+")")

	rootCmd.AddCommand(augmentCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
