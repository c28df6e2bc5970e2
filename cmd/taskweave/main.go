package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"taskweave/internal/logging"
)

var (
	// Global flags
	configPath string
	workspace  string
	verbose    bool

	// Logger for CLI-level messages; component logs go through the
	// categorized file logger.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "taskweave",
	Short: "taskweave - multi-strategy LLM agent orchestrator",
	Long: `taskweave answers requests by planning, generating, validating, and
executing sandboxed code steps, or by running a deep-search DAG of research
agents with knowledge-graph memory. Retrieval strategy is picked by a
reinforcement-learned meta-selector trained on human ratings.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taskweave.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(followupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
