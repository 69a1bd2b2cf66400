package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sequencer",
		Short: "Sequencer - infrastructure orchestration engine",
		Long: `Sequencer runs the orders of a sequence descriptor against the resources
the descriptor declares.

Features:
  - Descriptors written in YAML or CUE
  - Parallel fan-out over resources selected with Starlark expressions
  - Calls into orders of the same or another descriptor
  - Remote execution over SSH and uploads to S3
  - Pre-run policy checks with OPA/rego
  - Run history in SQLite, traces and Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
