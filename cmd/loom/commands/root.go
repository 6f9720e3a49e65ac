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
		Use:   "loom",
		Short: "Loom - Workflow Orchestration Engine",
		Long: `Loom executes workflows defined as dependency graphs of tasks.

Features:
  - DAG validation with cycle detection
  - Per-task timeouts and retry budgets
  - Pause, resume, and cooperative cancellation
  - Durable execution state with restart recovery
  - Cron and condition-based workflow scheduling`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
