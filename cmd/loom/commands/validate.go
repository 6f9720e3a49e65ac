package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Long: `Validate a workflow definition file.

This command checks:
  - JSON syntax validity
  - Task name uniqueness
  - Dependency references
  - Dependency graph acyclicity`,
		Example: `  # Validate a workflow definition
  loom validate ./deploy.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			scratch := workflow.NewRegistry()
			name, err := scratch.ImportJSON(data)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			wf, err := scratch.GetInfo(name)
			if err != nil {
				return err
			}
			fmt.Printf("workflow %q is valid (%d tasks)\n", name, len(wf.Tasks))
			return nil
		},
	}
	return cmd
}
