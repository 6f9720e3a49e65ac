package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/workflow"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage registered workflow definitions",
	}
	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newWorkflowExportCommand())
	cmd.AddCommand(newWorkflowImportCommand())
	cmd.AddCommand(newWorkflowDeleteCommand())
	return cmd
}

// loadRegistry opens the registry file named by the configuration.
func loadRegistry(cfg *config.Config) (*workflow.Registry, error) {
	registry := workflow.NewRegistry()
	if cfg.RegistryPath == "" {
		return registry, nil
	}
	if _, err := os.Stat(cfg.RegistryPath); os.IsNotExist(err) {
		return registry, nil
	}
	if err := registry.Load(cfg.RegistryPath); err != nil {
		return nil, err
	}
	return registry, nil
}

// saveRegistry writes the registry back to the configured file.
func saveRegistry(cfg *config.Config, registry *workflow.Registry) error {
	if cfg.RegistryPath == "" {
		return fmt.Errorf("no registry_path configured")
	}
	return registry.Save(cfg.RegistryPath)
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			names := registry.List()
			if jsonOutput {
				data, err := json.MarshalIndent(names, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			for _, name := range names {
				wf, err := registry.GetInfo(name)
				if err != nil {
					return err
				}
				state := "enabled"
				if !wf.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-30s %-10s %2d tasks  %s\n", name, state, len(wf.Tasks), wf.Description)
			}
			return nil
		},
	}
}

func newWorkflowExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Export a workflow definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			data, err := registry.ExportJSON(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Println(string(data))
				return nil
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newWorkflowImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a workflow definition from JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name, err := registry.ImportJSON(data)
			if err != nil {
				return err
			}
			if err := saveRegistry(cfg, registry); err != nil {
				return err
			}
			fmt.Printf("imported workflow %q\n", name)
			return nil
		},
	}
	return cmd
}

func newWorkflowDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			if err := registry.DeleteWorkflow(args[0]); err != nil {
				return err
			}
			if err := saveRegistry(cfg, registry); err != nil {
				return err
			}
			fmt.Printf("deleted workflow %q\n", args[0])
			return nil
		},
	}
}
