package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/telemetry"
	"github.com/loomctl/loom/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		userData string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <file-or-name>",
		Short: "Run a workflow and wait for it to finish",
		Long: `Run a workflow and wait for it to finish.

The argument is either a workflow definition file or the name of a
workflow already present in the registry file named by the
configuration. The command exits non-zero when the execution does not
complete successfully.`,
		Example: `  # Run a workflow definition file
  loom run ./deploy.json

  # Run a registered workflow with caller data
  loom run nightly-backup --data '{"retention": 7}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.close(ctx)

			name := args[0]
			if _, statErr := os.Stat(name); statErr == nil {
				data, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				name, err = eng.registry.ImportJSON(data)
				if err != nil {
					return err
				}
			}

			if verbose {
				eng.events.Subscribe(func(evt telemetry.Event) {
					fmt.Printf("%s  %-22s %s %s\n",
						evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Task, evt.Message)
				})
			}

			var data json.RawMessage
			if userData != "" {
				data = json.RawMessage(userData)
			}

			id, err := eng.controller.Start(ctx, name, data)
			if err != nil {
				return err
			}

			waitCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := eng.controller.Wait(waitCtx, id); err != nil {
				// Interrupted: request cooperative cancellation and drain.
				if stopErr := eng.controller.Stop(context.Background(), id); stopErr == nil {
					_ = eng.controller.Wait(context.Background(), id)
				}
			}

			result, err := eng.controller.GetResult(context.Background(), id)
			if err != nil {
				return err
			}
			if err := printResult(result); err != nil {
				return err
			}

			if result.Status != workflow.ExecutionCompleted {
				return fmt.Errorf("execution %s: %s", result.Status, result.Summary)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userData, "data", "", "opaque JSON data passed to task executors")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the wait after this duration")

	return cmd
}

func printResult(result *workflow.Result) error {
	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("execution %s: %s\n", result.ExecutionID, result.Status)
	fmt.Printf("  %s\n", result.Summary)
	for _, tr := range result.TaskResults {
		fmt.Printf("  %-20s attempt=%d %-8s %s\n",
			tr.TaskName, tr.Attempt, tr.Outcome, tr.Message)
	}
	if result.Duration > 0 {
		fmt.Printf("  duration: %s\n", result.Duration.Round(time.Millisecond))
	}
	return nil
}
