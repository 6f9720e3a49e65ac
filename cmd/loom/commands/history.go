package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "history <workflow>",
		Short: "Show past executions of a workflow",
		Example: `  # Executions of the last 24 hours
  loom history nightly-backup

  # Executions of the last week
  loom history nightly-backup --since 168h`,
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

			to := time.Now().UTC()
			from := to.Add(-since)
			results, err := eng.controller.GetHistory(ctx, args[0], from, to)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			if len(results) == 0 {
				fmt.Printf("no executions of %q since %s\n", args[0], from.Format(time.RFC3339))
				return nil
			}
			for _, result := range results {
				duration := "-"
				if result.Duration > 0 {
					duration = result.Duration.Round(time.Millisecond).String()
				}
				fmt.Printf("%s  %-10s %-10s %s  %s\n",
					result.StartedAt.Format(time.RFC3339), result.Status,
					duration, result.ExecutionID, result.Summary)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
