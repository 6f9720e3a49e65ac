package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/workflow"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived scheduler process",
		Long: `Run the engine as a long-lived scheduler process.

The process recovers executions interrupted by a previous shutdown,
activates every schedule in the registry, and keeps evaluating them
until it receives an interrupt. In-flight executions drain during the
graceful shutdown window.`,
		Args: cobra.NoArgs,
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
			defer eng.close(context.Background())

			if err := eng.metrics.StartMetricsServer(eng.logger); err != nil {
				return err
			}

			if cfg.Engine.Recover {
				resumed, err := eng.controller.Recover(ctx)
				if err != nil {
					return err
				}
				if resumed > 0 {
					eng.logger.Infof("recovered %d interrupted executions", resumed)
				}
			}

			scheduler, err := workflow.NewScheduleRunner(workflow.ScheduleRunnerOptions{
				Registry:     eng.registry,
				Controller:   eng.controller,
				Logger:       eng.logger,
				PollInterval: cfg.Engine.ConditionPollInterval,
			})
			if err != nil {
				return err
			}
			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			if configPath != "" {
				watcher, err := config.NewWatcher(configPath, eng.logger, func(next *config.Config) {
					// Only the registry is safe to swap at runtime; store and
					// telemetry changes need a restart.
					if next.RegistryPath != "" {
						if err := eng.registry.Load(next.RegistryPath); err != nil {
							eng.logger.WithError(err).Warn("registry reload failed")
						}
					}
				})
				if err != nil {
					return err
				}
				go watcher.Run(ctx)
			}

			eng.logger.Info("engine started")
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(
				context.Background(), cfg.Engine.ShutdownTimeout)
			defer cancel()

			if err := scheduler.Shutdown(shutdownCtx); err != nil {
				eng.logger.WithError(err).Warn("scheduler shutdown incomplete")
			}
			if err := eng.controller.Shutdown(shutdownCtx); err != nil {
				eng.logger.WithError(err).
					Warn("executions abandoned, they will recover on next start")
			}
			eng.logger.Info("engine stopped")
			return nil
		},
	}
	return cmd
}
