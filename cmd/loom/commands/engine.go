package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/executors"
	"github.com/loomctl/loom/pkg/stores"
	"github.com/loomctl/loom/pkg/telemetry"
	"github.com/loomctl/loom/pkg/workflow"
)

// engine bundles the collaborators every command needs.
type engine struct {
	cfg        *config.Config
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	events     *telemetry.EventPublisher
	store      stores.ExecutionStore
	registry   *workflow.Registry
	resolver   *executors.Registry
	controller *workflow.Controller
}

// loadConfig reads the configuration file named by the global flag, falling
// back to defaults when no file is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// buildEngine wires the store, registry, executors, telemetry, and
// controller from the configuration.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	if verbose {
		cfg.Log.Level = "debug"
	}
	tcfg := cfg.Telemetry("dev")

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("create tracer: %w", err)
	}
	events := telemetry.NewEventPublisher()

	var store stores.ExecutionStore
	switch cfg.Store.Driver {
	case "memory":
		store = stores.NewMemoryStore()
	default:
		store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("create store: %w", err)
		}
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	registry := workflow.NewRegistry()
	if cfg.RegistryPath != "" {
		if _, err := os.Stat(cfg.RegistryPath); err == nil {
			if err := registry.Load(cfg.RegistryPath); err != nil {
				store.Close()
				return nil, fmt.Errorf("load registry: %w", err)
			}
		}
	}

	resolver := executors.NewRegistry(logger)
	controller, err := workflow.NewController(workflow.ControllerOptions{
		Registry:           registry,
		Store:              store,
		Resolver:           resolver,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracer,
		Events:             events,
		DefaultMaxParallel: cfg.Engine.MaxParallel,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		events:     events,
		store:      store,
		registry:   registry,
		resolver:   resolver,
		controller: controller,
	}, nil
}

// close releases engine resources after commands finish.
func (e *engine) close(ctx context.Context) {
	if err := e.tracer.Shutdown(ctx); err != nil {
		e.logger.WithError(err).Warn("tracer shutdown failed")
	}
	if err := e.store.Close(); err != nil {
		e.logger.WithError(err).Warn("store close failed")
	}
}
