package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/api"
	"github.com/baremetal-lab/inspector/pkg/baremetal"
	"github.com/baremetal-lab/inspector/pkg/baremetal/registry"
	"github.com/baremetal-lab/inspector/pkg/config"
	"github.com/baremetal-lab/inspector/pkg/executor"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
	"github.com/baremetal-lab/inspector/pkg/inspection/introspect"
	"github.com/baremetal-lab/inspector/pkg/inspection/process"
	"github.com/baremetal-lab/inspector/pkg/inspection/rules"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the introspection service",
	Long: `Start the introspection service with the specified configuration.

The service connects to the bare-metal registry, opens the node database,
and serves the introspection API until interrupted.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/inspector/config.yaml.

Examples:
  # Start with default config location
  inspectord start

  # Start with custom config file
  inspectord start --config /etc/inspector/config.yaml

  # Start with environment variable overrides
  INSPECTOR_LOGGING_LEVEL=DEBUG inspectord start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics (if enabled)
	metricsResult := config.InitializeMetrics(cfg)

	// Open the node and rule database
	db, err := config.CreateStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()
	logger.Info("Database opened", "type", cfg.Database.Type)

	client := registry.New(cfg.Registry)
	logger.Info("Registry client configured", "endpoint", cfg.Registry.Endpoint)

	nodes := cache.New(db, client)
	engine := rules.NewEngine(db)

	objects, err := config.CreateObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	if objects != nil {
		logger.Info("Introspection data archival enabled",
			"bucket", cfg.ObjectStore.S3.Bucket)
	}

	hookList, err := config.CreateHooks(cfg)
	if err != nil {
		return err
	}
	logger.Info("Processing hooks configured", "hooks", cfg.Hooks.Names)

	pool := executor.New(cfg.Executor)
	pool.Start(ctx)
	defer pool.Stop(cfg.ShutdownTimeout)

	processor, err := process.New(process.Options{
		Config:  cfg.Processing.Config,
		Nodes:   nodes,
		Client:  client,
		Hooks:   hookList,
		Rules:   engine,
		Objects: objects,
		Pool:    pool,
		Metrics: metricsResult.Metrics,
	})
	if err != nil {
		return err
	}

	introspector := introspect.New(cfg.Introspection, nodes, client, pool, metricsResult.Metrics)

	// Start the metrics endpoint
	if metricsResult.Server != nil {
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
		go func() {
			if err := metricsResult.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()
			if err := metricsResult.Server.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Periodic clean-up of timed-out runs and stale finished records
	go cleanUpLoop(ctx, cfg, nodes, client, pool, metricsResult)

	serverDone := make(chan error, 1)
	if cfg.API.IsEnabled() {
		apiServer := api.NewServer(cfg.API, api.NewHandler(nodes, processor, introspector, engine))
		logger.Info("API server enabled", "port", apiServer.Port())
		go func() {
			serverDone <- apiServer.Start(ctx)
		}()
	} else {
		logger.Info("API server disabled")
		go func() {
			<-ctx.Done()
			serverDone <- nil
		}()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Service is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Service stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Service stopped")
	}

	return nil
}

// cleanUpLoop periodically times out stuck introspection runs, drops stale
// finished records, syncs the cache with the registry, and refreshes the
// executor gauge.
func cleanUpLoop(ctx context.Context, cfg *config.Config, nodes *cache.NodeCache, client baremetal.Client, pool *executor.Pool, metricsResult config.MetricsResult) {
	ticker := time.NewTicker(cfg.Processing.CleanUpPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metricsResult.Metrics.SetExecutorPending(pool.Pending())

			timedOut, err := nodes.CleanUp(ctx, cfg.Processing.Timeout, cfg.Processing.NodeStatusKeepTime)
			if err != nil {
				logger.Error("periodic clean-up failed", "error", err)
				continue
			}
			if len(timedOut) > 0 {
				logger.Info("introspection runs timed out", "nodes", timedOut)
			}

			// Cached records of nodes deleted from the registry are stale
			// and would otherwise shadow future enrollments.
			uuids, err := client.ListNodes(ctx)
			if err != nil {
				logger.Error("failed to list registry nodes", "error", err)
				continue
			}
			if err := nodes.DeleteNodesNotInList(ctx, uuids); err != nil {
				logger.Error("registry sync failed", "error", err)
			}
		}
	}
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
