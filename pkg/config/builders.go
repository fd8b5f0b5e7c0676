package config

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baremetal-lab/inspector/pkg/inspection/hooks"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
	"github.com/baremetal-lab/inspector/pkg/metrics"
	"github.com/baremetal-lab/inspector/pkg/objectstore"
	"github.com/baremetal-lab/inspector/pkg/objectstore/s3"
)

// CreateStore opens the configured database.
func CreateStore(cfg *Config) (*store.GORMStore, error) {
	db, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// CreateObjectStore builds the S3 object store when data archival is
// enabled. Returns nil without error when store_data is none.
func CreateObjectStore(ctx context.Context, cfg *Config) (objectstore.Store, error) {
	if !cfg.Processing.StoreEnabled() {
		return nil, nil
	}

	objects, err := s3.NewFromConfig(ctx, cfg.ObjectStore.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 object store: %w", err)
	}
	return objects, nil
}

// CreateHooks resolves the configured hook list.
func CreateHooks(cfg *Config) ([]hooks.ProcessingHook, error) {
	hookList, err := hooks.Build(cfg.Hooks.Names, cfg.Hooks.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to build processing hooks: %w", err)
	}
	return hookList, nil
}

// MetricsResult holds the outcome of metrics initialization.
type MetricsResult struct {
	// Metrics is nil when metrics are disabled; all its methods are
	// no-ops on a nil receiver.
	Metrics *metrics.Metrics

	// Server serves the /metrics endpoint, nil when disabled. The
	// caller owns starting and shutting it down.
	Server *http.Server
}

// InitializeMetrics sets up the Prometheus registry and the metrics HTTP
// server when enabled.
func InitializeMetrics(cfg *Config) MetricsResult {
	if !cfg.Metrics.Enabled {
		return MetricsResult{}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return MetricsResult{
		Metrics: metrics.New(registry),
		Server:  server,
	}
}
