package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/config"
	"github.com/scrypster/crmsync/internal/engine"
	"github.com/scrypster/crmsync/internal/llm"
	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/metrics"
	"github.com/scrypster/crmsync/internal/ratelimit"
	"github.com/scrypster/crmsync/internal/recordstore"
	"github.com/scrypster/crmsync/internal/recordstore/attio"
	"github.com/scrypster/crmsync/internal/recordstore/sqlstore"
	"github.com/scrypster/crmsync/internal/schema"
)

// app is one wired host session.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    recordstore.Store
	engine   *engine.Engine
	closers  []func() error
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	a := &app{cfg: cfg, log: log, registry: registry, metrics: m}

	store, closer, err := openStore(ctx, cfg, log, m)
	if err != nil {
		return nil, err
	}
	a.store = store
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	model, err := newModel(cfg, log, m)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	catalogOpts := []schema.Option{
		schema.WithLogger(log),
		schema.WithConcurrency(cfg.Engine.DiscoveryConcurrency),
	}
	if cfg.RecordStore.OpenAPIPath != "" {
		doc, err := schema.LoadOpenAPI(cfg.RecordStore.OpenAPIPath)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		catalogOpts = append(catalogOpts, schema.WithOpenAPI(doc))
	}

	eng, err := engine.New(&engine.Context{
		Catalog: schema.New(store, catalogOpts...),
		Store:   store,
		Model:   model,
		ModelCache: cache.New[string](cache.Config{
			Name:       "detection",
			TTL:        cfg.Cache.ModelTTL,
			MaxEntries: cfg.Cache.MaxEntries,
		}, cache.WithMetrics(m)),
		Resolutions: cache.New[string](cache.Config{
			Name:       "resolution",
			TTL:        cfg.Cache.ResolutionTTL,
			MaxEntries: cfg.Cache.MaxEntries,
		}, cache.WithMetrics(m)),
		Log:     log,
		Metrics: m,
		Config: engine.Config{
			MaxCatalogObjects: cfg.Engine.MaxCatalogObjects,
			SearchPageSize:    cfg.Engine.SearchPageSize,
			Temperature:       cfg.LLM.Temperature,
			Now:               time.Now,
		},
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = eng
	return a, nil
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.store != "" {
		cfg.RecordStore.Backend = opts.store
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (recordstore.Store, func() error, error) {
	rc := cfg.RecordStore
	limiter := ratelimit.New("store", cfg.Limits.StoreRequestsPerWindow, cfg.Limits.Window, ratelimit.WithMetrics(m))
	reads := cache.New[[]byte](cache.Config{
		Name:       "store",
		TTL:        cfg.Cache.StoreTTL,
		MaxEntries: cfg.Cache.MaxEntries,
	}, cache.WithMetrics(m))

	switch rc.Backend {
	case "attio":
		if rc.APIKey == "" {
			return nil, nil, fmt.Errorf("attio backend requires CRMSYNC_ATTIO_API_KEY")
		}
		client := attio.NewClient(attio.Config{
			APIKey:       rc.APIKey,
			BaseURL:      rc.BaseURL,
			Timeout:      rc.Timeout,
			RetryBackoff: cfg.Limits.RetryBackoff,
		},
			attio.WithLimiter(limiter),
			attio.WithReadCache(reads),
			attio.WithLogger(log),
			attio.WithMetrics(m),
		)
		return client, nil, nil

	case "sqlite", "postgres":
		store, err := sqlstore.Open(ctx, rc.Backend, rc.DSN)
		if err != nil {
			return nil, nil, err
		}

		seed := sqlstore.DefaultSeed()
		if rc.SeedFile != "" {
			if seed, err = os.ReadFile(rc.SeedFile); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("failed to read seed file: %w", err)
			}
		}
		if err := store.Seed(ctx, seed); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		log.Info("record store ready", "backend", rc.Backend)
		return recordstore.NewPaced(store, limiter, reads), store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported record store backend %q", rc.Backend)
	}
}

func newModel(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (llm.TextGenerator, error) {
	provider, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		return nil, err
	}
	return llm.NewGuarded(provider, llm.GuardedConfig{
		Limiter: ratelimit.New("model", cfg.Limits.ModelRequestsPerWindow, cfg.Limits.ModelWindow, ratelimit.WithMetrics(m)),
		Cache: cache.New[string](cache.Config{
			Name:       "model",
			TTL:        cfg.Cache.ModelTTL,
			MaxEntries: cfg.Cache.MaxEntries,
		}, cache.WithMetrics(m)),
		Backoff: cfg.Limits.RetryBackoff,
		Logger:  log,
		Metrics: m,
	}), nil
}

// metricsHandler serves the session registry.
func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Close releases the store and flushes the logger.
func (a *app) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Sync()
	return firstErr
}
