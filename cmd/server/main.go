package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/smarties/backend/config"
	httpDelivery "github.com/smarties/backend/internal/delivery/http"
	"github.com/smarties/backend/internal/domain"
	"github.com/smarties/backend/internal/infrastructure/cache"
	"github.com/smarties/backend/internal/infrastructure/embedding"
	"github.com/smarties/backend/internal/infrastructure/logging"
	"github.com/smarties/backend/internal/infrastructure/mongostore"
	"github.com/smarties/backend/internal/infrastructure/provider"
	"github.com/smarties/backend/internal/infrastructure/workerpool"
	"github.com/smarties/backend/internal/usecase"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "smarties",
		Short:        "SMARTIES dietary safety engine",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "probe-providers",
		Short: "Probe the configured analysis providers once and print their states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd.Context(), cmd)
		},
	})

	return root
}

// loadRuntime loads configuration and builds the logger every command needs
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Server.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting SMARTIES backend",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("port", cfg.Server.Port),
		zap.String("cache", cfg.Cache.Type))

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	handler := httpDelivery.NewHandler(app.service, cfg.Monitor.StatsWindow, logger)
	router := httpDelivery.SetupRouter(cfg, handler, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func runProbe(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	orchestrator := buildOrchestrator(cfg, nil, logger)
	statuses := orchestrator.TestProviders(ctx)
	if len(statuses) == 0 {
		logger.Warn("no analysis providers configured")
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(statuses)
}

// app owns the long-lived dependencies of the server
type app struct {
	service *usecase.SafetyService
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	// Product store
	mongoCfg := mongostore.Config{
		URI:            cfg.Mongo.URI,
		Database:       cfg.Mongo.Database,
		Collection:     cfg.Mongo.Collection,
		ConnectTimeout: cfg.Mongo.ConnectTimeout,
		QueryTimeout:   cfg.Mongo.QueryTimeout,
		MaxPoolSize:    cfg.Mongo.MaxPoolSize,
	}
	client, err := mongostore.Connect(ctx, mongoCfg)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, func() { disconnect(client, logger) })
	store := mongostore.NewProductStore(client, mongoCfg, logger)
	logger.Info("connected to product store",
		zap.String("database", cfg.Mongo.Database),
		zap.String("collection", cfg.Mongo.Collection))

	// Embedding cache
	var embeddingCache domain.CacheRepository
	switch cfg.Cache.Type {
	case "redis":
		redisCache, err := cache.DialRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.KeyPrefix)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() { _ = redisCache.Close() })
		embeddingCache = redisCache
	default:
		memoryCache := cache.NewMemoryCache(0)
		a.closers = append(a.closers, func() { _ = memoryCache.Close() })
		embeddingCache = memoryCache
	}

	// Embedding service is optional; without it only codes and raw vectors resolve
	var embedder domain.Embedder
	if cfg.Embedding.BaseURL != "" {
		embedder = embedding.NewClient(embedding.Config{
			BaseURL:           cfg.Embedding.BaseURL,
			APIKey:            cfg.Embedding.APIKey,
			Model:             cfg.Embedding.Model,
			Dimension:         cfg.Embedding.Dimension,
			Timeout:           cfg.Embedding.Timeout,
			MaxRetries:        cfg.Embedding.MaxRetries,
			RetryDelay:        cfg.Embedding.RetryDelay,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			CacheTTL:          cfg.Cache.TTL,
		}, embeddingCache, logger)
	} else {
		logger.Warn("embedding service not configured, text search disabled")
	}

	monitor := usecase.NewPerformanceMonitor(usecase.MonitorConfig{
		Thresholds: cfg.Monitor.Thresholds,
		MaxSamples: cfg.Monitor.MaxSamples,
		MaxAlerts:  cfg.Monitor.MaxAlerts,
	}, logger)

	resolver := usecase.NewHybridResolver(store, embedder, monitor, logger, usecase.ResolverConfig{
		Dimension:       cfg.Embedding.Dimension,
		DefaultLimit:    cfg.Resolver.DefaultLimit,
		MaxCandidates:   cfg.Resolver.MaxCandidates,
		DefaultMinScore: cfg.Resolver.DefaultMinScore,
	})

	allergens := usecase.NewAllergenAnalyzer(resolver, monitor, logger, usecase.AllergenConfig{
		EnableVectorLayer: cfg.Analysis.EnableVectorLayer,
		VectorLimit:       cfg.Analysis.VectorLimit,
	})
	compliance := usecase.NewComplianceEvaluator(resolver, monitor, logger, usecase.ComplianceConfig{
		EnableCulturalCheck: cfg.Analysis.EnableCulturalCheck,
		Dimension:           cfg.Embedding.Dimension,
	})

	pool, err := workerpool.New(workerpool.Config{Capacity: cfg.Ranker.Workers}, logger)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, func() {
		if err := pool.Release(5 * time.Second); err != nil {
			logger.Warn("worker pool release timed out", zap.Error(err))
		}
	})

	ranker := usecase.NewRecommendationRanker(resolver, allergens, compliance, pool, monitor, logger, usecase.RankerConfig{
		DefaultLimit:   cfg.Ranker.DefaultLimit,
		CandidateLimit: cfg.Ranker.CandidateLimit,
		HistorySeeds:   cfg.Ranker.HistorySeeds,
		Dimension:      cfg.Embedding.Dimension,
	})

	orchestrator := buildOrchestrator(cfg, monitor, logger)

	a.service = usecase.NewSafetyService(resolver, allergens, compliance, ranker, orchestrator, monitor, logger)
	return a, nil
}

// buildOrchestrator wires the configured providers into the AI fallback chain
func buildOrchestrator(cfg *config.Config, monitor usecase.OperationRecorder, logger *zap.Logger) *usecase.AIOrchestrator {
	var primary, secondary domain.AnalysisProvider
	if cfg.Providers.Primary.Enabled() {
		primary = newProvider(cfg.Providers.Primary, logger)
	}
	if cfg.Providers.Secondary.Enabled() {
		secondary = newProvider(cfg.Providers.Secondary, logger)
	}
	if primary == nil && secondary == nil {
		logger.Warn("no analysis providers configured, AI analysis uses rules only")
	}
	return usecase.NewAIOrchestrator(primary, secondary, monitor, logger, usecase.OrchestratorConfig{
		MaxRetries: cfg.Providers.MaxRetries,
		BaseDelay:  cfg.Providers.BaseDelay,
		RateWindow: cfg.Providers.RateWindow,
	})
}

func newProvider(pc config.ProviderConfig, logger *zap.Logger) *provider.Client {
	return provider.NewClient(provider.Config{
		Name:              pc.Name,
		BaseURL:           pc.BaseURL,
		APIKey:            pc.APIKey,
		Timeout:           pc.Timeout,
		RequestsPerSecond: pc.RequestsPerSecond,
	}, logger)
}

func disconnect(client *mongo.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Warn("mongodb disconnect failed", zap.Error(err))
	}
}
