// Package main provides the entry point for the IOCForge server.
// It ingests analyst CSV uploads, enriches each IOC against the configured
// threat intel providers and serves the results over a REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/iocforge/internal/api"
	"github.com/lvonguyen/iocforge/internal/api/gateway"
	"github.com/lvonguyen/iocforge/internal/cache"
	"github.com/lvonguyen/iocforge/internal/config"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/ingestion"
	"github.com/lvonguyen/iocforge/internal/jobs"
	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/pipeline"
	"github.com/lvonguyen/iocforge/internal/repository"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// cacheRefreshInterval is how often a Redis-backed cache re-reads TTLs
// changed by another instance.
const cacheRefreshInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("IOCForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "iocforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(cfg.Observability("iocforge", Version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	logger.Info("Starting IOCForge",
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.Strings("providers", cfg.EnabledProviders()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := tel.Metrics()
	tel.StartSystemMetricsCollector(ctx)

	repo, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	resultCache, err := openCache(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	registry := enrichment.NewRegistryFromSettings(cfg.ThreatIntel, logger)
	for _, s := range registry.Status() {
		if !s.Ready {
			logger.Warn("Provider not ready", zap.String("provider", s.Name), zap.String("reason", s.Reason))
		}
	}

	orchestrator := pipeline.New(registry, resultCache, repo, cfg.Enrichment, logger, pipeline.WithMetrics(metrics))
	runner := jobs.NewRunner(repo, orchestrator, cfg.Enrichment.Concurrency, metrics, logger)

	queue, err := jobs.Open(cfg.Queue, runner.Run, logger)
	if err != nil {
		return err
	}
	defer queue.Close()
	if err := queue.Start(ctx); err != nil {
		return err
	}
	if err := recoverJobs(ctx, repo, queue, logger); err != nil {
		return err
	}

	ingester := ingestion.NewService(cfg.Ingest, repo, queue, metrics, logger)

	var uploadLimiter *gateway.RateLimiter
	if cfg.UploadLimit.Enabled && redisClient != nil {
		uploadLimiter = gateway.NewRateLimiter(redisClient, cfg.UploadLimit, logger)
	}

	handler := api.New(api.Deps{
		Store:         repo,
		Ingester:      ingester,
		Enricher:      orchestrator,
		Queue:         queue,
		Registry:      registry,
		Cache:         resultCache,
		UploadLimiter: uploadLimiter,
		Logger:        logger,
		Version:       Version,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(api.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.Server.IPRateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.Server.IPRateLimit, time.Minute))
	}
	r.Use(metrics.HTTPMiddleware)

	r.Handle("/metrics", tel.MetricsHandler())
	handler.Register(r)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if rc, ok := resultCache.(*cache.Redis); ok {
		g.Go(func() error {
			refreshTTL(gctx, rc, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}

// loadConfig falls back to defaults when the default config path is absent.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "configs/config.yaml" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func openCache(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := cache.NewRedis(ctx, client, cfg.Cache.KeyPrefix, cfg.Cache.TTL(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening redis cache: %w", err)
		}
		return c, nil
	default:
		c, err := cache.NewMemory(cfg.Cache.Size, cfg.Cache.TTL())
		if err != nil {
			return nil, fmt.Errorf("opening memory cache: %w", err)
		}
		return c, nil
	}
}

// recoverJobs re-enqueues jobs a previous process accepted but never ran.
func recoverJobs(ctx context.Context, repo *repository.Repository, queue jobs.Queue, logger *zap.Logger) error {
	ids, err := repo.RecoverJobs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := queue.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("re-enqueue job %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		logger.Info("Recovered queued jobs", zap.Int("count", len(ids)))
	}
	return nil
}

func refreshTTL(ctx context.Context, rc *cache.Redis, logger *zap.Logger) {
	ticker := time.NewTicker(cacheRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rc.Refresh(ctx); err != nil {
				logger.Debug("Cache TTL refresh failed", zap.Error(err))
			}
		}
	}
}
