package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kpiboard/backend/internal/access"
	"kpiboard/backend/internal/blob"
	"kpiboard/backend/internal/cache"
	"kpiboard/backend/internal/config"
	"kpiboard/backend/internal/httpapi"
	"kpiboard/backend/internal/lock"
	"kpiboard/backend/internal/logging"
	"kpiboard/backend/internal/metrics"
	"kpiboard/backend/internal/rollup"
	"kpiboard/backend/internal/service"
	"kpiboard/backend/internal/store"
	"kpiboard/backend/internal/store/memory"
	pgstore "kpiboard/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Environment: cfg.AppEnv})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.DatabaseAutoMigrate {
			if err := pg.Migrate(); err != nil {
				logger.Fatal("apply migrations", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository ready", zap.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository ready", zap.String("backend", "memory"))
	}

	var redisClient *redis.Client
	roleCache := cache.RoleCache(cache.NewMemoryRoleCache(nil))
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisRoleCache(cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		if err := redisCache.Ping(ctx); err != nil {
			if cfg.LedgerWriteLock == "redis" {
				logger.Fatal("redis unavailable and LEDGER_WRITE_LOCK=redis", zap.Error(err))
			}
			logger.Warn("redis unavailable, using in-process role cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			roleCache = redisCache
			redisClient = redisCache.Client()
			closers = append(closers, redisCache.Close)
			logger.Info("role cache ready", zap.String("backend", "redis"))
		}
	}

	var lockClient redis.UniversalClient
	if redisClient != nil {
		lockClient = redisClient
	}
	locker, err := lock.New(cfg.LedgerWriteLock, lockClient, time.Duration(cfg.LedgerLockTTLSeconds)*time.Second)
	if err != nil {
		logger.Fatal("ledger write lock", zap.Error(err))
	}

	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		logger.Fatal("blob storage", zap.Error(err))
	}
	if closeBlobs != nil {
		closers = append(closers, closeBlobs)
	}

	m := metrics.New()
	checker := access.NewChecker(repo, roleCache, time.Duration(cfg.AccessCacheTTLSeconds)*time.Second, logger)
	svc := service.New(repo, service.Options{
		Access:  checker,
		Locker:  locker,
		Blobs:   blobs,
		Metrics: m,
		Logger:  logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, svc, logger)
	api := httpapi.New(svc, auth, m, logger, cfg.AllowedOrigin)

	var scheduler *rollup.Scheduler
	if cfg.RollupScheduleEnabled {
		scheduler, err = rollup.NewScheduler(svc.Rollups(), logger)
		if err != nil {
			logger.Fatal("rollup scheduler", zap.Error(err))
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("kpiboard backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("rollup scheduler stop", zap.Error(err))
		}
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// openBlobs returns the report object store named by BLOB_BACKEND and an
// optional closer.
func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, func() error, error) {
	switch cfg.BlobBackend {
	case "gcs":
		g, err := blob.NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentialsJSON, cfg.BlobPublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	case "memory":
		return blob.NewMemory(), nil, nil
	default:
		l, err := blob.NewLocal(cfg.BlobLocalDir, cfg.BlobPublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && cfg.AppEnv == "production" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin in production")
	}
	return nil
}
