package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-guard/internal/cache"
	"wa-guard/internal/config"
	"wa-guard/internal/engine"
	"wa-guard/internal/httpserver"
	"wa-guard/internal/imagehost"
	"wa-guard/internal/logging"
	"wa-guard/internal/mediacache"
	"wa-guard/internal/metrics"
	"wa-guard/internal/repo"
	"wa-guard/internal/retry"
	"wa-guard/internal/rules"
	"wa-guard/internal/wa"
	"wa-guard/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting wa-guard", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	ruleStore := rules.NewStore(cfg.RulesPath, logger)
	if err := ruleStore.Load(); err != nil {
		logger.Warn("initial rule load failed, starting with empty set", "error", err)
	}

	location, err := time.LoadLocation(cfg.DisplayTZ)
	if err != nil {
		return fmt.Errorf("load display timezone: %w", err)
	}

	uploader := imagehost.New(imagehost.Config{
		BaseURL: cfg.ImageHostURL,
		APIKey:  cfg.ImageHostAPIKey,
		Timeout: cfg.ImageHostTimeout,
	}, logger, metricRegistry)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	mediaCache := mediacache.New(cfg.MediaCacheTTL, nil)
	executor := retry.New(cfg.RetryAttempts, cfg.RetryDelay, retry.TransientNetwork)

	pipeline := engine.New(repository, waClient, uploader, redisClient, mediaCache,
		ruleStore, executor, metricRegistry, logger, engine.Options{
			CommandPrefix: cfg.CommandPrefix,
			OwnerJIDs:     cfg.OwnerJIDs,
			RestrictedJID: cfg.RestrictedJID,
			Location:      location,
			TempDir:       cfg.TempDir,
			TempSweepAge:  cfg.TempSweepAge,
			TempSweepTick: cfg.TempSweepTick,
		})
	waClient.SetMessageProcessor(pipeline)
	pipeline.Start(ctx)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Core:    pipeline,
		Deleted: repository,
		Sender:  waClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
