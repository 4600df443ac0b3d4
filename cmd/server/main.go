// Command server starts the generative media gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	s3blob "github.com/genmedia/gateway/internal/adapter/blob/s3"
	"github.com/genmedia/gateway/internal/adapter/events/redpanda"
	httpserver "github.com/genmedia/gateway/internal/adapter/httpserver"
	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/adapter/provider"
	asynqadp "github.com/genmedia/gateway/internal/adapter/queue/asynq"
	"github.com/genmedia/gateway/internal/adapter/repo/postgres"
	"github.com/genmedia/gateway/internal/app"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
	"github.com/genmedia/gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	tenantRepo := postgres.NewTenantRepo(pool)

	// Artifact store
	blobs, err := s3blob.New(ctx, s3blob.Config{
		Endpoint:  cfg.BlobStoreURL,
		AccessKey: cfg.BlobStoreAccessKey,
		SecretKey: cfg.BlobStoreServiceKey,
		Bucket:    cfg.BucketName,
		UseSSL:    cfg.BlobStoreUseSSL,
		Public:    cfg.BlobStorePublicBucket,
	})
	if err != nil {
		slog.Error("blob store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Task queue client and inspector (Redis-backed)
	queue, err := asynqadp.New(cfg.RedisURL, cfg)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	insp, err := asynqadp.NewInspector(cfg.RedisURL)
	if err != nil {
		slog.Error("queue inspector connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = insp.Close() }()

	// Redis client for readiness probing
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Optional lifecycle event feed (Redpanda/Kafka)
	var events domain.EventSink
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.JobEventsTopic)
		if err != nil {
			slog.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		events = producer
	}

	// Provider drivers and usecases
	registry := provider.NewRegistry(cfg)
	artifacts := usecase.NewArtifactPipeline(blobs, cfg, nil)
	submitSvc := usecase.NewSubmitService(jobRepo, queue, registry, artifacts, events, cfg)
	statusSvc := usecase.NewStatusService(jobRepo, insp, registry)

	// Dev tenant seeding
	if cfg.IsDev() && cfg.SeedTenantsFile != "" {
		if err := seedTenants(ctx, tenantRepo, cfg.SeedTenantsFile); err != nil {
			slog.Error("tenant seeding failed", slog.Any("error", err))
		}
	}

	// Readiness checks
	dbCheck, redisCheck, blobCheck := app.BuildReadinessChecks(pool, rdb, blobs)

	// HTTP server
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, tenantRepo, dbCheck, redisCheck, blobCheck)
	auth := httpserver.NewAuthenticator(tenantRepo, cfg)
	handler := app.BuildRouter(cfg, srv, auth)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
