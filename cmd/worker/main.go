// Package main provides the worker application entry point.
// The worker drains the generation queues, drives provider jobs to terminal
// state, and ships artifacts to the blob store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	s3blob "github.com/genmedia/gateway/internal/adapter/blob/s3"
	"github.com/genmedia/gateway/internal/adapter/events/redpanda"
	"github.com/genmedia/gateway/internal/adapter/observability"
	"github.com/genmedia/gateway/internal/adapter/provider"
	asynqadp "github.com/genmedia/gateway/internal/adapter/queue/asynq"
	"github.com/genmedia/gateway/internal/adapter/repo/postgres"
	"github.com/genmedia/gateway/internal/app"
	"github.com/genmedia/gateway/internal/config"
	"github.com/genmedia/gateway/internal/domain"
	"github.com/genmedia/gateway/internal/service/ratelimiter"
	"github.com/genmedia/gateway/internal/usecase"
)

// sweepGrace is added on top of the in-process job deadline before the
// sweeper declares a processing job abandoned.
const sweepGrace = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape job-queue metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // Internal metrics endpoint.
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	// Enable tracing for worker-side spans (orchestration, provider calls)
	// when an OTLP endpoint is configured.
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Database connection
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)

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

	// Shared submit gate. Redis holds the token buckets so every worker
	// replica draws from the same provider budget.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	gate := ratelimiter.NewRedisLuaLimiter(rdb, nil)
	if cfg.OpenAISubmitsPerMinute > 0 {
		gate.SetBucketConfig(string(domain.ProviderOpenAI),
			ratelimiter.NewBucketConfigFromPerMinute(cfg.OpenAISubmitsPerMinute))
		slog.Info("openai submit gate enabled",
			slog.Int("submits_per_minute", cfg.OpenAISubmitsPerMinute))
	}

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

	// Provider drivers and the orchestrator they feed
	registry := provider.NewRegistry(cfg)
	artifacts := usecase.NewArtifactPipeline(blobs, cfg, nil)
	orchestrator := usecase.NewOrchestrator(jobRepo, artifacts, registry, gate, events, cfg)

	worker, err := asynqadp.NewWorker(cfg.RedisURL, orchestrator, cfg)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Start stuck-job sweeper so processing jobs eventually reach a failed
	// terminal state even if the worker handling them crashed.
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	imageMaxAge := cfg.JobDeadline(string(domain.DeadlineImage)) + sweepGrace
	modelMaxAge := cfg.JobDeadline(string(domain.DeadlineMultiview)) + sweepGrace
	if sweeper := app.NewStuckJobSweeper(jobRepo, events, imageMaxAge, modelMaxAge, 0); sweeper != nil {
		go sweeper.Run(sweepCtx)
	}

	// Start queue servers
	if err := worker.Start(); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Wait for shutdown signals
	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	stopSweeper()
	worker.Stop()
	slog.Info("worker stopped")
}
