// Command worker runs the background side of the job queue: the
// Redpanda consumer feeding the runner, the reconciler sweep, and the
// retention cleanup loop.
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

	"github.com/srirohitha/job-queue/internal/adapter/observability"
	"github.com/srirohitha/job-queue/internal/adapter/pipeline"
	"github.com/srirohitha/job-queue/internal/adapter/queue/redpanda"
	"github.com/srirohitha/job-queue/internal/adapter/repo/postgres"
	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// The worker exposes its own /metrics endpoint; it has no API port.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(rootCtx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	jobRepo.Retry = postgres.RetryPolicy{
		InitialInterval: cfg.StoreRetryInitialInterval,
		MaxInterval:     cfg.StoreRetryMaxInterval,
		MaxElapsed:      cfg.StoreRetryMaxElapsed,
	}
	triggerRepo := postgres.NewTriggerRepo(pool)

	// The worker's own producer serves the reconciler's re-enqueues.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaJobsTopic)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	eng := cfg.Engine()
	runner := usecase.NewRunner(jobRepo, pipeline.New(), eng)

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaJobsTopic, runner, cfg.WorkerConcurrency)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	reconciler := usecase.NewReconciler(jobRepo, producer, eng)
	reconciler.Observe = func(stats usecase.SweepStats, took time.Duration) {
		observability.SweepDuration.Observe(took.Seconds())
		observability.SweepRecoveredTotal.WithLabelValues("pending_timed_out").Add(float64(stats.PendingTimedOut))
		observability.SweepRecoveredTotal.WithLabelValues("throttled_released").Add(float64(stats.ThrottledReleased))
		observability.SweepRecoveredTotal.WithLabelValues("failed_rescheduled").Add(float64(stats.FailedRescheduled))
		observability.SweepRecoveredTotal.WithLabelValues("leases_recovered").Add(float64(stats.LeasesRecovered))
	}
	go reconciler.Run(rootCtx)

	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(jobRepo, triggerRepo, cfg.DataRetentionDays)
		cleanup.TriggerRetention = cfg.TriggerRetention
		go cleanup.RunPeriodic(rootCtx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	go func() {
		if err := consumer.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("topic", cfg.KafkaJobsTopic),
		slog.String("group", cfg.KafkaGroup))
	<-rootCtx.Done()
	slog.Info("worker stopped")
}
