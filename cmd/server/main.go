// Command server starts the tenant-facing job queue API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/srirohitha/job-queue/internal/adapter/httpserver"
	"github.com/srirohitha/job-queue/internal/adapter/observability"
	"github.com/srirohitha/job-queue/internal/adapter/pipeline"
	"github.com/srirohitha/job-queue/internal/adapter/queue/redpanda"
	"github.com/srirohitha/job-queue/internal/adapter/repo/postgres"
	"github.com/srirohitha/job-queue/internal/app"
	"github.com/srirohitha/job-queue/internal/config"
	"github.com/srirohitha/job-queue/internal/domain"
	"github.com/srirohitha/job-queue/internal/service/ratelimiter"
	"github.com/srirohitha/job-queue/internal/usecase"
)

func main() {
	seedFlag := flag.Bool("seed", false, "create a demo tenant and sample jobs, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
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

	ctx := context.Background()
	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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
	tenantRepo := postgres.NewTenantRepo(pool)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaJobsTopic)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	presets, err := config.LoadPipelinePresets(cfg.PipelinePresetsPath)
	if err != nil {
		slog.Error("presets load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(presets) > 0 {
		slog.Info("pipeline presets loaded", slog.Int("count", len(presets)))
	}

	eng := cfg.Engine()
	jobsSvc := usecase.NewJobsService(jobRepo, triggerRepo, producer, eng)
	jobsSvc.Presets = presets
	dispatchSvc := usecase.NewDispatchService(jobRepo, pipeline.New(), eng)
	dispatchSvc.Observe = func(o domain.LeaseOutcome) {
		switch o {
		case domain.LeaseAccepted:
			observability.JobsLeasedTotal.Inc()
		case domain.LeaseThrottled:
			observability.JobsThrottledTotal.Inc()
		case domain.LeaseMovedToDLQ:
			observability.JobsDLQTotal.Inc()
		}
	}
	tenantsSvc := usecase.NewTenantsService(tenantRepo)

	if *seedFlag {
		if err := seedDemoData(ctx, tenantsSvc, jobsSvc); err != nil {
			slog.Error("seed failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	loginLimiter := ratelimiter.New(rdb, cfg.LoginRateLimitPerMin, time.Minute)
	checks := app.BuildReadinessChecks(map[string]app.Pinger{
		"postgres": pool,
		"redis":    app.RedisPinger(rdb),
		"kafka":    app.PingFunc(producer.Ping),
	})

	srv := httpserver.NewServer(cfg, jobsSvc, dispatchSvc, tenantsSvc, loginLimiter, checks)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
