// Command worker consumes sheet sync tasks from Kafka and runs the
// crawler against the Google Sheets API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sellsight/sellsight/internal/adapter/cache/rediscache"
	"github.com/sellsight/sellsight/internal/adapter/notifier/redisnotify"
	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/adapter/queue/kafka"
	mongorepo "github.com/sellsight/sellsight/internal/adapter/repo/mongo"
	"github.com/sellsight/sellsight/internal/adapter/sheets/gsheets"
	"github.com/sellsight/sellsight/internal/config"
	"github.com/sellsight/sellsight/internal/ratelimit"
	"github.com/sellsight/sellsight/internal/usecase/crawler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker has no API surface, so metrics get their own listener.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, closeMongo, err := mongorepo.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		slog.Error("mongo connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = closeMongo(context.Background()) }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	limiter := ratelimit.NewLimiter(cfg.RateLimitSafetyFactor)
	fetcher, err := gsheets.New(ctx, cfg.GoogleServiceAccountJSON, cfg.GoogleServiceAccountEmail, limiter)
	if err != nil {
		slog.Error("sheets client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.SyncTopic)
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.SyncTopic)
	if err != nil {
		slog.Error("kafka consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	queue := kafka.NewQueue(producer, consumer)
	defer queue.Close()

	connRepo := mongorepo.NewConnectionRepo(db)
	stateRepo := mongorepo.NewSyncStateRepo(db)
	rowRepo := mongorepo.NewSheetRowRepo(db)

	cache := rediscache.New(rdb)

	// The worker only writes events; fan-out to SSE clients happens in the
	// server processes subscribed to the same Redis.
	notifier := redisnotify.NewPublisher(rdb)

	svc := crawler.NewService(connRepo, stateRepo, rowRepo, fetcher, cache, notifier)
	worker := crawler.NewWorker(queue, svc, stateRepo, notifier)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting", slog.String("env", cfg.AppEnv), slog.String("topic", cfg.SyncTopic))
		errCh <- worker.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker stopped with error", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
