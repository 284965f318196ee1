// Command server starts the sellsight HTTP API server.
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

	"github.com/sellsight/sellsight/internal/adapter/ai/openai"
	"github.com/sellsight/sellsight/internal/adapter/cache/rediscache"
	"github.com/sellsight/sellsight/internal/adapter/httpserver"
	"github.com/sellsight/sellsight/internal/adapter/notifier/redisnotify"
	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/adapter/queue/kafka"
	mongorepo "github.com/sellsight/sellsight/internal/adapter/repo/mongo"
	"github.com/sellsight/sellsight/internal/adapter/sheets/gsheets"
	"github.com/sellsight/sellsight/internal/app"
	"github.com/sellsight/sellsight/internal/config"
	"github.com/sellsight/sellsight/internal/ratelimit"
	"github.com/sellsight/sellsight/internal/usecase/analytics"
	"github.com/sellsight/sellsight/internal/usecase/chat"
	"github.com/sellsight/sellsight/internal/usecase/conversation"
	"github.com/sellsight/sellsight/internal/usecase/crawler"
	"github.com/sellsight/sellsight/internal/usecase/dataquery"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: Mongo
	db, closeMongo, err := mongorepo.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		slog.Error("mongo connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = closeMongo(context.Background()) }()
	if err := mongorepo.EnsureIndexes(ctx, db); err != nil {
		slog.Error("mongo index setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Infra: Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Infra: Kafka. The server only produces; lag probes for readiness go
	// through the producer's admin client.
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.SyncTopic)
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Repositories
	connRepo := mongorepo.NewConnectionRepo(db)
	stateRepo := mongorepo.NewSyncStateRepo(db)
	rowRepo := mongorepo.NewSheetRowRepo(db)
	convRepo := mongorepo.NewConversationRepo(db)
	msgRepo := mongorepo.NewMessageRepo(db)

	cache := rediscache.New(rdb)

	// Event hub: emits go through Redis pub/sub and fan out to the SSE
	// clients registered on this instance.
	hub := redisnotify.NewHub(rdb)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("event hub stopped", slog.Any("error", err))
		}
	}()

	// Sheets client: the server uses it for previews only, but it shares
	// the same quota as the workers so it gets the same limiter.
	limiter := ratelimit.NewLimiter(cfg.RateLimitSafetyFactor)
	fetcher, err := gsheets.New(ctx, cfg.GoogleServiceAccountJSON, cfg.GoogleServiceAccountEmail, limiter)
	if err != nil {
		slog.Error("sheets client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	model := openai.New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.ChatModel)

	// Usecases
	analyticsSvc := analytics.NewService(connRepo, rowRepo, cache)
	crawlerSvc := crawler.NewService(connRepo, stateRepo, rowRepo, fetcher, cache, hub)
	convSvc := conversation.NewService(convRepo, msgRepo)
	tools := dataquery.New(connRepo, rowRepo)
	chatWf := chat.New(convSvc, connRepo, tools, model, hub, cfg.ChatModelTimeout)

	srv := httpserver.NewServer(cfg, analyticsSvc, crawlerSvc, convSvc, chatWf, producer, connRepo, stateRepo, hub)
	handler := app.BuildRouter(cfg, srv)

	// WriteTimeout stays off: /v1/events holds an SSE stream open for the
	// life of the client, and chat streaming outlives any fixed write
	// deadline. Non-streaming routes are bounded by router middleware.
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancel()
}
