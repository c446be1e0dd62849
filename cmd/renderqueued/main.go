package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"render-queue/internal/api"
	"render-queue/internal/artifact"
	"render-queue/internal/config"
	"render-queue/internal/conn"
	"render-queue/internal/engine"
	"render-queue/internal/logging"
	"render-queue/internal/ratelimit"
	"render-queue/internal/session"
	"render-queue/internal/store"
	"render-queue/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var (
		queueStore   store.QueueStore
		profileStore store.ProfileStore
	)
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		queueStore = store.NewRedisQueueStore(client)
		profileStore = store.NewRedisProfileStore(client)
	case config.BackendPostgres:
		pg, err := store.NewPGStore(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer pg.Close()
		queueStore = pg.QueueStore()
		profileStore = pg.ProfileStore()
	default:
		qs, err := store.NewFileQueueStore(cfg.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("open queue store")
		}
		ps, err := store.NewFileProfileStore(cfg.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("open profile store")
		}
		queueStore, profileStore = qs, ps
	}

	var sink artifact.Sink
	if cfg.ArtifactS3Bucket != "" {
		s3Sink, err := artifact.NewS3Sink(ctx, artifact.S3Options{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init s3 artifact sink")
		}
		sink = s3Sink
	} else {
		dirSink, err := artifact.NewDirSink(cfg.ArtifactDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("init artifact dir")
		}
		sink = dirSink
	}

	dialer := session.NewHTTPDialer(cfg.ProbeTimeout)
	manager := conn.NewManager(ctx, dialer, profileStore, logger)

	queue := engine.New(ctx, engine.Options{
		Store:                 queueStore,
		Sessions:              manager,
		Artifacts:             sink,
		Logger:                logger,
		ProgressFlushInterval: cfg.ProgressFlushInterval,
		CancelWait:            cfg.CancelWait,
		GenerateIdleTimeout:   cfg.GenerateIdleTimeout,
		PreviewMaxEdge:        cfg.PreviewMaxEdge,
	})
	manager.Subscribe(func(conn.Snapshot) { queue.Kick() })
	go func() {
		if err := queue.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("queue loop stopped")
		}
	}()

	manager.ConnectToDefault(ctx)

	var limiter *ratelimit.SubmitLimiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.New(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	server := api.New(queue, manager, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Str("backend", cfg.StoreBackend).Msg("render queue daemon listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	manager.Disconnect()
}
