package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"imageforge/internal/cancellation"
	"imageforge/internal/config"
	"imageforge/internal/engineadapter"
	"imageforge/internal/httpapi"
	"imageforge/internal/logx"
	"imageforge/internal/objectstore"
	"imageforge/internal/queue"
	"imageforge/internal/query"
	"imageforge/internal/store"
	"imageforge/internal/streaming"
	"imageforge/internal/submission"
	"imageforge/internal/worker"
)

func main() {
	log.Logger = log.Output(zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger())

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}

	st := store.New(rdb, cfg.KeyPrefix)
	q := queue.New(rdb, cfg.KeyPrefix)

	engine := engineadapter.NewClient(cfg.EngineBaseURL, cfg.EngineToken, cfg.EngineTimeout)

	objects, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		ForcePathStyle:  cfg.S3ForcePathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init object store")
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure bucket")
	}

	services := &httpapi.Services{
		Store:        st,
		Queue:        q,
		Engine:       engine,
		Objects:      objects,
		Submission:   submission.New(st, q),
		Cancellation: cancellation.New(st),
		Query:        query.New(st),
		Streaming:    streaming.New(st),
	}

	runtime := worker.New(st, q, engine, objects, cfg)
	go runtime.Run(ctx)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpapi.New(services, cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoint holds connections open
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
