package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"task-claim-queue/internal/api"
	"task-claim-queue/internal/claim"
	"task-claim-queue/internal/config"
	"task-claim-queue/internal/events"
	"task-claim-queue/internal/ratelimit"
	"task-claim-queue/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pub := events.NewPublisher(redisClient, cfg.EventStream, cfg.EventChannel)
	limiter := ratelimit.NewTokenBucket(redisClient, "claim", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	coord := claim.NewCoordinator(st, pub, cfg.ConcurrencyCap, logger)
	counter := claim.NewCounter(st, cfg.ConcurrencyCap, logger)

	server := api.New(cfg, st, coord, counter, limiter, pub, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "cap", cfg.ConcurrencyCap)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.TaskStore, error) {
	if cfg.StoreDriver == "sqlite" {
		return store.NewSQLite(cfg.SQLitePath)
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
