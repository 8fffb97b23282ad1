package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"task-claim-queue/internal/config"
	"task-claim-queue/internal/events"
	"task-claim-queue/internal/store"
	"task-claim-queue/internal/sweeper"
	"task-claim-queue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "sweeper")

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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	sw := sweeper.New(st, pub, cfg.HeartbeatWindow, cfg.ReclaimBudget, cfg.SweepBatchSize, logger)
	logger.Info("sweeper started",
		"heartbeat_window", cfg.HeartbeatWindow.String(),
		"reclaim_budget", cfg.ReclaimBudget,
		"interval", cfg.SweepInterval.String())
	if err := sw.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweeper stopped", "error", err)
		os.Exit(1)
	}
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
