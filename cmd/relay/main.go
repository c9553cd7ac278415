package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"photomesh/internal/config"
	"photomesh/internal/credits"
	"photomesh/internal/logging"
	"photomesh/internal/pricing"
	"photomesh/internal/queue"
	"photomesh/internal/relay"
	"photomesh/internal/store"
	"photomesh/internal/telemetry"
	"photomesh/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env, os.Getenv("LOG_LEVEL"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient := queue.NewClient(cfg)
	q := queue.New(redisClient, cfg.Lanes)
	ledger := credits.New(st.Pool())
	model := pricing.NewModel(cfg)

	rel := relay.New(st, ledger, q, model, logger.With(slog.String("component", "relay")))
	dispatcher := webhook.NewDispatcher(cfg, st, q, logger.With(slog.String("component", "webhook")))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher stopped", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if err := rel.Run(ctx); err != nil {
		logger.Info("relay stopped", slog.String("reason", err.Error()))
	}
}
