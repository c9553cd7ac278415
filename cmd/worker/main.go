package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"photomesh/internal/config"
	"photomesh/internal/logging"
	"photomesh/internal/queue"
	"photomesh/internal/storage"
	"photomesh/internal/telemetry"
	"photomesh/internal/worker"
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger = logger.With(slog.String("worker_id", workerID))

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Error("init object storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient := queue.NewClient(cfg)
	q := queue.New(redisClient, cfg.Lanes)

	tool := worker.NewNerfstudioTool(logger)
	pipeline := worker.NewPipeline(cfg, objects, tool, q, workerID, logger)
	runner := worker.NewRunner(cfg, q, pipeline, os.Getenv("WORKER_LANE"), logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	if err := runner.Run(ctx); err != nil {
		logger.Info("worker stopped", slog.String("reason", err.Error()))
	}
}
