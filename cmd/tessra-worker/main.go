package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tessra/internal/config"
	"tessra/internal/jobs"
	"tessra/internal/messaging"
	"tessra/internal/observability"
	"tessra/internal/ocr"
	"tessra/internal/repository/postgres"
	"tessra/internal/storage"
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting tessra worker", slog.Int("concurrency", cfg.Jobs.Concurrency))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := config.NewPostgresConnection(connCtx, cfg.DatabaseURL)
	connCancel()
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	jobRepo, err := postgres.NewJobRepository(db)
	if err != nil {
		slog.Error("failed to prepare job repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	uploadRepo, err := postgres.NewUploadRepository(db)
	if err != nil {
		slog.Error("failed to prepare upload repository", slog.String("error", err.Error()))
		os.Exit(1)
	}

	providers, err := storage.NewDefaultRegistry(ctx, cfg.Storage.LocalRoot, cfg.S3())
	if err != nil {
		slog.Error("failed to configure storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	observers := []jobs.Observer{jobs.LogObserver{}}
	if cfg.RabbitMQURL != "" {
		rmqCtx, rmqCancel := context.WithTimeout(ctx, 60*time.Second)
		rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
		rmqCancel()
		if err != nil {
			slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
			os.Exit(1)
		}
		observers = append(observers, rmq)
	}

	pool := jobs.NewPool(jobs.NewQueue(jobRepo, jobs.DefaultQueue), jobs.PoolConfig{
		Concurrency:  cfg.Jobs.Concurrency,
		PollInterval: cfg.Jobs.PollInterval,
		Lease:        cfg.Jobs.Lease,
		Timeout:      cfg.Jobs.Timeout,
	}, observers...)

	// The worker always serves OCR jobs; whether uploads enqueue them is
	// decided by the ocr_enabled setting on the server.
	processor := ocr.NewProcessor(providers, cfg.Storage.Driver, ocr.NewTesseract(cfg.OCR.TesseractPath, cfg.OCR.Lang), uploadRepo)
	if err := pool.Register(ocr.JobName, processor.Process); err != nil {
		slog.Error("failed to register ocr processor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := pool.Start(ctx); err != nil {
		slog.Error("failed to start worker pool", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Error("worker shutdown error", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
}
