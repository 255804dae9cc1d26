package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tessra/internal/cache"
	"tessra/internal/config"
	"tessra/internal/database/migrate"
	"tessra/internal/domain"
	"tessra/internal/handler"
	"tessra/internal/jobs"
	"tessra/internal/messaging"
	"tessra/internal/middleware"
	"tessra/internal/observability"
	"tessra/internal/ocr"
	"tessra/internal/repository/postgres"
	"tessra/internal/security"
	"tessra/internal/server"
	"tessra/internal/service"
	"tessra/internal/storage"
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting tessra server", slog.String("environment", cfg.Environment))

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
	slog.Info("connected to postgresql")

	if err := migrate.Run(db); err != nil {
		slog.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := cache.NewRedisStore(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	sessionRepo := mustRepo(postgres.NewSessionRepository(db))
	settingRepo := mustRepo(postgres.NewSettingRepository(db))
	uploadRepo := mustRepo(postgres.NewUploadRepository(db))
	jobRepo := mustRepo(postgres.NewJobRepository(db))

	s3cfg := cfg.S3()
	providers, err := storage.NewDefaultRegistry(ctx, cfg.Storage.LocalRoot, s3cfg)
	if err != nil {
		slog.Error("failed to configure storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessions := service.NewSessionManager(sessionRepo)
	credential := service.NewAdminCredential(cfg.AdminToken, cfg.AdminTokenHash)
	authService := service.NewAuthService(sessions, security.NewRateLimiter(store), credential)
	csrfStore := security.NewCSRFStore(store)
	settings := service.NewSettingsCache(settingRepo, store)

	queue := jobs.NewQueue(jobRepo, jobs.DefaultQueue)
	uploads := service.NewUploadService(uploadRepo, providers, settings, queue, service.UploadDefaults{
		StorageDriver: cfg.Storage.Driver,
		Visibility:    domain.Visibility(cfg.DefaultVisibility),
		OCREnabled:    cfg.OCR.Enabled,
	})

	var broker handler.BrokerStatus
	observers := []jobs.Observer{jobs.LogObserver{}}
	if cfg.RabbitMQURL != "" {
		rmqCtx, rmqCancel := context.WithTimeout(ctx, 60*time.Second)
		rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
		rmqCancel()
		if err != nil {
			slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
			os.Exit(1)
		}
		broker = rmq
		observers = append(observers, rmq)
		slog.Info("publishing job events", slog.String("exchange", messaging.JobEventsExchange))
	}

	var pool *jobs.Pool
	if cfg.Jobs.InProcess {
		pool = jobs.NewPool(queue, jobs.PoolConfig{
			Concurrency:  cfg.Jobs.Concurrency,
			PollInterval: cfg.Jobs.PollInterval,
			Lease:        cfg.Jobs.Lease,
			Timeout:      cfg.Jobs.Timeout,
		}, observers...)
		if cfg.OCR.Enabled {
			processor := ocr.NewProcessor(providers, cfg.Storage.Driver, ocr.NewTesseract(cfg.OCR.TesseractPath, cfg.OCR.Lang), uploadRepo)
			if err := pool.Register(ocr.JobName, processor.Process); err != nil {
				slog.Error("failed to register ocr processor", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}
		if err := pool.Start(ctx); err != nil {
			slog.Error("failed to start worker pool", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("worker pool started", slog.Int("concurrency", cfg.Jobs.Concurrency))
	}

	go sessions.StartCleanup(ctx, service.SessionCleanupInterval)
	slog.Info("session cleanup task started")

	router := server.NewRouter(server.Routes{
		AllowedOrigins: middleware.ParseOrigins(cfg.AllowedOrigins),
		TrustProxy:     cfg.TrustProxy,
		Gate: middleware.NewAuthGate(
			middleware.NewSessionStrategy(authService),
			middleware.NewBearerStrategy(credential),
		),
		CSRF:          csrfStore,
		LoginLimiter:  middleware.NewRateLimiter(ctx, "login_burst", 5, 10),
		PublicLimiter: middleware.NewRateLimiter(ctx, "public", 50, 100),
		Auth:          handler.NewAuthHandler(authService, csrfStore, cfg.IsProduction()),
		Settings: handler.NewSettingsHandler(settings, map[string]string{
			domain.SettingStorageDriver:     cfg.Storage.Driver,
			domain.SettingDefaultVisibility: cfg.DefaultVisibility,
			domain.SettingOCREnabled:        strconv.FormatBool(cfg.OCR.Enabled),
		}, s3cfg),
		Uploads: handler.NewUploadHandler(uploads, handler.DefaultMaxUploadBytes),
		Ready:   handler.Ready(db, store, broker),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("tessra server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	shutdownPool(shutdownCtx, pool, observers)
	cancel()

	slog.Info("server stopped gracefully")
}

// shutdownPool drains the pool, which closes the observers. Without a pool
// the observers are closed directly.
func shutdownPool(ctx context.Context, pool *jobs.Pool, observers []jobs.Observer) {
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			slog.Error("worker pool shutdown error", slog.String("error", err.Error()))
		}
		return
	}
	for _, o := range observers {
		if err := o.Close(); err != nil {
			slog.Error("observer close error", slog.String("error", err.Error()))
		}
	}
}

func mustRepo[T any](repo T, err error) T {
	if err != nil {
		slog.Error("failed to prepare repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return repo
}
