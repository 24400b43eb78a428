package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	fghttp "github.com/freightgate/freightgate/internal/adapter/http"
	fgnats "github.com/freightgate/freightgate/internal/adapter/nats"
	"github.com/freightgate/freightgate/internal/adapter/otel"
	"github.com/freightgate/freightgate/internal/adapter/postgres"
	"github.com/freightgate/freightgate/internal/adapter/ristretto"
	"github.com/freightgate/freightgate/internal/adapter/ws"
	"github.com/freightgate/freightgate/internal/config"
	"github.com/freightgate/freightgate/internal/logger"
	"github.com/freightgate/freightgate/internal/middleware"
	"github.com/freightgate/freightgate/internal/port/messagequeue"
	"github.com/freightgate/freightgate/internal/resilience"
	"github.com/freightgate/freightgate/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_url", cfg.NATS.URL,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	queue, err := fgnats.Connect(ctx, cfg.NATS, breaker)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	taskCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer taskCache.Close()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	authSvc := service.NewAuthService(store, &cfg.Auth)
	taskSvc := service.NewTaskService(store, taskCache, cfg.Cache.TTL)
	dispatchSvc := service.NewDispatchService(store, queue, hub, taskCache, metrics)
	hub.Bind(dispatchSvc)

	cancelResults, err := dispatchSvc.StartResultSubscriber(ctx)
	if err != nil {
		return fmt.Errorf("result subscriber: %w", err)
	}
	defer cancelResults()

	// --- HTTP ---

	handlers := &fghttp.Handlers{
		Dispatch: dispatchSvc,
		Tasks:    taskSvc,
		Auth:     authSvc,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()

	r.Use(fghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(fghttp.SecurityHeaders)
	r.Use(fghttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(limiter.Handler)
	r.Use(middleware.Auth(authSvc))

	r.Get("/health", healthHandler(queue))
	r.Get("/ws", hub.HandleWS)

	fghttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	if err := queue.Drain(); err != nil {
		slog.Warn("queue drain failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports gateway liveness and broker connectivity.
func healthHandler(queue messagequeue.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status        string    `json:"status"`
		Timestamp     time.Time `json:"timestamp"`
		NATSConnected bool      `json:"nats_connected"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:        "ok",
			Timestamp:     time.Now().UTC(),
			NATSConnected: queue.IsConnected(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
