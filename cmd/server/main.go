// SHSH Proctor - assessment focus monitoring server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-proctor/internal/api"
	"github.com/ashureev/shsh-proctor/internal/audit"
	"github.com/ashureev/shsh-proctor/internal/config"
	"github.com/ashureev/shsh-proctor/internal/identity"
	"github.com/ashureev/shsh-proctor/internal/middleware"
	"github.com/ashureev/shsh-proctor/internal/relay"
	"github.com/ashureev/shsh-proctor/internal/store"
	"github.com/ashureev/shsh-proctor/internal/sweeper"
	"github.com/ashureev/shsh-proctor/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"max_violations", cfg.MaxViolations,
		"terminate_on_threshold", cfg.TerminateOnThreshold,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	auditLog, err := audit.New(audit.Config{
		Enabled:   cfg.AuditLog.Enabled,
		Dir:       cfg.AuditLog.Dir,
		QueueSize: cfg.AuditLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit log", "error", closeErr)
		}
	}()

	// Initialize services.
	sm := relay.NewSessionManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, sm, cfg.Policy, auditLog)
	healthHandler := api.NewHealthHandler(repo)
	attemptHandler := api.NewAttemptHandler(baseHandler, cfg.AttemptDuration)
	wsHandler := relay.NewHandler(repo, sm, relay.Options{
		AllowedOrigin:        cfg.FrontendURL,
		IsDev:                cfg.IsDevelopment(),
		Shortcuts:            cfg.Policy.Shortcuts(),
		TerminateOnThreshold: cfg.TerminateOnThreshold,
		SignalRate:           cfg.SignalRate,
		SignalBurst:          cfg.SignalBurst,
		Audit:                auditLog,
		Logger:               logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	attemptHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/proctor", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Proctoring sockets are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeperDone := sweeper.New(repo, sm, auditLog, cfg.SweepInterval).Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked sockets are not tracked by Shutdown.
	if n := sm.CloseAll("server shutting down"); n > 0 {
		slog.Info("Closed proctoring connections", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-sweeperDone

	slog.Info("Server stopped successfully")
}
