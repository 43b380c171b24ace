// ADK Chat UI - browser front end and relay for an ADK agent server
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

	"github.com/ashureev/adk-chat-ui/internal/agent"
	"github.com/ashureev/adk-chat-ui/internal/api"
	"github.com/ashureev/adk-chat-ui/internal/config"
	"github.com/ashureev/adk-chat-ui/internal/logging"
	"github.com/ashureev/adk-chat-ui/internal/middleware"
	"github.com/ashureev/adk-chat-ui/internal/session"
	"github.com/ashureev/adk-chat-ui/internal/store"
	"github.com/ashureev/adk-chat-ui/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			slog.Error("Failed to close log file", "error", closeErr)
		}
	}()
	slog.SetDefault(logger)

	slog.Info("Starting server", "addr", cfg.Addr(), "api_base", cfg.APIBase, "debug", cfg.Debug)

	// Optional transcript log.
	var transcript store.Transcript = store.Noop{}
	var transcriptCheck api.Pinger
	if cfg.TranscriptEnabled() {
		sqliteStore, err := store.NewSQLite(cfg.Transcript.DBPath, cfg.Transcript.QueueSize, logger)
		if err != nil {
			slog.Error("Failed to initialize transcript database", "error", err)
			os.Exit(1)
		}
		if err := sqliteStore.Ping(context.Background()); err != nil {
			slog.Error("Transcript database health check failed", "error", err)
			os.Exit(1)
		}
		transcript = sqliteStore
		transcriptCheck = sqliteStore
		slog.Info("Transcript log enabled", "db_path", cfg.Transcript.DBPath)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcript log", "error", closeErr)
		}
	}()

	// Initialize services.
	cache := session.NewCache(session.WithRecorder(transcript))
	client := agent.NewClient(agent.DefaultClientConfig(cfg.APIBase), logger)
	svc := agent.NewService(client, cache, logger)

	// Initialize handlers.
	chatHandler := agent.NewHandler(svc, cfg.MaxRequestBodySize, logger)
	healthHandler := api.NewHealthHandler(5*time.Second, map[string]api.Pinger{
		"upstream":   client,
		"transcript": transcriptCheck,
	})

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(middleware.Recover(logger))
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// Serve the embedded chat page.
	r.Handle("/*", web.Handler())

	// SSE replies can run for minutes, so writes are not bounded.
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
