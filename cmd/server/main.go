// researchd - Research Session Coordinator Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/crestonhq/researchd/internal/agent"
	"github.com/crestonhq/researchd/internal/api"
	"github.com/crestonhq/researchd/internal/config"
	"github.com/crestonhq/researchd/internal/docs"
	"github.com/crestonhq/researchd/internal/events"
	"github.com/crestonhq/researchd/internal/identity"
	"github.com/crestonhq/researchd/internal/ledger"
	"github.com/crestonhq/researchd/internal/middleware"
	"github.com/crestonhq/researchd/internal/runner"
	"github.com/crestonhq/researchd/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	pricing, err := ledger.LoadPricing(cfg.PricingPath)
	if err != nil {
		slog.Error("Failed to load pricing table", "error", err)
		os.Exit(1)
	}
	slog.Info("Pricing table loaded", "path", cfg.PricingPath)

	// Initialize services.
	agentClient := agent.NewHTTPClient(cfg.AgentURL, logger)
	adapter := agent.NewAdapter(agentClient, cfg.DefaultModel, cfg.AgentTimeout)
	extractor := docs.NewHTTPExtractor(cfg.ExtractorURL, logger)
	pipeline := docs.NewPipeline(extractor, agentClient, logger)
	broker := events.NewBroker()
	pool := runner.NewPool(cfg.WorkerCount, cfg.QueueSize)
	svc := runner.NewService(repo, adapter, pipeline, pricing, broker, pool, cfg.DefaultModel, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, svc)
	researchHandler := api.NewResearchHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := api.NewWebSocketHandler(repo, broker, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	researchHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/research/{id}", wsHandler.ServeHTTP)

	// Create server. WriteTimeout stays 0 so long-lived status streams are
	// never cut off mid-session.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start worker pool.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	slog.Info("Worker pool started", "workers", cfg.WorkerCount, "queue_size", cfg.QueueSize)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	pool.Wait()
	slog.Info("Server stopped successfully")
}
