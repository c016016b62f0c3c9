package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coachsync/internal/alerting"
	"coachsync/internal/backfill"
	"coachsync/internal/config"
	"coachsync/internal/database"
	"coachsync/internal/dedup"
	"coachsync/internal/handlers"
	"coachsync/internal/ingest"
	"coachsync/internal/metrics"
	"coachsync/internal/middleware"
	"coachsync/internal/provider"
	"coachsync/internal/tokens"
	"coachsync/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Set up logger
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting coachsync server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"log_level", cfg.LogLevel)

	// Set up error tracking
	alertCfg := alerting.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  "coachsync",
	}
	if err := alerting.Init(alertCfg, logger); err != nil {
		logger.Warn("Failed to initialize error tracking", "error", err)
	}
	defer alerting.Flush(2 * time.Second)

	// Open database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Init(); err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		os.Exit(1)
	}

	logger.Info("Database opened successfully")

	// Create provider clients
	ingestClients := make(map[string]ingest.ProviderAPI, len(cfg.Providers))
	refreshClients := make(map[string]tokens.RefreshClient, len(cfg.Providers))
	backfillClients := make(map[string]backfill.Requester, len(cfg.Providers))
	tiers := make(map[string]int, len(cfg.Providers))

	for name, pc := range cfg.Providers {
		client := provider.NewClient(pc, logger)
		ingestClients[name] = client
		refreshClients[name] = client
		backfillClients[name] = client
		tiers[name] = pc.Tier
		logger.Info("Configured provider", "provider", name, "tier", pc.Tier)
	}

	// Core components
	tokenManager := tokens.NewManager(db, refreshClients, logger)
	engine := ingest.NewEngine(db, ingestClients, tokenManager, logger)
	orchestrator := backfill.NewOrchestrator(db, backfillClients, tokenManager, logger)
	deduplicator := dedup.New(db, tiers, logger)

	// Handlers
	webhookHandler := handlers.NewWebhookHandler(engine, cfg)
	internalHandler := handlers.NewInternalHandler(engine, orchestrator, deduplicator, cfg)
	healthHandler := handlers.NewHealthHandler(db)

	// Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(db, cfg.RateLimitPerMinute))
		r.Use(middleware.Metrics(metrics.EndpointWebhook))
		r.Get("/webhook/{provider}", webhookHandler.HandleVerification)
		r.Post("/webhook/{provider}", webhookHandler.HandleEvent)
	})

	r.With(middleware.Metrics(metrics.EndpointSync)).
		Post("/api/sync/{userID}", internalHandler.HandleSync)
	r.With(middleware.Metrics(metrics.EndpointBackfill)).
		Post("/api/backfill/{userID}", internalHandler.HandleBackfill)
	r.With(middleware.Metrics(metrics.EndpointDuplicates)).
		Get("/api/duplicates/{userID}", internalHandler.HandleDuplicates)
	r.With(middleware.Metrics(metrics.EndpointMerge)).
		Post("/api/duplicates/{userID}/merge", internalHandler.HandleMerge)

	r.With(middleware.Metrics(metrics.EndpointHealth)).
		Get("/health", healthHandler.HandleHealth)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start reprocessing worker in background
	workerInstance := worker.NewWorker(db, engine)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("Starting reprocessing worker")
		if err := workerInstance.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Reprocessing worker failed", "error", err)
		}
	}()

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start HTTP server in background
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	// Stop worker
	workerCancel()

	// Shutdown HTTP servers with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}
