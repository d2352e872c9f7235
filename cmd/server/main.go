package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"datadesk.io/query-orchestrator/internal/api"
	"datadesk.io/query-orchestrator/internal/auth"
	"datadesk.io/query-orchestrator/internal/config"
	"datadesk.io/query-orchestrator/internal/core"
	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	dotenv, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	if !dotenv {
		logger.Info("No .env file found, relying on environment variables")
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbStore.Close()

	catalog := platform.MustDefaultCatalog().WithPriority(cfg.PlatformPriority)

	connections, err := loadConnections(cfg.ConnectionsFile, logger)
	if err != nil {
		logger.Fatal("Failed to load connections", zap.String("path", cfg.ConnectionsFile), zap.Error(err))
	}
	registry := connections.BuildRegistry(cfg.FetchTimeout, cfg.PlatformTimeouts, &http.Client{})
	logger.Info("Adapters registered", zap.Any("platforms", registry.Registered()))

	// Initialize LLM service; without a key every stage runs its deterministic strategy
	var llm core.TextGenerator
	llmService, err := core.NewLLMService(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	switch {
	case errors.Is(err, core.ErrLLMUnavailable):
		logger.Warn("GEMINI_API_KEY not set, language model stages disabled")
	case err != nil:
		logger.Fatal("Failed to initialize LLM service", zap.Error(err))
	default:
		defer llmService.Close()
		llm = llmService
	}

	kb, err := core.DefaultKnowledgeBase()
	if err != nil {
		logger.Fatal("Failed to load knowledge base", zap.Error(err))
	}
	knowledge := core.NewKnowledgeService(kb, logger)

	stages := core.Stages{
		Intent:  core.NewIntentService(catalog, dbStore, llm, cfg.ClassifierMinScore, logger),
		Planner: core.NewPlannerService(catalog, llm, time.Now, logger),
		Fetch:   core.NewFetchService(catalog, registry, cfg.FetchItemCap, cfg.FetchPageSize, logger),
		Chart:   core.NewChartService(),
		Summary: core.NewSummaryService(knowledge, llm, cfg.SummaryMaxDataChars, logger),
	}
	conns := platform.StaticConnections(connections.Users)
	pipeline := core.NewPipelineService(stages, conns, dbStore, cfg.HistoryCap, logger)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(api.Services{
		Pipeline:    pipeline,
		Suggestions: core.NewSuggestionService(dbStore, dbStore, logger).WithExamples(knowledge.Examples()),
		Queries:     dbStore,
		Catalog:     catalog,
		Connections: conns,
		Issuer:      auth.NewIssuer(cfg.JWTSecret, auth.DefaultTokenTTL),
		Logger:      logger,
	})
	router := api.NewRouter(apiHandler)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !allowsAnyOrigin(cfg.CORSOrigins),
	})

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // streams stay open for the whole pipeline run
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// In-flight streams get time to reach their result line.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting gracefully")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// loadConnections reads the connections file. A missing file starts the server
// with no adapters and no connected users.
func loadConnections(path string, logger *zap.Logger) (*platform.ConnectionsFile, error) {
	f, err := platform.LoadConnectionsFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Connections file not found, no platforms are connected", zap.String("path", path))
		return &platform.ConnectionsFile{}, nil
	}
	return f, err
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
