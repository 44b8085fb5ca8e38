package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/engagehq/engage/api"
	"github.com/engagehq/engage/internal/auth"
	"github.com/engagehq/engage/internal/config"
	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/embedding"
	"github.com/engagehq/engage/internal/knowledge"
	"github.com/engagehq/engage/internal/mcp"
	"github.com/engagehq/engage/internal/ratelimit"
	"github.com/engagehq/engage/internal/replicator"
	"github.com/engagehq/engage/internal/server"
	"github.com/engagehq/engage/internal/session"
	"github.com/engagehq/engage/internal/storage"
	"github.com/engagehq/engage/internal/telemetry"
	"github.com/engagehq/engage/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ENGAGE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("engage starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager. Without key paths it generates an ephemeral dev
	// keypair; tokens won't survive a restart.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Initialize Qdrant indexes (optional — disabled if QDRANT_URL is empty).
	// Without them conflict and knowledge lookups run degraded: messages are
	// still recorded, verdicts stay pending, and the retry flags re-arm.
	var conflictSearcher conflictsearch.Searcher
	var knowledgeSearcher knowledge.Searcher
	var conflictIdx *conflictsearch.Index
	var knowledgeIdx *knowledge.Index
	if cfg.QdrantURL != "" {
		conflictIdx, err = conflictsearch.NewIndex(conflictsearch.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.ConflictCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant conflicts: %w", err)
		}
		defer func() { _ = conflictIdx.Close() }()
		if err := conflictIdx.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure conflict collection: %w", err)
		}

		knowledgeIdx, err = knowledge.NewIndex(knowledge.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.KnowledgeCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant knowledge: %w", err)
		}
		defer func() { _ = knowledgeIdx.Close() }()
		if err := knowledgeIdx.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure knowledge collection: %w", err)
		}

		conflictSearcher = conflictsearch.NewService(embedder, conflictIdx)
		knowledgeSearcher = knowledge.NewService(embedder, knowledgeIdx)
		logger.Info("qdrant: enabled",
			"conflicts", cfg.ConflictCollection, "knowledge", cfg.KnowledgeCollection)
	} else {
		logger.Warn("qdrant: disabled (no QDRANT_URL) — conflict and goal lookups degraded")
	}

	// Create the session engine (shared by HTTP and MCP handlers).
	engine := session.New(db, conflictSearcher, knowledgeSearcher, session.Config{
		ConflictLowThreshold:  cfg.ConflictLowThreshold,
		ConflictHighThreshold: cfg.ConflictHighThreshold,
		KnowledgeThreshold:    cfg.KnowledgeThreshold,
		LookupTimeout:         cfg.LookupTimeout,
		LookupRetries:         cfg.LookupRetries,
	}, logger)

	// Start the outbox worker and the periodic reconciler.
	worker := replicator.NewWorker(db, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	worker.Start(ctx)

	reconciler := replicator.NewReconciler(db, logger, cfg.ReconcileInterval)
	go reconciler.Run(ctx)

	// Create MCP server for the conversation layer.
	mcpSrv := mcp.New(engine, version, logger)

	// Create SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	limiter := ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			DB:                  db,
			Engine:              engine,
			ConflictIdx:         conflictIdx,
			KnowledgeIdx:        knowledgeIdx,
			Embedder:            embedder,
			Reconciler:          reconciler,
			Searcher:            conflictSearcher,
			Broker:              broker,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			OpenAPISpec:         api.OpenAPISpec,
		},
		JWTMgr:       jwtMgr,
		Limiter:      limiter,
		MCPServer:    mcpSrv.MCPServer(),
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight commands (they may still enqueue
	// outbox rows), (2) drain the outbox into the dashboard index.
	slog.Info("engage shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	worker.Drain(drainCtx)
	drainCancel()

	slog.Info("engage stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "noop", or "auto" (default). Auto mode tries
// Ollama if reachable, else noop. Ollama is preferred: intake conversations
// carry privileged facts that should not leave the premises for embedding.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (vector lookups disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (vector lookups disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
