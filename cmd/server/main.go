// server is the EMR query engine binary. It wires the ingestion, retrieval,
// and generation pipelines behind an HTTP API.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"emr-query-engine/internal/api"
	"emr-query-engine/internal/audit"
	"emr-query-engine/internal/cache"
	"emr-query-engine/internal/chunking"
	"emr-query-engine/internal/confidence"
	"emr-query-engine/internal/config"
	"emr-query-engine/internal/conversation"
	"emr-query-engine/internal/embeddings"
	"emr-query-engine/internal/generation"
	"emr-query-engine/internal/ingest"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/orchestrator"
	"emr-query-engine/internal/query"
	"emr-query-engine/internal/ratelimit"
	"emr-query-engine/internal/retrieval"
	"emr-query-engine/internal/storage"
	"emr-query-engine/internal/temporal"
	"emr-query-engine/internal/validation"
	"emr-query-engine/internal/vectorstore"
)

const (
	sessionCleanupInterval = 5 * time.Minute
	shutdownTimeout        = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level)).WithComponent("server")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited with error", "error", err.Error())
		cancel()
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	health := make(map[string]api.HealthChecker)

	embedder := buildEmbedder(cfg, logger)
	health["embeddings"] = embedder

	store := buildVectorStore(ctx, cfg, logger)
	defer func() { _ = store.Close() }()
	health["vector_store"] = store

	catalog := storage.NewMemoryCatalog()

	retrievalCache := cache.NewRetrievalCache(&cache.RetrievalCacheConfig{
		TTL:             time.Duration(cfg.Cache.RetrievalTTLSeconds) * time.Second,
		CleanupInterval: time.Minute,
	})
	defer retrievalCache.Close()

	retriever := retrieval.NewParallelRetriever(
		retrieval.NewIntegratedRetriever(catalog, store, embedder, retrievalCache, &cfg.Retrieval, logger),
		cfg.Retrieval.MaxParallel,
		logger,
	)

	understander := query.NewAgent(temporal.NewParser(), logger)

	llm, err := generation.NewClient(&cfg.Generator)
	if err != nil {
		return fmt.Errorf("failed to create generator client: %w", err)
	}
	prompts := generation.NewPromptBuilder(&cfg.Generator)
	generator := generation.NewAgent(generation.NewTwoPassGenerator(llm, prompts, logger), prompts, logger)

	var evaluations storage.EvaluationStore
	var metrics confidence.MetricStore
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer func() { _ = pg.Close() }()
		evaluations = pg
		metrics = pg
		health["postgres"] = pg
	} else {
		logger.Warn("POSTGRES_DSN not set, evaluations and confidence metrics are kept in memory")
		mem := storage.NewMemoryEvaluationStore()
		evaluations = mem
		metrics = mem
	}

	calibrator := confidence.NewCalibrator(metrics, logger)

	sessions := conversation.NewManager(&cfg.Session, logger)
	go sessionJanitor(ctx, sessions)

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(cfg.Audit.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to create audit logger: %w", err)
		}
		defer auditLogger.Stop()
	}

	pipeline := orchestrator.New(
		understander,
		sessions,
		retriever,
		generator,
		calibrator,
		auditLogger,
		cfg.Pipeline.Timeout(),
		logger,
	)

	ingestor := ingest.NewIngestor(
		validation.NewValidator(),
		chunking.NewChunker(nil),
		embedder,
		store,
		catalog,
		logger,
	)

	router := api.NewRouter(
		pipeline,
		sessions,
		evaluations,
		ingestor,
		buildLimiter(cfg, logger),
		health,
		logger,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			"addr", server.Addr,
			"generator_backend", cfg.Generator.Backend(),
			"embedding_model", embedder.Model(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// buildEmbedder returns the OpenAI embedding service when a key is present,
// otherwise the deterministic mock used for local development. Either way the
// service is wrapped with the LRU cache.
func buildEmbedder(cfg *config.Config, logger logging.Logger) embeddings.Service {
	var inner embeddings.Service
	if cfg.Generator.OpenAIAPIKey != "" {
		svc, err := embeddings.NewOpenAIService(cfg.Generator.OpenAIAPIKey, &cfg.Embedding)
		if err != nil {
			log.Fatalf("Failed to create embedding service: %v", err)
		}
		inner = svc
	} else {
		logger.Warn("OPENAI_API_KEY not set, using mock embeddings")
		inner = embeddings.NewMockService(cfg.Embedding.Dimensions)
	}

	return embeddings.NewCachedService(inner, cache.NewEmbeddingCache(&cache.EmbeddingCacheConfig{
		MaxEntries: cfg.Cache.EmbeddingMaxEntries,
		TTL:        time.Duration(cfg.Cache.EmbeddingTTLHours) * time.Hour,
	}))
}

// buildVectorStore connects to Qdrant, falling back to the in-memory store
// when the index is unreachable so local development works without
// infrastructure.
func buildVectorStore(ctx context.Context, cfg *config.Config, logger logging.Logger) vectorstore.Store {
	qs := vectorstore.NewQdrantStore(&cfg.Qdrant, cfg.Embedding.Dimensions)
	if err := qs.Initialize(ctx); err != nil {
		logger.Warn("Qdrant unavailable, falling back to in-memory vector store",
			"host", cfg.Qdrant.Host,
			"error", err.Error(),
		)
		return vectorstore.NewMemoryStore()
	}
	return qs
}

// buildLimiter uses Redis when configured so the window is shared across
// replicas, otherwise the single-process in-memory limiter.
func buildLimiter(cfg *config.Config, logger logging.Logger) ratelimit.Limiter {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewMemoryLimiter(&cfg.RateLimit)
	}
	logger.Info("Using Redis rate limiter", "addr", cfg.Redis.Addr)
	return ratelimit.NewRedisLimiter(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), &cfg.RateLimit)
}

func sessionJanitor(ctx context.Context, sessions *conversation.Manager) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.CleanupExpiredSessions()
		}
	}
}
