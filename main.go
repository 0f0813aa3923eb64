package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maestro-rag/maestro/internal/answercache"
	"github.com/maestro-rag/maestro/internal/bandit"
	"github.com/maestro-rag/maestro/internal/circuitbreaker"
	"github.com/maestro-rag/maestro/internal/config"
	"github.com/maestro-rag/maestro/internal/embeddings"
	"github.com/maestro-rag/maestro/internal/graph"
	"github.com/maestro-rag/maestro/internal/httpapi"
	"github.com/maestro-rag/maestro/internal/keyword"
	"github.com/maestro-rag/maestro/internal/llm"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/registry"
	"github.com/maestro-rag/maestro/internal/rerank"
	"github.com/maestro-rag/maestro/internal/retrieval"
	"github.com/maestro-rag/maestro/internal/router"
	"github.com/maestro-rag/maestro/internal/seeding"
	"github.com/maestro-rag/maestro/internal/statestore"
	"github.com/maestro-rag/maestro/internal/strategy"
	"github.com/maestro-rag/maestro/internal/streaming"
	"github.com/maestro-rag/maestro/internal/tracing"
	"github.com/maestro-rag/maestro/internal/vectordb"
	"go.uber.org/zap"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	mgr, err := config.NewManager(logger)
	if err != nil {
		logger.Fatal("Configuration load failed", zap.Error(err))
	}
	defer mgr.Close()
	cfg := mgr.Current()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "maestro",
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection()

	// Outbound clients.
	var vcache embeddings.VectorCache
	if cfg.Endpoints.RedisAddr != "" {
		rc, err := embeddings.NewRedisCache(cfg.Endpoints.RedisAddr, logger)
		if err != nil {
			logger.Warn("Redis vector cache unavailable, using local LRU only", zap.Error(err))
		} else {
			vcache = rc
		}
	}
	emb := embeddings.NewClient(embeddings.Config{
		BaseURL:       cfg.Endpoints.EmbeddingURL,
		PrimaryModel:  cfg.Endpoints.EmbeddingModel,
		FallbackModel: cfg.Endpoints.FallbackModel,
	}, vcache, logger)

	vectors := vectordb.NewClient(vectordb.Config{
		Host:       cfg.Endpoints.VectorDBHost,
		Port:       cfg.Endpoints.VectorDBPort,
		Collection: cfg.Endpoints.Collection,
		TopK:       cfg.Retrieval.TopK,
	}, logger)

	keywords, err := keyword.Open(filepath.Join(cfg.Endpoints.CacheDir, "keyword.bleve"), logger)
	if err != nil {
		logger.Fatal("Keyword index open failed", zap.Error(err))
	}
	defer keywords.Close()

	reranker := rerank.NewClient(rerank.Config{BaseURL: cfg.Endpoints.RerankURL}, logger)

	chat := llm.NewClient(llm.Config{
		BaseURL: cfg.Endpoints.LLMURL,
		APIKey:  cfg.Endpoints.LLMAPIKey,
		Model:   cfg.Endpoints.LLMModel,
	}, logger)

	// Retrieval pipeline.
	hybrid := retrieval.NewHybrid(retrieval.HybridConfig{
		Alpha:         cfg.Retrieval.HybridAlpha,
		BM25TopK:      cfg.Retrieval.BM25TopK,
		FusionMode:    retrieval.FusionMode(cfg.Retrieval.FusionMode),
		RerankEnabled: true,
	}, emb, vectors, keywords, reranker, logger)

	fallback := retrieval.NewFileFallback(retrieval.FileFallbackConfig{
		Enabled:       cfg.FileFallback.Enabled,
		Threshold:     cfg.FileFallback.ConfidenceThreshold,
		CorpusRoot:    cfg.FileFallback.CorpusRoot,
		WindowTokens:  cfg.FileFallback.ChunkSize,
		OverlapTokens: cfg.FileFallback.ChunkOverlap,
		TokenizerMode: "tiktoken",
		RerankEnabled: true,
	}, emb, reranker, logger)

	// Strategies.
	gen := strategy.NewGenerator(chat, logger)
	entityGraph := graph.New()
	builder := graph.NewBuilder(entityGraph, chat, hybrid, graph.BuilderConfig{
		MaxChunks:   cfg.GraphJIT.MaxChunks,
		BatchSize:   cfg.GraphJIT.BatchSize,
		Parallelism: cfg.GraphJIT.Parallelism,
		Timeout:     cfg.GraphJITTimeout(),
		MaxHops:     cfg.GraphJIT.MaxHops,
	}, logger)

	topK := cfg.Retrieval.TopK
	strategies := map[string]strategy.Strategy{
		bandit.ArmHybrid: strategy.NewHybridStrategy(hybrid, fallback, gen, topK, logger),
		bandit.ArmGraph:  strategy.NewGraphStrategy(hybrid, builder, gen, topK, logger),
		bandit.ArmTable:  strategy.NewTableStrategy(hybrid, gen, chat, topK, logger),
	}
	if cfg.SelfRAG.Enabled {
		strategies[bandit.ArmIterative] = strategy.NewIterativeStrategy(hybrid, gen, chat, strategy.IterativeConfig{
			ConfidenceThreshold: cfg.SelfRAG.ConfidenceThreshold,
			MaxIterations:       cfg.SelfRAG.MaxIterations,
			MinImprovement:      cfg.SelfRAG.MinImprovement,
		}, topK, logger)
	}

	// Bandit state: runtime file, then pre-warmed default, then uniform.
	store := statestore.New(cfg.Bandit.StateFile, cfg.Bandit.DefaultStateFile, logger)
	initial, source := store.Load()
	logger.Info("Bandit state loaded", zap.String("source", string(source)))
	sampler := bandit.New(initial, logger,
		bandit.WithExplorationBonus(cfg.Bandit.ExplorationBonus),
		bandit.WithPersister(store))

	cache := answercache.New(answercache.Config{
		Enabled:             cfg.Cache.Enabled,
		Capacity:            cfg.Cache.MaxSize,
		TTL:                 cfg.CacheTTL(),
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
	}, emb, logger)

	bus := streaming.NewBus(256)
	rt := router.New(router.Config{
		BanditEnabled:   cfg.Bandit.Enabled,
		LatencyBudgetMs: int64(cfg.Bandit.LatencyBudgetMs),
		RequestTimeout:  cfg.RequestTimeout(),
		DefaultTopK:     topK,
	}, strategies, sampler, cache, registry.New(1000), bus, logger)

	// Corpus seeding runs in the background; /seed-status reports it.
	tracker := seeding.NewTracker()
	seeder := seeding.New(seeding.Config{
		CorpusRoot: cfg.FileFallback.CorpusRoot,
		Scope:      string(rag.ScopeSystem),
	}, tracker, keywords, emb, upsertAdapter{vectors}, logger)
	go func() {
		if err := seeder.Run(context.Background()); err != nil {
			logger.Error("Corpus seeding failed", zap.Error(err))
		}
	}()

	api := httpapi.NewServer(httpapi.Config{
		Version:        version,
		ONNXEnabled:    cfg.ONNXEnabled,
		Int8Enabled:    cfg.Int8Enabled,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, rt, bus, tracker, logger)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     api.Handler(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout: time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening",
			zap.Int("port", cfg.Server.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
}

// upsertAdapter narrows the Qdrant client to the seeder's writer
// interface.
type upsertAdapter struct {
	c *vectordb.Client
}

func (a upsertAdapter) Upsert(ctx context.Context, items []vectordb.UpsertItem) error {
	_, err := a.c.Upsert(ctx, items)
	return err
}
