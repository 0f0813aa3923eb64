// Package retrieval implements the hybrid dense+keyword retriever and
// the file-level re-embedding fallback.
package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/maestro-rag/maestro/internal/keyword"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/vectordb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Embedder is the slice of the embedding client hybrid retrieval needs.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the ANN search surface.
type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, k int, scope rag.Scope) ([]vectordb.Hit, error)
}

// KeywordSearcher is the BM25 search surface.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, k int) ([]keyword.Hit, error)
}

// Reranker scores passages against the query; soft-fail contract.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) []float64
}

// HybridConfig tunes fusion.
type HybridConfig struct {
	Alpha      float64
	BM25TopK   int
	FusionMode FusionMode
	// RerankEnabled reranks the top 2k fused candidates.
	RerankEnabled bool
}

// Hybrid fuses dense and BM25 retrieval with optional rerank.
type Hybrid struct {
	cfg      HybridConfig
	embedder Embedder
	vectors  VectorSearcher
	keywords KeywordSearcher
	reranker Reranker
	logger   *zap.Logger
}

// NewHybrid builds the retriever; reranker may be nil.
func NewHybrid(cfg HybridConfig, e Embedder, v VectorSearcher, k KeywordSearcher, r Reranker, logger *zap.Logger) *Hybrid {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.7
	}
	if cfg.BM25TopK <= 0 {
		cfg.BM25TopK = 20
	}
	if cfg.FusionMode == "" {
		cfg.FusionMode = FusionWeighted
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Hybrid{cfg: cfg, embedder: e, vectors: v, keywords: k, reranker: r, logger: logger}
}

// Retrieve runs both searches concurrently, fuses, optionally reranks
// the top 2k, and truncates to k.
func (h *Hybrid) Retrieve(ctx context.Context, q rag.Question, k int) (*rag.RetrievalResult, error) {
	if k <= 0 {
		k = 5
	}
	kv := 2 * k
	kb := h.cfg.BM25TopK
	if kb < k {
		kb = k
	}

	vec, err := h.embedder.Encode(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	var dense, kw []rag.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := h.vectors.Search(gctx, vec, kv, q.Scope)
		if err != nil {
			return err
		}
		dense = make([]rag.ScoredChunk, 0, len(hits))
		for _, hit := range hits {
			dense = append(dense, vectordb.ChunkFromHit(hit))
		}
		return nil
	})
	g.Go(func() error {
		hits, err := h.keywords.Search(gctx, q.Text, kb)
		if err != nil {
			// Keyword index down degrades to dense-only retrieval.
			h.logger.Warn("Keyword search failed, dense-only fusion", zap.Error(err))
			return nil
		}
		kw = make([]rag.ScoredChunk, 0, len(hits))
		for _, hit := range hits {
			kw = append(kw, rag.ScoredChunk{
				Chunk: rag.Chunk{ID: hit.ID, SourcePath: hit.SourcePath, Ordinal: hit.Ordinal, Text: hit.Text},
				Score: hit.Score,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuse(dense, kw, h.cfg.Alpha, h.cfg.FusionMode)

	if h.cfg.RerankEnabled && h.reranker != nil && len(fused) > 1 {
		pool := fused
		if len(pool) > 2*k {
			pool = pool[:2*k]
		}
		fused = h.rerankPool(ctx, q.Text, pool)
	}

	res := &rag.RetrievalResult{Chunks: fused}
	res.Normalize(k)
	return res, nil
}

func (h *Hybrid) rerankPool(ctx context.Context, query string, pool []rag.ScoredChunk) []rag.ScoredChunk {
	passages := make([]string, len(pool))
	for i, sc := range pool {
		passages[i] = sc.Chunk.Text
	}
	scores := h.reranker.Rerank(ctx, query, passages)
	if len(scores) != len(pool) {
		return pool
	}
	out := make([]rag.ScoredChunk, len(pool))
	for i, sc := range pool {
		out[i] = rag.ScoredChunk{Chunk: sc.Chunk, Score: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Timed wraps Retrieve and reports elapsed milliseconds.
func (h *Hybrid) Timed(ctx context.Context, q rag.Question, k int) (*rag.RetrievalResult, int64, error) {
	start := time.Now()
	res, err := h.Retrieve(ctx, q, k)
	return res, time.Since(start).Milliseconds(), err
}
