package retrieval

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// FallbackEmbedder provides fallback-model vectors. These never reach
// the global index.
type FallbackEmbedder interface {
	EncodeFallback(ctx context.Context, text string) ([]float32, error)
	EncodeFallbackBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// FileFallbackConfig tunes the re-embedding fallback.
type FileFallbackConfig struct {
	Enabled bool
	// Threshold is the top-1 score below which the fallback fires.
	Threshold float64
	// CorpusRoot anchors relative source paths.
	CorpusRoot    string
	WindowTokens  int
	OverlapTokens int
	TokenizerMode string
	RerankEnabled bool
	MaxWindows    int
}

// FileFallback re-chunks and re-embeds the top-ranked source file with
// the fallback model when the primary retrieval scored weakly.
type FileFallback struct {
	cfg      FileFallbackConfig
	embedder FallbackEmbedder
	reranker Reranker
	chunker  *Chunker
	logger   *zap.Logger
}

// NewFileFallback builds the fallback layer; reranker may be nil.
func NewFileFallback(cfg FileFallbackConfig, e FallbackEmbedder, r Reranker, logger *zap.Logger) *FileFallback {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.65
	}
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = 500
	}
	if cfg.OverlapTokens <= 0 {
		cfg.OverlapTokens = 50
	}
	if cfg.MaxWindows <= 0 {
		cfg.MaxWindows = 64
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &FileFallback{
		cfg:      cfg,
		embedder: e,
		reranker: r,
		chunker:  NewChunker(cfg.WindowTokens, cfg.OverlapTokens, cfg.TokenizerMode),
		logger:   logger,
	}
}

// ShouldTrigger reports whether the primary result is weak enough to
// warrant re-embedding its top source file.
func (f *FileFallback) ShouldTrigger(primary *rag.RetrievalResult) bool {
	if !f.cfg.Enabled || primary == nil || len(primary.Chunks) == 0 {
		return false
	}
	return primary.Top1Score() < f.cfg.Threshold
}

// Apply runs the fallback when triggered; on any failure the primary
// result is returned unchanged.
func (f *FileFallback) Apply(ctx context.Context, question string, primary *rag.RetrievalResult, k int) *rag.RetrievalResult {
	if !f.ShouldTrigger(primary) {
		return primary
	}
	start := time.Now()
	res, err := f.reEmbed(ctx, question, primary, k)
	elapsed := time.Since(start)
	if err != nil {
		f.logger.Warn("File-level fallback failed, keeping primary result",
			zap.Error(err), zap.Duration("elapsed", elapsed))
		return primary
	}
	metrics.FileFallbackTriggers.Inc()
	metrics.FileFallbackLatency.Observe(elapsed.Seconds())
	res.FallbackTriggered = true
	res.FallbackLatencyMs = elapsed.Milliseconds()
	return res
}

func (f *FileFallback) reEmbed(ctx context.Context, question string, primary *rag.RetrievalResult, k int) (*rag.RetrievalResult, error) {
	top := primary.Chunks[0].Chunk
	if top.SourcePath == "" {
		return nil, fmt.Errorf("top chunk has no source path")
	}
	path := top.SourcePath
	if f.cfg.CorpusRoot != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.cfg.CorpusRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load source file: %w", err)
	}

	windows := f.chunker.Windows(string(data))
	if len(windows) > f.cfg.MaxWindows {
		windows = windows[:f.cfg.MaxWindows]
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("empty source file")
	}

	qVec, err := f.embedder.EncodeFallback(ctx, question)
	if err != nil {
		return nil, err
	}
	wVecs, err := f.embedder.EncodeFallbackBatch(ctx, windows)
	if err != nil {
		return nil, err
	}

	scored := make([]rag.ScoredChunk, 0, len(windows))
	for i, w := range windows {
		scored = append(scored, rag.ScoredChunk{
			Chunk: rag.Chunk{
				ID:         fmt.Sprintf("%s#w%d", top.SourcePath, i),
				SourcePath: top.SourcePath,
				Ordinal:    i,
				Text:       w,
			},
			Score: Cosine(qVec, wVecs[i]),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if f.cfg.RerankEnabled && f.reranker != nil && len(scored) > 1 {
		passages := make([]string, len(scored))
		for i, sc := range scored {
			passages[i] = sc.Chunk.Text
		}
		if scores := f.reranker.Rerank(ctx, question, passages); len(scores) == len(scored) {
			for i := range scored {
				scored[i].Score = scores[i]
			}
			sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
		}
	}

	res := &rag.RetrievalResult{Chunks: scored}
	res.Normalize(k)
	return res, nil
}

// Cosine computes cosine similarity between two vectors; 0 when either
// is empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
