package strategy

import (
	"context"
	"time"

	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// HybridStrategy answers from fused dense+keyword evidence, with the
// file-level fallback applied when the primary retrieval scores weakly.
type HybridStrategy struct {
	retriever Retriever
	fallback  FallbackApplier
	generator *Generator
	defaultK  int
	logger    *zap.Logger
}

// NewHybridStrategy wires the hybrid arm; fallback may be nil.
func NewHybridStrategy(r Retriever, fb FallbackApplier, gen *Generator, defaultK int, logger *zap.Logger) *HybridStrategy {
	if defaultK <= 0 {
		defaultK = 5
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &HybridStrategy{retriever: r, fallback: fb, generator: gen, defaultK: defaultK, logger: logger}
}

func (s *HybridStrategy) Name() string { return "hybrid" }

// Run retrieves, optionally re-embeds the top file, and generates.
func (s *HybridStrategy) Run(ctx context.Context, q rag.Question, emit Emit) (*rag.Answer, error) {
	emit = safeEmit(emit)
	k := topK(q, s.defaultK)
	timings := rag.Timings{}

	emit(1, "Searching dense and keyword indices", nil)
	res, retrievalMs, err := s.retriever.Timed(ctx, q, k)
	if err != nil {
		return nil, err
	}
	timings["retrieval_ms"] = retrievalMs

	if s.fallback != nil {
		res = s.fallback.Apply(ctx, q.Text, res, k)
		if res.FallbackTriggered {
			emit(2, "Low-confidence match, re-reading the source file", map[string]interface{}{
				"fallback_latency_ms": res.FallbackLatencyMs,
			})
			timings["file_fallback_ms"] = res.FallbackLatencyMs
		}
	}

	if len(res.Chunks) == 0 {
		return nil, rag.E("strategy.hybrid", rag.KindNoEvidence, nil)
	}

	emit(3, "Generating grounded answer", map[string]interface{}{"chunks": len(res.Chunks)})
	genStart := time.Now()
	ans, err := s.generator.Generate(ctx, q.Text, res.Chunks, "")
	if err != nil {
		return nil, err
	}
	timings.Observe("generation_ms", genStart)

	for stage, ms := range timings {
		ans.Timings[stage] = ms
	}
	ans.Strategy = s.Name()
	return ans, nil
}
