package strategy

import (
	"context"
	"time"

	"github.com/maestro-rag/maestro/internal/graph"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// GraphStrategy answers relational questions by growing the entity
// graph just in time from retrieved chunks and handing the traversed
// neighborhood to the generator as structured context.
type GraphStrategy struct {
	retriever Retriever
	builder   *graph.Builder
	generator *Generator
	defaultK  int
	logger    *zap.Logger
}

// NewGraphStrategy wires the graph arm.
func NewGraphStrategy(r Retriever, b *graph.Builder, gen *Generator, defaultK int, logger *zap.Logger) *GraphStrategy {
	if defaultK <= 0 {
		defaultK = 5
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &GraphStrategy{retriever: r, builder: b, generator: gen, defaultK: defaultK, logger: logger}
}

func (s *GraphStrategy) Name() string { return "graph" }

// Run retrieves evidence, builds the missing region of the graph, and
// generates from chunks plus the traversed subgraph.
func (s *GraphStrategy) Run(ctx context.Context, q rag.Question, emit Emit) (*rag.Answer, error) {
	emit = safeEmit(emit)
	k := topK(q, s.defaultK)
	timings := rag.Timings{}

	emit(1, "Retrieving evidence for graph construction", nil)
	res, retrievalMs, err := s.retriever.Timed(ctx, q, k)
	if err != nil {
		return nil, err
	}
	timings["retrieval_ms"] = retrievalMs
	if len(res.Chunks) == 0 {
		return nil, rag.E("strategy.graph", rag.KindNoEvidence, nil)
	}

	chunks := make([]rag.Chunk, 0, len(res.Chunks))
	for _, sc := range res.Chunks {
		chunks = append(chunks, sc.Chunk)
	}

	emit(2, "Extracting entities", nil)
	extractStart := time.Now()
	step := 3
	build, err := s.builder.Build(ctx, q.Text, chunks, func(batch, total int, msg string) {
		emit(step, msg, map[string]interface{}{"batch": batch, "total": total})
	})
	if err != nil {
		return nil, err
	}
	buildMs := time.Since(extractStart).Milliseconds()
	timings["entity_extraction_ms"] = buildMs
	timings["jit_build_ms"] = buildMs
	step = 4

	emit(step, "Traversing entity graph", map[string]interface{}{
		"nodes": s.builder.Graph().NodeCount(),
		"edges": s.builder.Graph().EdgeCount(),
	})
	queryStart := time.Now()
	seeds := build.QuestionEntities
	if len(seeds) == 0 {
		seeds = build.MissingEntities
	}
	sub := s.builder.Graph().Neighborhood(seeds, s.builder.MaxHops())
	timings.Observe("graph_query_ms", queryStart)

	extra := ""
	if !sub.Empty() {
		extra = sub.Describe(50)
	} else {
		s.logger.Debug("Graph traversal matched nothing, answering from chunks alone")
	}

	emit(step+1, "Generating answer from graph context", map[string]interface{}{
		"subgraph_nodes": len(sub.Nodes),
		"subgraph_edges": len(sub.Edges),
	})
	genStart := time.Now()
	ans, err := s.generator.Generate(ctx, q.Text, res.Chunks, extra)
	if err != nil {
		return nil, err
	}
	timings.Observe("generation_ms", genStart)

	ans.TokenUsage.Add(build.Usage)
	ans.CostUSD += build.CostUSD
	for stage, ms := range timings {
		ans.Timings[stage] = ms
	}
	ans.Strategy = s.Name()
	return ans, nil
}
