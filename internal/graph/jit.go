package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maestro-rag/maestro/internal/llm"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Extractor is the slice of the LLM client the builder needs.
type Extractor interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, out interface{}) (*llm.Completion, error)
}

// ChunkSearcher retrieves corpus chunks for an entity-seeded query, so
// the builder can cover entities absent from the question's own
// retrieval. Optional; a nil searcher limits the build to the chunks
// it was handed.
type ChunkSearcher interface {
	Retrieve(ctx context.Context, q rag.Question, k int) (*rag.RetrievalResult, error)
}

// BuilderConfig bounds a JIT build.
type BuilderConfig struct {
	// MaxChunks caps how many chunks feed one build.
	MaxChunks int
	// BatchSize groups chunks per extraction call.
	BatchSize int
	// Parallelism bounds concurrent extraction calls.
	Parallelism int
	// Timeout is the whole-build budget; committed nodes survive it.
	Timeout time.Duration
	// MaxHops bounds later traversal depth.
	MaxHops int
}

// Builder grows the entity graph on demand from retrieved chunks.
type Builder struct {
	graph  *Graph
	llm    Extractor
	search ChunkSearcher
	cfg    BuilderConfig
	logger *zap.Logger
}

// NewBuilder wires a builder to a graph, an extractor, and an optional
// chunk searcher.
func NewBuilder(g *Graph, e Extractor, s ChunkSearcher, cfg BuilderConfig, logger *zap.Logger) *Builder {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Builder{graph: g, llm: e, search: s, cfg: cfg, logger: logger}
}

// Graph exposes the underlying graph for traversal.
func (b *Builder) Graph() *Graph { return b.graph }

// MaxHops returns the configured traversal depth.
func (b *Builder) MaxHops() int { return b.cfg.MaxHops }

// BuildResult summarizes one JIT build.
type BuildResult struct {
	QuestionEntities []string
	MissingEntities  []string
	BatchesDone      int
	BatchesTotal     int
	NodesAdded       int
	EdgesAdded       int
	TimedOut         bool
	Usage            rag.TokenUsage
	CostUSD          float64
}

// Progress reports batch completion during a build; batch counts are
// 1-based. May be nil.
type Progress func(batch, total int, message string)

type extractionPayload struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relations []struct {
		Source   string `json:"source"`
		Relation string `json:"relation"`
		Target   string `json:"target"`
	} `json:"relations"`
}

// Build extracts entities for the question, finds the ones the graph
// does not know yet, and runs batched parallel extraction over the
// supplied chunks. Exceeding the build budget keeps everything already
// committed.
func (b *Builder) Build(ctx context.Context, question string, chunks []rag.Chunk, progress Progress) (*BuildResult, error) {
	const op = "graph.Build"
	res := &BuildResult{}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	entities, usage, err := b.extractQuestionEntities(ctx, question)
	if err != nil {
		metrics.GraphJITBuilds.WithLabelValues("error").Inc()
		return res, rag.E(op, rag.KindStrategyFailed, err)
	}
	res.QuestionEntities = entities
	res.Usage.Add(usage.Usage)
	res.CostUSD += usage.CostUSD

	res.MissingEntities = b.graph.MissingEntities(entities)
	if len(res.MissingEntities) == 0 && b.graph.NodeCount() > 0 {
		metrics.GraphJITBuilds.WithLabelValues("cached").Inc()
		return res, nil
	}

	selected := b.selectChunks(ctx, chunks, res.MissingEntities)
	batches := partition(selected, b.cfg.BatchSize)
	res.BatchesTotal = len(batches)

	nodesBefore, edgesBefore := b.graph.NodeCount(), b.graph.EdgeCount()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)
	for _, batch := range batches {
		g.Go(func() error {
			comp, err := b.extractBatch(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				return err
			}
			res.BatchesDone++
			res.Usage.Add(comp.Usage)
			res.CostUSD += comp.CostUSD
			if progress != nil {
				progress(res.BatchesDone, res.BatchesTotal,
					fmt.Sprintf("extracted batch %d/%d", res.BatchesDone, res.BatchesTotal))
			}
			return nil
		})
	}
	err = g.Wait()

	res.NodesAdded = b.graph.NodeCount() - nodesBefore
	res.EdgesAdded = b.graph.EdgeCount() - edgesBefore

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || rag.IsKind(err, rag.KindDeadlineExceeded) {
			// Partial builds are fine; the graph only ever grows.
			res.TimedOut = true
			metrics.GraphJITBuilds.WithLabelValues("timeout").Inc()
			b.logger.Warn("JIT graph build hit its budget",
				zap.Int("batches_done", res.BatchesDone),
				zap.Int("batches_total", res.BatchesTotal))
			return res, nil
		}
		metrics.GraphJITBuilds.WithLabelValues("error").Inc()
		return res, rag.E(op, rag.KindStrategyFailed, err)
	}
	metrics.GraphJITBuilds.WithLabelValues("ok").Inc()
	return res, nil
}

func (b *Builder) extractQuestionEntities(ctx context.Context, question string) ([]string, *llm.Completion, error) {
	var payload struct {
		Entities []string `json:"entities"`
	}
	comp, err := b.llm.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: "Extract the named entities a knowledge graph lookup would need. Respond with JSON: {\"entities\": [\"...\"]}."},
		{Role: "user", Content: question},
	}, &payload)
	if err != nil {
		return nil, comp, err
	}
	out := make([]string, 0, len(payload.Entities))
	for _, e := range payload.Entities {
		if c := Canonical(e); c != "" {
			out = append(out, c)
		}
	}
	return out, comp, nil
}

func (b *Builder) extractBatch(ctx context.Context, batch []rag.Chunk) (*llm.Completion, error) {
	var sb strings.Builder
	for i, ch := range batch {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, ch.Text)
	}
	var payload extractionPayload
	comp, err := b.llm.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: "Extract entities and relations from the passages. Respond with JSON: " +
			"{\"entities\": [{\"name\": \"...\", \"type\": \"...\"}], " +
			"\"relations\": [{\"source\": \"...\", \"relation\": \"...\", \"target\": \"...\"}]}."},
		{Role: "user", Content: sb.String()},
	}, &payload)
	if err != nil {
		return comp, err
	}
	for _, e := range payload.Entities {
		b.graph.AddNode(e.Name, e.Type)
	}
	for _, r := range payload.Relations {
		b.graph.AddEdge(r.Source, r.Relation, r.Target, 1)
	}
	return comp, nil
}

// selectChunks gathers evidence per missing entity: chunks already in
// hand that mention it, then a dedicated entity-seeded retrieval for
// coverage the question's chunks lack, topped up with leading chunks
// and capped at MaxChunks.
func (b *Builder) selectChunks(ctx context.Context, chunks []rag.Chunk, missing []string) []rag.Chunk {
	if len(chunks) == 0 && b.search == nil {
		return nil
	}
	selected := make([]rag.Chunk, 0, b.cfg.MaxChunks)
	used := make(map[string]struct{}, b.cfg.MaxChunks)

	add := func(c rag.Chunk) bool {
		if len(selected) >= b.cfg.MaxChunks {
			return false
		}
		if _, ok := used[c.ID]; ok {
			return true
		}
		used[c.ID] = struct{}{}
		selected = append(selected, c)
		return true
	}

	for _, entity := range missing {
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.Text), entity) {
				if !add(c) {
					return selected
				}
			}
		}
		if b.search == nil {
			continue
		}
		res, err := b.search.Retrieve(ctx, rag.Question{Text: entity}, b.cfg.BatchSize)
		if err != nil {
			b.logger.Debug("Entity retrieval failed",
				zap.String("entity", entity), zap.Error(err))
			continue
		}
		for _, sc := range res.Chunks {
			if !add(sc.Chunk) {
				return selected
			}
		}
	}
	for _, c := range chunks {
		if !add(c) {
			break
		}
	}
	return selected
}

func partition(chunks []rag.Chunk, size int) [][]rag.Chunk {
	if len(chunks) == 0 {
		return nil
	}
	var out [][]rag.Chunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, chunks[start:end])
	}
	return out
}
