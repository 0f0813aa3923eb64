package strategy

import (
	"context"
	"time"

	"github.com/maestro-rag/maestro/internal/llm"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// IterativeConfig tunes the self-refining loop.
type IterativeConfig struct {
	// ConfidenceThreshold stops the loop once an answer clears it.
	ConfidenceThreshold float64
	MaxIterations       int
	// MinImprovement stops the loop when a round gains less than this.
	MinImprovement float64
}

// IterativeStrategy runs a self-refining loop: generate, self-assess,
// rewrite the query, re-retrieve. The best answer by confidence wins,
// whichever round produced it.
type IterativeStrategy struct {
	retriever Retriever
	generator *Generator
	chat      Chat
	cfg       IterativeConfig
	defaultK  int
	logger    *zap.Logger
}

// NewIterativeStrategy wires the iterative arm.
func NewIterativeStrategy(r Retriever, gen *Generator, chat Chat, cfg IterativeConfig, defaultK int, logger *zap.Logger) *IterativeStrategy {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.MinImprovement <= 0 {
		cfg.MinImprovement = 0.05
	}
	if defaultK <= 0 {
		defaultK = 5
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &IterativeStrategy{retriever: r, generator: gen, chat: chat, cfg: cfg, defaultK: defaultK, logger: logger}
}

func (s *IterativeStrategy) Name() string { return "iterative" }

// Run executes up to MaxIterations rounds, each with its own retrieval
// and generation, refining the query between rounds.
func (s *IterativeStrategy) Run(ctx context.Context, q rag.Question, emit Emit) (*rag.Answer, error) {
	emit = safeEmit(emit)
	k := topK(q, s.defaultK)
	timings := rag.Timings{}

	var best *rag.Answer
	var usage rag.TokenUsage
	var cost float64
	prevConfidence := 0.0
	query := q.Text
	step := 0

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			break
		}
		step++
		emit(step, iterMessage(iter, "retrieving"), map[string]interface{}{"iteration": iter, "query": query})

		iterQ := q
		iterQ.Text = query
		res, retrievalMs, err := s.retriever.Timed(ctx, iterQ, k)
		if err != nil {
			if best != nil {
				break
			}
			return nil, err
		}
		timings["retrieval_ms"] += retrievalMs

		if len(res.Chunks) == 0 {
			if best != nil {
				break
			}
			return nil, rag.E("strategy.iterative", rag.KindNoEvidence, nil)
		}

		step++
		emit(step, iterMessage(iter, "generating"), map[string]interface{}{"iteration": iter})
		genStart := time.Now()
		ans, err := s.generator.Generate(ctx, q.Text, res.Chunks, "")
		if err != nil {
			if best != nil {
				break
			}
			return nil, err
		}
		timings["generation_ms"] += time.Since(genStart).Milliseconds()
		usage.Add(ans.TokenUsage)
		cost += ans.CostUSD

		if best == nil || ans.Confidence > best.Confidence {
			best = ans
			best.Iterations = iter
		}

		if ans.Confidence >= s.cfg.ConfidenceThreshold {
			break
		}
		if iter > 1 && ans.Confidence-prevConfidence < s.cfg.MinImprovement {
			s.logger.Debug("Refinement stalled",
				zap.Float64("confidence", ans.Confidence),
				zap.Float64("previous", prevConfidence))
			break
		}
		prevConfidence = ans.Confidence

		if iter < s.cfg.MaxIterations {
			refined, refineUsage, err := s.refineQuery(ctx, q.Text, query, ans.Text)
			if err != nil {
				break
			}
			usage.Add(refineUsage.Usage)
			cost += refineUsage.CostUSD
			if refined == "" || refined == query {
				break
			}
			query = refined
		}
	}

	if best == nil {
		return nil, rag.E("strategy.iterative", rag.KindNoEvidence, nil)
	}
	best.TokenUsage = usage
	best.CostUSD = cost
	for stage, ms := range timings {
		best.Timings[stage] = ms
	}
	best.Strategy = s.Name()
	return best, nil
}

// refineQuery asks the model for a sharper retrieval query given the
// draft answer's gaps.
func (s *IterativeStrategy) refineQuery(ctx context.Context, question, lastQuery, draft string) (string, *llm.Completion, error) {
	var payload struct {
		Query string `json:"query"`
	}
	comp, err := s.chat.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: "The draft answer below may be missing evidence. Propose one improved search query. " +
			`Respond with JSON: {"query": "..."}.`},
		{Role: "user", Content: "Question: " + question + "\nLast query: " + lastQuery + "\nDraft answer: " + draft},
	}, &payload)
	if err != nil {
		return "", comp, err
	}
	return payload.Query, comp, nil
}

func iterMessage(iter int, stage string) string {
	switch stage {
	case "retrieving":
		if iter == 1 {
			return "Retrieving evidence"
		}
		return "Re-retrieving with refined query"
	default:
		if iter == 1 {
			return "Drafting answer"
		}
		return "Refining answer"
	}
}
