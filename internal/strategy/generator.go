package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/maestro-rag/maestro/internal/llm"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

const maxContextChars = 2000

// Generator produces grounded answers from evidence. Every arm funnels
// through it so prompt shape and confidence policy stay uniform.
type Generator struct {
	chat   Chat
	logger *zap.Logger
}

// NewGenerator builds a generator.
func NewGenerator(chat Chat, logger *zap.Logger) *Generator {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Generator{chat: chat, logger: logger}
}

type genPayload struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Generate answers the question from numbered context windows, with an
// optional extra context block (graph relations, extracted tables).
// Confidence comes from the model's self-score when it reports one, or
// a retrieval-agreement heuristic otherwise.
func (g *Generator) Generate(ctx context.Context, question string, chunks []rag.ScoredChunk, extra string) (*rag.Answer, error) {
	if len(chunks) == 0 && extra == "" {
		return nil, rag.E("strategy.Generate", rag.KindNoEvidence, nil)
	}

	prompt := buildGroundedPrompt(question, chunks, extra)

	var payload genPayload
	comp, err := g.chat.CompleteJSON(ctx, prompt, &payload)
	if err != nil {
		// Fall back to a plain completion; some models refuse JSON mode.
		if comp == nil {
			return nil, err
		}
		payload.Answer = llm.StripFences(comp.Text)
		payload.Confidence = 0
	}
	if strings.TrimSpace(payload.Answer) == "" {
		return nil, rag.E("strategy.Generate", rag.KindLLMUnavailable,
			fmt.Errorf("empty answer from model"))
	}

	conf := payload.Confidence
	if conf <= 0 || conf > 1 {
		conf = heuristicConfidence(chunks)
		g.logger.Debug("Using heuristic confidence", zap.Float64("confidence", conf))
	}

	ans := &rag.Answer{
		Text:       strings.TrimSpace(payload.Answer),
		Confidence: conf,
		Citations:  rag.CitationsFrom(chunks, 0),
		ChunksUsed: len(chunks),
		TokenUsage: comp.Usage,
		CostUSD:    comp.CostUSD,
		Timings:    rag.Timings{},
	}
	return ans, nil
}

func buildGroundedPrompt(question string, chunks []rag.ScoredChunk, extra string) []llm.Message {
	var b strings.Builder
	b.WriteString("Answer the question using only the numbered context below. " +
		"Cite supporting passages by number, like [1]. " +
		"If the context does not contain the answer, say so.\n\n")
	for i, sc := range chunks {
		text := rag.Truncate(sc.Chunk.Text, maxContextChars)
		fmt.Fprintf(&b, "[%d] (%s) %s\n\n", i+1, sc.Chunk.SourcePath, text)
	}
	if extra != "" {
		b.WriteString("Additional structured context:\n")
		b.WriteString(extra)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", question)

	return []llm.Message{
		{Role: "system", Content: "You are a precise assistant. Respond with JSON: " +
			`{"answer": "...", "confidence": <0..1 self-assessment of how well the context supports the answer>}.`},
		{Role: "user", Content: b.String()},
	}
}

// heuristicConfidence scores agreement between the top chunks: a steep
// score profile with a strong leader reads as high confidence.
func heuristicConfidence(chunks []rag.ScoredChunk) float64 {
	if len(chunks) == 0 {
		return 0.1
	}
	top := chunks[0].Score
	if top <= 0 {
		return 0.1
	}
	n := 3
	if len(chunks) < n {
		n = len(chunks)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += chunks[i].Score
	}
	mean := sum / float64(n)
	conf := 0.3 + 0.6*(mean/top)*clamp01(top)
	return clamp01(conf)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
