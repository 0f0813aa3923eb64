// Package strategy implements the four answering arms behind the
// router: hybrid retrieval, the iterative self-refining loop, the
// entity-graph arm, and the table-extraction arm. All arms share one
// contract and one grounded generation path.
package strategy

import (
	"context"

	"github.com/maestro-rag/maestro/internal/llm"
	"github.com/maestro-rag/maestro/internal/rag"
)

// Emit publishes one progress step; metadata may be nil. Step indices
// are monotonic within a request.
type Emit func(step int, message string, metadata map[string]interface{})

// Strategy is the uniform arm contract.
type Strategy interface {
	Name() string
	Run(ctx context.Context, q rag.Question, emit Emit) (*rag.Answer, error)
}

// Chat is the slice of the LLM client strategies need.
type Chat interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
	CompleteJSON(ctx context.Context, messages []llm.Message, out interface{}) (*llm.Completion, error)
}

// Retriever produces scored evidence with timing attached.
type Retriever interface {
	Timed(ctx context.Context, q rag.Question, k int) (*rag.RetrievalResult, int64, error)
}

// FallbackApplier optionally replaces a weak primary result; the
// file-level fallback implements this. May be nil.
type FallbackApplier interface {
	Apply(ctx context.Context, question string, primary *rag.RetrievalResult, k int) *rag.RetrievalResult
}

func noEmit(int, string, map[string]interface{}) {}

func safeEmit(emit Emit) Emit {
	if emit == nil {
		return noEmit
	}
	return emit
}

func topK(q rag.Question, def int) int {
	if q.TopK > 0 {
		return q.TopK
	}
	if def > 0 {
		return def
	}
	return 5
}
