package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/maestro-rag/maestro/internal/keyword"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/vectordb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Encode(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

type stubVectors struct {
	hits []vectordb.Hit
	err  error
	k    int
}

func (s *stubVectors) Search(ctx context.Context, vec []float32, k int, scope rag.Scope) ([]vectordb.Hit, error) {
	s.k = k
	return s.hits, s.err
}

type stubKeywords struct {
	hits []keyword.Hit
	err  error
}

func (s *stubKeywords) Search(ctx context.Context, query string, k int) ([]keyword.Hit, error) {
	return s.hits, s.err
}

type stubReranker struct {
	scores []float64
	called bool
}

func (s *stubReranker) Rerank(ctx context.Context, query string, passages []string) []float64 {
	s.called = true
	if s.scores != nil {
		return s.scores
	}
	out := make([]float64, len(passages))
	for i := range out {
		out[i] = float64(len(passages) - i)
	}
	return out
}

func vhit(id string, score float64) vectordb.Hit {
	return vectordb.Hit{ID: id, Score: score, Payload: map[string]interface{}{
		"source_path": id + ".md",
		"text":        "dense body " + id,
	}}
}

func TestHybridFusesBothSources(t *testing.T) {
	vecs := &stubVectors{hits: []vectordb.Hit{vhit("a", 0.9), vhit("b", 0.4)}}
	kws := &stubKeywords{hits: []keyword.Hit{
		{ID: "b", Score: 9.0, SourcePath: "b.md", Text: "kw body b"},
		{ID: "c", Score: 2.0, SourcePath: "c.md", Text: "kw body c"},
	}}
	h := NewHybrid(HybridConfig{}, &stubEmbedder{vec: []float32{1, 0}}, vecs, kws, nil, zap.NewNop())

	res, err := h.Retrieve(context.Background(), rag.Question{Text: "q"}, 5)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, "a", res.Chunks[0].Chunk.ID)
	// 2k candidates requested from the vector side.
	assert.Equal(t, 10, vecs.k)
}

func TestHybridKeywordFailureDegradesToDense(t *testing.T) {
	vecs := &stubVectors{hits: []vectordb.Hit{vhit("a", 0.9), vhit("b", 0.4)}}
	kws := &stubKeywords{err: errors.New("index locked")}
	h := NewHybrid(HybridConfig{}, &stubEmbedder{vec: []float32{1, 0}}, vecs, kws, nil, zap.NewNop())

	res, err := h.Retrieve(context.Background(), rag.Question{Text: "q"}, 5)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "a", res.Chunks[0].Chunk.ID)
}

func TestHybridVectorFailurePropagates(t *testing.T) {
	vecs := &stubVectors{err: rag.E("vectordb.Search", rag.KindIndexUnavailable, errors.New("down"))}
	h := NewHybrid(HybridConfig{}, &stubEmbedder{vec: []float32{1, 0}}, vecs, &stubKeywords{}, nil, zap.NewNop())

	_, err := h.Retrieve(context.Background(), rag.Question{Text: "q"}, 5)
	require.Error(t, err)
	assert.True(t, rag.IsKind(err, rag.KindIndexUnavailable))
}

func TestHybridEmbedderFailurePropagates(t *testing.T) {
	e := &stubEmbedder{err: rag.E("embeddings.EncodeBatch", rag.KindEmbeddingUnavailable, errors.New("down"))}
	h := NewHybrid(HybridConfig{}, e, &stubVectors{}, &stubKeywords{}, nil, zap.NewNop())

	_, err := h.Retrieve(context.Background(), rag.Question{Text: "q"}, 5)
	assert.True(t, rag.IsKind(err, rag.KindEmbeddingUnavailable))
}

func TestHybridRerankReorders(t *testing.T) {
	vecs := &stubVectors{hits: []vectordb.Hit{vhit("a", 0.9), vhit("b", 0.4)}}
	// Reranker inverts the fused order.
	rr := &stubReranker{scores: []float64{0.1, 0.95}}
	h := NewHybrid(HybridConfig{RerankEnabled: true}, &stubEmbedder{vec: []float32{1, 0}}, vecs, &stubKeywords{}, rr, zap.NewNop())

	res, err := h.Retrieve(context.Background(), rag.Question{Text: "q"}, 5)
	require.NoError(t, err)
	assert.True(t, rr.called)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "b", res.Chunks[0].Chunk.ID)
}

func TestHybridTruncatesToK(t *testing.T) {
	var hits []vectordb.Hit
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		hits = append(hits, vhit(id, float64(len(id))))
	}
	h := NewHybrid(HybridConfig{}, &stubEmbedder{vec: []float32{1, 0}}, &stubVectors{hits: hits}, &stubKeywords{}, nil, zap.NewNop())

	res, err := h.Retrieve(context.Background(), rag.Question{Text: "q"}, 2)
	require.NoError(t, err)
	assert.Len(t, res.Chunks, 2)
}
