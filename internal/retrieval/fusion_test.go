package retrieval

import (
	"testing"

	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sc(id string, score float64) rag.ScoredChunk {
	return rag.ScoredChunk{
		Chunk: rag.Chunk{ID: id, SourcePath: id + ".md", Text: "body of " + id},
		Score: score,
	}
}

func TestMinMaxNormalize(t *testing.T) {
	out := minMaxNormalize([]float64{2, 6, 4})
	require.Len(t, out, 3)
	assert.Equal(t, 0.0, out[0])
	assert.Equal(t, 1.0, out[1])
	assert.Equal(t, 0.5, out[2])
}

func TestMinMaxNormalizeConstant(t *testing.T) {
	out := minMaxNormalize([]float64{3, 3, 3})
	for _, v := range out {
		assert.Equal(t, 1.0, v)
	}
	assert.Nil(t, minMaxNormalize(nil))
}

func TestFuseWeightedBothSides(t *testing.T) {
	dense := []rag.ScoredChunk{sc("a", 0.9), sc("b", 0.5)}
	kw := []rag.ScoredChunk{sc("b", 12.0), sc("c", 3.0)}

	fused := fuse(dense, kw, 0.7, FusionWeighted)
	require.Len(t, fused, 3)

	// b appears in both lists so it collects mass from each side.
	assert.Equal(t, "a", fused[0].Chunk.ID)
	assert.Equal(t, "b", fused[1].Chunk.ID)
	assert.Equal(t, "c", fused[2].Chunk.ID)
	assert.InDelta(t, 0.7, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.3, fused[1].Score, 1e-9)
}

func TestFuseSingleSideOnly(t *testing.T) {
	dense := []rag.ScoredChunk{sc("a", 0.8), sc("b", 0.4)}

	fused := fuse(dense, nil, 0.7, FusionWeighted)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].Chunk.ID)

	fused = fuse(nil, dense, 0.7, FusionWeighted)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].Chunk.ID)
}

func TestFuseRRF(t *testing.T) {
	dense := []rag.ScoredChunk{sc("a", 0.9), sc("b", 0.5)}
	kw := []rag.ScoredChunk{sc("b", 12.0), sc("a", 3.0)}

	fused := fuse(dense, kw, 0.7, FusionRRF)
	require.Len(t, fused, 2)

	// Both ids appear at ranks 1 and 2, so combined scores tie and the
	// higher raw dense score breaks it.
	assert.Equal(t, "a", fused[0].Chunk.ID)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-9)
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-9)
}

func TestFuseTieBreakByID(t *testing.T) {
	dense := []rag.ScoredChunk{sc("z", 0.5), sc("a", 0.5)}
	fused := fuse(dense, nil, 0.7, FusionWeighted)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].Chunk.ID)
	assert.Equal(t, "z", fused[1].Chunk.ID)
}

func TestFusePrefersRicherChunkBody(t *testing.T) {
	empty := rag.ScoredChunk{Chunk: rag.Chunk{ID: "x"}, Score: 1.0}
	full := sc("x", 2.0)

	fused := fuse([]rag.ScoredChunk{empty}, []rag.ScoredChunk{full}, 0.7, FusionWeighted)
	require.Len(t, fused, 1)
	assert.Equal(t, "body of x", fused[0].Chunk.Text)
}
