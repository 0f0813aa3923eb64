package retrieval

import (
	"sort"

	"github.com/maestro-rag/maestro/internal/rag"
)

// FusionMode selects the score combination rule.
type FusionMode string

const (
	FusionWeighted FusionMode = "weighted"
	FusionRRF      FusionMode = "rrf"
)

// rrfC is the standard reciprocal-rank-fusion constant.
const rrfC = 60.0

type fusedHit struct {
	chunk     rag.Chunk
	dense     float64 // raw dense score, for tie-breaks
	combined  float64
	inDense   bool
	inKeyword bool
}

// minMaxNormalize maps scores onto [0,1]; a constant list maps to 1.
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// fuse combines dense and keyword result lists into a single ranking.
// A chunk present on only one side contributes zero from the other; a
// hit missing from either index never fails fusion.
func fuse(dense, kw []rag.ScoredChunk, alpha float64, mode FusionMode) []rag.ScoredChunk {
	byID := make(map[string]*fusedHit, len(dense)+len(kw))

	switch mode {
	case FusionRRF:
		for i, sc := range dense {
			h := ensure(byID, sc)
			h.dense = sc.Score
			h.inDense = true
			h.combined += 1.0 / (rrfC + float64(i+1))
		}
		for i, sc := range kw {
			h := ensure(byID, sc)
			h.inKeyword = true
			h.combined += 1.0 / (rrfC + float64(i+1))
		}
	default:
		denseNorm := minMaxNormalize(scoresOf(dense))
		kwNorm := minMaxNormalize(scoresOf(kw))
		for i, sc := range dense {
			h := ensure(byID, sc)
			h.dense = sc.Score
			h.inDense = true
			h.combined += alpha * denseNorm[i]
		}
		for i, sc := range kw {
			h := ensure(byID, sc)
			h.inKeyword = true
			h.combined += (1 - alpha) * kwNorm[i]
		}
	}

	out := make([]rag.ScoredChunk, 0, len(byID))
	hits := make([]*fusedHit, 0, len(byID))
	for _, h := range byID {
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].combined != hits[j].combined {
			return hits[i].combined > hits[j].combined
		}
		if hits[i].dense != hits[j].dense {
			return hits[i].dense > hits[j].dense
		}
		return hits[i].chunk.ID < hits[j].chunk.ID
	})
	for _, h := range hits {
		out = append(out, rag.ScoredChunk{Chunk: h.chunk, Score: h.combined})
	}
	return out
}

func ensure(m map[string]*fusedHit, sc rag.ScoredChunk) *fusedHit {
	if h, ok := m[sc.Chunk.ID]; ok {
		// Prefer the richer chunk body when both indices return it.
		if h.chunk.Text == "" && sc.Chunk.Text != "" {
			h.chunk = sc.Chunk
		}
		return h
	}
	h := &fusedHit{chunk: sc.Chunk}
	m[sc.Chunk.ID] = h
	return h
}

func scoresOf(scs []rag.ScoredChunk) []float64 {
	out := make([]float64, len(scs))
	for i, sc := range scs {
		out[i] = sc.Score
	}
	return out
}
