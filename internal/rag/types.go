// Package rag defines the shared data model for the retrieval and
// generation pipeline: chunks, retrieval results, citations, answers,
// and the error taxonomy components use at their boundaries.
package rag

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Scope restricts retrieval to a slice of the corpus.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
	ScopeAll    Scope = "all"
)

// Question is a user query plus optional knobs.
type Question struct {
	Text             string `json:"question"`
	TopK             int    `json:"top_k,omitempty"`
	Scope            Scope  `json:"scope,omitempty"`
	StrategyOverride string `json:"strategy_override,omitempty"`
}

// Chunk is an immutable piece of an ingested document.
type Chunk struct {
	ID         string                 `json:"id"`
	SourcePath string                 `json:"source_path"`
	Ordinal    int                    `json:"ordinal"`
	Text       string                 `json:"text"`
	Vector     []float32              `json:"-"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// ScoredChunk pairs a chunk with its relevance score.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrievalResult is an ordered list of scored chunks.
// Scores are non-increasing, chunk ids distinct, length <= requested k.
type RetrievalResult struct {
	Chunks            []ScoredChunk `json:"chunks"`
	FallbackTriggered bool          `json:"fallback_triggered,omitempty"`
	FallbackLatencyMs int64         `json:"fallback_latency_ms,omitempty"`
}

// Top1Score returns the best score, or 0 when empty.
func (r *RetrievalResult) Top1Score() float64 {
	if len(r.Chunks) == 0 {
		return 0
	}
	return r.Chunks[0].Score
}

// Normalize sorts by score descending, deduplicates by chunk id keeping
// the max score, and truncates to k (k <= 0 means no truncation).
func (r *RetrievalResult) Normalize(k int) {
	best := make(map[string]ScoredChunk, len(r.Chunks))
	for _, sc := range r.Chunks {
		if cur, ok := best[sc.Chunk.ID]; !ok || sc.Score > cur.Score {
			best[sc.Chunk.ID] = sc
		}
	}
	out := make([]ScoredChunk, 0, len(best))
	for _, sc := range best {
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	r.Chunks = out
}

// Citation references a source document; one per distinct source path.
type Citation struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// CitationsFrom builds citations from a retrieval result, deduplicated
// by source path in rank order.
func CitationsFrom(chunks []ScoredChunk, maxSnippet int) []Citation {
	if maxSnippet <= 0 {
		maxSnippet = 240
	}
	seen := make(map[string]struct{}, len(chunks))
	var cites []Citation
	for i, sc := range chunks {
		src := sc.Chunk.SourcePath
		if src == "" {
			src = sc.Chunk.ID
		}
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		snippet := Truncate(sc.Chunk.Text, maxSnippet)
		cites = append(cites, Citation{
			Source:  src,
			Snippet: strings.TrimSpace(snippet),
			Score:   sc.Score,
			Rank:    i + 1,
		})
	}
	return cites
}

// TokenUsage counts tokens consumed by LLM calls in one request.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(o TokenUsage) {
	u.Prompt += o.Prompt
	u.Completion += o.Completion
	u.Total += o.Total
}

// Timings records per-stage wall clock in milliseconds.
type Timings map[string]int64

// Observe stores the elapsed time for a named stage.
func (t Timings) Observe(stage string, since time.Time) {
	t[stage] = time.Since(since).Milliseconds()
}

// Clone returns an independent copy; a nil receiver yields an empty,
// writable map.
func (t Timings) Clone() Timings {
	out := make(Timings, len(t))
	for stage, ms := range t {
		out[stage] = ms
	}
	return out
}

// CacheHit describes which cache layer answered and how close the match was.
type CacheHit struct {
	Layer      string  `json:"layer"` // exact | lexical | semantic
	Similarity float64 `json:"similarity"`
}

// Answer is the assembled response for one question.
type Answer struct {
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Strategy   string     `json:"selected_strategy"`
	TokenUsage TokenUsage `json:"token_usage"`
	CostUSD    float64    `json:"token_cost_usd"`
	Timings    Timings    `json:"timings"`
	CacheHit   *CacheHit  `json:"cache_hit,omitempty"`
	QueryID    string     `json:"query_id,omitempty"`
	NoEvidence bool       `json:"no_evidence,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	ChunksUsed int        `json:"chunks_used"`
	Iterations int        `json:"iterations,omitempty"`
}

// Truncate shortens s to at most max bytes, backing up to the previous
// rune boundary so the result is always valid UTF-8.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// NormalizeQuestion lowercases, strips punctuation, and collapses
// whitespace. Used as the exact-layer cache key and classifier key.
func NormalizeQuestion(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	lastSpace := true
	for _, r := range strings.ToLower(q) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r > 127: // keep non-ASCII letters
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
