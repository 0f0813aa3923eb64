package rag

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuestion(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"Who wrote Pride and Prejudice?", "who wrote pride and prejudice"},
		{"  What   is  a TURBINE!? ", "what is a turbine"},
		{"über-Fragen", "über fragen"},
		{"", ""},
		{"?!.,", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.out, NormalizeQuestion(tc.in), tc.in)
	}
}

func TestRetrievalResultNormalize(t *testing.T) {
	r := RetrievalResult{Chunks: []ScoredChunk{
		{Chunk: Chunk{ID: "b"}, Score: 0.5},
		{Chunk: Chunk{ID: "a"}, Score: 0.9},
		{Chunk: Chunk{ID: "b"}, Score: 0.7}, // duplicate keeps max
		{Chunk: Chunk{ID: "c"}, Score: 0.7},
	}}
	r.Normalize(0)

	ids := make([]string, len(r.Chunks))
	for i, sc := range r.Chunks {
		ids[i] = sc.Chunk.ID
	}
	// Ties break on id so the order is stable.
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 0.7, r.Chunks[1].Score)

	r.Normalize(2)
	assert.Len(t, r.Chunks, 2)
	assert.Equal(t, 0.9, r.Top1Score())
}

func TestCitationsFromDeduplicatesBySource(t *testing.T) {
	chunks := []ScoredChunk{
		{Chunk: Chunk{ID: "1", SourcePath: "a.md", Text: "first"}, Score: 0.9},
		{Chunk: Chunk{ID: "2", SourcePath: "a.md", Text: "second"}, Score: 0.8},
		{Chunk: Chunk{ID: "3", SourcePath: "b.md", Text: "third"}, Score: 0.7},
	}
	cites := CitationsFrom(chunks, 240)

	assert.Len(t, cites, 2)
	assert.Equal(t, "a.md", cites[0].Source)
	assert.Equal(t, 1, cites[0].Rank)
	assert.Equal(t, "b.md", cites[1].Source)
	assert.Equal(t, 3, cites[1].Rank)
}

func TestCitationSnippetTruncation(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	cites := CitationsFrom([]ScoredChunk{
		{Chunk: Chunk{ID: "1", SourcePath: "a.md", Text: string(long)}, Score: 1},
	}, 100)
	assert.Len(t, cites[0].Snippet, 100)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 5))
	// A cut landing inside a multibyte sequence backs up to the rune start.
	assert.Equal(t, "h", Truncate("héllo", 2))
	assert.Equal(t, "", Truncate("anything", 0))
	assert.Equal(t, "abc", Truncate("abc", 10))

	cut := Truncate(strings.Repeat("é", 100), 99)
	assert.True(t, utf8.ValidString(cut))
	assert.Equal(t, 98, len(cut))
}

func TestCitationSnippetValidUTF8(t *testing.T) {
	cites := CitationsFrom([]ScoredChunk{
		{Chunk: Chunk{ID: "1", SourcePath: "a.md", Text: strings.Repeat("ü", 200)}, Score: 1},
	}, 101)
	assert.True(t, utf8.ValidString(cites[0].Snippet))
	assert.LessOrEqual(t, len(cites[0].Snippet), 101)
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("socket closed")
	err := E("vectordb.Search", KindIndexUnavailable, base)

	assert.True(t, IsKind(err, KindIndexUnavailable))
	assert.False(t, IsKind(err, KindNoEvidence))
	assert.Equal(t, KindIndexUnavailable, KindOf(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, Kind(""), KindOf(errors.New("untyped")))
	assert.Contains(t, err.Error(), "INDEX_UNAVAILABLE")
}

func TestTokenUsageAdd(t *testing.T) {
	u := TokenUsage{Prompt: 10, Completion: 5, Total: 15}
	u.Add(TokenUsage{Prompt: 1, Completion: 2, Total: 3})
	assert.Equal(t, TokenUsage{Prompt: 11, Completion: 7, Total: 18}, u)
}
