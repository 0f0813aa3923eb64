package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerShortTextSingleWindow(t *testing.T) {
	c := NewChunker(500, 50, "simple")
	out := c.Windows("just a few words here")
	require.Len(t, out, 1)
	assert.Equal(t, "just a few words here", out[0])
}

func TestChunkerOverlappingWindows(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = "w" + string(rune('a'+i))
	}
	c := NewChunker(10, 2, "simple")
	out := c.Windows(strings.Join(words, " "))

	// step = 8: windows start at 0, 8, 16, 24
	require.Len(t, out, 4)
	first := strings.Fields(out[0])
	second := strings.Fields(out[1])
	assert.Len(t, first, 10)
	// last two words of one window open the next
	assert.Equal(t, first[8:], second[:2])
}

func TestChunkerFinalPartialWindow(t *testing.T) {
	words := make([]string, 12)
	for i := range words {
		words[i] = "x"
	}
	c := NewChunker(10, 2, "simple")
	out := c.Windows(strings.Join(words, " "))
	require.Len(t, out, 2)
	assert.Len(t, strings.Fields(out[1]), 4)
}

func TestChunkerBadOverlapFallsBack(t *testing.T) {
	c := NewChunker(10, 10, "simple")
	words := strings.Repeat("a ", 30)
	out := c.Windows(strings.TrimSpace(words))
	// overlap reset to default keeps the chunker making progress
	assert.NotEmpty(t, out)
	for _, w := range out {
		assert.LessOrEqual(t, len(strings.Fields(w)), 10)
	}
}

func TestChunkerTiktokenMode(t *testing.T) {
	c := NewChunker(500, 50, "tiktoken")
	out := c.Windows("short input stays whole")
	require.Len(t, out, 1)
}
