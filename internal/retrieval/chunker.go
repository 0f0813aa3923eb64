package retrieval

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Chunker splits text into overlapping token windows for file-level
// re-embedding.
type Chunker struct {
	windowTokens  int
	overlapTokens int
	mode          string // "simple" | "tiktoken"
	enc           *tiktoken.Tiktoken
}

// NewChunker builds a chunker. Mode "tiktoken" uses the cl100k_base
// encoding; when unavailable the chunker degrades to whitespace tokens.
func NewChunker(windowTokens, overlapTokens int, mode string) *Chunker {
	if windowTokens <= 0 {
		windowTokens = 500
	}
	if overlapTokens < 0 || overlapTokens >= windowTokens {
		overlapTokens = windowTokens / 10
	}
	c := &Chunker{windowTokens: windowTokens, overlapTokens: overlapTokens, mode: mode}
	if mode == "tiktoken" {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			c.enc = enc
		} else {
			c.mode = "simple"
		}
	}
	return c
}

// Windows splits text into overlapping windows. Short texts yield a
// single window.
func (c *Chunker) Windows(text string) []string {
	if c.enc != nil {
		return c.tiktokenWindows(text)
	}
	return c.simpleWindows(text)
}

func (c *Chunker) tiktokenWindows(text string) []string {
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= c.windowTokens {
		return []string{text}
	}
	step := c.windowTokens - c.overlapTokens
	var out []string
	for start := 0; start < len(ids); start += step {
		end := start + c.windowTokens
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, c.enc.Decode(ids[start:end]))
		if end == len(ids) {
			break
		}
	}
	return out
}

func (c *Chunker) simpleWindows(text string) []string {
	words := strings.Fields(text)
	if len(words) <= c.windowTokens {
		return []string{text}
	}
	step := c.windowTokens - c.overlapTokens
	var out []string
	for start := 0; start < len(words); start += step {
		end := start + c.windowTokens
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
