// Package llm is the client for the external OpenAI-compatible
// completion provider. It owns retry policy, token accounting, and the
// structured-output and streaming helpers strategies build on.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/maestro-rag/maestro/internal/circuitbreaker"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/pricing"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/tracing"
	"go.uber.org/zap"
)

// Config controls provider access.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// Temperature for generation; 0 keeps answers grounded.
	Temperature float64
}

// Client issues completion requests with bounded retries.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient builds an LLM client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "llm", "provider", logger),
		logger: logger,
	}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
	ResponseFmt *respFmt  `json:"response_format,omitempty"`
}

type respFmt struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Completion is the provider's answer plus accounting.
type Completion struct {
	Text    string
	Usage   rag.TokenUsage
	CostUSD float64
	Model   string
}

// Complete issues a chat completion for the given messages.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	return c.complete(ctx, messages, nil)
}

// CompleteJSON requests a JSON object response and unmarshals it into
// out. Markdown fences around the object are tolerated.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, out interface{}) (*Completion, error) {
	comp, err := c.complete(ctx, messages, &respFmt{Type: "json_object"})
	if err != nil {
		return nil, err
	}
	text := StripFences(comp.Text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return comp, rag.E("llm.CompleteJSON", rag.KindLLMUnavailable,
			fmt.Errorf("unparseable structured output: %w", err))
	}
	return comp, nil
}

func (c *Client) complete(ctx context.Context, messages []Message, format *respFmt) (*Completion, error) {
	const op = "llm.Complete"
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		ResponseFmt: format,
	}
	buf, _ := json.Marshal(payload)

	var lastErr error
	var rateLimited bool
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return nil, rag.E(op, rag.KindDeadlineExceeded, ctx.Err())
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
		}

		resp, err := c.do(ctx, buf)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			rateLimited = true
			lastErr = fmt.Errorf("provider rate limited")
			c.logger.Warn("LLM rate limited, backing off", zap.Int("attempt", attempt+1))
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("provider status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			metrics.RecordLLMMetrics(c.cfg.Model, "error", 0, 0)
			return nil, rag.E(op, rag.KindLLMUnavailable,
				fmt.Errorf("provider status %d: %s", resp.StatusCode, string(body)))
		}

		var cr chatResponse
		derr := json.NewDecoder(resp.Body).Decode(&cr)
		resp.Body.Close()
		if derr != nil {
			lastErr = derr
			continue
		}
		if len(cr.Choices) == 0 {
			lastErr = fmt.Errorf("no choices returned")
			continue
		}

		usage := rag.TokenUsage{
			Prompt:     cr.Usage.PromptTokens,
			Completion: cr.Usage.CompletionTokens,
			Total:      cr.Usage.TotalTokens,
		}
		model := cr.Model
		if model == "" {
			model = c.cfg.Model
		}
		cost := pricing.CostUSD(model, usage.Prompt, usage.Completion)
		metrics.RecordLLMMetrics(model, "ok", usage.Total, cost)
		return &Completion{
			Text:    cr.Choices[0].Message.Content,
			Usage:   usage,
			CostUSD: cost,
			Model:   model,
		}, nil
	}

	metrics.RecordLLMMetrics(c.cfg.Model, "exhausted", 0, 0)
	kind := rag.KindUpstreamUnavailable
	if rateLimited {
		// Rate limiting after full backoff still surfaces as upstream
		// unavailability; the distinction lives in the wrapped cause.
		lastErr = fmt.Errorf("%s: %w", rag.KindLLMRateLimited, lastErr)
	}
	return nil, rag.E(op, kind, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/v1/chat/completions", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// StreamComplete issues a streaming completion, invoking onFragment for
// each content delta. The returned completion carries the full text.
func (c *Client) StreamComplete(ctx context.Context, messages []Message, onFragment func(string)) (*Completion, error) {
	const op = "llm.StreamComplete"
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		Stream:      true,
	}
	buf, _ := json.Marshal(payload)

	resp, err := c.do(ctx, buf)
	if err != nil {
		return nil, rag.E(op, rag.KindUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, rag.E(op, rag.KindUpstreamUnavailable, fmt.Errorf("provider status %d", resp.StatusCode))
	}

	var full strings.Builder
	var usage rag.TokenUsage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var delta struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			continue
		}
		if delta.Usage != nil {
			usage = rag.TokenUsage{
				Prompt:     delta.Usage.PromptTokens,
				Completion: delta.Usage.CompletionTokens,
				Total:      delta.Usage.TotalTokens,
			}
		}
		for _, ch := range delta.Choices {
			if ch.Delta.Content != "" {
				full.WriteString(ch.Delta.Content)
				if onFragment != nil {
					onFragment(ch.Delta.Content)
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, rag.E(op, rag.KindDeadlineExceeded, ctx.Err())
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, rag.E(op, rag.KindUpstreamUnavailable, err)
	}

	cost := pricing.CostUSD(c.cfg.Model, usage.Prompt, usage.Completion)
	metrics.RecordLLMMetrics(c.cfg.Model, "ok", usage.Total, cost)
	return &Completion{Text: full.String(), Usage: usage, CostUSD: cost, Model: c.cfg.Model}, nil
}

// StripFences removes a markdown code fence wrapper if present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
