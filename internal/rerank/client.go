// Package rerank scores (query, passage) pairs through the inference
// service. Failures are soft: callers always get a usable score slice
// preserving input order.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/maestro-rag/maestro/internal/circuitbreaker"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/tracing"
	"go.uber.org/zap"
)

// Config controls rerank behavior.
type Config struct {
	BaseURL       string
	PrimaryModel  string
	FallbackModel string
	Timeout       time.Duration
	// P95ThresholdMs switches to the fallback model while the moving
	// p95 latency exceeds it.
	P95ThresholdMs float64
	// WindowSize bounds the latency sample window.
	WindowSize int
}

// Client calls the rerank service with a latency-aware model switch.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger

	mu        sync.Mutex
	latencies []float64 // ring of recent call latencies in ms
	next      int
	filled    bool
}

// NewClient builds a rerank client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = "bge-reranker-v2-m3"
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = "bge-reranker-base"
	}
	if cfg.P95ThresholdMs == 0 {
		cfg.P95ThresholdMs = 1500
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 50
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:       cfg,
		httpw:     circuitbreaker.NewHTTPWrapper(httpClient, "rerank", "inference", logger),
		logger:    logger,
		latencies: make([]float64, cfg.WindowSize),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Passages  []string `json:"passages"`
	Model     string   `json:"model"`
	TopN      int      `json:"top_n,omitempty"`
	ReturnAll bool     `json:"return_all"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank returns one score per passage in input order; higher is more
// relevant. On any failure the passthrough scores preserve input order
// and a warning is logged; no error is returned.
func (c *Client) Rerank(ctx context.Context, query string, passages []string) []float64 {
	if len(passages) == 0 {
		return nil
	}
	model := c.pickModel()

	start := time.Now()
	scores, err := c.call(ctx, query, passages, model)
	elapsed := time.Since(start)
	c.observe(float64(elapsed.Milliseconds()))

	if err != nil {
		c.logger.Warn("Rerank failed, preserving input order",
			zap.String("model", model), zap.Error(err))
		metrics.RecordRerankMetrics(model, "passthrough")
		return passthroughScores(len(passages))
	}
	if len(scores) != len(passages) {
		c.logger.Warn("Rerank returned wrong score count, preserving input order",
			zap.Int("want", len(passages)), zap.Int("got", len(scores)))
		metrics.RecordRerankMetrics(model, "passthrough")
		return passthroughScores(len(passages))
	}
	metrics.RecordRerankMetrics(model, "ok")
	return scores
}

// pickModel returns the fallback model while the moving p95 is above
// the configured threshold.
func (c *Client) pickModel() string {
	if c.P95() > c.cfg.P95ThresholdMs {
		metrics.RerankFallbacks.Inc()
		return c.cfg.FallbackModel
	}
	return c.cfg.PrimaryModel
}

// P95 computes the 95th percentile over the latency window; 0 when the
// window is empty.
func (c *Client) P95() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	if c.filled {
		n = len(c.latencies)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, c.latencies[:n])
	sort.Float64s(sorted)
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func (c *Client) observe(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[c.next] = ms
	c.next++
	if c.next == len(c.latencies) {
		c.next = 0
		c.filled = true
	}
}

func (c *Client) call(ctx context.Context, query string, passages []string, model string) ([]float64, error) {
	url := fmt.Sprintf("%s/rerank/", c.cfg.BaseURL)
	payload := rerankRequest{Query: query, Passages: passages, Model: model, ReturnAll: true}
	buf, _ := json.Marshal(payload)

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank http status %d", resp.StatusCode)
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	return rr.Scores, nil
}

// passthroughScores keeps the caller's ordering stable under sorting.
func passthroughScores(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(n - i)
	}
	return out
}
