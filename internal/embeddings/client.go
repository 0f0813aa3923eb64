// Package embeddings turns text into vectors via the inference
// service, with a local LRU plus optional Redis cache in front and a
// bounded retry policy behind.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/maestro-rag/maestro/internal/circuitbreaker"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/tracing"
	"go.uber.org/zap"
)

// Client generates embeddings with caching and retry.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	cache  VectorCache
	lru    *LocalLRU
	logger *zap.Logger
}

// NewClient builds a client; cache may be nil.
func NewClient(cfg Config, cache VectorCache, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "embeddings", "inference", logger),
		cache:  cache,
		lru:    NewLocalLRU(cfg.MaxLRU),
		logger: logger,
	}
}

// Config returns the active configuration.
func (c *Client) Config() Config { return c.cfg }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Encode returns the primary-model vector for a single text.
func (c *Client) Encode(ctx context.Context, text string) ([]float32, error) {
	return c.EncodeWithModel(ctx, text, c.cfg.PrimaryModel)
}

// EncodeFallback returns the fallback-model vector for a single text.
// Callers must not write these vectors into the main index.
func (c *Client) EncodeFallback(ctx context.Context, text string) ([]float32, error) {
	return c.EncodeWithModel(ctx, text, c.cfg.FallbackModel)
}

// EncodeWithModel returns the vector for text under the given model.
func (c *Client) EncodeWithModel(ctx context.Context, text, model string) ([]float32, error) {
	vecs, err := c.EncodeBatchWithModel(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeFallbackBatch embeds many texts with the fallback model.
func (c *Client) EncodeFallbackBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.EncodeBatchWithModel(ctx, texts, c.cfg.FallbackModel)
}

// EncodeBatch embeds many texts with the primary model in one request.
func (c *Client) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.EncodeBatchWithModel(ctx, texts, c.cfg.PrimaryModel)
}

// EncodeBatchWithModel embeds many texts in one request, serving cached
// vectors where available.
func (c *Client) EncodeBatchWithModel(ctx context.Context, texts []string, model string) ([][]float32, error) {
	const op = "embeddings.EncodeBatch"
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if model == "" {
		model = c.cfg.PrimaryModel
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, text := range texts {
		key := MakeKey(model, text)
		if v, ok := c.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbeddingMetrics(model, "lru_hit", 0)
			continue
		}
		if c.cache != nil {
			if v, ok := c.cache.Get(ctx, key); ok {
				results[i] = v
				c.lru.Set(ctx, key, v, 30*time.Minute)
				metrics.RecordEmbeddingMetrics(model, "cache_hit", 0)
				continue
			}
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	start := time.Now()
	er, err := c.call(ctx, uncached, model)
	if err != nil {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, rag.E(op, rag.KindEmbeddingUnavailable, err)
	}
	if len(er.Embeddings) != len(uncached) {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, rag.E(op, rag.KindEmbeddingUnavailable,
			fmt.Errorf("got %d embeddings for %d texts", len(er.Embeddings), len(uncached)))
	}

	for i, emb := range er.Embeddings {
		out := make([]float32, len(emb))
		for j, f := range emb {
			out[j] = float32(f)
		}
		if model == c.cfg.PrimaryModel && c.cfg.ExpectedDim > 0 && len(out) != c.cfg.ExpectedDim {
			return nil, rag.E(op, rag.KindEmbeddingUnavailable,
				fmt.Errorf("dimension %d != index dimension %d", len(out), c.cfg.ExpectedDim))
		}
		results[uncachedIdx[i]] = out

		key := MakeKey(model, uncached[i])
		c.lru.Set(ctx, key, out, 30*time.Minute)
		if c.cache != nil {
			c.cache.Set(ctx, key, out, c.cfg.CacheTTL)
		}
	}
	metrics.RecordEmbeddingMetrics(model, "ok", time.Since(start).Seconds())
	return results, nil
}

// call issues the HTTP request with exponential backoff. Context
// cancellation aborts the wait between attempts.
func (c *Client) call(ctx context.Context, texts []string, model string) (*embedResponse, error) {
	url := fmt.Sprintf("%s/embeddings/", c.cfg.BaseURL)
	payload := embedRequest{Texts: texts, Model: model}
	buf, _ := json.Marshal(payload)

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
		}

		ctx2, span := tracing.StartHTTPSpan(ctx, "POST", url)
		req, err := http.NewRequestWithContext(ctx2, http.MethodPost, url, bytes.NewReader(buf))
		if err != nil {
			span.End()
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx2, req)

		resp, err := c.httpw.Do(req)
		span.End()
		if err != nil {
			lastErr = err
			c.logger.Warn("Embedding request failed",
				zap.String("model", model), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		var er *embedResponse
		er, lastErr = decodeEmbedResponse(resp)
		if lastErr == nil {
			return er, nil
		}
		// 4xx will not improve on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			break
		}
	}
	return nil, lastErr
}

func decodeEmbedResponse(resp *http.Response) (*embedResponse, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding http status %d: %s", resp.StatusCode, string(body))
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return &er, nil
}
