// Package vectordb is a minimal Qdrant HTTP client scoped to the
// corpus chunk collection.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/maestro-rag/maestro/internal/circuitbreaker"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/tracing"
	"go.uber.org/zap"
)

// Client is a minimal Qdrant HTTP client
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// NewClient builds a Qdrant client with circuit breaking.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "document_chunks"
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	httpw := circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger)
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: httpw,
		log:   logger,
	}
}

// Config returns the current configuration.
func (c *Client) Config() Config { return c.cfg }

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// scopeFilter builds a Qdrant filter for the retrieval scope. ScopeAll
// applies no filter; the corpus stores a "scope" payload key.
func scopeFilter(scope rag.Scope) map[string]interface{} {
	if scope == "" || scope == rag.ScopeAll {
		return nil
	}
	return map[string]interface{}{
		"must": []map[string]interface{}{
			{
				"key":   "scope",
				"match": map[string]interface{}{"value": string(scope)},
			},
		},
	}
}

// Search runs ANN search over the chunk collection, restricted to the
// given scope, and returns up to k hits with cosine scores.
func (c *Client) Search(ctx context.Context, vec []float32, k int, scope rag.Scope) ([]Hit, error) {
	const op = "vectordb.Search"
	if k <= 0 {
		k = c.cfg.TopK
	}
	if c.cfg.ExpectedEmbeddingDim > 0 && len(vec) != c.cfg.ExpectedEmbeddingDim {
		return nil, rag.E(op, rag.KindInvalidInput,
			fmt.Errorf("vector dimension %d != %d", len(vec), c.cfg.ExpectedEmbeddingDim))
	}
	start := time.Now()

	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	var thr *float64
	if c.cfg.Threshold > 0 {
		t := c.cfg.Threshold
		thr = &t
	}
	reqBody := qdrantQueryRequest{
		Query:          vec,
		Limit:          k,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         scopeFilter(scope),
	}
	buf, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordVectorSearchMetrics(c.cfg.Collection, "error", time.Since(start).Seconds())
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordVectorSearchMetrics(c.cfg.Collection, "error", time.Since(start).Seconds())
		return nil, rag.E(op, rag.KindIndexUnavailable, fmt.Errorf("qdrant status %d", resp.StatusCode))
	}
	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordVectorSearchMetrics(c.cfg.Collection, "error", time.Since(start).Seconds())
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	metrics.RecordVectorSearchMetrics(c.cfg.Collection, "ok", time.Since(start).Seconds())

	hits := make([]Hit, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		hits = append(hits, Hit{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return hits, nil
}

// Upsert inserts or updates one or more points into the collection.
// Used by the (external) ingestion pipeline through the seeding API.
func (c *Client) Upsert(ctx context.Context, points []UpsertItem) (*UpsertResponse, error) {
	const op = "vectordb.Upsert"
	url := fmt.Sprintf("%s/collections/%s/points", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	for i := range points {
		if points[i].ID == nil {
			points[i].ID = uuid.New().String()
		}
	}
	body := map[string]interface{}{"points": points}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, rag.E(op, rag.KindIndexUnavailable, fmt.Errorf("qdrant upsert status %d", resp.StatusCode))
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	return &r, nil
}

// ChunkFromHit converts a search hit into the shared chunk model.
func ChunkFromHit(h Hit) rag.ScoredChunk {
	ch := rag.Chunk{ID: h.ID, Payload: h.Payload}
	if h.Payload != nil {
		if v, ok := h.Payload["source_path"].(string); ok {
			ch.SourcePath = v
		}
		if v, ok := h.Payload["text"].(string); ok {
			ch.Text = v
		}
		if v, ok := h.Payload["ordinal"].(float64); ok {
			ch.Ordinal = int(v)
		}
	}
	return rag.ScoredChunk{Chunk: ch, Score: h.Score}
}
