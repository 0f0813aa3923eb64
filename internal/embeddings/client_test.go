package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maestro-rag/maestro/internal/circuitbreaker"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, dim int, failures *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && atomic.AddInt32(failures, -1) >= 0 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float64, len(req.Texts))
		for i := range req.Texts {
			v := make([]float64, dim)
			v[0] = float64(len(req.Texts[i]))
			out[i] = v
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: out, Dimensions: dim, ModelUsed: req.Model})
	}))
}

func TestEncodeBatchReturnsVectorPerText(t *testing.T) {
	srv := newTestServer(t, 4, nil)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ExpectedDim: 4}, nil, zap.NewNop())
	vecs, err := c.EncodeBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(2), vecs[1][0])
}

func TestEncodeServesRepeatFromLRU(t *testing.T) {
	srv := newTestServer(t, 4, nil)

	c := NewClient(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	v1, err := c.Encode(context.Background(), "hello")
	require.NoError(t, err)

	// Kill the server; a cached vector must still be served.
	srv.Close()
	v2, err := c.Encode(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestEncodeRetriesTransientFailures(t *testing.T) {
	failures := int32(2)
	srv := newTestServer(t, 4, &failures)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 3}, nil, zap.NewNop())
	_, err := c.Encode(context.Background(), "retry me")
	require.NoError(t, err)
}

func TestEncodeFailsWithEmbeddingUnavailableAfterRetries(t *testing.T) {
	failures := int32(10)
	srv := newTestServer(t, 4, &failures)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 2}, nil, zap.NewNop())
	_, err := c.Encode(context.Background(), "always fails")
	require.Error(t, err)
	assert.Equal(t, rag.KindEmbeddingUnavailable, rag.KindOf(err))
}

func TestEncodeBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 1}, nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := c.Encode(context.Background(), fmt.Sprintf("q%d", i))
		require.Error(t, err)
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&hits))

	// The breaker is open; the next call fails fast without a request.
	_, err := c.Encode(context.Background(), "q4")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, rag.KindEmbeddingUnavailable, rag.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestEncodeRejectsWrongDimension(t *testing.T) {
	srv := newTestServer(t, 8, nil)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ExpectedDim: 4}, nil, zap.NewNop())
	_, err := c.Encode(context.Background(), "wrong dim")
	require.Error(t, err)
	assert.Equal(t, rag.KindEmbeddingUnavailable, rag.KindOf(err))
}

func TestFallbackModelSkipsDimensionCheck(t *testing.T) {
	srv := newTestServer(t, 8, nil)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ExpectedDim: 4, FallbackModel: "all-MiniLM-L6-v2"}, nil, zap.NewNop())
	v, err := c.EncodeFallback(context.Background(), "fallback text")
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestLocalLRUExpiresEntries(t *testing.T) {
	lru := NewLocalLRU(4)
	lru.Set(context.Background(), "k", []float32{1}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := lru.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	lru.Set(context.Background(), "a", []float32{1}, time.Minute)
	lru.Set(context.Background(), "b", []float32{2}, time.Minute)
	lru.Set(context.Background(), "c", []float32{3}, time.Minute)
	_, ok := lru.Get(context.Background(), "a")
	assert.False(t, ok)
	_, ok = lru.Get(context.Background(), "c")
	assert.True(t, ok)
}
