package embeddings

import "time"

// Config controls the embedding client behavior
type Config struct {
	// BaseURL points to the inference service providing /embeddings
	BaseURL string
	// PrimaryModel is the model whose vectors populate the main index
	PrimaryModel string
	// FallbackModel is used only by the file-level fallback; its vectors
	// are never written into the main index
	FallbackModel string
	// ExpectedDim is the vector index dimension; primary vectors of a
	// different length are rejected
	ExpectedDim int
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// EnableRedis enables the Redis-backed L2 vector cache
	EnableRedis bool
	// RedisAddr in host:port form when EnableRedis is true
	RedisAddr string
	// CacheTTL sets TTL for cached vectors
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
	// MaxRetries bounds transport retry attempts per call
	MaxRetries int
}
