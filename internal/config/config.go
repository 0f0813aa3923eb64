// Package config loads service configuration from an optional
// features.yaml file plus environment overrides, and hot-reloads
// tunable thresholds when the file changes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	ReadTimeoutSec int `mapstructure:"read_timeout_sec"`
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec"`
}

// BanditConfig controls strategy selection learning.
type BanditConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	StateFile        string  `mapstructure:"state_file"`
	DefaultStateFile string  `mapstructure:"default_state_file"`
	ExplorationBonus float64 `mapstructure:"exploration_bonus"`
	LatencyBudgetMs  int     `mapstructure:"latency_budget_ms"`
}

// RetrievalConfig tunes hybrid fusion.
type RetrievalConfig struct {
	HybridAlpha float64 `mapstructure:"hybrid_alpha"`
	BM25TopK    int     `mapstructure:"bm25_top_k"`
	FusionMode  string  `mapstructure:"fusion_mode"` // weighted | rrf
	TopK        int     `mapstructure:"top_k"`
	RerankTopN  int     `mapstructure:"rerank_top_n"`
}

// CacheConfig tunes the answer cache.
type CacheConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	TTLHours            int     `mapstructure:"ttl_hours"`
	MaxSize             int     `mapstructure:"max_size"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// SelfRAGConfig tunes the iterative refiner.
type SelfRAGConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	MaxIterations       int     `mapstructure:"max_iterations"`
	MinImprovement      float64 `mapstructure:"min_improvement"`
}

// FileFallbackConfig tunes the file-level re-embedding fallback.
type FileFallbackConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	ChunkSize           int     `mapstructure:"chunk_size"`
	ChunkOverlap        int     `mapstructure:"chunk_overlap"`
	CorpusRoot          string  `mapstructure:"corpus_root"`
}

// GraphJITConfig tunes just-in-time entity graph construction.
type GraphJITConfig struct {
	MaxChunks   int `mapstructure:"max_chunks"`
	BatchSize   int `mapstructure:"batch_size"`
	TimeoutMs   int `mapstructure:"timeout_ms"`
	MaxHops     int `mapstructure:"max_hops"`
	Parallelism int `mapstructure:"parallelism"`
}

// EndpointsConfig names the external collaborators.
type EndpointsConfig struct {
	VectorDBHost   string `mapstructure:"vectordb_host"`
	VectorDBPort   int    `mapstructure:"vectordb_port"`
	Collection     string `mapstructure:"collection"`
	EmbeddingURL   string `mapstructure:"embedding_url"`
	RerankURL      string `mapstructure:"rerank_url"`
	LLMURL         string `mapstructure:"llm_url"`
	LLMAPIKey      string `mapstructure:"llm_api_key"`
	LLMModel       string `mapstructure:"llm_model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	FallbackModel  string `mapstructure:"fallback_embedding_model"`
	RedisAddr      string `mapstructure:"redis_addr"`
	CacheDir       string `mapstructure:"cache_dir"`
}

// Config is the full service configuration snapshot.
type Config struct {
	Server           ServerConfig       `mapstructure:"server"`
	Bandit           BanditConfig       `mapstructure:"bandit"`
	Retrieval        RetrievalConfig    `mapstructure:"retrieval"`
	Cache            CacheConfig        `mapstructure:"cache"`
	SelfRAG          SelfRAGConfig      `mapstructure:"self_rag"`
	FileFallback     FileFallbackConfig `mapstructure:"file_fallback"`
	GraphJIT         GraphJITConfig     `mapstructure:"graph_jit"`
	Endpoints        EndpointsConfig    `mapstructure:"endpoints"`
	RequestTimeoutMs int                `mapstructure:"request_timeout_ms"`
	RateLimitRPS     float64            `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int                `mapstructure:"rate_limit_burst"`
	TracingEnabled   bool               `mapstructure:"tracing_enabled"`
	OTLPEndpoint     string             `mapstructure:"otlp_endpoint"`
	// ONNXEnabled and Int8Enabled describe the embedding service
	// runtime; reported on /health.
	ONNXEnabled bool `mapstructure:"onnx_enabled"`
	Int8Enabled bool `mapstructure:"int8_enabled"`
}

// RequestTimeout returns the per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// CacheTTL returns the answer cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	if c.Cache.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// GraphJITTimeout returns the JIT build wall clock budget.
func (c *Config) GraphJITTimeout() time.Duration {
	if c.GraphJIT.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.GraphJIT.TimeoutMs) * time.Millisecond
}

// envBindings maps recognized environment keys onto config paths.
// These are the externally documented knobs; everything else is
// reachable through features.yaml.
var envBindings = map[string]string{
	"bandit.state_file":                  "BANDIT_STATE_FILE",
	"bandit.enabled":                     "SMART_RAG_BANDIT_ENABLED",
	"bandit.latency_budget_ms":           "SMART_RAG_LATENCY_BUDGET_MS",
	"retrieval.hybrid_alpha":             "HYBRID_ALPHA",
	"retrieval.bm25_top_k":               "BM25_TOP_K",
	"cache.enabled":                      "ENABLE_QUERY_CACHE",
	"cache.ttl_hours":                    "ANSWER_CACHE_TTL_HOURS",
	"cache.max_size":                     "ANSWER_CACHE_MAX_SIZE",
	"cache.similarity_threshold":         "ANSWER_CACHE_SIMILARITY_THRESHOLD",
	"self_rag.enabled":                   "ENABLE_SELF_RAG",
	"self_rag.confidence_threshold":      "SELF_RAG_CONFIDENCE_THRESHOLD",
	"self_rag.max_iterations":            "SELF_RAG_MAX_ITERATIONS",
	"self_rag.min_improvement":           "SELF_RAG_MIN_IMPROVEMENT",
	"file_fallback.enabled":              "ENABLE_FILE_LEVEL_FALLBACK",
	"file_fallback.confidence_threshold": "CONFIDENCE_FALLBACK_THRESHOLD",
	"file_fallback.chunk_size":           "FILE_FALLBACK_CHUNK_SIZE",
	"file_fallback.chunk_overlap":        "FILE_FALLBACK_CHUNK_OVERLAP",
	"graph_jit.max_chunks":               "GRAPH_JIT_MAX_CHUNKS",
	"graph_jit.batch_size":               "GRAPH_JIT_BATCH_SIZE",
	"graph_jit.timeout_ms":               "GRAPH_JIT_TIMEOUT_MS",
	"endpoints.vectordb_host":            "VECTORDB_HOST",
	"endpoints.vectordb_port":            "VECTORDB_PORT",
	"endpoints.collection":               "VECTORDB_COLLECTION",
	"endpoints.embedding_url":            "EMBEDDING_SERVICE_URL",
	"endpoints.rerank_url":               "RERANK_SERVICE_URL",
	"endpoints.llm_url":                  "LLM_SERVICE_URL",
	"endpoints.llm_api_key":              "LLM_API_KEY",
	"endpoints.llm_model":                "LLM_MODEL",
	"endpoints.embedding_model":          "EMBEDDING_MODEL",
	"endpoints.fallback_embedding_model": "FALLBACK_EMBEDDING_MODEL",
	"endpoints.redis_addr":               "REDIS_ADDR",
	"endpoints.cache_dir":                "CACHE_DIR",
	"server.port":                        "PORT",
	"request_timeout_ms":                 "REQUEST_TIMEOUT_MS",
	"tracing_enabled":                    "TRACING_ENABLED",
	"otlp_endpoint":                      "OTLP_ENDPOINT",
	"onnx_enabled":                       "EMBEDDINGS_ONNX_ENABLED",
	"int8_enabled":                       "EMBEDDINGS_INT8_ENABLED",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_sec", 10)
	v.SetDefault("server.idle_timeout_sec", 60)

	v.SetDefault("bandit.enabled", true)
	v.SetDefault("bandit.state_file", "data/bandit_state.json")
	v.SetDefault("bandit.default_state_file", "config/bandit_default.json")
	v.SetDefault("bandit.exploration_bonus", 0.1)
	v.SetDefault("bandit.latency_budget_ms", 8000)

	v.SetDefault("retrieval.hybrid_alpha", 0.7)
	v.SetDefault("retrieval.bm25_top_k", 20)
	v.SetDefault("retrieval.fusion_mode", "weighted")
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.rerank_top_n", 10)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.similarity_threshold", 0.85)

	v.SetDefault("self_rag.enabled", true)
	v.SetDefault("self_rag.confidence_threshold", 0.75)
	v.SetDefault("self_rag.max_iterations", 3)
	v.SetDefault("self_rag.min_improvement", 0.05)

	v.SetDefault("file_fallback.enabled", true)
	v.SetDefault("file_fallback.confidence_threshold", 0.65)
	v.SetDefault("file_fallback.chunk_size", 500)
	v.SetDefault("file_fallback.chunk_overlap", 50)
	v.SetDefault("file_fallback.corpus_root", "data/corpus")

	v.SetDefault("graph_jit.max_chunks", 8)
	v.SetDefault("graph_jit.batch_size", 4)
	v.SetDefault("graph_jit.timeout_ms", 30000)
	v.SetDefault("graph_jit.max_hops", 2)
	v.SetDefault("graph_jit.parallelism", 4)

	v.SetDefault("endpoints.vectordb_host", "localhost")
	v.SetDefault("endpoints.vectordb_port", 6333)
	v.SetDefault("endpoints.collection", "document_chunks")
	v.SetDefault("endpoints.embedding_url", "http://localhost:8001")
	v.SetDefault("endpoints.rerank_url", "http://localhost:8002")
	v.SetDefault("endpoints.llm_url", "http://localhost:8000")
	v.SetDefault("endpoints.llm_model", "gpt-4o-mini")
	v.SetDefault("endpoints.embedding_model", "text-embedding-3-small")
	v.SetDefault("endpoints.fallback_embedding_model", "all-MiniLM-L6-v2")
	v.SetDefault("endpoints.cache_dir", "data/cache")

	v.SetDefault("request_timeout_ms", 30000)
	v.SetDefault("rate_limit_rps", 20)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("tracing_enabled", false)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads configuration from the file at CONFIG_PATH (or
// ./config/features.yaml when unset), falling back to defaults plus
// environment overrides when no file exists.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/features.yaml"
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; malformed file is not.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}
