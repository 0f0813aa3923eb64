package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	QuestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_questions_total",
			Help: "Total number of questions answered",
		},
		[]string{"strategy", "status"},
	)

	StrategyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_strategy_latency_seconds",
			Help:    "End-to-end strategy execution latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy"},
	)

	// Bandit metrics
	BanditSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_bandit_selections_total",
			Help: "Total number of bandit arm selections",
		},
		[]string{"arm", "mode"},
	)

	BanditReward = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_bandit_reward",
			Help:    "Reward values applied to bandit arms",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"arm", "source"},
	)

	// Answer cache metrics
	AnswerCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_answer_cache_hits_total",
			Help: "Total number of answer cache hits by layer",
		},
		[]string{"layer"},
	)

	AnswerCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_answer_cache_misses_total",
			Help: "Total number of answer cache misses",
		},
	)

	AnswerCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_answer_cache_size",
			Help: "Current number of entries in the answer cache",
		},
	)

	AnswerCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_answer_cache_evictions_total",
			Help: "Total number of answer cache evictions",
		},
		[]string{"reason"},
	)

	AnswerCacheRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_answer_cache_rejections_total",
			Help: "Total number of insertions rejected by the quality gate",
		},
	)

	// Retrieval metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	KeywordSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_keyword_search_total",
			Help: "Total number of BM25 keyword searches",
		},
		[]string{"status"},
	)

	FileFallbackTriggers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_file_fallback_triggers_total",
			Help: "Total number of file-level fallback activations",
		},
	)

	FileFallbackLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_file_fallback_latency_seconds",
			Help:    "File-level fallback latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Rerank metrics
	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_rerank_requests_total",
			Help: "Total number of rerank requests",
		},
		[]string{"model", "status"},
	)

	RerankFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_rerank_fallbacks_total",
			Help: "Total number of rerank calls routed to the fast fallback model",
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_llm_requests_total",
			Help: "Total number of LLM completion requests",
		},
		[]string{"model", "status"},
	)

	LLMTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_llm_tokens_used",
			Help:    "Number of tokens used per LLM call",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	LLMCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_llm_cost_usd",
			Help:    "Cost in USD per LLM call",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Graph metrics
	GraphNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_graph_nodes",
			Help: "Current number of nodes in the entity graph",
		},
	)

	GraphEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_graph_edges",
			Help: "Current number of edges in the entity graph",
		},
	)

	GraphJITBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_graph_jit_builds_total",
			Help: "Total number of JIT graph builds",
		},
		[]string{"status"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Progress streaming metrics
	ProgressEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_progress_events_dropped_total",
			Help: "Total number of progress events dropped for slow subscribers",
		},
	)
)

// RecordQuestion records a completed question with its strategy outcome.
func RecordQuestion(strategy, status string, durationSeconds float64) {
	QuestionsTotal.WithLabelValues(strategy, status).Inc()
	StrategyLatency.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordVectorSearchMetrics records vector search metrics.
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding request metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordRerankMetrics records rerank request metrics.
func RecordRerankMetrics(model, status string) {
	RerankRequests.WithLabelValues(model, status).Inc()
}

// RecordLLMMetrics records one LLM call with token and cost accounting.
func RecordLLMMetrics(model, status string, tokens int, costUSD float64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	if tokens > 0 {
		LLMTokensUsed.Observe(float64(tokens))
	}
	if costUSD > 0 {
		LLMCostUSD.Observe(costUSD)
	}
}

// RecordBanditUpdate records a reward applied to an arm.
func RecordBanditUpdate(arm, source string, reward float64) {
	BanditReward.WithLabelValues(arm, source).Observe(reward)
}
