// Package answercache caches finished answers behind three match
// layers: exact normalized-question hash, TF-IDF cosine, and embedding
// cosine. Entries expire after a TTL and the cache evicts LRU past its
// capacity.
package answercache

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// Embedder supplies question vectors for the semantic layer. A nil
// embedder disables that layer.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the cache.
type Config struct {
	Enabled bool
	// Capacity bounds the number of live entries.
	Capacity int
	TTL      time.Duration
	// SimilarityThreshold applies to both the lexical and semantic layers.
	SimilarityThreshold float64
}

type entry struct {
	key        string
	normalized string
	terms      map[string]float64 // raw term frequencies
	vector     []float32
	answer     rag.Answer
	storedAt   time.Time
}

// Cache is the in-process answer cache.
type Cache struct {
	mu       sync.Mutex
	cfg      Config
	byKey    map[string]*list.Element
	lru      *list.List // front = most recent
	df       map[string]int
	embedder Embedder
	logger   *zap.Logger
}

// New builds a cache; embedder may be nil.
func New(cfg Config, embedder Embedder, logger *zap.Logger) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Cache{
		cfg:      cfg,
		byKey:    make(map[string]*list.Element),
		lru:      list.New(),
		df:       make(map[string]int),
		embedder: embedder,
		logger:   logger,
	}
}

// Key hashes a normalized question for the exact layer.
func Key(normalized string) string {
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Get looks up an answer through the layers in order. The returned
// answer is a copy with cache metadata attached.
func (c *Cache) Get(ctx context.Context, question string) (*rag.Answer, bool) {
	if c == nil || !c.cfg.Enabled {
		return nil, false
	}
	norm := rag.NormalizeQuestion(question)
	if norm == "" {
		return nil, false
	}

	c.mu.Lock()
	c.pruneExpiredLocked()

	// Layer 1: exact.
	if el, ok := c.byKey[Key(norm)]; ok {
		ans := c.hitLocked(el, "exact", 1.0)
		c.mu.Unlock()
		metrics.AnswerCacheHits.WithLabelValues("exact").Inc()
		return ans, true
	}

	// Layer 2: TF-IDF cosine over cached questions.
	qTerms := termFrequencies(norm)
	if el, sim := c.bestLexicalLocked(qTerms); el != nil && sim >= c.cfg.SimilarityThreshold {
		ans := c.hitLocked(el, "lexical", sim)
		c.mu.Unlock()
		metrics.AnswerCacheHits.WithLabelValues("lexical").Inc()
		return ans, true
	}
	c.mu.Unlock()

	// Layer 3: embedding cosine. The embedding call happens outside the
	// lock; entries may rotate underneath, which only costs a miss.
	if c.embedder != nil {
		if vec, err := c.embedder.Encode(ctx, question); err == nil {
			c.mu.Lock()
			if el, sim := c.bestSemanticLocked(vec); el != nil && sim >= c.cfg.SimilarityThreshold {
				ans := c.hitLocked(el, "semantic", sim)
				c.mu.Unlock()
				metrics.AnswerCacheHits.WithLabelValues("semantic").Inc()
				return ans, true
			}
			c.mu.Unlock()
		} else {
			c.logger.Debug("Semantic cache layer skipped", zap.Error(err))
		}
	}

	metrics.AnswerCacheMisses.Inc()
	return nil, false
}

// Put stores an answer when it passes the quality gate: at least one
// citation and at least one supporting chunk, and not a no-evidence
// response.
func (c *Cache) Put(ctx context.Context, question string, ans rag.Answer) bool {
	if c == nil || !c.cfg.Enabled {
		return false
	}
	if len(ans.Citations) == 0 || ans.ChunksUsed == 0 || ans.NoEvidence {
		metrics.AnswerCacheRejections.Inc()
		return false
	}
	norm := rag.NormalizeQuestion(question)
	if norm == "" {
		return false
	}

	var vec []float32
	if c.embedder != nil {
		if v, err := c.embedder.Encode(ctx, question); err == nil {
			vec = v
		}
	}

	// Cached answers replay without per-request identifiers, and the
	// entry must not alias the caller's timing map.
	ans.QueryID = ""
	ans.CacheHit = nil
	ans.Timings = ans.Timings.Clone()

	e := &entry{
		key:        Key(norm),
		normalized: norm,
		terms:      termFrequencies(norm),
		vector:     vec,
		answer:     ans,
		storedAt:   time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[e.key]; ok {
		c.removeLocked(el)
	}
	el := c.lru.PushFront(e)
	c.byKey[e.key] = el
	for term := range e.terms {
		c.df[term]++
	}
	for c.lru.Len() > c.cfg.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		metrics.AnswerCacheEvictions.WithLabelValues("capacity").Inc()
	}
	metrics.AnswerCacheSize.Set(float64(c.lru.Len()))
	return true
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked()
	return c.lru.Len()
}

// hitLocked copies the stored answer for the caller. Timings is cloned
// so per-hit writes cannot reach the entry or race other hits.
func (c *Cache) hitLocked(el *list.Element, layer string, sim float64) *rag.Answer {
	c.lru.MoveToFront(el)
	e := el.Value.(*entry)
	ans := e.answer
	ans.Timings = e.answer.Timings.Clone()
	ans.CacheHit = &rag.CacheHit{Layer: layer, Similarity: sim}
	return &ans
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.byKey, e.key)
	for term := range e.terms {
		if c.df[term] <= 1 {
			delete(c.df, term)
		} else {
			c.df[term]--
		}
	}
}

func (c *Cache) pruneExpiredLocked() {
	now := time.Now()
	for el := c.lru.Back(); el != nil; {
		e := el.Value.(*entry)
		prev := el.Prev()
		if now.Sub(e.storedAt) > c.cfg.TTL {
			c.removeLocked(el)
			metrics.AnswerCacheEvictions.WithLabelValues("ttl").Inc()
		}
		el = prev
	}
	metrics.AnswerCacheSize.Set(float64(c.lru.Len()))
}

func (c *Cache) bestLexicalLocked(qTerms map[string]float64) (*list.Element, float64) {
	var best *list.Element
	bestSim := 0.0
	n := c.lru.Len()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		sim := tfidfCosine(qTerms, e.terms, c.df, n)
		if sim > bestSim {
			bestSim = sim
			best = el
		}
	}
	return best, bestSim
}

func (c *Cache) bestSemanticLocked(vec []float32) (*list.Element, float64) {
	var best *list.Element
	bestSim := 0.0
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if len(e.vector) == 0 {
			continue
		}
		sim := cosine32(vec, e.vector)
		if sim > bestSim {
			bestSim = sim
			best = el
		}
	}
	return best, bestSim
}

func termFrequencies(normalized string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range strings.Fields(normalized) {
		tf[tok]++
	}
	return tf
}

// tfidfCosine weights each term by log((1+n)/(1+df)) + 1 before taking
// the cosine, so rare terms dominate the match.
func tfidfCosine(a, b map[string]float64, df map[string]int, n int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	idf := func(term string) float64 {
		return math.Log(float64(1+n)/float64(1+df[term])) + 1
	}
	var dot, na, nb float64
	for term, fa := range a {
		w := idf(term)
		wa := fa * w
		na += wa * wa
		if fb, ok := b[term]; ok {
			dot += wa * fb * w
		}
	}
	for term, fb := range b {
		w := idf(term)
		wb := fb * w
		nb += wb * wb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
