package router

import (
	"regexp"
	"sync"

	"github.com/maestro-rag/maestro/internal/rag"
)

// Intent buckets a question for routing.
type Intent string

const (
	IntentFactual    Intent = "factual"
	IntentAnalytical Intent = "analytical"
	IntentRelational Intent = "relational"
	IntentTabular    Intent = "tabular"
	IntentGeneral    Intent = "general"
)

var (
	relationalRe = regexp.MustCompile(`\b(relationship|relationships|related|relation|relations|connected|connection|roles?\b.*\bin\b|who is .* (to|of)|family|allies|enemies|network)\b`)
	tabularRe    = regexp.MustCompile(`\b(compare|comparison|versus|vs|list all|list the|table|how many|count of|average|total|sum of|rank|top \d+|per (year|month|country|category))\b`)
	analyticalRe = regexp.MustCompile(`\b(why|how does|how do|explain|analy[sz]e|cause|impact|effect|difference between|implications?)\b`)
	factualRe    = regexp.MustCompile(`^(who|what|when|where|which|whose|whom)\b`)
)

// maxCachedClassifications bounds the memo; classification is cheap
// enough that resetting a full cache beats tracking recency.
const maxCachedClassifications = 1024

// Classifier buckets questions with ordered pattern rules, caching by
// normalized question. Classification runs on every request, so it
// stays off the LLM.
type Classifier struct {
	mu    sync.RWMutex
	cache map[string]Intent
}

// NewClassifier builds an empty classifier cache.
func NewClassifier() *Classifier {
	return &Classifier{cache: make(map[string]Intent)}
}

// Classify returns the intent for a question.
func (c *Classifier) Classify(question string) Intent {
	key := rag.NormalizeQuestion(question)
	if key == "" {
		return IntentGeneral
	}

	c.mu.RLock()
	if intent, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return intent
	}
	c.mu.RUnlock()

	intent := classify(key)
	c.mu.Lock()
	if len(c.cache) >= maxCachedClassifications {
		c.cache = make(map[string]Intent, maxCachedClassifications)
	}
	c.cache[key] = intent
	c.mu.Unlock()
	return intent
}

// classify applies the rules most-specific first: tabular and
// relational cues outrank the generic factual opener.
func classify(normalized string) Intent {
	switch {
	case tabularRe.MatchString(normalized):
		return IntentTabular
	case relationalRe.MatchString(normalized):
		return IntentRelational
	case analyticalRe.MatchString(normalized):
		return IntentAnalytical
	case factualRe.MatchString(normalized):
		return IntentFactual
	default:
		return IntentGeneral
	}
}

// CacheSize reports the number of cached classifications.
func (c *Classifier) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
