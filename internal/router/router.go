// Package router orchestrates a request end to end: intent
// classification, cache lookup, arm selection, strategy execution with
// fallback, grounded generation, reward computation, and bookkeeping.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maestro-rag/maestro/internal/answercache"
	"github.com/maestro-rag/maestro/internal/bandit"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/registry"
	"github.com/maestro-rag/maestro/internal/strategy"
	"github.com/maestro-rag/maestro/internal/streaming"
	"go.uber.org/zap"
)

const noEvidenceText = "I could not find supporting evidence for this question in the corpus, so I will not guess."

// Config tunes the router.
type Config struct {
	BanditEnabled bool
	// LatencyBudgetMs feeds the reward's latency term and, at 1.5x,
	// the p95 exclusion rule.
	LatencyBudgetMs int64
	RequestTimeout  time.Duration
	DefaultTopK     int
}

// Router owns the per-request pipeline.
type Router struct {
	cfg        Config
	classifier *Classifier
	cache      *answercache.Cache
	bandit     *bandit.Bandit
	strategies map[string]strategy.Strategy
	registry   *registry.Registry
	bus        *streaming.Bus
	latencies  *latencyTracker
	logger     *zap.Logger
}

// New wires the router. The strategies map must cover every arm name
// the bandit can select.
func New(cfg Config, strategies map[string]strategy.Strategy, b *bandit.Bandit, cache *answercache.Cache, reg *registry.Registry, bus *streaming.Bus, logger *zap.Logger) *Router {
	if cfg.LatencyBudgetMs <= 0 {
		cfg.LatencyBudgetMs = 8000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Router{
		cfg:        cfg,
		classifier: NewClassifier(),
		cache:      cache,
		bandit:     b,
		strategies: strategies,
		registry:   reg,
		bus:        bus,
		latencies:  newLatencyTracker(),
		logger:     logger,
	}
}

// Classifier exposes the intent classifier, mainly for diagnostics.
func (r *Router) Classifier() *Classifier { return r.classifier }

// NewQueryID mints the identifier shared by the progress stream, the
// response, and the feedback registry.
func NewQueryID() string { return uuid.New().String() }

// Ask answers a question with bandit-selected strategy routing.
func (r *Router) Ask(ctx context.Context, queryID string, q rag.Question) (*rag.Answer, error) {
	return r.ask(ctx, queryID, q, "", true)
}

// AskForced answers with a fixed arm. Forced runs skip the bandit
// update so operator preferences do not pollute learning.
func (r *Router) AskForced(ctx context.Context, queryID string, q rag.Question, arm string) (*rag.Answer, error) {
	if _, ok := r.strategies[arm]; !ok {
		return nil, rag.E("router.AskForced", rag.KindInvalidInput, errors.New("unknown strategy "+arm))
	}
	metrics.BanditSelections.WithLabelValues(arm, "forced").Inc()
	return r.ask(ctx, queryID, q, arm, false)
}

func (r *Router) ask(ctx context.Context, queryID string, q rag.Question, forcedArm string, updateBandit bool) (*rag.Answer, error) {
	const op = "router.Ask"
	start := time.Now()

	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, rag.E(op, rag.KindInvalidInput, errors.New("empty question"))
	}
	if q.Scope == "" {
		q.Scope = rag.ScopeAll
	}

	emit := r.emitter(queryID)

	intent := r.classifier.Classify(q.Text)
	emit(1, "Classified question", map[string]interface{}{"intent": string(intent)})

	if ans, ok := r.cache.Get(ctx, q.Text); ok {
		emit(2, "Answer served from cache", map[string]interface{}{"layer": ans.CacheHit.Layer})
		ans.QueryID = queryID
		ans.TokenUsage = rag.TokenUsage{}
		ans.CostUSD = 0
		if ans.Timings == nil {
			ans.Timings = rag.Timings{}
		}
		ans.Timings["total_ms"] = time.Since(start).Milliseconds()
		metrics.RecordQuestion(ans.Strategy, "cache_hit", time.Since(start).Seconds())
		return ans, nil
	}

	arm := forcedArm
	if arm == "" {
		eligible := r.eligibleArms(intent)
		if r.cfg.BanditEnabled {
			arm = r.bandit.Select(eligible)
		} else {
			arm = eligible[0]
		}
	}
	emit(2, "Selected strategy", map[string]interface{}{"strategy": arm})

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	ans, err := r.runWithFallback(ctx, q, arm, emit)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		switch {
		case rag.IsKind(err, rag.KindNoEvidence):
			ans = r.noEvidenceAnswer(arm)
		case rag.IsKind(err, rag.KindDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			// No partial answer survived; report the deadline.
			metrics.RecordQuestion(arm, "deadline", time.Since(start).Seconds())
			return nil, rag.E(op, rag.KindDeadlineExceeded, err)
		default:
			metrics.RecordQuestion(arm, "error", time.Since(start).Seconds())
			return nil, err
		}
	}
	arm = ans.Strategy
	r.latencies.observe(arm, latencyMs)

	autoReward := bandit.Reward(ans.Confidence, len(ans.Citations), latencyMs, r.cfg.LatencyBudgetMs)
	if updateBandit && r.cfg.BanditEnabled && !ans.NoEvidence {
		if err := r.bandit.Update(arm, autoReward); err != nil {
			r.logger.Warn("Bandit update failed", zap.Error(err))
		}
	}

	r.registry.Register(queryID, arm, autoReward, q.Text)
	ans.QueryID = queryID
	ans.Timings["total_ms"] = latencyMs

	// Truncated partials are not worth serving again.
	if !ans.NoEvidence && !ans.Truncated {
		r.cache.Put(ctx, q.Text, *ans)
	}

	status := "ok"
	if ans.NoEvidence {
		status = "no_evidence"
	}
	metrics.RecordQuestion(arm, status, time.Since(start).Seconds())
	r.logger.Info("Question answered",
		zap.String("query_id", queryID),
		zap.String("strategy", arm),
		zap.String("intent", string(intent)),
		zap.Float64("confidence", ans.Confidence),
		zap.Float64("reward", autoReward),
		zap.Int64("latency_ms", latencyMs))
	return ans, nil
}

// runWithFallback executes the chosen arm, retrying once with hybrid
// on strategy failure or missing evidence.
func (r *Router) runWithFallback(ctx context.Context, q rag.Question, arm string, emit strategy.Emit) (*rag.Answer, error) {
	s, ok := r.strategies[arm]
	if !ok {
		return nil, rag.E("router.run", rag.KindStrategyFailed, errors.New("no strategy registered for "+arm))
	}

	ans, err := s.Run(ctx, q, emit)
	if err == nil && len(ans.Citations) > 0 {
		return ans, nil
	}
	if err != nil && (rag.IsKind(err, rag.KindDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		if ans != nil && len(ans.Citations) > 0 {
			ans.Truncated = true
			return ans, nil
		}
		return nil, err
	}
	if arm == bandit.ArmHybrid {
		if err != nil {
			return nil, err
		}
		// Hybrid produced an uncited answer; no second fallback exists.
		return nil, rag.E("router.run", rag.KindNoEvidence, nil)
	}

	r.logger.Warn("Strategy failed or produced no citations, falling back to hybrid",
		zap.String("strategy", arm), zap.Error(err))
	emit(0, "Falling back to hybrid retrieval", map[string]interface{}{"failed_strategy": arm})

	hybrid, ok := r.strategies[bandit.ArmHybrid]
	if !ok {
		if err != nil {
			return nil, err
		}
		return ans, nil
	}
	fbAns, fbErr := hybrid.Run(ctx, q, emit)
	if fbErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, fbErr
	}
	if len(fbAns.Citations) == 0 {
		return nil, rag.E("router.run", rag.KindNoEvidence, nil)
	}
	return fbAns, nil
}

// eligibleArms applies hard routes and the p95 latency exclusion.
func (r *Router) eligibleArms(intent Intent) []string {
	switch intent {
	case IntentRelational:
		return []string{bandit.ArmGraph}
	case IntentTabular:
		return []string{bandit.ArmTable}
	}

	limit := r.cfg.LatencyBudgetMs + r.cfg.LatencyBudgetMs/2
	var eligible []string
	for _, arm := range bandit.Arms() {
		if _, ok := r.strategies[arm]; !ok {
			continue
		}
		if p95 := r.latencies.p95(arm); p95 > limit {
			r.logger.Debug("Arm excluded for latency",
				zap.String("arm", arm), zap.Int64("p95_ms", p95))
			continue
		}
		eligible = append(eligible, arm)
	}
	if len(eligible) == 0 {
		eligible = []string{bandit.ArmHybrid}
	}
	return eligible
}

func (r *Router) noEvidenceAnswer(arm string) *rag.Answer {
	return &rag.Answer{
		Text:       noEvidenceText,
		Confidence: 0.05,
		Strategy:   arm,
		NoEvidence: true,
		Timings:    rag.Timings{},
	}
}

// Feedback folds a user rating into the arm recorded for the query id.
func (r *Router) Feedback(queryID string, rating float64) (string, error) {
	const op = "router.Feedback"
	if rating < 0 || rating > 1 {
		return "", rag.E(op, rag.KindInvalidInput, errors.New("rating must be in [0,1]"))
	}
	rec, err := r.registry.Lookup(queryID)
	if err != nil {
		return "", err
	}
	if !r.cfg.BanditEnabled {
		return rec.Arm, nil
	}
	if err := r.bandit.Feedback(rec.Arm, rec.AutoReward, rating); err != nil {
		return rec.Arm, err
	}
	return rec.Arm, nil
}

// emitter adapts the progress bus to the strategy Emit contract. Step
// zero events keep the last step index (fallback notices).
func (r *Router) emitter(queryID string) strategy.Emit {
	if r.bus == nil {
		return func(int, string, map[string]interface{}) {}
	}
	lastStep := 0
	return func(step int, message string, metadata map[string]interface{}) {
		if step <= 0 {
			step = lastStep
		} else if step < lastStep {
			// Strategies restart their own numbering; keep the
			// request-wide index monotonic.
			step = lastStep + 1
		}
		lastStep = step
		r.bus.Publish(queryID, streaming.Event{
			Type:     streaming.TypeProgress,
			Step:     step,
			Message:  message,
			Metadata: metadata,
		})
	}
}
