// Package bandit implements Thompson sampling over the strategy arms.
// Each arm keeps a Beta(alpha, beta) posterior over reward; selection
// samples every eligible arm and picks the argmax, with a small
// exploration bonus that decays as an arm accumulates trials.
package bandit

import (
	"fmt"
	"sync"

	"github.com/maestro-rag/maestro/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Arm names. These double as strategy identifiers across the service.
const (
	ArmHybrid    = "hybrid"
	ArmIterative = "iterative"
	ArmGraph     = "graph"
	ArmTable     = "table"
)

// Arms lists every known arm in a stable order.
func Arms() []string {
	return []string{ArmHybrid, ArmIterative, ArmGraph, ArmTable}
}

// ArmState is the persisted posterior of one arm.
type ArmState struct {
	Alpha  float64 `json:"alpha"`
	Beta   float64 `json:"beta"`
	Trials int64   `json:"trials"`
}

// Mean returns the posterior mean alpha/(alpha+beta).
func (s ArmState) Mean() float64 {
	if s.Alpha+s.Beta == 0 {
		return 0.5
	}
	return s.Alpha / (s.Alpha + s.Beta)
}

// Persister saves a snapshot of all arms after each update.
type Persister interface {
	Save(arms map[string]ArmState) error
}

type arm struct {
	mu    sync.Mutex
	state ArmState
}

// Bandit is the Thompson sampler. Updates are serialized per arm, and
// the update+persist pair is atomic with respect to other updates.
type Bandit struct {
	arms             map[string]*arm
	explorationBonus float64

	rngMu sync.Mutex
	src   rand.Source

	persistMu sync.Mutex
	persister Persister

	logger *zap.Logger
}

// Option configures a Bandit.
type Option func(*Bandit)

// WithSource pins the sampling RNG, for deterministic tests.
func WithSource(src rand.Source) Option {
	return func(b *Bandit) { b.src = src }
}

// WithExplorationBonus overrides the default bonus of 0.1.
func WithExplorationBonus(eps float64) Option {
	return func(b *Bandit) { b.explorationBonus = eps }
}

// WithPersister installs the state sink called after every update.
func WithPersister(p Persister) Option {
	return func(b *Bandit) { b.persister = p }
}

// New builds a bandit from initial state. Arms missing from initial
// start with uniform Beta(1, 1) priors.
func New(initial map[string]ArmState, logger *zap.Logger, opts ...Option) *Bandit {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	b := &Bandit{
		arms:             make(map[string]*arm, len(Arms())),
		explorationBonus: 0.1,
		logger:           logger,
	}
	for _, name := range Arms() {
		st := ArmState{Alpha: 1, Beta: 1}
		if init, ok := initial[name]; ok && init.Alpha > 0 && init.Beta > 0 {
			st = init
		}
		b.arms[name] = &arm{state: st}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Select samples every eligible arm's posterior and returns the argmax.
// Unknown names are ignored; an empty eligible set falls back to hybrid.
func (b *Bandit) Select(eligible []string) string {
	best := ""
	bestScore := -1.0
	for _, name := range eligible {
		a, ok := b.arms[name]
		if !ok {
			continue
		}
		a.mu.Lock()
		st := a.state
		a.mu.Unlock()

		score := b.sample(st.Alpha, st.Beta) + b.explorationBonus/(st.Alpha+st.Beta-1)
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	if best == "" {
		best = ArmHybrid
	}
	metrics.BanditSelections.WithLabelValues(best, "sampled").Inc()
	return best
}

// Sample draws once from an arm's posterior without the bonus. Used by
// Monte-Carlo checks and diagnostics.
func (b *Bandit) Sample(name string) (float64, error) {
	a, ok := b.arms[name]
	if !ok {
		return 0, fmt.Errorf("unknown arm %q", name)
	}
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	return b.sample(st.Alpha, st.Beta), nil
}

func (b *Bandit) sample(alpha, beta float64) float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	dist := distuv.Beta{Alpha: alpha, Beta: beta, Src: b.src}
	return dist.Rand()
}

// Update folds a reward into the arm's posterior and persists the full
// state. Reward is clamped to [0,1]; alpha+beta grows by exactly 1.
func (b *Bandit) Update(name string, reward float64) error {
	return b.update(name, reward, "auto")
}

func (b *Bandit) update(name string, reward float64, source string) error {
	a, ok := b.arms[name]
	if !ok {
		return fmt.Errorf("unknown arm %q", name)
	}
	if reward < 0 {
		reward = 0
	} else if reward > 1 {
		reward = 1
	}

	a.mu.Lock()
	a.state.Alpha += reward
	a.state.Beta += 1 - reward
	a.state.Trials++
	st := a.state
	a.mu.Unlock()

	metrics.RecordBanditUpdate(name, source, reward)
	b.logger.Debug("Bandit updated",
		zap.String("arm", name),
		zap.Float64("reward", reward),
		zap.Float64("mean", st.Mean()),
		zap.Int64("trials", st.Trials))

	return b.persist()
}

// Feedback folds a user rating into the originally chosen arm. The
// earlier automatic update stays in place; this is an additive
// correction weighted toward the user signal.
func (b *Bandit) Feedback(name string, autoReward, rating float64) error {
	if rating < 0 {
		rating = 0
	} else if rating > 1 {
		rating = 1
	}
	final := 0.7*rating + 0.3*autoReward
	return b.update(name, final, "feedback")
}

// State returns a copy of one arm's posterior.
func (b *Bandit) State(name string) (ArmState, bool) {
	a, ok := b.arms[name]
	if !ok {
		return ArmState{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, true
}

// Snapshot copies the full posterior map.
func (b *Bandit) Snapshot() map[string]ArmState {
	out := make(map[string]ArmState, len(b.arms))
	for name, a := range b.arms {
		a.mu.Lock()
		out[name] = a.state
		a.mu.Unlock()
	}
	return out
}

func (b *Bandit) persist() error {
	if b.persister == nil {
		return nil
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if err := b.persister.Save(b.Snapshot()); err != nil {
		b.logger.Warn("Bandit state persist failed", zap.Error(err))
		return err
	}
	return nil
}
