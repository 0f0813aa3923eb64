package bandit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
)

func seeded(t *testing.T, opts ...Option) *Bandit {
	t.Helper()
	opts = append(opts, WithSource(rand.NewSource(42)))
	return New(nil, zap.NewNop(), opts...)
}

func TestNewStartsUniform(t *testing.T) {
	b := seeded(t)
	for _, name := range Arms() {
		st, ok := b.State(name)
		require.True(t, ok)
		assert.Equal(t, 1.0, st.Alpha)
		assert.Equal(t, 1.0, st.Beta)
		assert.Equal(t, int64(0), st.Trials)
	}
}

func TestNewLoadsInitialState(t *testing.T) {
	b := New(map[string]ArmState{
		ArmGraph: {Alpha: 5, Beta: 2, Trials: 5},
	}, zap.NewNop(), WithSource(rand.NewSource(1)))

	st, _ := b.State(ArmGraph)
	assert.Equal(t, 5.0, st.Alpha)
	assert.InDelta(t, 5.0/7.0, st.Mean(), 1e-9)

	st, _ = b.State(ArmHybrid)
	assert.Equal(t, 1.0, st.Alpha)
}

func TestNewIgnoresInvalidInitialState(t *testing.T) {
	b := New(map[string]ArmState{
		ArmTable: {Alpha: -3, Beta: 0},
	}, zap.NewNop())
	st, _ := b.State(ArmTable)
	assert.Equal(t, 1.0, st.Alpha)
	assert.Equal(t, 1.0, st.Beta)
}

func TestUpdateMonotonicity(t *testing.T) {
	b := seeded(t)
	rewards := []float64{0, 0.25, 0.5, 0.9, 1}
	for _, r := range rewards {
		before, _ := b.State(ArmHybrid)
		require.NoError(t, b.Update(ArmHybrid, r))
		after, _ := b.State(ArmHybrid)

		assert.GreaterOrEqual(t, after.Alpha, before.Alpha)
		assert.GreaterOrEqual(t, after.Beta, before.Beta)
		// Each update adds exactly one pseudo-observation.
		assert.InDelta(t, 1.0, (after.Alpha+after.Beta)-(before.Alpha+before.Beta), 1e-12)
		assert.Equal(t, before.Trials+1, after.Trials)
	}
}

func TestUpdateClampsReward(t *testing.T) {
	b := seeded(t)
	require.NoError(t, b.Update(ArmTable, 7.0))
	st, _ := b.State(ArmTable)
	assert.Equal(t, 2.0, st.Alpha)
	assert.Equal(t, 1.0, st.Beta)

	require.NoError(t, b.Update(ArmTable, -3.0))
	st, _ = b.State(ArmTable)
	assert.Equal(t, 2.0, st.Alpha)
	assert.Equal(t, 2.0, st.Beta)
}

func TestUpdateUnknownArm(t *testing.T) {
	b := seeded(t)
	assert.Error(t, b.Update("quantum", 0.5))
}

func TestSelectFavorsStrongArm(t *testing.T) {
	b := New(map[string]ArmState{
		ArmGraph:  {Alpha: 90, Beta: 10, Trials: 100},
		ArmHybrid: {Alpha: 10, Beta: 90, Trials: 100},
	}, zap.NewNop(), WithSource(rand.NewSource(7)))

	wins := 0
	for i := 0; i < 1000; i++ {
		if b.Select([]string{ArmGraph, ArmHybrid}) == ArmGraph {
			wins++
		}
	}
	assert.Greater(t, wins, 950)
}

func TestSelectRespectsEligibility(t *testing.T) {
	b := seeded(t)
	for i := 0; i < 100; i++ {
		got := b.Select([]string{ArmIterative, ArmTable})
		assert.Contains(t, []string{ArmIterative, ArmTable}, got)
	}
}

func TestSelectEmptyEligibleFallsBackToHybrid(t *testing.T) {
	b := seeded(t)
	assert.Equal(t, ArmHybrid, b.Select(nil))
	assert.Equal(t, ArmHybrid, b.Select([]string{"nonsense"}))
}

func TestFeedbackRaisesPosteriorMean(t *testing.T) {
	b := seeded(t)
	require.NoError(t, b.Update(ArmGraph, 0.4))
	before, _ := b.State(ArmGraph)

	require.NoError(t, b.Feedback(ArmGraph, 0.4, 1.0))
	after, _ := b.State(ArmGraph)

	// r_final = 0.7*1.0 + 0.3*0.4 = 0.82, well above the prior mean.
	assert.Greater(t, after.Mean(), before.Mean())
	assert.Equal(t, before.Trials+1, after.Trials)
}

func TestRepeatedDownvotesLowerMean(t *testing.T) {
	b := seeded(t)
	require.NoError(t, b.Update(ArmGraph, 0.8))
	afterFirst, _ := b.State(ArmGraph)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Update(ArmGraph, 0.8))
		require.NoError(t, b.Feedback(ArmGraph, 0.8, 0.0))
	}
	final, _ := b.State(ArmGraph)
	assert.Less(t, final.Mean(), afterFirst.Mean())
}

type memPersister struct {
	mu    sync.Mutex
	saves int
	last  map[string]ArmState
	err   error
}

func (m *memPersister) Save(arms map[string]ArmState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saves++
	m.last = arms
	return nil
}

func TestUpdatePersistsEveryTime(t *testing.T) {
	p := &memPersister{}
	b := seeded(t, WithPersister(p))

	require.NoError(t, b.Update(ArmHybrid, 0.5))
	require.NoError(t, b.Update(ArmGraph, 0.2))

	assert.Equal(t, 2, p.saves)
	assert.InDelta(t, 1.5, p.last[ArmHybrid].Alpha, 1e-12)
	assert.InDelta(t, 1.2, p.last[ArmGraph].Alpha, 1e-12)
}

func TestUpdateSurfacesPersistError(t *testing.T) {
	p := &memPersister{err: errors.New("disk full")}
	b := seeded(t, WithPersister(p))
	assert.Error(t, b.Update(ArmHybrid, 0.5))
	// Posterior still advanced; persistence is best effort downstream.
	st, _ := b.State(ArmHybrid)
	assert.Equal(t, int64(1), st.Trials)
}

func TestConcurrentUpdates(t *testing.T) {
	b := seeded(t)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Update(ArmIterative, 0.5)
		}()
	}
	wg.Wait()
	st, _ := b.State(ArmIterative)
	assert.Equal(t, int64(100), st.Trials)
	assert.InDelta(t, 51.0, st.Alpha, 1e-9)
	assert.InDelta(t, 51.0, st.Beta, 1e-9)
}

func TestReward(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		citations  int
		latencyMs  int64
		budgetMs   int64
		want       float64
	}{
		{"perfect", 1.0, 3, 0, 8000, 1.0},
		{"no citations", 1.0, 0, 0, 8000, 0.7},
		{"at budget", 1.0, 1, 8000, 8000, 0.7},
		{"over budget clamps", 1.0, 1, 20000, 8000, 0.7},
		{"half latency", 0.5, 1, 4000, 8000, 0.4*0.5 + 0.3 + 0.3*0.5},
		{"zero everything", 0, 0, 20000, 8000, 0},
		{"confidence clamped", 5.0, 1, 0, 8000, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Reward(tt.confidence, tt.citations, tt.latencyMs, tt.budgetMs), 1e-9)
		})
	}
}
