package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.True(t, c.Bandit.Enabled)
	assert.Equal(t, 0.1, c.Bandit.ExplorationBonus)
	assert.Equal(t, 8000, c.Bandit.LatencyBudgetMs)
	assert.Equal(t, 0.7, c.Retrieval.HybridAlpha)
	assert.Equal(t, "weighted", c.Retrieval.FusionMode)
	assert.Equal(t, 0.85, c.Cache.SimilarityThreshold)
	assert.Equal(t, 0.75, c.SelfRAG.ConfidenceThreshold)
	assert.Equal(t, 0.65, c.FileFallback.ConfidenceThreshold)
	assert.Equal(t, 500, c.FileFallback.ChunkSize)
	assert.Equal(t, 8, c.GraphJIT.MaxChunks)
	assert.Equal(t, 4, c.GraphJIT.BatchSize)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
retrieval:
  hybrid_alpha: 0.5
  fusion_mode: rrf
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, c.Server.Port)
	assert.Equal(t, 0.5, c.Retrieval.HybridAlpha)
	assert.Equal(t, "rrf", c.Retrieval.FusionMode)
	// Untouched sections keep defaults.
	assert.Equal(t, 24, c.Cache.TTLHours)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  hybrid_alpha: 0.5\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HYBRID_ALPHA", "0.9")
	t.Setenv("SMART_RAG_BANDIT_ENABLED", "false")
	t.Setenv("SELF_RAG_MAX_ITERATIONS", "5")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.9, c.Retrieval.HybridAlpha)
	assert.False(t, c.Bandit.Enabled)
	assert.Equal(t, 5, c.SelfRAG.MaxIterations)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a map\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	c := &Config{}
	assert.Equal(t, "30s", c.RequestTimeout().String())
	assert.Equal(t, "24h0m0s", c.CacheTTL().String())
	assert.Equal(t, "30s", c.GraphJITTimeout().String())

	c.RequestTimeoutMs = 1500
	c.Cache.TTLHours = 2
	c.GraphJIT.TimeoutMs = 250
	assert.Equal(t, "1.5s", c.RequestTimeout().String())
	assert.Equal(t, "2h0m0s", c.CacheTTL().String())
	assert.Equal(t, "250ms", c.GraphJITTimeout().String())
}
