package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePricing(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("MODELS_CONFIG_PATH", path)
	defaultPaths[0] = path
	Reload()
	t.Cleanup(Reload)
}

func TestCostUSDKnownModel(t *testing.T) {
	writePricing(t, `
pricing:
  defaults:
    input_per_1k: 0.001
    output_per_1k: 0.002
  models:
    gpt-4o-mini:
      input_per_1k: 0.00015
      output_per_1k: 0.0006
`)
	cost := CostUSD("gpt-4o-mini", 1000, 1000)
	assert.InDelta(t, 0.00075, cost, 1e-9)
}

func TestCostUSDUnknownModelUsesDefaults(t *testing.T) {
	writePricing(t, `
pricing:
  defaults:
    input_per_1k: 0.001
    output_per_1k: 0.002
`)
	cost := CostUSD("mystery-model", 2000, 500)
	assert.InDelta(t, 0.003, cost, 1e-9)
}

func TestCostUSDNoConfigStillNonZero(t *testing.T) {
	t.Setenv("MODELS_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	defaultPaths[0] = os.Getenv("MODELS_CONFIG_PATH")
	Reload()
	t.Cleanup(Reload)

	cost := CostUSD("whatever", 1000, 1000)
	assert.Greater(t, cost, 0.0)
}
