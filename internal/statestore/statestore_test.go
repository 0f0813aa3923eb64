package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/maestro-rag/maestro/internal/bandit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func sampleState() map[string]bandit.ArmState {
	return map[string]bandit.ArmState{
		"hybrid":    {Alpha: 3.2, Beta: 1.1, Trials: 4},
		"iterative": {Alpha: 1, Beta: 1, Trials: 0},
		"graph":     {Alpha: 2.5, Beta: 2.5, Trials: 4},
		"table":     {Alpha: 1, Beta: 1, Trials: 0},
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"), "", zap.NewNop())

	require.NoError(t, s.Save(sampleState()))

	arms, src := s.Load()
	assert.Equal(t, SourceRuntime, src)
	assert.Equal(t, sampleState(), arms)
}

func TestLoadPrefersRuntimeOverDefault(t *testing.T) {
	dir := t.TempDir()
	runtime := filepath.Join(dir, "state.json")
	def := filepath.Join(dir, "default.json")
	writeJSON(t, runtime, map[string]bandit.ArmState{"hybrid": {Alpha: 9, Beta: 1, Trials: 8}})
	writeJSON(t, def, map[string]bandit.ArmState{"hybrid": {Alpha: 1, Beta: 1, Trials: 0}})

	arms, src := New(runtime, def, zap.NewNop()).Load()
	assert.Equal(t, SourceRuntime, src)
	assert.Equal(t, 9.0, arms["hybrid"].Alpha)
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "default.json")
	writeJSON(t, def, sampleState())

	arms, src := New(filepath.Join(dir, "missing.json"), def, zap.NewNop()).Load()
	assert.Equal(t, SourceDefault, src)
	assert.Equal(t, sampleState(), arms)
}

func TestLoadFallsBackToUniform(t *testing.T) {
	dir := t.TempDir()
	arms, src := New(filepath.Join(dir, "missing.json"), filepath.Join(dir, "also-missing.json"), zap.NewNop()).Load()
	assert.Equal(t, SourceUniform, src)
	assert.Nil(t, arms)
}

func TestLoadRejectsCorruptRuntimeState(t *testing.T) {
	dir := t.TempDir()
	runtime := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(runtime, []byte("{not json"), 0o644))
	def := filepath.Join(dir, "default.json")
	writeJSON(t, def, sampleState())

	arms, src := New(runtime, def, zap.NewNop()).Load()
	assert.Equal(t, SourceDefault, src)
	assert.NotNil(t, arms)
}

func TestLoadRejectsInvalidPosterior(t *testing.T) {
	dir := t.TempDir()
	runtime := filepath.Join(dir, "state.json")
	writeJSON(t, runtime, map[string]bandit.ArmState{"hybrid": {Alpha: 0, Beta: 1}})

	_, src := New(runtime, "", zap.NewNop()).Load()
	assert.Equal(t, SourceUniform, src)
}

func TestLoadRejectsNegativeTrials(t *testing.T) {
	dir := t.TempDir()
	runtime := filepath.Join(dir, "state.json")
	writeJSON(t, runtime, map[string]bandit.ArmState{"hybrid": {Alpha: 1, Beta: 1, Trials: -2}})

	_, src := New(runtime, "", zap.NewNop()).Load()
	assert.Equal(t, SourceUniform, src)
}

func TestSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path, "", zap.NewNop())

	require.NoError(t, s.Save(map[string]bandit.ArmState{"hybrid": {Alpha: 1, Beta: 1}}))
	require.NoError(t, s.Save(map[string]bandit.ArmState{"hybrid": {Alpha: 2, Beta: 1, Trials: 1}}))

	arms, _ := s.Load()
	assert.Equal(t, 2.0, arms["hybrid"].Alpha)

	// No temp files linger after the rename.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "state.json")
	s := New(path, "", zap.NewNop())
	require.NoError(t, s.Save(sampleState()))

	_, src := s.Load()
	assert.Equal(t, SourceRuntime, src)
}

func TestSaveWithEmptyPathIsNoop(t *testing.T) {
	s := New("", "", zap.NewNop())
	assert.NoError(t, s.Save(sampleState()))
}
