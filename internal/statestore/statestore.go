// Package statestore persists bandit posteriors as JSON with atomic
// replace semantics: write to a temp file, fsync, then rename over the
// runtime path.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maestro-rag/maestro/internal/bandit"
	"go.uber.org/zap"
)

// Source identifies where the loaded state came from.
type Source string

const (
	SourceRuntime Source = "runtime"
	SourceDefault Source = "default"
	SourceUniform Source = "uniform"
)

// Store reads and writes the bandit state file.
type Store struct {
	// RuntimePath is rewritten after every bandit update.
	RuntimePath string
	// DefaultPath holds the committed pre-warmed state, read-only.
	DefaultPath string
	logger      *zap.Logger
}

// New builds a store.
func New(runtimePath, defaultPath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Store{RuntimePath: runtimePath, DefaultPath: defaultPath, logger: logger}
}

// Load returns the initial arm state: runtime file first, then the
// pre-warmed default, then uniform priors.
func (s *Store) Load() (map[string]bandit.ArmState, Source) {
	if arms, err := readStateFile(s.RuntimePath); err == nil {
		s.logger.Info("Loaded bandit state",
			zap.String("source", string(SourceRuntime)),
			zap.String("path", s.RuntimePath))
		return arms, SourceRuntime
	} else if !os.IsNotExist(err) {
		s.logger.Warn("Runtime bandit state unreadable",
			zap.String("path", s.RuntimePath), zap.Error(err))
	}

	if arms, err := readStateFile(s.DefaultPath); err == nil {
		s.logger.Info("Loaded bandit state",
			zap.String("source", string(SourceDefault)),
			zap.String("path", s.DefaultPath))
		return arms, SourceDefault
	} else if s.DefaultPath != "" && !os.IsNotExist(err) {
		s.logger.Warn("Default bandit state unreadable",
			zap.String("path", s.DefaultPath), zap.Error(err))
	}

	s.logger.Info("Starting bandit with uniform priors")
	return nil, SourceUniform
}

// Save writes the arm map atomically to the runtime path.
func (s *Store) Save(arms map[string]bandit.ArmState) error {
	if s.RuntimePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(arms, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bandit state: %w", err)
	}

	dir := filepath.Dir(s.RuntimePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bandit-state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.RuntimePath); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func readStateFile(path string) (map[string]bandit.ArmState, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var arms map[string]bandit.ArmState
	if err := json.Unmarshal(data, &arms); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validate(arms); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return arms, nil
}

// validate pins the state schema: every arm needs positive alpha and
// beta and a non-negative trial count.
func validate(arms map[string]bandit.ArmState) error {
	if len(arms) == 0 {
		return fmt.Errorf("no arms present")
	}
	for name, st := range arms {
		if st.Alpha <= 0 || st.Beta <= 0 {
			return fmt.Errorf("arm %q has non-positive posterior (alpha=%v beta=%v)", name, st.Alpha, st.Beta)
		}
		if st.Trials < 0 {
			return fmt.Errorf("arm %q has negative trials", name)
		}
	}
	return nil
}
