// Package seeding ingests the corpus into the keyword index and the
// vector collection at startup, tracking progress for /seed-status.
package seeding

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/maestro-rag/maestro/internal/keyword"
	"github.com/maestro-rag/maestro/internal/retrieval"
	"github.com/maestro-rag/maestro/internal/vectordb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the seeding lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateCounting   State = "counting"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status is the /seed-status payload.
type Status struct {
	State   State  `json:"state"`
	Seeded  int    `json:"seeded"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Tracker records seeding progress; safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	status Status
}

// NewTracker starts idle.
func NewTracker() *Tracker {
	return &Tracker{status: Status{State: StateIdle}}
}

// Status returns a copy of the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) counting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = Status{State: StateCounting}
}

func (t *Tracker) begin(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = Status{State: StateInProgress, Total: total}
}

func (t *Tracker) progress(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Seeded += n
}

func (t *Tracker) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = StateCompleted
	t.status.Message = "corpus indexed"
}

func (t *Tracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = StateFailed
	t.status.Message = err.Error()
}

// Embedder is the batch surface the seeder uses.
type Embedder interface {
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter upserts embedded chunks into the collection.
type VectorWriter interface {
	Upsert(ctx context.Context, items []vectordb.UpsertItem) error
}

// Config tunes the seeder.
type Config struct {
	CorpusRoot string
	Scope      string
	// BatchSize bounds one embed+upsert round.
	BatchSize int
	// Workers bounds concurrent file processing.
	Workers int
	// SkipVectors indexes keywords only, for deployments where the
	// collection is seeded externally.
	SkipVectors bool
}

// Seeder walks the corpus and feeds both indices.
type Seeder struct {
	cfg      Config
	tracker  *Tracker
	index    *keyword.Index
	chunker  *retrieval.Chunker
	embedder Embedder
	vectors  VectorWriter
	logger   *zap.Logger
}

// New builds a seeder; embedder and vectors may be nil when
// SkipVectors is set.
func New(cfg Config, tracker *Tracker, index *keyword.Index, embedder Embedder, vectors VectorWriter, logger *zap.Logger) *Seeder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Seeder{
		cfg:      cfg,
		tracker:  tracker,
		index:    index,
		chunker:  retrieval.NewChunker(500, 50, "tiktoken"),
		embedder: embedder,
		vectors:  vectors,
		logger:   logger,
	}
}

// Run seeds the corpus. Already-indexed deployments finish fast: the
// keyword index reports a matching doc count and the walk is skipped.
func (s *Seeder) Run(ctx context.Context) error {
	s.tracker.counting()
	files, err := s.listFiles()
	if err != nil {
		s.tracker.fail(err)
		return err
	}
	if len(files) == 0 {
		s.tracker.complete()
		return nil
	}

	if count, err := s.index.DocCount(); err == nil && count > 0 {
		s.logger.Info("Keyword index already populated, skipping seed",
			zap.Uint64("docs", count))
		s.tracker.begin(len(files))
		s.tracker.progress(len(files))
		s.tracker.complete()
		return nil
	}

	s.tracker.begin(len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, path := range files {
		g.Go(func() error {
			if err := s.seedFile(gctx, path); err != nil {
				return err
			}
			s.tracker.progress(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.tracker.fail(err)
		return err
	}
	s.tracker.complete()
	s.logger.Info("Corpus seeded", zap.Int("files", len(files)))
	return nil
}

func (s *Seeder) seedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(s.cfg.CorpusRoot, path)
	if err != nil {
		rel = path
	}

	windows := s.chunker.Windows(string(data))
	docs := make([]keyword.Doc, 0, len(windows))
	for i, text := range windows {
		docs = append(docs, keyword.Doc{
			ID:         chunkID(rel, i),
			SourcePath: rel,
			Ordinal:    i,
			Text:       text,
			Scope:      s.cfg.Scope,
		})
	}
	if err := s.index.IndexChunks(docs); err != nil {
		return err
	}

	if s.cfg.SkipVectors || s.embedder == nil || s.vectors == nil {
		return nil
	}
	for start := 0; start < len(windows); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(windows) {
			end = len(windows)
		}
		vecs, err := s.embedder.EncodeBatch(ctx, windows[start:end])
		if err != nil {
			return err
		}
		items := make([]vectordb.UpsertItem, 0, len(vecs))
		for j, vec := range vecs {
			ordinal := start + j
			items = append(items, vectordb.UpsertItem{
				ID:     chunkID(rel, ordinal),
				Vector: vec,
				Payload: map[string]interface{}{
					"source_path": rel,
					"ordinal":     ordinal,
					"text":        windows[ordinal],
					"scope":       s.cfg.Scope,
				},
			})
		}
		if err := s.vectors.Upsert(ctx, items); err != nil {
			return err
		}
	}
	return nil
}

func (s *Seeder) listFiles() ([]string, error) {
	if s.cfg.CorpusRoot == "" {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(s.cfg.CorpusRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.cfg.CorpusRoot {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md", ".rst":
			files = append(files, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

func chunkID(rel string, ordinal int) string {
	return rel + "#" + strconv.Itoa(ordinal)
}
