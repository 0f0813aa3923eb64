// Package keyword provides persistent BM25-style retrieval over the
// same chunk-id universe as the vector index, backed by bleve.
package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	blevemapping "github.com/blevesearch/bleve/v2/mapping"
	"github.com/maestro-rag/maestro/internal/metrics"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// Doc is the indexed representation of a corpus chunk.
type Doc struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	Scope      string `json:"scope"`
}

// Hit is one keyword search result.
type Hit struct {
	ID         string
	Score      float64
	SourcePath string
	Ordinal    int
	Text       string
}

// Index wraps a bleve index persisted under the cache directory.
// Startup is instant when the index directory already exists.
type Index struct {
	idx    bleve.Index
	path   string
	logger *zap.Logger
}

// Open opens the on-disk index at path, creating it when absent.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, mkErr
		}
		mapping := buildMapping()
		idx, err = bleve.New(path, mapping)
		if err != nil {
			return nil, fmt.Errorf("create keyword index: %w", err)
		}
		logger.Info("Created keyword index", zap.String("path", path))
	} else if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	} else {
		logger.Info("Opened existing keyword index", zap.String("path", path))
	}
	return &Index{idx: idx, path: path, logger: logger}, nil
}

func buildMapping() *blevemapping.IndexMappingImpl {
	mapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Store = true
	doc.AddFieldMappingsAt("text", text)

	keywordField := bleve.NewKeywordFieldMapping()
	keywordField.Store = true
	doc.AddFieldMappingsAt("source_path", keywordField)
	doc.AddFieldMappingsAt("scope", keywordField)

	num := bleve.NewNumericFieldMapping()
	num.Store = true
	doc.AddFieldMappingsAt("ordinal", num)

	mapping.DefaultMapping = doc
	return mapping
}

// IndexChunks adds or replaces documents in one batch.
func (i *Index) IndexChunks(docs []Doc) error {
	batch := i.idx.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, d); err != nil {
			return err
		}
	}
	return i.idx.Batch(batch)
}

// Search runs a BM25-scored match query and returns up to k hits.
func (i *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	const op = "keyword.Search"
	if k <= 0 {
		k = 10
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"text", "source_path", "ordinal"}

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		metrics.KeywordSearches.WithLabelValues("error").Inc()
		return nil, rag.E(op, rag.KindIndexUnavailable, err)
	}
	metrics.KeywordSearches.WithLabelValues("ok").Inc()

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["text"].(string); ok {
			hit.Text = v
		}
		if v, ok := h.Fields["source_path"].(string); ok {
			hit.SourcePath = v
		}
		if v, ok := h.Fields["ordinal"].(float64); ok {
			hit.Ordinal = int(v)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DocCount returns the number of indexed chunks.
func (i *Index) DocCount() (uint64, error) { return i.idx.DocCount() }

// Rebuild discards the on-disk index and recreates it from the given
// documents. Called when the corpus changes.
func (i *Index) Rebuild(docs []Doc) error {
	if err := i.idx.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(i.path); err != nil {
		return err
	}
	idx, err := bleve.New(i.path, buildMapping())
	if err != nil {
		return fmt.Errorf("recreate keyword index: %w", err)
	}
	i.idx = idx
	i.logger.Info("Rebuilt keyword index", zap.String("path", i.path), zap.Int("docs", len(docs)))
	return i.IndexChunks(docs)
}

// Close releases the underlying index.
func (i *Index) Close() error { return i.idx.Close() }
