package keyword

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDocs() []Doc {
	return []Doc{
		{ID: "c1", SourcePath: "books/pride.txt", Ordinal: 0, Text: "Pride and Prejudice was written by Jane Austen", Scope: "system"},
		{ID: "c2", SourcePath: "books/pride.txt", Ordinal: 1, Text: "Elizabeth Bennet is the protagonist of the novel", Scope: "system"},
		{ID: "c3", SourcePath: "books/moby.txt", Ordinal: 0, Text: "Call me Ishmael, the whale hunt begins", Scope: "system"},
	}
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyword.bleve")
	idx, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.NoError(t, idx.IndexChunks(testDocs()))
	return idx
}

func TestSearchFindsRelevantChunk(t *testing.T) {
	idx := openTestIndex(t)

	hits, err := idx.Search(context.Background(), "who wrote pride and prejudice", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].ID)
	assert.Equal(t, "books/pride.txt", hits[0].SourcePath)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearchRespectsK(t *testing.T) {
	idx := openTestIndex(t)

	hits, err := idx.Search(context.Background(), "the novel whale", 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 1)
}

func TestReopenExistingIndexKeepsDocs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyword.bleve")
	idx, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.IndexChunks(testDocs()))
	require.NoError(t, idx.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestRebuildReplacesCorpus(t *testing.T) {
	idx := openTestIndex(t)

	err := idx.Rebuild([]Doc{
		{ID: "n1", SourcePath: "new.txt", Ordinal: 0, Text: "entirely new corpus content"},
	})
	require.NoError(t, err)

	n, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	hits, err := idx.Search(context.Background(), "pride prejudice", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
