package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

func newTestStore(t *testing.T, dims int) *HNSWStore {
	t.Helper()
	s, err := NewHNSWStore(VectorStoreConfig{Dimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHNSWStore_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3)

	err := s.Upsert(ctx,
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}},
		nil)
	require.NoError(t, err)

	results, err := s.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Closest first, by cosine similarity.
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestHNSWStore_Upsert_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3)

	err := s.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}}, nil)

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeDimensionMismatch, ragerr.GetCode(err))
}

func TestHNSWStore_Upsert_RejectsInvalidID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2)

	err := s.Upsert(ctx, []string{"has space"}, [][]float32{{1, 0}}, nil)
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeInvalidID, ragerr.GetCode(err))

	// Dots, dashes, and underscores are fine.
	err = s.Upsert(ctx, []string{"pkg.file-name_chunk.0"}, [][]float32{{1, 0}}, nil)
	assert.NoError(t, err)
}

func TestHNSWStore_Upsert_AtomicPerBatch(t *testing.T) {
	// Given: a batch whose last entry is invalid
	ctx := context.Background()
	s := newTestStore(t, 2)

	err := s.Upsert(ctx,
		[]string{"good1", "good2", "bad id"},
		[][]float32{{1, 0}, {0, 1}, {1, 1}},
		nil)

	// Then: nothing from the batch landed
	require.Error(t, err)
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.Contains("good1"))
}

func TestHNSWStore_Upsert_IdempotentCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2)

	payload := map[string]any{"id": "a", "file_path": "a.go"}
	require.NoError(t, s.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}}, []map[string]any{payload}))
	require.NoError(t, s.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}}, []map[string]any{payload}))

	assert.Equal(t, 1, s.Count())
}

func TestHNSWStore_Query_ReturnsPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2)

	chunkPayload := (&Chunk{
		ID: "a", Content: "func main()", FilePath: "main.go",
		ChunkType: ChunkTypeFunction, StartLine: 1, EndLine: 3,
	}).Payload()
	require.NoError(t, s.Upsert(ctx, []string{"a"}, [][]float32{{1, 0}}, []map[string]any{chunkPayload}))

	results, err := s.Query(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	restored := ChunkFromPayload(results[0].Payload)
	require.NotNil(t, restored)
	assert.Equal(t, "a", restored.ID)
	assert.Equal(t, "main.go", restored.FilePath)
	assert.Equal(t, ChunkTypeFunction, restored.ChunkType)
	assert.Equal(t, 3, restored.EndLine)
}

func TestHNSWStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2)

	require.NoError(t, s.Upsert(ctx, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}}, nil))
	require.NoError(t, s.Delete(ctx, []string{"a"}))

	assert.Equal(t, 1, s.Count())
	assert.False(t, s.Contains("a"))

	results, err := s.Query(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestHNSWStore_Query_EmptyStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 2)

	results, err := s.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHNSWStore_SaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.hnsw")

	s := newTestStore(t, 3)
	payloads := []map[string]any{
		{"id": "a", "file_path": "a.go"},
		{"id": "b", "file_path": "b.go"},
	}
	require.NoError(t, s.Upsert(ctx, []string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}, payloads))
	require.NoError(t, s.Save(path))

	loaded, err := NewHNSWStore(VectorStoreConfig{Dimensions: 3})
	require.NoError(t, err)
	defer func() { _ = loaded.Close() }()
	require.NoError(t, loaded.Load(path))

	assert.Equal(t, 2, loaded.Count())

	results, err := loaded.Query(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "a.go", results[0].Payload["file_path"])
}

func TestHNSWStore_Query_CancelledContext(t *testing.T) {
	s := newTestStore(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Query(ctx, []float32{1, 0}, 1)
	require.Error(t, err)
	assert.True(t, ragerr.IsCancelled(err))
}
