package search

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderag-io/coderag/internal/embed"
	ragerr "github.com/coderag-io/coderag/internal/errors"
	"github.com/coderag-io/coderag/internal/store"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()

	provider := embed.NewStaticProvider(64)
	vector, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: provider.Dimensions()})
	require.NoError(t, err)

	engine, err := NewEngine(store.NewBM25Index(store.DefaultBM25Config()), vector, provider, DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func testChunks(n int) []*store.Chunk {
	chunks := make([]*store.Chunk, n)
	for i := range chunks {
		chunks[i] = &store.Chunk{
			ID:        fmt.Sprintf("chunk-%03d", i),
			Content:   fmt.Sprintf("func Handler%d() { process(%d) }", i, i),
			FilePath:  fmt.Sprintf("internal/api/handler%d.go", i),
			Language:  "go",
			ChunkType: store.ChunkTypeFunction,
			Name:      fmt.Sprintf("Handler%d", i),
		}
	}
	return chunks
}

func TestEngine_Search_EmptyIndexReturnsEmpty(t *testing.T) {
	// Given: empty BM25 and empty vector store
	engine := newTestEngine(t)

	// When: searching
	results, err := engine.Search(context.Background(), "anything", Options{TopK: 10})

	// Then: empty list, no error
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_Search_EmptyQueryRejected(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Search(context.Background(), "   ", Options{})
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeQueryEmpty, ragerr.GetCode(err))
}

func TestEngine_IndexThenSearch_BothSourcesFindChunk(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	chunks := []*store.Chunk{
		{ID: "auth-1", Content: "func ValidateToken(token string) error", Name: "ValidateToken",
			FilePath: "internal/auth/token.go", Language: "go", ChunkType: store.ChunkTypeFunction},
		{ID: "db-1", Content: "func OpenConnection(dsn string) (*DB, error)", Name: "OpenConnection",
			FilePath: "internal/db/conn.go", Language: "go", ChunkType: store.ChunkTypeFunction},
	}
	require.NoError(t, engine.Index(ctx, chunks))

	report := engine.CheckConsistency()
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.BM25Count)

	results, err := engine.Search(ctx, "ValidateToken", Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "auth-1", results[0].ChunkID)
	assert.Equal(t, MethodHybrid, results[0].Method)
	require.NotNil(t, results[0].Chunk)
	assert.Equal(t, "internal/auth/token.go", results[0].Chunk.FilePath)
}

func TestEngine_Search_RespectsTopKAndOrdering(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	require.NoError(t, engine.Index(ctx, testChunks(30)))

	results, err := engine.Search(ctx, "Handler process", Options{TopK: 7})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(results), 7)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestEngine_Search_TopKDefaultsAndCap(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	require.NoError(t, engine.Index(ctx, testChunks(15)))

	// Default from config.
	results, err := engine.Search(ctx, "Handler", Options{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), DefaultConfig().TopK)

	// Oversized requests are capped, not rejected.
	_, err = engine.Search(ctx, "Handler", Options{TopK: 5000})
	assert.NoError(t, err)
}

func TestEngine_Search_FiltersBeforeTruncation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	chunks := testChunks(10)
	// Two chunks in a distinct path that BM25 will rank below the rest
	// for a generic query.
	chunks = append(chunks,
		&store.Chunk{ID: "py-1", Content: "def handler(): pass", FilePath: "scripts/run.py",
			Language: "python", ChunkType: store.ChunkTypeFunction, Name: "handler"},
		&store.Chunk{ID: "py-2", Content: "def process(): pass", FilePath: "scripts/util.py",
			Language: "python", ChunkType: store.ChunkTypeFunction, Name: "process"},
	)
	require.NoError(t, engine.Index(ctx, chunks))

	// TopK=2 with a language filter must yield the python chunks even
	// though they would not survive truncation applied first.
	results, err := engine.Search(ctx, "handler process", Options{TopK: 2, Language: "python"})
	require.NoError(t, err)

	require.NotEmpty(t, results)
	for _, r := range results {
		require.NotNil(t, r.Chunk)
		assert.Equal(t, "python", r.Chunk.Language)
	}
}

func TestEngine_Search_FilePathSubstringFilter(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	require.NoError(t, engine.Index(ctx, testChunks(6)))

	results, err := engine.Search(ctx, "Handler", Options{TopK: 10, FilePath: "handler3"})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "chunk-003", results[0].ChunkID)
}

func TestEngine_Search_WeightComplementDefaulting(t *testing.T) {
	// If only one weight is given, the other defaults to 1-w.
	w := 0.9
	vec, bm25 := resolveWeights(Options{VectorWeight: &w}, DefaultConfig())
	assert.Equal(t, 0.9, vec)
	assert.InDelta(t, 0.1, bm25, 1e-12)

	vec, bm25 = resolveWeights(Options{BM25Weight: &w}, DefaultConfig())
	assert.InDelta(t, 0.1, vec, 1e-12)
	assert.Equal(t, 0.9, bm25)

	// Neither given: config defaults.
	vec, bm25 = resolveWeights(Options{}, DefaultConfig())
	assert.Equal(t, 0.7, vec)
	assert.Equal(t, 0.3, bm25)
}

func TestEngine_Delete_RemovesFromBothIndices(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	require.NoError(t, engine.Index(ctx, testChunks(3)))

	require.NoError(t, engine.Delete(ctx, []string{"chunk-001"}))

	report := engine.CheckConsistency()
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.BM25Count)

	results, err := engine.Search(ctx, "Handler1", Options{TopK: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "chunk-001", r.ChunkID)
	}
}

// failingReRanker always errors.
type failingReRanker struct{}

func (f *failingReRanker) Rerank(context.Context, string, []*Result) ([]*Result, error) {
	return nil, errors.New("reranker service unavailable")
}

func TestEngine_Search_ReRankFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, WithReRanker(&failingReRanker{}))
	require.NoError(t, engine.Index(ctx, testChunks(5)))

	// The failure is recovered locally; fused order is returned.
	results, err := engine.Search(ctx, "Handler", Options{TopK: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

// reversingReRanker inverts the order, proving rerank output is used.
type reversingReRanker struct{}

func (r *reversingReRanker) Rerank(_ context.Context, _ string, candidates []*Result) ([]*Result, error) {
	out := make([]*Result, len(candidates))
	for i, c := range candidates {
		out[len(candidates)-1-i] = c
	}
	return out, nil
}

func TestEngine_Search_ReRankReorders(t *testing.T) {
	ctx := context.Background()
	plain := newTestEngine(t)
	require.NoError(t, plain.Index(ctx, testChunks(4)))
	baseline, err := plain.Search(ctx, "Handler", Options{TopK: 4})
	require.NoError(t, err)
	require.NotEmpty(t, baseline)

	reranked := newTestEngine(t, WithReRanker(&reversingReRanker{}))
	require.NoError(t, reranked.Index(ctx, testChunks(4)))
	reversed, err := reranked.Search(ctx, "Handler", Options{TopK: 4})
	require.NoError(t, err)

	require.Equal(t, len(baseline), len(reversed))
	assert.Equal(t, baseline[0].ChunkID, reversed[len(reversed)-1].ChunkID)
}

// failingProvider errors on every call after construction.
type failingProvider struct{ embed.Provider }

func (f *failingProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ragerr.EmbedError(ragerr.ErrCodeEmbedConnect, "cannot connect to embedding backend at localhost:11434", nil)
}

func TestEngine_Search_EmbedFailurePropagates(t *testing.T) {
	provider := &failingProvider{Provider: embed.NewStaticProvider(8)}
	vector, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: 8})
	require.NoError(t, err)

	engine, err := NewEngine(store.NewBM25Index(store.DefaultBM25Config()), vector, provider, DefaultConfig())
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), "query", Options{})
	require.Error(t, err)
	assert.Equal(t, ragerr.KindEmbed, ragerr.KindOf(err))
}

func TestEngine_Search_DeterministicOrdering(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	require.NoError(t, engine.Index(ctx, testChunks(20)))

	first, err := engine.Search(ctx, "Handler process", Options{TopK: 10})
	require.NoError(t, err)
	second, err := engine.Search(ctx, "Handler process", Options{TopK: 10})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ChunkID, second[i].ChunkID)
		assert.Equal(t, first[i].Score, second[i].Score)
	}
}
