package bench

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderag-io/coderag/internal/graph"
	"github.com/coderag-io/coderag/internal/store"
)

func benchChunks(n int) []*store.Chunk {
	chunks := make([]*store.Chunk, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("chunk-%03d", i)
		chunks = append(chunks, &store.Chunk{
			ID:           id,
			Content:      fmt.Sprintf("func ProcessOrder%d(ctx context.Context) error { return nil }", i),
			NLSummary:    fmt.Sprintf("processes order variant %d", i),
			Name:         fmt.Sprintf("ProcessOrder%d", i),
			Declarations: []string{fmt.Sprintf("ProcessOrder%d", i)},
			FilePath:     fmt.Sprintf("internal/orders/order%d.go", i),
			Language:     "go",
			ChunkType:    store.ChunkTypeFunction,
		})
	}
	return chunks
}

func benchGraph(chunks []*store.Chunk) *graph.Graph {
	var edges []graph.Edge
	for i := 1; i < len(chunks); i++ {
		edges = append(edges, graph.Edge{
			From: chunks[i-1].ID, To: chunks[i].ID, Type: graph.EdgeCall,
		})
		edges = append(edges, graph.Edge{
			From: chunks[i].ID, To: chunks[i-1].ID, Type: graph.EdgeImport,
			Symbol: chunks[i-1].Name,
		})
	}
	return graph.New(edges)
}

func TestGenerator_DeterministicForSeed(t *testing.T) {
	chunks := benchChunks(50)
	g := benchGraph(chunks)

	first, err := NewGenerator(chunks, g, 42).Generate(30)
	require.NoError(t, err)
	second, err := NewGenerator(chunks, g, 42).Generate(30)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Query, second[i].Query)
		assert.Equal(t, first[i].QueryType, second[i].QueryType)
		assert.Equal(t, first[i].Expected, second[i].Expected)
	}
}

func TestGenerator_DifferentSeedsDiffer(t *testing.T) {
	chunks := benchChunks(50)
	g := benchGraph(chunks)

	a, err := NewGenerator(chunks, g, 1).Generate(20)
	require.NoError(t, err)
	b, err := NewGenerator(chunks, g, 2).Generate(20)
	require.NoError(t, err)

	different := false
	for i := range a {
		if a[i].Query != b[i].Query {
			different = true
			break
		}
	}
	assert.True(t, different)
}

func TestGenerator_ProducesAllTypesWithGraph(t *testing.T) {
	chunks := benchChunks(30)
	// Give some chunks test counterparts via test edges.
	edges := benchGraph(chunks).Edges()
	edges = append(edges, graph.Edge{From: chunks[1].ID, To: chunks[0].ID, Type: graph.EdgeTest})
	g := graph.New(edges)

	queries, err := NewGenerator(chunks, g, 7).Generate(25)
	require.NoError(t, err)

	types := map[QueryType]int{}
	for _, q := range queries {
		types[q.QueryType]++
		assert.NotEmpty(t, q.Query)
		assert.NotEmpty(t, q.Expected)
	}
	assert.Positive(t, types[QueryKeyword])
	assert.Positive(t, types[QuerySummary])
	assert.Positive(t, types[QueryCaller])
	assert.Positive(t, types[QueryImport])
	assert.Positive(t, types[QueryTest])
}

func TestGenerator_EmptyGraphSkipsEdgeTypes(t *testing.T) {
	// Given: no dependency graph on disk
	chunks := benchChunks(20)

	queries, err := NewGenerator(chunks, nil, 42).Generate(20)
	require.NoError(t, err)
	require.Len(t, queries, 20)

	// Then: caller and import queries are skipped; their share goes to
	// the remaining types.
	for _, q := range queries {
		assert.NotEqual(t, QueryCaller, q.QueryType)
		assert.NotEqual(t, QueryImport, q.QueryType)
	}
}

func TestGenerator_CallerExpectsBothEndpoints(t *testing.T) {
	chunks := benchChunks(10)
	g := benchGraph(chunks)

	gen := NewGenerator(chunks, g, 3)
	var caller *Query
	for i := 0; i < 50 && caller == nil; i++ {
		if q := gen.genCaller(); q != nil {
			caller = q
		}
	}
	require.NotNil(t, caller)
	assert.Len(t, caller.Expected, 2)
}

func TestGenerator_EmptyIndexErrors(t *testing.T) {
	_, err := NewGenerator(nil, nil, 42).Generate(10)
	assert.Error(t, err)
}
