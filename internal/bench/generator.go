// Package bench evaluates the retrieval engine end-to-end: it generates
// queries from the index, runs them through hybrid search, and computes
// IR metrics.
package bench

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/coderag-io/coderag/internal/graph"
	"github.com/coderag-io/coderag/internal/store"
)

// QueryType classifies a generated benchmark query.
type QueryType string

const (
	QueryKeyword QueryType = "keyword"
	QueryCaller  QueryType = "caller"
	QueryTest    QueryType = "test"
	QueryImport  QueryType = "import"
	QuerySummary QueryType = "summary"
)

// Query is one generated benchmark query with its relevance judgement.
type Query struct {
	Query     string
	Expected  map[string]bool
	QueryType QueryType
}

// Generator produces queries deterministically from the index and the
// dependency graph for a given seed.
type Generator struct {
	chunks []*store.Chunk // sorted by id
	byID   map[string]*store.Chunk
	graph  *graph.Graph
	rng    *rand.Rand
}

// NewGenerator creates a generator. Chunks are copied and sorted by id
// so that the same seed always yields the same queries.
func NewGenerator(chunks []*store.Chunk, g *graph.Graph, seed int64) *Generator {
	sorted := make([]*store.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]*store.Chunk, len(sorted))
	for _, c := range sorted {
		byID[c.ID] = c
	}

	if g == nil {
		g = graph.New(nil)
	}

	return &Generator{
		chunks: sorted,
		byID:   byID,
		graph:  g,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Generate returns n queries, cycling through the query types. Types
// whose preconditions fail (no summaries, empty graph, no test pairs)
// are skipped and their share reallocated to the remaining types.
func (g *Generator) Generate(n int) ([]*Query, error) {
	if len(g.chunks) == 0 {
		return nil, fmt.Errorf("cannot generate queries from an empty index")
	}

	generators := []func() *Query{
		g.genKeyword,
		g.genSummary,
		g.genCaller,
		g.genTest,
		g.genImport,
	}

	queries := make([]*Query, 0, n)
	misses := 0
	for i := 0; len(queries) < n; i++ {
		q := generators[i%len(generators)]()
		if q == nil {
			misses++
			// Every generator failing in a full cycle means no more
			// query material exists.
			if misses >= len(generators) {
				break
			}
			continue
		}
		misses = 0
		queries = append(queries, q)
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("no query type is generatable from this index")
	}
	return queries, nil
}

// genKeyword picks a chunk and queries a salient identifier from its
// name or declarations, expecting that chunk.
func (g *Generator) genKeyword() *Query {
	c := g.chunks[g.rng.Intn(len(g.chunks))]
	keyword := salientIdentifier(c)
	if keyword == "" {
		return nil
	}
	return &Query{
		Query:     keyword,
		Expected:  map[string]bool{c.ID: true},
		QueryType: QueryKeyword,
	}
}

// genSummary uses a chunk's natural-language summary as the query.
func (g *Generator) genSummary() *Query {
	candidates := g.withSummaries()
	if len(candidates) == 0 {
		return nil
	}
	c := candidates[g.rng.Intn(len(candidates))]
	return &Query{
		Query:     c.NLSummary,
		Expected:  map[string]bool{c.ID: true},
		QueryType: QuerySummary,
	}
}

// genCaller takes a call edge A -> B and queries a keyword for B,
// expecting both A and B.
func (g *Generator) genCaller() *Query {
	edges := g.graph.EdgesOfType(graph.EdgeCall)
	edges = g.edgesWithKnownEndpoints(edges)
	if len(edges) == 0 {
		return nil
	}
	e := edges[g.rng.Intn(len(edges))]
	callee := g.byID[e.To]
	keyword := salientIdentifier(callee)
	if keyword == "" {
		return nil
	}
	return &Query{
		Query:     keyword,
		Expected:  map[string]bool{e.From: true, e.To: true},
		QueryType: QueryCaller,
	}
}

// genTest finds a non-test chunk with a matching test chunk and queries
// the non-test chunk's name, expecting the test chunk.
func (g *Generator) genTest() *Query {
	pairs := g.testPairs()
	if len(pairs) == 0 {
		return nil
	}
	p := pairs[g.rng.Intn(len(pairs))]
	subject := g.byID[p.subject]
	if subject.Name == "" {
		return nil
	}
	return &Query{
		Query:     subject.Name,
		Expected:  map[string]bool{p.test: true},
		QueryType: QueryTest,
	}
}

// genImport takes an import edge and queries the imported symbol name,
// expecting the importer.
func (g *Generator) genImport() *Query {
	edges := g.graph.EdgesOfType(graph.EdgeImport)
	edges = g.edgesWithKnownEndpoints(edges)
	if len(edges) == 0 {
		return nil
	}
	e := edges[g.rng.Intn(len(edges))]

	symbol := e.Symbol
	if symbol == "" {
		if imported := g.byID[e.To]; imported != nil {
			symbol = imported.Name
		}
	}
	if symbol == "" {
		return nil
	}
	return &Query{
		Query:     symbol,
		Expected:  map[string]bool{e.From: true},
		QueryType: QueryImport,
	}
}

func (g *Generator) withSummaries() []*store.Chunk {
	var out []*store.Chunk
	for _, c := range g.chunks {
		if strings.TrimSpace(c.NLSummary) != "" {
			out = append(out, c)
		}
	}
	return out
}

func (g *Generator) edgesWithKnownEndpoints(edges []graph.Edge) []graph.Edge {
	var out []graph.Edge
	for _, e := range edges {
		if g.byID[e.From] != nil && g.byID[e.To] != nil {
			out = append(out, e)
		}
	}
	return out
}

type testPair struct {
	subject string
	test    string
}

// testPairs matches non-test chunks to test chunks via graph test edges
// first, then by the file naming convention.
func (g *Generator) testPairs() []testPair {
	var pairs []testPair
	seen := make(map[testPair]bool)

	for _, e := range g.graph.EdgesOfType(graph.EdgeTest) {
		if g.byID[e.From] == nil || g.byID[e.To] == nil {
			continue
		}
		p := testPair{subject: e.To, test: e.From}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}

	// Fallback: pair chunks whose files follow the _test convention.
	testsByBase := make(map[string][]*store.Chunk)
	for _, c := range g.chunks {
		if base, ok := testFileBase(c.FilePath); ok {
			testsByBase[base] = append(testsByBase[base], c)
		}
	}
	for _, c := range g.chunks {
		if _, isTest := testFileBase(c.FilePath); isTest {
			continue
		}
		for _, t := range testsByBase[c.FilePath] {
			p := testPair{subject: c.ID, test: t.ID}
			if !seen[p] {
				seen[p] = true
				pairs = append(pairs, p)
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].subject != pairs[j].subject {
			return pairs[i].subject < pairs[j].subject
		}
		return pairs[i].test < pairs[j].test
	})
	return pairs
}

// testFileBase reports the non-test base path when filePath is a test
// file: "pkg/foo_test.go" -> "pkg/foo.go".
func testFileBase(filePath string) (string, bool) {
	if strings.HasSuffix(filePath, "_test.go") {
		return strings.TrimSuffix(filePath, "_test.go") + ".go", true
	}
	for _, marker := range []string{".test.", ".spec."} {
		if i := strings.Index(filePath, marker); i >= 0 {
			return filePath[:i] + filePath[i+len(marker)-1:], true
		}
	}
	return "", false
}

// salientIdentifier extracts a queryable identifier from a chunk's name
// or declarations: the whole name if any of its split tokens has length
// >= 3, otherwise the first declaration that has such a token.
func salientIdentifier(c *store.Chunk) string {
	if c == nil {
		return ""
	}
	if token := longestToken(c.Name); token != "" {
		return c.Name
	}
	for _, d := range c.Declarations {
		if token := longestToken(d); token != "" {
			return d
		}
	}
	return ""
}

func longestToken(identifier string) string {
	best := ""
	for _, t := range store.SplitIdentifier(identifier) {
		if len(t) >= 3 && len(t) > len(best) {
			best = t
		}
	}
	return best
}
