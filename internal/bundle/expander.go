// Package bundle assembles context bundles: ranked chunks plus their
// graph neighbourhood, concatenated under a token budget.
package bundle

import (
	"strings"

	"github.com/coderag-io/coderag/internal/graph"
	"github.com/coderag-io/coderag/internal/search"
	"github.com/coderag-io/coderag/internal/store"
)

// TokenEstimator counts tokens in a piece of text. The default
// estimates ceil(chars / 4).
type TokenEstimator func(text string) int

// DefaultEstimator approximates tokens as ceil(chars / 4).
func DefaultEstimator(text string) int {
	return (len(text) + 3) / 4
}

// ChunkLookup resolves chunk ids discovered through the graph to full
// chunks. Typically backed by the BM25 index's chunk map or the
// metadata store.
type ChunkLookup func(id string) *store.Chunk

// Options filters the candidate set before expansion.
type Options struct {
	// IncludeTests keeps test chunks and test-edge neighbours.
	IncludeTests bool

	// IncludeInterfaces keeps interface chunks.
	IncludeInterfaces bool
}

// Bundle is the assembled context.
type Bundle struct {
	// ContextText is the concatenated chunk content.
	ContextText string

	// TokenCount is the estimated token count of ContextText.
	TokenCount int

	// Truncated reports whether the budget cut off candidates.
	Truncated bool

	// PrimaryChunksUsed counts how many primary (ranked) chunks made it
	// into the bundle.
	PrimaryChunksUsed int
}

// Expander walks the dependency graph from ranked results and greedily
// assembles a context bundle.
type Expander struct {
	graph     *graph.Graph
	lookup    ChunkLookup
	estimator TokenEstimator
}

// NewExpander creates an expander. estimator may be nil for the default.
func NewExpander(g *graph.Graph, lookup ChunkLookup, estimator TokenEstimator) *Expander {
	if estimator == nil {
		estimator = DefaultEstimator
	}
	return &Expander{graph: g, lookup: lookup, estimator: estimator}
}

// Expand collects primary chunks from the ranked results, walks the
// graph for first-order related chunks (imports, callers, tests), and
// concatenates content until the token budget is exhausted. Primary
// chunks are taken in rank order before any related chunk.
func (e *Expander) Expand(results []*search.Result, tokenBudget int, opts Options) *Bundle {
	bundle := &Bundle{}
	if tokenBudget <= 0 || len(results) == 0 {
		return bundle
	}

	var b strings.Builder
	used := make(map[string]bool)
	remaining := tokenBudget

	appendChunk := func(c *store.Chunk, primary bool) bool {
		if c == nil || used[c.ID] || !e.admit(c, opts) {
			return true
		}
		cost := e.estimator(c.Content)
		if cost > remaining {
			bundle.Truncated = true
			return false
		}
		b.WriteString(c.Content)
		b.WriteString("\n\n")
		remaining -= cost
		used[c.ID] = true
		if primary {
			bundle.PrimaryChunksUsed++
		}
		return true
	}

	// Primary pass: ranked chunks in order.
	var primaries []*store.Chunk
	for _, r := range results {
		c := r.Chunk
		if c == nil {
			c = e.resolve(r.ChunkID)
		}
		if c == nil {
			continue
		}
		primaries = append(primaries, c)
		if !appendChunk(c, true) {
			return e.finish(bundle, &b, tokenBudget, remaining)
		}
	}

	// Expansion pass: first-order neighbours of each primary, in
	// primary rank order.
	if e.graph != nil {
		for _, p := range primaries {
			for _, edge := range e.graph.Related(p.ID) {
				if edge.Type == graph.EdgeTest && !opts.IncludeTests {
					continue
				}
				other := edge.To
				if other == p.ID {
					other = edge.From
				}
				if !appendChunk(e.resolve(other), false) {
					return e.finish(bundle, &b, tokenBudget, remaining)
				}
			}
		}
	}

	return e.finish(bundle, &b, tokenBudget, remaining)
}

// admit applies the pre-expansion filters.
func (e *Expander) admit(c *store.Chunk, opts Options) bool {
	if !opts.IncludeTests && isTestPath(c.FilePath) {
		return false
	}
	if !opts.IncludeInterfaces && c.ChunkType == store.ChunkTypeInterface {
		return false
	}
	return true
}

func (e *Expander) resolve(id string) *store.Chunk {
	if e.lookup == nil {
		return nil
	}
	return e.lookup(id)
}

func (e *Expander) finish(bundle *Bundle, b *strings.Builder, budget, remaining int) *Bundle {
	bundle.ContextText = strings.TrimSuffix(b.String(), "\n\n")
	bundle.TokenCount = budget - remaining
	return bundle
}

// isTestPath recognises test files across the supported languages.
func isTestPath(filePath string) bool {
	if strings.HasSuffix(filePath, "_test.go") {
		return true
	}
	if strings.Contains(filePath, ".test.") || strings.Contains(filePath, ".spec.") {
		return true
	}
	name := filePath
	if idx := strings.LastIndex(filePath, "/"); idx >= 0 {
		name = filePath[idx+1:]
	}
	if strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") {
		return true
	}
	return strings.Contains(filePath, "/tests/") || strings.HasPrefix(filePath, "tests/")
}
