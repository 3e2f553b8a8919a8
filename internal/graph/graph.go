// Package graph holds the chunk dependency graph: directed edges for
// imports, calls, and test relationships, produced by the ingestion
// collaborator and persisted as JSON under the storage root.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// EdgeType classifies a dependency edge.
type EdgeType string

const (
	EdgeImport EdgeType = "import"
	EdgeCall   EdgeType = "call"
	EdgeTest   EdgeType = "test"
)

// Edge is a directed relationship between two chunks. For imports the
// edge runs importer -> imported; for calls caller -> callee; for tests
// test -> subject.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
	// Symbol is the imported or called symbol name, when known.
	Symbol string `json:"symbol,omitempty"`
}

// graphFile is the serialized form.
type graphFile struct {
	Version int    `json:"version"`
	Edges   []Edge `json:"edges"`
}

const graphFormatVersion = 1

// Graph is an in-memory dependency graph with by-endpoint lookups.
type Graph struct {
	edges    []Edge
	outgoing map[string][]Edge
	incoming map[string][]Edge
}

// New builds a graph from edges.
func New(edges []Edge) *Graph {
	g := &Graph{
		edges:    edges,
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}
	for _, e := range edges {
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
		g.incoming[e.To] = append(g.incoming[e.To], e)
	}
	return g
}

// Load reads the graph file at path. A missing file is not an error:
// it yields an empty graph, and graph-dependent features degrade.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, ragerr.IndexError(ragerr.ErrCodeIndexRead, fmt.Sprintf("read graph %s", path), err)
	}

	var file graphFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, ragerr.IndexError(ragerr.ErrCodeIndexCorrupt, fmt.Sprintf("malformed graph file %s", path), err)
	}
	if file.Version != graphFormatVersion {
		return nil, ragerr.IndexError(ragerr.ErrCodeIndexVersion,
			fmt.Sprintf("unsupported graph version %d (want %d)", file.Version, graphFormatVersion), nil)
	}

	return New(file.Edges), nil
}

// Save writes the graph to path atomically.
func (g *Graph) Save(path string) error {
	data, err := json.Marshal(graphFile{Version: graphFormatVersion, Edges: g.edges})
	if err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, "encode graph", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, fmt.Sprintf("write %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, fmt.Sprintf("rename to %s", path), err)
	}
	return nil
}

// Edges returns all edges.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// EdgesOfType returns all edges of the given type, ordered by (from, to)
// for deterministic iteration.
func (g *Graph) EdgesOfType(t EdgeType) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Related returns the first-order neighbourhood of a chunk: its outgoing
// and incoming edges, sorted by (From, To). Edges are not deduplicated.
func (g *Graph) Related(id string) []Edge {
	var out []Edge
	out = append(out, g.outgoing[id]...)
	out = append(out, g.incoming[id]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Callers returns ids with a call edge into id, sorted.
func (g *Graph) Callers(id string) []string {
	var out []string
	for _, e := range g.incoming[id] {
		if e.Type == EdgeCall {
			out = append(out, e.From)
		}
	}
	sort.Strings(out)
	return out
}

// Tests returns ids of test chunks covering id, sorted.
func (g *Graph) Tests(id string) []string {
	var out []string
	for _, e := range g.incoming[id] {
		if e.Type == EdgeTest {
			out = append(out, e.From)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	return len(g.edges)
}
