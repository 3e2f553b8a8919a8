// Package store provides the sparse BM25 index, the HNSW vector store,
// and chunk metadata persistence for the retrieval engine.
package store

import (
	"context"
	"fmt"
	"regexp"
)

// ChunkType classifies the indexed unit of code.
type ChunkType string

const (
	ChunkTypeFunction  ChunkType = "function"
	ChunkTypeClass     ChunkType = "class"
	ChunkTypeMethod    ChunkType = "method"
	ChunkTypeInterface ChunkType = "interface"
	ChunkTypeModule    ChunkType = "module"
	ChunkTypeBlock     ChunkType = "block"
)

// Chunk is a retrievable unit of code with metadata, produced by the
// ingestion collaborator. Immutable once indexed; removed by id on re-index.
type Chunk struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	NLSummary    string    `json:"nl_summary"`
	ChunkType    ChunkType `json:"chunk_type"`
	FilePath     string    `json:"file_path"`
	Language     string    `json:"language"`
	StartLine    int       `json:"start_line"`
	EndLine      int       `json:"end_line"`
	Name         string    `json:"name"`
	Declarations []string  `json:"declarations"`
	Imports      []string  `json:"imports"`
	Exports      []string  `json:"exports"`
}

// IndexText returns the combined text indexed for lexical retrieval:
// content, natural-language summary, symbol name, and file path.
func (c *Chunk) IndexText() string {
	return c.Content + "\n" + c.NLSummary + "\n" + c.Name + "\n" + c.FilePath
}

// Payload converts the chunk to the opaque map stored with its vector.
// Round-trippable with ChunkFromPayload.
func (c *Chunk) Payload() map[string]any {
	return map[string]any{
		"id":           c.ID,
		"content":      c.Content,
		"nl_summary":   c.NLSummary,
		"chunk_type":   string(c.ChunkType),
		"file_path":    c.FilePath,
		"language":     c.Language,
		"start_line":   c.StartLine,
		"end_line":     c.EndLine,
		"name":         c.Name,
		"declarations": c.Declarations,
		"imports":      c.Imports,
		"exports":      c.Exports,
	}
}

// ChunkFromPayload reconstructs a Chunk from a vector payload.
// Returns nil if the payload has no id.
func ChunkFromPayload(p map[string]any) *Chunk {
	if p == nil {
		return nil
	}
	id, _ := p["id"].(string)
	if id == "" {
		return nil
	}
	c := &Chunk{ID: id}
	c.Content, _ = p["content"].(string)
	c.NLSummary, _ = p["nl_summary"].(string)
	if t, ok := p["chunk_type"].(string); ok {
		c.ChunkType = ChunkType(t)
	}
	c.FilePath, _ = p["file_path"].(string)
	c.Language, _ = p["language"].(string)
	c.StartLine = payloadInt(p["start_line"])
	c.EndLine = payloadInt(p["end_line"])
	c.Name, _ = p["name"].(string)
	c.Declarations = payloadStrings(p["declarations"])
	c.Imports = payloadStrings(p["imports"])
	c.Exports = payloadStrings(p["exports"])
	return c
}

// payloadInt tolerates the int/float64 duality of decoded JSON numbers.
func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func payloadStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// BM25Result is a single lexical search result.
type BM25Result struct {
	DocID string
	Score float64
	// Chunk is attached from the in-memory chunk map when available.
	Chunk *Chunk
}

// BM25Stats provides statistics about the BM25 index.
type BM25Stats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2).
	K1 float64

	// B is the length normalization parameter (default: 0.75).
	B float64

	// StopWords is filtered out during tokenization.
	StopWords []string

	// MinTokenLength is the minimum token length to index (default: 2).
	MinTokenLength int
}

// DefaultBM25Config returns the default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultCodeStopWords,
		MinTokenLength: 2,
	}
}

// DefaultCodeStopWords contains programming keywords filtered at both
// ingest and query time.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"the", "and", "or", "not", "new", "this",
}

// VectorResult is a single vector search result.
type VectorResult struct {
	ID string
	// Score is cosine similarity, descending.
	Score float32
	// Payload is the opaque map stored with the vector.
	Payload map[string]any
}

// VectorStore is an ANN/exact nearest-neighbour store over fixed-dimension
// float vectors with string keys. Constructed with a fixed dimension.
type VectorStore interface {
	// Upsert inserts vectors with their payloads. Atomic per batch:
	// all ids land together or none do.
	Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error

	// Query finds the k nearest neighbours by cosine similarity,
	// descending score, ties broken by id ascending.
	Query(ctx context.Context, vector []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by id.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of vectors.
	Count() int

	// Close releases resources.
	Close() error
}

// validIDPattern restricts vector store ids.
var validIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// ValidateID reports whether id is acceptable to the vector store.
func ValidateID(id string) bool {
	return validIDPattern.MatchString(id)
}

// ErrDimensionMismatch indicates a vector length did not match the
// store's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
