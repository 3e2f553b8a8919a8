// Package search implements hybrid retrieval: BM25 and vector results
// fused with weighted Reciprocal Rank Fusion.
package search

import (
	"github.com/coderag-io/coderag/internal/store"
)

// Method identifies which pipeline produced a result.
type Method string

const (
	MethodBM25   Method = "bm25"
	MethodVector Method = "vector"
	MethodHybrid Method = "hybrid"
)

// Result is a single search result.
type Result struct {
	// ChunkID identifies the chunk.
	ChunkID string

	// Score is the raw BM25 score, the cosine similarity, or the fused
	// RRF score, depending on Method.
	Score float64

	// Method is the pipeline that produced this result.
	Method Method

	// Chunk is the hydrated chunk, or nil when unavailable.
	Chunk *store.Chunk

	// Metadata carries per-result extras (source ranks and source scores).
	Metadata map[string]any
}

// Options configures a single query.
type Options struct {
	// TopK is the maximum number of results (default 10, max 100).
	TopK int

	// VectorWeight overrides the configured vector weight [0,1].
	VectorWeight *float64

	// BM25Weight overrides the configured BM25 weight [0,1].
	BM25Weight *float64

	// Language keeps only results whose chunk language matches exactly.
	Language string

	// FilePath keeps only results whose chunk file path contains this
	// substring.
	FilePath string

	// ChunkType keeps only results of this chunk type.
	ChunkType string
}

// Config holds the engine defaults, normally sourced from .coderag.yaml.
type Config struct {
	// TopK is the default result count (default: 10).
	TopK int

	// VectorWeight is the default dense weight (default: 0.7).
	VectorWeight float64

	// BM25Weight is the default sparse weight (default: 0.3).
	BM25Weight float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TopK:         10,
		VectorWeight: 0.7,
		BM25Weight:   0.3,
	}
}

// MaxTopK caps a query's requested result count.
const MaxTopK = 100

// resolveWeights applies the option/config/default chain. Weights are
// deliberately not normalised; when only one is supplied the other
// defaults to its complement.
func resolveWeights(opts Options, cfg Config) (vector, bm25 float64) {
	switch {
	case opts.VectorWeight != nil && opts.BM25Weight != nil:
		return *opts.VectorWeight, *opts.BM25Weight
	case opts.VectorWeight != nil:
		return *opts.VectorWeight, 1 - *opts.VectorWeight
	case opts.BM25Weight != nil:
		return 1 - *opts.BM25Weight, *opts.BM25Weight
	}

	vector = cfg.VectorWeight
	bm25 = cfg.BM25Weight
	if vector == 0 && bm25 == 0 {
		vector, bm25 = 0.7, 0.3
	}
	return vector, bm25
}
