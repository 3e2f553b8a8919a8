package search

import (
	"sort"

	"github.com/coderag-io/coderag/internal/store"
)

// RRFConstant is the standard RRF smoothing parameter. k=60 is
// empirically validated across domains (used by Azure AI Search,
// OpenSearch, and others).
const RRFConstant = 60

// fusedEntry accumulates per-chunk fusion state.
type fusedEntry struct {
	chunkID   string
	score     float64
	bm25Rank  int // 1-indexed, 0 if absent
	vecRank   int // 1-indexed, 0 if absent
	bm25Score float64
	vecScore  float64
	chunk     *store.Chunk
	payload   map[string]any
}

// fuse combines BM25 and vector result lists with weighted Reciprocal
// Rank Fusion:
//
//	score(d) = Σ_s weight_s / (k + rank_s)
//
// with k=60 and rank 1-indexed per source list. A chunk appearing in
// only one list receives only that list's contribution; weights are not
// normalised. The output is sorted by fused score descending, ties
// broken by chunk id ascending, and is not truncated.
func fuse(bm25 []*store.BM25Result, vec []*store.VectorResult, wBM25, wVec float64) []*fusedEntry {
	if len(bm25) == 0 && len(vec) == 0 {
		return []*fusedEntry{}
	}

	entries := make(map[string]*fusedEntry, len(bm25)+len(vec))
	getOrCreate := func(id string) *fusedEntry {
		if e, ok := entries[id]; ok {
			return e
		}
		e := &fusedEntry{chunkID: id}
		entries[id] = e
		return e
	}

	for i, r := range bm25 {
		e := getOrCreate(r.DocID)
		e.bm25Rank = i + 1
		e.bm25Score = r.Score
		e.chunk = r.Chunk
		e.score += wBM25 / float64(RRFConstant+i+1)
	}

	for i, r := range vec {
		e := getOrCreate(r.ID)
		e.vecRank = i + 1
		e.vecScore = float64(r.Score)
		e.payload = r.Payload
		e.score += wVec / float64(RRFConstant+i+1)
	}

	results := make([]*fusedEntry, 0, len(entries))
	for _, e := range entries {
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunkID < results[j].chunkID
	})

	return results
}

// hydrate picks the richest available chunk data for a fused entry:
// the BM25 hit carries the full chunk; the vector payload is the
// fallback reconstruction.
func (e *fusedEntry) hydrate() *store.Chunk {
	if e.chunk != nil {
		return e.chunk
	}
	return store.ChunkFromPayload(e.payload)
}
