package search

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/coderag-io/coderag/internal/embed"
	ragerr "github.com/coderag-io/coderag/internal/errors"
	"github.com/coderag-io/coderag/internal/store"
)

// Engine orchestrates hybrid retrieval: the query is embedded, BM25 and
// vector search run in parallel, and ranks are fused with weighted RRF.
type Engine struct {
	bm25     *store.BM25Index
	vector   store.VectorStore
	provider embed.Provider
	reranker ReRanker // optional
	config   Config
}

// NewEngine creates a hybrid search engine. The BM25 index, vector
// store, and embedding provider are required; the reranker is optional.
func NewEngine(bm25 *store.BM25Index, vector store.VectorStore, provider embed.Provider, cfg Config, opts ...EngineOption) (*Engine, error) {
	if bm25 == nil {
		return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeInvalidInput, "bm25 index is required", nil)
	}
	if vector == nil {
		return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeInvalidInput, "vector store is required", nil)
	}
	if provider == nil {
		return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeInvalidInput, "embedding provider is required", nil)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}

	e := &Engine{
		bm25:     bm25,
		vector:   vector,
		provider: provider,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithReRanker sets an optional reranker applied after fusion. Reranker
// failures are recovered locally: the fused order is kept.
func WithReRanker(r ReRanker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// Index upserts chunks into both indices: postings into BM25, embedded
// vectors with chunk payloads into the vector store. After a successful
// ingest both sides hold the same ids.
func (e *Engine) Index(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		if c.NLSummary != "" {
			texts[i] = c.Content + "\n" + c.NLSummary
		}
	}

	vectors, err := e.provider.Embed(ctx, texts)
	if err != nil {
		return err
	}

	ids := make([]string, len(chunks))
	payloads := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		payloads[i] = c.Payload()
	}

	if err := e.vector.Upsert(ctx, ids, vectors, payloads); err != nil {
		return err
	}

	e.bm25.Add(chunks)
	return nil
}

// Delete removes chunks from both indices.
func (e *Engine) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := e.vector.Delete(ctx, chunkIDs); err != nil {
		return err
	}
	e.bm25.Remove(chunkIDs)
	return nil
}

// Search runs the hybrid pipeline and returns up to opts.TopK results
// with method "hybrid", scores non-increasing, ties by chunk id.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeQueryEmpty, "query text is empty", nil)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = e.config.TopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	// Embed the query as a single-element batch.
	qvecs, err := e.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(qvecs) != 1 {
		return nil, ragerr.EmbedError(ragerr.ErrCodeEmbedResponse,
			"query embedding returned no vector", nil)
	}
	qvec := qvecs[0]

	// Both retrieval sources are issued concurrently and awaited
	// together; each over-fetches 2x so fusion has overlap to work with.
	fetchK := 2 * topK

	var bm25Results []*store.BM25Result
	var vecResults []*store.VectorResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var qerr error
		vecResults, qerr = e.vector.Query(gctx, qvec, fetchK)
		return qerr
	})
	g.Go(func() error {
		bm25Results = e.bm25.Search(query, fetchK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	wVec, wBM25 := resolveWeights(opts, e.config)
	fused := fuse(bm25Results, vecResults, wBM25, wVec)

	results := make([]*Result, 0, len(fused))
	for _, f := range fused {
		results = append(results, &Result{
			ChunkID: f.chunkID,
			Score:   f.score,
			Method:  MethodHybrid,
			Chunk:   f.hydrate(),
			Metadata: map[string]any{
				"bm25_rank":  f.bm25Rank,
				"vec_rank":   f.vecRank,
				"bm25_score": f.bm25Score,
				"vec_score":  f.vecScore,
			},
		})
	}

	results = e.rerank(ctx, query, results)

	// Filters apply after fusion and before truncation so TopK is
	// honoured against the filtered set.
	results = applyFilters(results, opts)

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// rerank applies the optional reranker, falling back to the fused order
// on any failure.
func (e *Engine) rerank(ctx context.Context, query string, results []*Result) []*Result {
	if e.reranker == nil || len(results) == 0 {
		return results
	}

	reranked, err := e.reranker.Rerank(ctx, query, results)
	if err != nil {
		slog.Warn("rerank_failed, keeping fused order", slog.String("error", err.Error()))
		return results
	}
	if len(reranked) != len(results) {
		slog.Warn("rerank_dropped_results, keeping fused order",
			slog.Int("in", len(results)), slog.Int("out", len(reranked)))
		return results
	}
	return reranked
}

// applyFilters keeps results matching every requested criterion.
// Results without a hydrated chunk cannot match a filter.
func applyFilters(results []*Result, opts Options) []*Result {
	if opts.Language == "" && opts.FilePath == "" && opts.ChunkType == "" {
		return results
	}

	filtered := make([]*Result, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		if opts.Language != "" && r.Chunk.Language != opts.Language {
			continue
		}
		if opts.FilePath != "" && !strings.Contains(r.Chunk.FilePath, opts.FilePath) {
			continue
		}
		if opts.ChunkType != "" && string(r.Chunk.ChunkType) != opts.ChunkType {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}

// ConsistencyReport compares document counts across the two indices.
type ConsistencyReport struct {
	BM25Count   int
	VectorCount int
	Consistent  bool
}

// CheckConsistency verifies that both indices hold the same number of
// documents, as required after a successful ingest.
func (e *Engine) CheckConsistency() ConsistencyReport {
	report := ConsistencyReport{
		BM25Count:   e.bm25.Count(),
		VectorCount: e.vector.Count(),
	}
	report.Consistent = report.BM25Count == report.VectorCount
	return report
}

// Close releases engine resources. The vector store and provider are
// shared references whose lifetimes extend to the engine's teardown.
func (e *Engine) Close() error {
	if err := e.vector.Close(); err != nil {
		return err
	}
	return e.provider.Close()
}
