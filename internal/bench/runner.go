package bench

import (
	"context"
	"sort"
	"time"

	ragerr "github.com/coderag-io/coderag/internal/errors"
	"github.com/coderag-io/coderag/internal/search"
)

// Searcher is the slice of the hybrid engine the runner drives.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]*search.Result, error)
}

// Options configures a benchmark run.
type Options struct {
	// Queries is the number of queries to generate (default: 50).
	Queries int

	// TopK is passed to the searcher (default: 10).
	TopK int

	// GrepWorkspace enables the grep baseline over this directory when
	// non-empty.
	GrepWorkspace string

	// TokenBudgets enables the token-budget sweep when non-empty.
	TokenBudgets []int
}

// Report is the benchmark JSON report.
type Report struct {
	Metadata        Metadata          `json:"metadata"`
	Aggregate       Metrics           `json:"aggregate"`
	ByQueryType     []TypeBreakdown   `json:"by_query_type"`
	GrepComparison  *GrepComparison   `json:"grep_comparison,omitempty"`
	TokenEfficiency []BudgetPoint     `json:"token_efficiency,omitempty"`
}

// Metadata describes the run.
type Metadata struct {
	TotalQueries       int   `json:"total_queries"`
	TotalChunksInIndex int   `json:"total_chunks_in_index"`
	DurationMS         int64 `json:"duration_ms"`
}

// TypeBreakdown is the per-query-type aggregate.
type TypeBreakdown struct {
	QueryType QueryType `json:"query_type"`
	Queries   int       `json:"queries"`
	Metrics   Metrics   `json:"metrics"`
}

// Runner executes generated queries against a searcher and aggregates
// IR metrics.
type Runner struct {
	searcher  Searcher
	generator *Generator
}

// NewRunner creates a benchmark runner.
func NewRunner(searcher Searcher, generator *Generator) *Runner {
	return &Runner{searcher: searcher, generator: generator}
}

// Run generates queries, executes each through the searcher, and
// reports aggregate metrics, per-type breakdowns, and total duration.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Queries <= 0 {
		opts.Queries = 50
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	queries, err := r.generator.Generate(opts.Queries)
	if err != nil {
		return nil, ragerr.BenchmarkError("query generation failed", err)
	}

	start := time.Now()

	perQuery := make([]Metrics, 0, len(queries))
	byType := make(map[QueryType][]Metrics)

	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, ragerr.Cancelled(err)
		}

		retrieved, err := r.runQuery(ctx, q.Query, opts.TopK)
		if err != nil {
			return nil, err
		}

		m := queryMetrics(retrieved, q.Expected)
		perQuery = append(perQuery, m)
		byType[q.QueryType] = append(byType[q.QueryType], m)
	}

	report := &Report{
		Metadata: Metadata{
			TotalQueries:       len(queries),
			TotalChunksInIndex: len(r.generator.chunks),
			DurationMS:         time.Since(start).Milliseconds(),
		},
		Aggregate: meanMetrics(perQuery),
	}

	types := make([]QueryType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		report.ByQueryType = append(report.ByQueryType, TypeBreakdown{
			QueryType: t,
			Queries:   len(byType[t]),
			Metrics:   meanMetrics(byType[t]),
		})
	}

	if opts.GrepWorkspace != "" {
		cmp, err := r.grepComparison(ctx, queries, opts)
		if err != nil {
			return nil, err
		}
		report.GrepComparison = cmp
	}

	if len(opts.TokenBudgets) > 0 {
		sweep, err := r.budgetSweep(ctx, queries, opts)
		if err != nil {
			return nil, err
		}
		report.TokenEfficiency = sweep
	}

	return report, nil
}

// runQuery executes one query and returns the retrieved chunk ids in
// rank order. Any search failure aborts the run: cancellation is
// returned as is, other errors are wrapped as a benchmark error.
func (r *Runner) runQuery(ctx context.Context, query string, topK int) ([]string, error) {
	results, err := r.searcher.Search(ctx, query, search.Options{TopK: topK})
	if err != nil {
		if ragerr.IsCancelled(err) {
			return nil, err
		}
		return nil, ragerr.BenchmarkError("search failed during benchmark", err)
	}

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ChunkID
	}
	return ids, nil
}
