package bench

import (
	"context"
	"time"

	ragerr "github.com/coderag-io/coderag/internal/errors"
	"github.com/coderag-io/coderag/internal/bundle"
	"github.com/coderag-io/coderag/internal/search"
)

// BudgetPoint is one row of the token-budget sweep.
type BudgetPoint struct {
	TokenBudget int     `json:"token_budget"`
	MRR         float64 `json:"mrr"`
	RecallAt10  float64 `json:"recall_at_10"`
	// NoiseRatio is the fraction of included chunks that are not
	// relevant to the query.
	NoiseRatio float64 `json:"noise_ratio"`
	DurationMS int64   `json:"duration_ms"`
}

// budgetSweep runs every query at each budget, greedily filling results
// until the budget is exceeded, and reports quality per budget.
func (r *Runner) budgetSweep(ctx context.Context, queries []*Query, opts Options) ([]BudgetPoint, error) {
	points := make([]BudgetPoint, 0, len(opts.TokenBudgets))

	for _, budget := range opts.TokenBudgets {
		start := time.Now()

		var perQuery []Metrics
		var included, noise int

		for _, q := range queries {
			if err := ctx.Err(); err != nil {
				return nil, ragerr.Cancelled(err)
			}

			results, err := r.searcher.Search(ctx, q.Query, search.Options{TopK: opts.TopK})
			if err != nil {
				if ragerr.IsCancelled(err) {
					return nil, err
				}
				return nil, ragerr.BenchmarkError("search failed during budget sweep", err)
			}

			kept := fillToBudget(results, budget)
			ids := make([]string, len(kept))
			for i, res := range kept {
				ids[i] = res.ChunkID
				included++
				if !q.Expected[res.ChunkID] {
					noise++
				}
			}
			perQuery = append(perQuery, queryMetrics(ids, q.Expected))
		}

		agg := meanMetrics(perQuery)
		point := BudgetPoint{
			TokenBudget: budget,
			MRR:         agg.MRR,
			RecallAt10:  agg.RecallAt10,
			DurationMS:  time.Since(start).Milliseconds(),
		}
		if included > 0 {
			point.NoiseRatio = float64(noise) / float64(included)
		}
		points = append(points, point)
	}

	return points, nil
}

// fillToBudget keeps results in rank order while their cumulative token
// estimate stays within the budget. The first result always fits budget
// permitting; the result that crosses the budget is excluded.
func fillToBudget(results []*search.Result, budget int) []*search.Result {
	var kept []*search.Result
	remaining := budget

	for _, res := range results {
		content := res.ChunkID
		if res.Chunk != nil {
			content = res.Chunk.Content
		}
		cost := bundle.DefaultEstimator(content)
		if cost > remaining {
			break
		}
		remaining -= cost
		kept = append(kept, res)
	}
	return kept
}
