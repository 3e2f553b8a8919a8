package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coderag-io/coderag/internal/bench"
	"github.com/coderag-io/coderag/internal/ui"
)

// newBenchCmd evaluates retrieval quality on auto-generated queries.
func newBenchCmd() *cobra.Command {
	var queries int
	var seed int64
	var grepWorkspace string
	var budgets []int
	var jsonOut string
	var offline bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark retrieval quality with generated queries",
		Long: `Generates queries from the index with a seeded PRNG, runs each through
hybrid search, and reports precision, recall, MRR, and nDCG, with
per-query-type breakdowns. Optionally compares against a grep baseline
and sweeps token budgets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			styles := ui.AutoStyles()

			s, err := openSession(ctx, ".", offline)
			if err != nil {
				return err
			}
			defer s.Close()

			chunks, err := s.chunks.AllChunks(context.Background())
			if err != nil {
				return err
			}

			generator := bench.NewGenerator(chunks, s.graph, seed)
			runner := bench.NewRunner(s.engine, generator)

			report, err := runner.Run(ctx, bench.Options{
				Queries:       queries,
				GrepWorkspace: grepWorkspace,
				TokenBudgets:  budgets,
			})
			if err != nil {
				return err
			}

			if jsonOut != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(jsonOut, data, 0o644); err != nil {
					return err
				}
			}

			fmt.Println(styles.Header.Render("benchmark results"))
			fmt.Printf("  queries: %d   chunks: %d   duration: %dms\n",
				report.Metadata.TotalQueries, report.Metadata.TotalChunksInIndex, report.Metadata.DurationMS)
			printMetrics("aggregate", report.Aggregate, styles)
			for _, bt := range report.ByQueryType {
				printMetrics(fmt.Sprintf("%s (%d)", bt.QueryType, bt.Queries), bt.Metrics, styles)
			}
			if report.GrepComparison != nil {
				g := report.GrepComparison
				fmt.Printf("  grep baseline: engine %.1f files, grep %.1f files, overlap %.1f\n",
					g.EngineFiles, g.GrepFiles, g.OverlapFiles)
			}
			for _, p := range report.TokenEfficiency {
				fmt.Printf("  budget %6d: mrr %.3f  recall@10 %.3f  noise %.3f  %dms\n",
					p.TokenBudget, p.MRR, p.RecallAt10, p.NoiseRatio, p.DurationMS)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&queries, "queries", 50, "number of queries to generate")
	cmd.Flags().Int64Var(&seed, "seed", 42, "PRNG seed for query generation")
	cmd.Flags().StringVar(&grepWorkspace, "grep-workspace", "", "compare against a grep baseline over this directory")
	cmd.Flags().IntSliceVar(&budgets, "budgets", nil, "token budgets to sweep (e.g. 1000,4000,16000)")
	cmd.Flags().StringVar(&jsonOut, "json", "", "write the JSON report to this file")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the static embedder, no backend required")

	return cmd
}

func printMetrics(label string, m bench.Metrics, styles ui.Styles) {
	fmt.Printf("  %s %s\n", styles.Label.Render(label+":"), fmt.Sprintf(
		"p@5 %.3f  p@10 %.3f  r@10 %.3f  mrr %.3f  ndcg@10 %.3f",
		m.PrecisionAt5, m.PrecisionAt10, m.RecallAt10, m.MRR, m.NDCGAt10))
}
