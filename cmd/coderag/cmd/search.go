package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coderag-io/coderag/internal/bundle"
	"github.com/coderag-io/coderag/internal/search"
	"github.com/coderag-io/coderag/internal/ui"
)

// newSearchCmd runs a hybrid query against the local index.
func newSearchCmd() *cobra.Command {
	var topK int
	var vectorWeight, bm25Weight float64
	var language, pathFilter, chunkType string
	var expandBudget int
	var includeTests bool
	var offline bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over the indexed codebase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := strings.Join(args, " ")
			styles := ui.AutoStyles()

			s, err := openSession(ctx, ".", offline)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := search.Options{
				TopK:      topK,
				Language:  language,
				FilePath:  pathFilter,
				ChunkType: chunkType,
			}
			if cmd.Flags().Changed("vector-weight") {
				opts.VectorWeight = &vectorWeight
			}
			if cmd.Flags().Changed("bm25-weight") {
				opts.BM25Weight = &bm25Weight
			}

			results, err := s.engine.Search(ctx, query, opts)
			if err != nil {
				return err
			}

			if len(results) == 0 {
				fmt.Println(styles.Dim.Render("no results"))
				return nil
			}

			for i, r := range results {
				location := r.ChunkID
				if r.Chunk != nil {
					location = fmt.Sprintf("%s:%d-%d", r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine)
				}
				fmt.Printf("%2d. %s %s\n", i+1,
					styles.Score.Render(fmt.Sprintf("%.5f", r.Score)),
					styles.Header.Render(location))
				if r.Chunk != nil && r.Chunk.NLSummary != "" {
					fmt.Printf("    %s\n", styles.Label.Render(r.Chunk.NLSummary))
				}
			}

			if expandBudget > 0 {
				expander := bundle.NewExpander(s.graph, s.bm25.Chunk, nil)
				b := expander.Expand(results, expandBudget, bundle.Options{IncludeTests: includeTests})
				fmt.Println()
				fmt.Println(styles.Header.Render(fmt.Sprintf(
					"--- context bundle (%d tokens, %d primary chunks, truncated=%v) ---",
					b.TokenCount, b.PrimaryChunksUsed, b.Truncated)))
				fmt.Println(b.ContextText)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of results (default from config)")
	cmd.Flags().Float64Var(&vectorWeight, "vector-weight", 0.7, "dense retrieval weight [0,1]")
	cmd.Flags().Float64Var(&bm25Weight, "bm25-weight", 0.3, "sparse retrieval weight [0,1]")
	cmd.Flags().StringVar(&language, "language", "", "filter by language")
	cmd.Flags().StringVar(&pathFilter, "path", "", "filter by file path substring")
	cmd.Flags().StringVar(&chunkType, "type", "", "filter by chunk type")
	cmd.Flags().IntVar(&expandBudget, "expand", 0, "assemble a context bundle under this token budget")
	cmd.Flags().BoolVar(&includeTests, "include-tests", false, "keep test chunks in the context bundle")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the static embedder, no backend required")

	return cmd
}
