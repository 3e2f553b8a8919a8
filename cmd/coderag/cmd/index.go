package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderag-io/coderag/internal/state"
	"github.com/coderag-io/coderag/internal/store"
	"github.com/coderag-io/coderag/internal/ui"
)

// newIndexCmd ingests chunks produced by the chunking collaborator.
func newIndexCmd() *cobra.Command {
	var chunksFile string
	var graphFile string
	var offline bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Ingest chunks into the BM25 and vector indexes",
		Long: `Reads a chunk file (JSON array of chunks, as emitted by the chunker),
embeds each chunk, and upserts it into both the BM25 index and the
vector store. Previously indexed chunks for the same files are replaced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunksFile == "" {
				return fmt.Errorf("--chunks is required")
			}

			ctx := cmd.Context()
			styles := ui.AutoStyles()

			data, err := os.ReadFile(chunksFile)
			if err != nil {
				return err
			}
			var chunks []*store.Chunk
			if err := json.Unmarshal(data, &chunks); err != nil {
				return fmt.Errorf("malformed chunk file %s: %w", chunksFile, err)
			}

			s, err := openSession(ctx, ".", offline)
			if err != nil {
				return err
			}
			defer s.Close()

			// Replace chunks previously indexed for the touched files.
			st, err := state.Load(s.cfg.StatePath())
			if err != nil {
				return err
			}
			byFile := make(map[string][]*store.Chunk)
			for _, c := range chunks {
				byFile[c.FilePath] = append(byFile[c.FilePath], c)
			}
			for filePath := range byFile {
				if stale := st.Forget(filePath); len(stale) > 0 {
					if err := s.engine.Delete(ctx, stale); err != nil {
						return err
					}
					_ = s.chunks.DeleteChunks(ctx, stale)
				}
			}

			if err := s.engine.Index(ctx, chunks); err != nil {
				return err
			}
			if err := s.chunks.SaveChunks(ctx, chunks); err != nil {
				return err
			}

			now := time.Now()
			for filePath, fileChunks := range byFile {
				ids := make([]string, len(fileChunks))
				var content []byte
				for i, c := range fileChunks {
					ids[i] = c.ID
					content = append(content, c.Content...)
				}
				sum := sha256.Sum256(content)
				st.Record(filePath, hex.EncodeToString(sum[:]), ids, now)
			}

			if graphFile != "" {
				graphData, err := os.ReadFile(graphFile)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(s.cfg.Storage.Path, 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(s.cfg.GraphPath(), graphData, 0o644); err != nil {
					return err
				}
			}

			if err := s.save(); err != nil {
				return err
			}
			if err := state.Save(s.cfg.StatePath(), st); err != nil {
				return err
			}

			report := s.engine.CheckConsistency()
			if !report.Consistent {
				fmt.Fprintln(os.Stderr, styles.Warning.Render(fmt.Sprintf(
					"warning: index inconsistency: %d BM25 docs vs %d vectors",
					report.BM25Count, report.VectorCount)))
			}

			fmt.Printf("%s %d chunks across %d files (%d total in index)\n",
				styles.Success.Render("indexed"), len(chunks), len(byFile), report.BM25Count)
			return nil
		},
	}

	cmd.Flags().StringVar(&chunksFile, "chunks", "", "JSON chunk file from the chunker (required)")
	cmd.Flags().StringVar(&graphFile, "graph", "", "dependency graph JSON to install alongside the index")
	cmd.Flags().BoolVar(&offline, "offline", false, "use the static embedder, no backend required")

	return cmd
}
