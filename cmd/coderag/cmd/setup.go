package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/coderag-io/coderag/internal/config"
	"github.com/coderag-io/coderag/internal/embed"
	ragerr "github.com/coderag-io/coderag/internal/errors"
	"github.com/coderag-io/coderag/internal/graph"
	"github.com/coderag-io/coderag/internal/lifecycle"
	"github.com/coderag-io/coderag/internal/search"
	"github.com/coderag-io/coderag/internal/store"
	"github.com/coderag-io/coderag/internal/ui"
)

// defaultEmbedDimensions is used when the config leaves dimensions unset.
const defaultEmbedDimensions = 768

func setDefaultLogger(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// renderError translates core errors to user-visible messages.
func renderError(err error) string {
	styles := ui.AutoStyles()

	var re *ragerr.RagError
	if asRagError(err, &re) {
		msg := styles.Error.Render("error: ") + re.Message
		if re.Suggestion != "" {
			msg += "\n\n" + re.Suggestion
		}
		return msg
	}
	return styles.Error.Render("error: ") + err.Error()
}

func asRagError(err error, target **ragerr.RagError) bool {
	for err != nil {
		if re, ok := err.(*ragerr.RagError); ok {
			*target = re
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// session bundles the opened engine and its collaborators for one CLI
// invocation.
type session struct {
	cfg      *config.Config
	bm25     *store.BM25Index
	vector   *store.HNSWStore
	chunks   *store.SQLiteChunkStore
	graph    *graph.Graph
	provider embed.Provider
	manager  *lifecycle.Manager
	engine   *search.Engine
}

// openSession loads config and indexes from the storage root and builds
// the hybrid engine. With offline=true the static provider is used and
// no backend is contacted.
func openSession(ctx context.Context, dir string, offline bool) (*session, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg}

	if err := s.openProvider(ctx, offline); err != nil {
		return nil, err
	}

	if err := s.openStores(ctx); err != nil {
		s.Close()
		return nil, err
	}

	engine, err := search.NewEngine(s.bm25, s.vector, s.provider, search.Config{
		TopK:         cfg.Search.TopK,
		VectorWeight: cfg.Search.VectorWeight,
		BM25Weight:   cfg.Search.BM25Weight,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.engine = engine

	return s, nil
}

func (s *session) openProvider(ctx context.Context, offline bool) error {
	dims := s.cfg.Embedding.Dimensions
	if dims <= 0 {
		dims = defaultEmbedDimensions
	}

	if offline {
		s.provider = embed.NewStaticProvider(dims)
		return nil
	}

	s.manager = lifecycle.NewManager(lifecycle.Config{
		Model:     s.cfg.Embedding.Model,
		AutoStart: true,
		AutoStop:  false, // leave a started backend warm for the next invocation
	})
	if _, err := s.manager.EnsureRunning(ctx); err != nil {
		return err
	}

	printer := ui.NewPullProgressPrinter(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	if err := s.manager.EnsureModel(ctx, s.cfg.Embedding.Model, printer.Update); err != nil {
		return err
	}
	printer.Done()

	inner, err := embed.NewHTTPProvider(embed.HTTPConfig{
		BaseURL:    s.manager.BaseURL(),
		Model:      s.cfg.Embedding.Model,
		Dimensions: dims,
	})
	if err != nil {
		return err
	}

	cached, err := embed.NewCached(inner, embed.DefaultCacheSize)
	if err != nil {
		return err
	}
	s.provider = cached
	return nil
}

func (s *session) openStores(ctx context.Context) error {
	s.bm25 = store.NewBM25Index(store.DefaultBM25Config())
	if _, err := os.Stat(s.cfg.BM25Path()); err == nil {
		if err := s.bm25.Load(s.cfg.BM25Path()); err != nil {
			return err
		}
	}

	vector, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: s.provider.Dimensions()})
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.cfg.VectorPath()); err == nil {
		if err := vector.Load(s.cfg.VectorPath()); err != nil {
			return err
		}
	}
	s.vector = vector

	chunks, err := store.OpenSQLiteChunkStore(s.cfg.MetadataPath())
	if err != nil {
		return err
	}
	s.chunks = chunks

	// Re-attach chunk data for BM25 hydration after reload.
	all, err := chunks.AllChunks(ctx)
	if err != nil {
		return err
	}
	s.bm25.AttachChunks(all)

	g, err := graph.Load(s.cfg.GraphPath())
	if err != nil {
		return err
	}
	s.graph = g

	return nil
}

// save persists both indexes under the storage root.
func (s *session) save() error {
	if err := os.MkdirAll(s.cfg.Storage.Path, 0o755); err != nil {
		return err
	}
	if err := s.bm25.Save(s.cfg.BM25Path()); err != nil {
		return err
	}
	return s.vector.Save(s.cfg.VectorPath())
}

// Close tears the session down. The lifecycle manager only stops a
// backend it started.
func (s *session) Close() {
	if s.chunks != nil {
		_ = s.chunks.Close()
	}
	if s.engine != nil {
		_ = s.engine.Close()
	} else {
		if s.vector != nil {
			_ = s.vector.Close()
		}
		if s.provider != nil {
			_ = s.provider.Close()
		}
	}
	if s.manager != nil {
		s.manager.StopOnTeardown(context.Background())
	}
}
