package bench

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"

	ragerr "github.com/coderag-io/coderag/internal/errors"
	"github.com/coderag-io/coderag/internal/search"
	"github.com/coderag-io/coderag/internal/store"
)

// GrepComparison reports file-level overlap between hybrid search and a
// plain regex search baseline over the workspace.
type GrepComparison struct {
	QueriesCompared int     `json:"queries_compared"`
	// EngineFiles is the mean number of distinct files in engine results.
	EngineFiles float64 `json:"engine_files"`
	// GrepFiles is the mean number of files the baseline matched.
	GrepFiles float64 `json:"grep_files"`
	// OverlapFiles is the mean number of files found by both.
	OverlapFiles float64 `json:"overlap_files"`
}

// grepComparison runs the baseline for every query: keyword tokens are
// extracted and handed to an external regex search, then file sets are
// compared against the engine's results.
func (r *Runner) grepComparison(ctx context.Context, queries []*Query, opts Options) (*GrepComparison, error) {
	tool, args := grepTool()
	if tool == "" {
		return nil, ragerr.BenchmarkError("no grep tool available for baseline (tried rg, grep)", nil)
	}

	cmp := &GrepComparison{}
	var engineSum, grepSum, overlapSum int

	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, ragerr.Cancelled(err)
		}

		pattern := grepPattern(q.Query)
		if pattern == "" {
			continue
		}

		grepFiles, err := runGrep(ctx, tool, args, pattern, opts.GrepWorkspace)
		if err != nil {
			return nil, err
		}

		results, err := r.searcher.Search(ctx, q.Query, search.Options{TopK: opts.TopK})
		if err != nil {
			if ragerr.IsCancelled(err) {
				return nil, err
			}
			return nil, ragerr.BenchmarkError("search failed during grep comparison", err)
		}

		engineFiles := make(map[string]bool)
		for _, res := range results {
			if res.Chunk != nil && res.Chunk.FilePath != "" {
				engineFiles[res.Chunk.FilePath] = true
			}
		}

		overlap := 0
		for f := range engineFiles {
			if grepFiles[f] {
				overlap++
			}
		}

		cmp.QueriesCompared++
		engineSum += len(engineFiles)
		grepSum += len(grepFiles)
		overlapSum += overlap
	}

	if cmp.QueriesCompared > 0 {
		n := float64(cmp.QueriesCompared)
		cmp.EngineFiles = float64(engineSum) / n
		cmp.GrepFiles = float64(grepSum) / n
		cmp.OverlapFiles = float64(overlapSum) / n
	}
	return cmp, nil
}

// grepTool picks the available regex search command.
func grepTool() (string, []string) {
	if _, err := exec.LookPath("rg"); err == nil {
		return "rg", []string{"-l", "-i"}
	}
	if _, err := exec.LookPath("grep"); err == nil {
		return "grep", []string{"-r", "-l", "-i", "-E"}
	}
	return "", nil
}

// runGrep lists files matching pattern under workspace. A non-zero exit
// with no output means no matches, not an error.
func runGrep(ctx context.Context, tool string, baseArgs []string, pattern, workspace string) (map[string]bool, error) {
	args := append(append([]string{}, baseArgs...), pattern, workspace)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ragerr.Cancelled(ctx.Err())
		}
		if out.Len() == 0 {
			return map[string]bool{}, nil
		}
	}

	files := make(map[string]bool)
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, workspace+"/"))
		if line != "" {
			files[line] = true
		}
	}
	return files, nil
}

// nonAlnum collapses the query into grep-able keyword tokens.
var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// grepPattern extracts keyword tokens from the query and joins them as
// an alternation, escaping nothing further since tokens are already
// alphanumeric.
func grepPattern(query string) string {
	var tokens []string
	for _, t := range nonAlnum.Split(query, -1) {
		for _, part := range store.SplitIdentifier(t) {
			if len(part) >= 3 {
				tokens = append(tokens, part)
			}
		}
	}
	if len(tokens) == 0 {
		return ""
	}
	if len(tokens) > 5 {
		tokens = tokens[:5]
	}
	return strings.Join(tokens, "|")
}
