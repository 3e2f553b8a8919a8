package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/coderag-io/coderag/internal/lifecycle"
)

// PullProgressPrinter renders model pull progress as a single updating
// line, falling back to one line per status or percent change on
// non-terminals.
type PullProgressPrinter struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	lastStatus  string
	lastPercent int
}

// NewPullProgressPrinter creates a progress printer.
func NewPullProgressPrinter(out io.Writer, interactive bool) *PullProgressPrinter {
	return &PullProgressPrinter{out: out, interactive: interactive, lastPercent: -1}
}

// Update implements the lifecycle progress callback.
func (p *PullProgressPrinter) Update(progress lifecycle.PullProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	percent := -1
	if progress.Total > 0 {
		percent = int(float64(progress.Completed) / float64(progress.Total) * 100)
	}

	if p.interactive {
		if percent >= 0 {
			_, _ = fmt.Fprintf(p.out, "\r%s: %d%% (%d/%d MB)   ",
				progress.Status, percent,
				progress.Completed/(1024*1024), progress.Total/(1024*1024))
		} else {
			_, _ = fmt.Fprintf(p.out, "\r%s   ", progress.Status)
		}
		return
	}

	// Non-interactive: one line per status or percent change.
	if progress.Status != p.lastStatus || percent != p.lastPercent {
		if percent >= 0 {
			_, _ = fmt.Fprintf(p.out, "%s: %d%%\n", progress.Status, percent)
		} else {
			_, _ = fmt.Fprintf(p.out, "%s\n", progress.Status)
		}
	}
	p.lastStatus = progress.Status
	p.lastPercent = percent
}

// Done terminates the updating line.
func (p *PullProgressPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interactive {
		_, _ = fmt.Fprintln(p.out)
	}
}
