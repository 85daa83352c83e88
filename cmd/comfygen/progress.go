package main

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/generation"
)

// progressReporter draws one bar per sampling node on a terminal and falls
// back to log lines everywhere else.
type progressReporter struct {
	out         io.Writer
	logger      *slog.Logger
	interactive bool

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	node     string
	previews int
}

func newProgressReporter(out io.Writer, logger *slog.Logger) *progressReporter {
	return &progressReporter{
		out:         out,
		logger:      logger,
		interactive: isTerminal(out),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (r *progressReporter) onProgress(p generation.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := p.NodeID != r.node
	r.node = p.NodeID

	if p.Max <= 0 {
		r.finishBar()
		if !r.interactive || changed {
			r.logger.Info(p.Text, "prompt_id", p.PromptID)
		}
		return
	}

	if !r.interactive {
		if changed || p.Value == p.Max {
			r.logger.Info(p.Text, "node_id", p.NodeID)
		}
		return
	}

	if r.bar == nil || changed {
		r.finishBar()
		r.bar = progressbar.NewOptions(p.Max,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(p.Title),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionThrottle(65*time.Millisecond),
		)
	}
	_ = r.bar.Set(p.Value)
}

func (r *progressReporter) onPreview(frame *client.PreviewFrame) {
	r.mu.Lock()
	r.previews++
	count := r.previews
	r.mu.Unlock()
	r.logger.Debug("preview frame", "mime", frame.MIME, "size", len(frame.Data), "count", count)
}

func (r *progressReporter) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishBar()
}

func (r *progressReporter) finishBar() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	r.bar = nil
}
