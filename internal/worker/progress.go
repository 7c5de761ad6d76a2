package worker

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const barWidth = 30

// Progress renders a one-line progress bar for a batch of work, usually the
// segments of one region. The line is finished with a newline as soon as the
// last item completes.
type Progress struct {
	mu    sync.Mutex
	out   io.Writer
	clock clockwork.Clock

	label string
	unit  string
	verb  string

	started   time.Time
	total     int
	completed int
	failed    int

	enabled  bool
	finished bool
}

// ProgressOption customizes a Progress.
type ProgressOption func(*Progress)

// WithOutput sends the bar to w instead of stderr.
func WithOutput(w io.Writer) ProgressOption {
	return func(p *Progress) { p.out = w }
}

// WithClock replaces the wall clock used for rates and ETAs.
func WithClock(c clockwork.Clock) ProgressOption {
	return func(p *Progress) { p.clock = c }
}

// NewProgress creates a tracker for total items. label prefixes every line
// (a region name, or empty), unit names the items ("segments", "tiles") and
// verb the summary action ("Scanned"). Nothing is printed unless enabled.
func NewProgress(label string, total int, unit, verb string, enabled bool, opts ...ProgressOption) *Progress {
	p := &Progress{
		out:     os.Stderr,
		clock:   clockwork.NewRealClock(),
		label:   label,
		unit:    unit,
		verb:    verb,
		total:   total,
		enabled: enabled,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.started = p.clock.Now()
	return p
}

// Update records the pool's counters and redraws the bar.
func (p *Progress) Update(completed, total, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed, p.total, p.failed = completed, total, failed
	if !p.enabled || p.finished {
		return
	}
	fmt.Fprint(p.out, "\r"+p.line())
	if completed >= total {
		p.finished = true
		fmt.Fprintln(p.out)
	}
}

// Callback returns a ProgressFunc suitable for use with Pool.Config.
func (p *Progress) Callback() ProgressFunc {
	return p.Update
}

// Done draws the final state and ends the line. It is a no-op when the last
// Update already did so.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled || p.finished {
		return
	}
	p.finished = true
	fmt.Fprintln(p.out, "\r"+p.line())
}

// Summary describes the finished batch, counting failed items separately.
func (p *Progress) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.clock.Since(p.started)
	s := fmt.Sprintf("%s %d/%d %s (%d failed) in %s (%.1f %s/sec)",
		p.verb, p.completed-p.failed, p.total, p.unit, p.failed,
		formatDuration(elapsed), rate(p.completed, elapsed), p.unit)
	if p.label != "" {
		s = p.label + ": " + s
	}
	return s
}

// line renders the bar. Must be called with the lock held.
func (p *Progress) line() string {
	elapsed := p.clock.Since(p.started)
	r := rate(p.completed, elapsed)

	share := 1.0
	if p.total > 0 {
		share = float64(p.completed) / float64(p.total)
	}
	filled := min(barWidth, int(share*barWidth))

	var b strings.Builder
	if p.label != "" {
		fmt.Fprintf(&b, "%s ", p.label)
	}
	fmt.Fprintf(&b, "[%s%s] %d/%d %s", strings.Repeat("█", filled), strings.Repeat("░", barWidth-filled),
		p.completed, p.total, p.unit)
	if p.failed > 0 {
		fmt.Fprintf(&b, " (%d failed)", p.failed)
	}
	fmt.Fprintf(&b, " - %.1f %s/sec", r, p.unit)

	switch {
	case p.completed >= p.total:
		fmt.Fprintf(&b, " - Done in %s", formatDuration(elapsed))
	case r > 0:
		eta := time.Duration(float64(p.total-p.completed) / r * float64(time.Second))
		fmt.Fprintf(&b, " - ETA: %s", formatDuration(eta))
	}

	// Pad over leftovers of a longer previous line.
	b.WriteString("          ")
	return b.String()
}

func rate(n int, elapsed time.Duration) float64 {
	if n == 0 || elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
