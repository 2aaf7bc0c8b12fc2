package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Printer renders snapshots to a terminal or log stream, at most once per interval.
// On a TTY it redraws a single bar line; otherwise it writes one line per update.
type Printer struct {
	w        io.Writer
	role     string
	interval time.Duration
	isTTY    bool

	mu     sync.Mutex
	lastAt time.Time
	last   Snapshot
}

// NewPrinter returns a printer labeling its lines with role ("send" or "recv").
func NewPrinter(w io.Writer, role string, interval time.Duration) *Printer {
	return &Printer{
		w:        w,
		role:     role,
		interval: interval,
		isTTY:    IsTTY(w),
	}
}

// Update renders snap unless the previous render was less than interval ago.
// Completed snapshots are always rendered.
func (p *Printer) Update(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if !snap.Done() && now.Sub(p.lastAt) < p.interval {
		p.last = snap
		return
	}
	p.lastAt = now
	p.last = snap
	p.render(snap)
}

// Finish writes the final line break on a TTY.
func (p *Printer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isTTY {
		fmt.Fprintln(p.w)
	}
}

func (p *Printer) render(snap Snapshot) {
	if p.isTTY {
		fmt.Fprintf(p.w, "\r%s %s %6.2f%% %s %s eta %s", p.role, renderBar(snap.Percentage, 30),
			snap.Percentage, formatBytes(snap.BytesTransferred), formatRate(snap.Speed), formatETA(snap.ETA()))
		return
	}
	fmt.Fprintf(p.w, "progress %s id=%s file=%q bytes=%d total=%d percent=%.2f rate=%s eta=%s\n",
		p.role, snap.ID, snap.FileName, snap.BytesTransferred, snap.FileSize, snap.Percentage,
		formatRate(snap.Speed), formatETA(snap.ETA()))
}

// IsTTY reports whether w is a character device.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.0f KiB", float64(n)/float64(k))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
