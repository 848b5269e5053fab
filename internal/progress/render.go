package progress

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/dustin/go-humanize"
)

const (
	maxCompletedShown = 12
	maxActiveShown    = 8
)

// TerminalRenderer redraws a single status line in place.
type TerminalRenderer struct {
	w     io.Writer
	name  string
	bar   progress.Model
	drawn bool
}

// NewTerminalRenderer renders progress of the named file to w.
func NewTerminalRenderer(w io.Writer, name string) *TerminalRenderer {
	return &TerminalRenderer{
		w:    w,
		name: name,
		bar:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
	}
}

func (r *TerminalRenderer) Render(s Stats) {
	fmt.Fprintf(r.w, "\r\033[2K%s", r.line(s))
	r.drawn = true
}

func (r *TerminalRenderer) Finish(s Stats) {
	r.Render(s)
	if r.drawn {
		fmt.Fprintln(r.w)
	}
}

func (r *TerminalRenderer) line(s Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %5.1f%% | %s/%s | %s/s | eta %s | done %d/%d",
		r.name,
		r.bar.ViewAs(s.Percent/100),
		s.Percent,
		humanize.IBytes(uint64(s.BytesDone)),
		FormatTotal(s.Total),
		humanize.IBytes(uint64(s.RateBps)),
		FormatETA(s),
		len(s.Completed), s.Parts,
	)
	if active := FormatActive(s.Active); active != "" {
		b.WriteString(" | ")
		b.WriteString(active)
	}
	return b.String()
}

// LogRenderer emits one structured log line per tick, for headless runs.
type LogRenderer struct {
	logger *slog.Logger
	name   string
}

// NewLogRenderer logs progress of the named file.
func NewLogRenderer(logger *slog.Logger, name string) *LogRenderer {
	return &LogRenderer{logger: logger, name: name}
}

func (r *LogRenderer) Render(s Stats) {
	r.logger.Info("download progress",
		"file", r.name,
		"percent", fmt.Sprintf("%.1f", s.Percent),
		"done", humanize.IBytes(uint64(s.BytesDone)),
		"total", FormatTotal(s.Total),
		"rate", humanize.IBytes(uint64(s.RateBps))+"/s",
		"eta", FormatETA(s),
		"completed", formatCompleted(s.Completed),
		"active", FormatActive(s.Active),
	)
}

func (r *LogRenderer) Finish(s Stats) {
	r.Render(s)
}

// FormatETA renders the ETA or "unknown" when throughput is zero.
func FormatETA(s Stats) string {
	if !s.ETAKnown {
		return "unknown"
	}
	return s.ETA.Round(time.Second).String()
}

// FormatTotal renders a declared size, "?" when unknown.
func FormatTotal(total int64) string {
	if total <= 0 {
		return "?"
	}
	return humanize.IBytes(uint64(total))
}

// FormatActive renders in-flight parts as "P1:40% P2:7%".
func FormatActive(active []PartView) string {
	parts := make([]string, 0, min(len(active), maxActiveShown))
	for i, v := range active {
		if i == maxActiveShown {
			parts = append(parts, "...")
			break
		}
		if v.Size > 0 {
			parts = append(parts, fmt.Sprintf("P%d:%.0f%%", v.Index, float64(v.Bytes)*100/float64(v.Size)))
		} else {
			parts = append(parts, fmt.Sprintf("P%d:%s", v.Index, humanize.IBytes(uint64(v.Bytes))))
		}
	}
	return strings.Join(parts, " ")
}

func formatCompleted(done []int) string {
	if len(done) == 0 {
		return ""
	}
	shown := done
	prefix := ""
	if len(done) > maxCompletedShown {
		shown = done[len(done)-maxCompletedShown:]
		prefix = "... "
	}
	labels := make([]string, len(shown))
	for i, idx := range shown {
		labels[i] = fmt.Sprintf("P%d", idx)
	}
	return prefix + strings.Join(labels, " ")
}
