package monitor

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

const barWidth = 20

// Render formats one line per job. It is a pure function of views.
func Render(views []job.View) []string {
	idWidth := 0
	for _, v := range views {
		if len(v.ID) > idWidth {
			idWidth = len(v.ID)
		}
	}

	lines := make([]string, 0, len(views))
	for _, v := range views {
		lines = append(lines, renderLine(v, idWidth))
	}
	return lines
}

func renderLine(v job.View, idWidth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s  %s %5.1f%%  %-9s", idWidth, v.ID, bar(v.Progress.Percent), v.Progress.Percent, v.State)

	if v.Progress.TotalSteps > 0 {
		fmt.Fprintf(&b, "  %s (%d/%d)", v.Progress.Label, v.Progress.Step, v.Progress.TotalSteps)
	}
	switch {
	case v.FmaxMHz > 0:
		fmt.Fprintf(&b, "  fmax %d MHz", v.FmaxMHz)
	case v.FmaxSearch && v.CurrentFreq > 0:
		fmt.Fprintf(&b, "  probe %d @ %d MHz", v.Probes, v.CurrentFreq)
	}
	if v.Reason != job.ReasonNone {
		fmt.Fprintf(&b, "  [%s]", v.Reason)
	}
	if v.Note != "" {
		fmt.Fprintf(&b, "  %s", v.Note)
	}
	return strings.TrimRight(b.String(), " ")
}

func bar(pct float64) string {
	filled := int(pct / 100 * barWidth)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
}

// Display redraws the job list in place on a terminal.
//
// Each Draw moves the cursor back to the first line of the previous frame
// and rewrites every line, so frames never interleave.
type Display struct {
	mu    sync.Mutex
	w     io.Writer
	lines int
}

// NewDisplay creates a Display writing to w.
func NewDisplay(w io.Writer) *Display {
	return &Display{w: w}
}

// Draw replaces the previous frame with views.
func (d *Display) Draw(views []job.View) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lines := Render(views)
	var b strings.Builder
	if d.lines > 0 {
		fmt.Fprintf(&b, "\x1b[%dA", d.lines)
	}
	for _, line := range lines {
		b.WriteString("\r\x1b[2K")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	// Blank out leftovers when the list shrank.
	for i := len(lines); i < d.lines; i++ {
		b.WriteString("\r\x1b[2K\n")
	}
	if extra := d.lines - len(lines); extra > 0 {
		fmt.Fprintf(&b, "\x1b[%dA", extra)
	}

	d.lines = len(lines)
	_, err := io.WriteString(d.w, b.String())
	return err
}
