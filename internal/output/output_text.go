package output

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tkjaer/pong/internal/shared"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	ipStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#60A5FA"))

	statsGoodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399"))

	statsWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FBBF24"))

	statsBadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

// slowThreshold is the delta in ms above which samples are highlighted
const slowThreshold = 150

type cellAlignment int

const (
	alignLeft cellAlignment = iota
	alignRight
)

func formatCell(value string, width int, alignment cellAlignment) string {
	if alignment == alignRight {
		return fmt.Sprintf("%*s", width, value)
	}
	return fmt.Sprintf("%-*s", width, value)
}

// TextOutput prints ping-like lines
type TextOutput struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
	info   shared.OutputInfo
}

// NewTextOutput writes to w, styled only if w is a terminal
func NewTextOutput(w io.Writer) *TextOutput {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &TextOutput{w: w, styled: styled}
}

func (t *TextOutput) paint(style lipgloss.Style, s string) string {
	if !t.styled {
		return s
	}
	return style.Render(s)
}

func (t *TextOutput) Start(info shared.OutputInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info = info

	host := info.Destination
	if info.PTR != "" && info.PTR != info.Destination {
		host = fmt.Sprintf("%s [%s]", info.Destination, info.PTR)
	}
	mode := ""
	if info.Capture {
		mode = " (wire timestamps)"
	}
	fmt.Fprintf(t.w, "%s %s (%s) port %d, %s%s\n",
		t.paint(titleStyle, "PONG"), host, t.paint(ipStyle, info.IP), info.Port, info.Method, mode)
}

func (t *TextOutput) Sample(s shared.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.paint(dimStyle, formatCell(fmt.Sprintf("seq=%d", s.Seq), 9, alignLeft))
	var result string
	switch s.Outcome {
	case shared.OutcomeRejected:
		style := statsGoodStyle
		if s.DeltaMs >= slowThreshold {
			style = statsWarningStyle
		}
		result = t.paint(style, formatCell(fmt.Sprintf("%d ms", s.DeltaMs), 8, alignRight))
	case shared.OutcomeTimeout:
		result = t.paint(statsBadStyle, "request timed out")
	default:
		result = t.paint(statsBadStyle, s.Error)
	}
	fmt.Fprintf(t.w, "%s %s:%d %s\n", seq, s.IP, s.Port, result)
}

func (t *TextOutput) Complete(stats shared.Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.w, "\n--- %s pong statistics ---\n", t.info.Destination)
	loss := fmt.Sprintf("%.1f%% loss", stats.LossPct)
	switch {
	case stats.LossPct == 0:
		loss = t.paint(statsGoodStyle, loss)
	case stats.LossPct < 50:
		loss = t.paint(statsWarningStyle, loss)
	default:
		loss = t.paint(statsBadStyle, loss)
	}
	fmt.Fprintf(t.w, "%d sent, %d rejected, %s\n", stats.Sent, stats.Received, loss)
	if stats.Received > 0 {
		fmt.Fprintf(t.w, "min/avg/max/stddev = %d/%d/%d/%.2f ms\n", stats.Min, stats.Avg, stats.Max, stats.StdDev)
	}
}

func (t *TextOutput) Close() error { return nil }
