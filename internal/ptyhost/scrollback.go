package ptyhost

import (
	"sync"

	"github.com/vito/midterm"
)

// Scrollback feeds raw PTY bytes through a midterm.Terminal purely to
// capture lines that scroll off the top of the screen, the way h2's VT
// pairs a visible Vt with an append-only Scrollback terminal. Harness has
// no interactive renderer of its own (clients render the raw byte stream
// themselves), and no component in this module constructs a Scrollback:
// pty.attach replays raw broker bytes only. The captured lines, ANSI
// formatted, are read back with Lines.
type Scrollback struct {
	mu   sync.Mutex
	term *midterm.Terminal

	maxLines int
	lines    []string
}

// NewScrollback creates a capture sink sized cols wide, retaining at most
// maxLines rendered lines.
func NewScrollback(cols, maxLines int) *Scrollback {
	if cols <= 0 {
		cols = 80
	}
	if maxLines <= 0 {
		maxLines = 5000
	}
	sb := &Scrollback{
		term:     midterm.NewTerminal(1, cols),
		maxLines: maxLines,
	}
	sb.term.OnScrollback(func(line midterm.Line) {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		sb.lines = append(sb.lines, line.Display()+"\033[0m")
		if len(sb.lines) > sb.maxLines {
			trim := len(sb.lines) - sb.maxLines
			sb.lines = sb.lines[trim:]
		}
	})
	return sb
}

// Write feeds a PTY output chunk into the capture terminal.
func (sb *Scrollback) Write(p []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.term.Write(p)
}

// Resize adjusts the capture terminal's width.
func (sb *Scrollback) Resize(cols int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.term.ResizeX(cols)
}

// Lines returns a snapshot of the captured scrollback lines, most recent
// last.
func (sb *Scrollback) Lines() []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]string, len(sb.lines))
	copy(out, sb.lines)
	return out
}
