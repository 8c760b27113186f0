package ptyproc

import (
	"strings"
	"sync"
	"syscall"

	"github.com/hinshun/vt10x"
)

// vt10xAdapter wraps vt10x.State behind the terminalEmulator interface.
// vt10x.State is not internally safe for concurrent Write/read access, so
// every method takes the adapter's own per-instance mutex.
type vt10xAdapter struct {
	state *vt10x.State
	mu    *sync.Mutex
}

var _ terminalEmulator = vt10xAdapter{}

func newVT10xAdapter(state *vt10x.State) vt10xAdapter {
	return vt10xAdapter{state: state, mu: &sync.Mutex{}}
}

func (a vt10xAdapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Write(p)
}

func (a vt10xAdapter) Resize(cols, rows int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Resize(cols, rows)
}

func (a vt10xAdapter) VisibleRows() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cols, rows := a.state.Size()
	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var sb strings.Builder
		for x := 0; x < cols; x++ {
			glyph := a.state.Cell(x, y)
			if glyph.Char == 0 {
				sb.WriteRune(' ')
				continue
			}
			sb.WriteRune(glyph.Char)
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	return lines
}

func (a vt10xAdapter) Cursor() Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.state.Cursor()
	return Cursor{X: c.X, Y: c.Y}
}

func (a vt10xAdapter) Close() {}

func syscallSignal(name string) syscall.Signal {
	switch name {
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGINT":
		return syscall.SIGINT
	default:
		return syscall.SIGTERM
	}
}
