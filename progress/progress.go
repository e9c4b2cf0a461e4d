// Package progress draws status lines on a terminal while long builds run.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTermHeight = 24

type State interface {
	String() string
}

// Progress redraws its states in place every tick until stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos    int
	states []State

	ticker  *time.Ticker
	done    chan struct{}
	stopped bool
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}

	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.run()
	return p
}

// IsTerminal reports whether w is a terminal progress can draw on.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Progress) run() {
	for {
		select {
		case <-p.ticker.C:
			p.render()
		case <-p.done:
			return
		}
	}
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.stopped = true
	states := p.states
	p.mu.Unlock()

	for _, state := range states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	p.ticker.Stop()
	close(p.done)
	p.render()
	return true
}

// Stop draws the final state of every line and leaves them on screen.
func (p *Progress) Stop() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		fmt.Fprintln(p.w)
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

// StopAndClear stops the progress and erases its lines.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}

		fmt.Fprint(p.w, "\033[2K", "\033[1G")
	}

	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return stopped
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) render() {
	termHeight := defaultTermHeight
	if _, h, err := term.GetSize(int(os.Stderr.Fd())); err == nil {
		termHeight = h
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}

	fmt.Fprint(p.w, "\033[1G")

	// only the last lines fit on screen
	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
	p.w.Flush()
}
