package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows a message with an animation while its step runs and the
// elapsed time once it is stopped.
type Spinner struct {
	mu      sync.Mutex
	message string
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	return &Spinner{message: message, started: time.Now()}
}

func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		sb.WriteString(message)
		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		frame := int(time.Since(s.started)/(100*time.Millisecond)) % len(frames)
		sb.WriteString(frames[frame])
		sb.WriteString(" ")
	} else {
		fmt.Fprintf(&sb, "(%s)", s.stopped.Sub(s.started).Round(time.Millisecond))
	}

	return sb.String()
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
