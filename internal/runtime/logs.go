package runtime

import "sync"

// LogBuffer is a fixed-capacity ring of recent log lines for one container.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

// NewLogBuffer creates a buffer retaining at most capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{cap: capacity}
}

// Append adds lines, evicting the oldest once capacity is exceeded.
func (b *LogBuffer) Append(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, lines...)
	if over := len(b.lines) - b.cap; over > 0 {
		b.lines = append([]string(nil), b.lines[over:]...)
	}
}

// Last returns up to n of the most recent lines, oldest first.
func (b *LogBuffer) Last(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}
