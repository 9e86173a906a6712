package call

import (
	"sync"
)

// MemoryLog keeps one human-readable line per message sent or received, in
// order.
type MemoryLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *MemoryLog) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, line)
}

func (l *MemoryLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.lines...)
}
