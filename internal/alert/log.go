package alert

import "sync"

// DefaultLogSize is the number of alerts kept in memory.
const DefaultLogSize = 50

// Log is a bounded, newest-first record of recent alerts. It is safe for
// concurrent use.
type Log struct {
	mu    sync.RWMutex
	buf   []Event
	next  int
	count int
}

// NewLog creates a log holding up to size events.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{buf: make([]Event, size)}
}

// Add appends an event, evicting the oldest when full.
func (l *Log) Add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of events held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
