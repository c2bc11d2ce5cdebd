package session

import (
	"strings"
	"sync"
)

// Buffer is a fixed-capacity record of output fragments addressed by a
// monotonically increasing cursor. When full, the oldest fragment is evicted
// and the base cursor advances, so a fragment's cursor is never reused.
// It allows pollers to catch up on output without re-reading history.
type Buffer struct {
	mu       sync.Mutex
	buf      []string
	capacity int
	start    int // backing index of the oldest retained fragment
	count    int
	base     int // cursor of the oldest retained fragment
}

// NewBuffer creates a buffer retaining at most capacity fragments.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Append adds a fragment, evicting the oldest one if the buffer is full.
func (b *Buffer) Append(fragment string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		b.buf[b.start] = ""
		b.start = (b.start + 1) % b.capacity
		b.count--
		b.base++
	}

	b.buf[(b.start+b.count)%b.capacity] = fragment
	b.count++
}

// ReadSince returns the concatenation of all fragments at or after cursor,
// the cursor to pass on the next call, and whether the requested cursor
// referenced fragments that have been evicted. A cursor ahead of all known
// data yields empty output without being reported as dropped.
func (b *Buffer) ReadSince(cursor int) (output string, next int, dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cursor < b.base {
		cursor = b.base
		dropped = true
	}

	next = b.base + b.count
	if cursor > next {
		cursor = next
	}

	var sb strings.Builder
	for i := cursor - b.base; i < b.count; i++ {
		sb.WriteString(b.buf[(b.start+i)%b.capacity])
	}
	return sb.String(), next, dropped
}
