package subconscious

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultBufferCapacity = 50

// Turn is one buffered conversation turn.
type Turn struct {
	Role    string
	Content string
	At      time.Time
}

// Buffer is a bounded FIFO of turns for one session, owned exclusively
// by one subconscious agent. Appends from the event handler interleave
// safely with the tick's drain.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	turns    []Turn
}

// NewBuffer creates a buffer. capacity <= 0 uses the default of 50.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// Append adds a turn, evicting the oldest when full.
func (b *Buffer) Append(t Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, t)
	if len(b.turns) > b.capacity {
		b.turns = b.turns[len(b.turns)-b.capacity:]
	}
}

// Drain returns the buffered turns and empties the buffer.
func (b *Buffer) Drain() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	turns := b.turns
	b.turns = nil
	return turns
}

// Len returns the number of buffered turns.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// renderTranscript flattens turns into the transcript string handed to
// the analyzer.
func renderTranscript(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	return sb.String()
}
