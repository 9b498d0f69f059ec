package orchestrator

import (
	"sync"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

// RingBuffer is a fixed-capacity circular buffer of parsed messages. It lets
// late subscribers catch up on a session's recent output.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []stream.ParsedMessage
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]stream.ParsedMessage, capacity),
		capacity: capacity,
	}
}

// Write adds a message, overwriting the oldest once full.
func (rb *RingBuffer) Write(msg stream.ParsedMessage) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = msg
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns the buffered messages in chronological order.
func (rb *RingBuffer) ReadAll() []stream.ParsedMessage {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]stream.ParsedMessage, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]stream.ParsedMessage, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
