package logpipeline

import (
	"sync"

	"github.com/iotistic/supervisor/pkg/model"
)

// defaultCapacity bounds the in-memory ring buffer when no override is
// configured.
const defaultCapacity = 10000

// RingBuffer is a bounded, thread-safe circular buffer of log entries. The
// oldest entry is evicted once capacity is exceeded, keeping memory use flat
// regardless of how chatty a service's logs are.
type RingBuffer struct {
	mu       sync.Mutex
	entries  []model.LogEntry
	capacity int
	next     int
	size     int
}

// NewRingBuffer creates a RingBuffer holding at most capacity entries. A
// non-positive capacity falls back to defaultCapacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RingBuffer{
		entries:  make([]model.LogEntry, capacity),
		capacity: capacity,
	}
}

// Add appends e, evicting the oldest entry if the buffer is full.
func (b *RingBuffer) Add(e model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = e
	b.next = (b.next + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Snapshot returns the buffered entries in chronological order.
func (b *RingBuffer) Snapshot() []model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.LogEntry, 0, b.size)
	start := (b.next - b.size + b.capacity) % b.capacity
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(start+i)%b.capacity])
	}
	return out
}

// Len reports how many entries are currently buffered.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
