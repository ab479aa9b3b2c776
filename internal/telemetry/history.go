package telemetry

import "sync"

// DefaultHistorySize is the number of batches kept per index.
const DefaultHistorySize = 32

// History is a fixed-capacity FIFO buffer.
type History[T any] struct {
	items    []T
	head     int // Next write position
	size     int // Current number of items
	capacity int
	mu       sync.RWMutex
}

// NewHistory creates a buffer with the given capacity.
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (h *History[T]) Add(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = item
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// Items returns the buffered items, oldest first.
func (h *History[T]) Items() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]T, h.size)
	if h.size < h.capacity {
		copy(result, h.items[:h.size])
	} else {
		// Full: oldest item is at head
		copy(result, h.items[h.head:])
		copy(result[h.capacity-h.head:], h.items[:h.head])
	}
	return result
}

// Last returns the most recent item.
func (h *History[T]) Last() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var zero T
	if h.size == 0 {
		return zero, false
	}
	return h.items[(h.head-1+h.capacity)%h.capacity], true
}

// Size returns the number of buffered items.
func (h *History[T]) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}
