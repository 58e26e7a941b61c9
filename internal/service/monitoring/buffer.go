package monitoring

import "sync"

// Buffer is a fixed-capacity append-only store that evicts its oldest entries.
// Reads return entries in insertion order.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int
	capacity int
}

// NewBuffer returns a Buffer holding at most capacity entries.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends v, evicting the oldest entry once the buffer is full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) < b.capacity {
		b.items = append(b.items, v)
		return
	}
	b.items[b.head] = v
	b.head = (b.head + 1) % b.capacity
}

// Len reports the number of stored entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Cap reports the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Snapshot copies every entry, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.orderedLocked(len(b.items))
}

// Recent copies the newest n entries, oldest first.
func (b *Buffer[T]) Recent(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return []T{}
	}
	if n > len(b.items) {
		n = len(b.items)
	}
	return b.orderedLocked(n)
}

// Filter copies the entries for which keep returns true, oldest first.
func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, 0)
	b.forEachLocked(func(v T) {
		if keep(v) {
			out = append(out, v)
		}
	})
	return out
}

// orderedLocked returns the newest n entries in insertion order.
func (b *Buffer[T]) orderedLocked(n int) []T {
	out := make([]T, 0, n)
	skip := len(b.items) - n
	i := 0
	b.forEachLocked(func(v T) {
		if i >= skip {
			out = append(out, v)
		}
		i++
	})
	return out
}

func (b *Buffer[T]) forEachLocked(fn func(T)) {
	size := len(b.items)
	for i := 0; i < size; i++ {
		fn(b.items[(b.head+i)%size])
	}
}
