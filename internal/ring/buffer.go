// Package ring provides a fixed-capacity FIFO buffer addressed by monotonically
// increasing sequence numbers.
package ring

// Buffer keeps the most recent Cap() values. Pushing onto a full buffer evicts
// the oldest value. Every pushed value receives a sequence number that stays
// valid until the value is evicted. Buffer is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	head  uint64 // sequence of the oldest retained value
	tail  uint64 // sequence the next push will receive
}

// New allocates a buffer holding at most capacity values.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring capacity must be positive")
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Len returns the number of retained values.
func (b *Buffer[T]) Len() int { return int(b.tail - b.head) }

// Head returns the sequence of the oldest retained value.
func (b *Buffer[T]) Head() uint64 { return b.head }

// Push appends v and returns its sequence. When the buffer was full the evicted
// value is returned with evicted set to true.
func (b *Buffer[T]) Push(v T) (seq uint64, old T, evicted bool) {
	if b.Len() == len(b.items) {
		old, evicted = b.PopFront()
	}
	seq = b.tail
	b.items[b.slot(seq)] = v
	b.tail++
	return seq, old, evicted
}

// PopFront removes and returns the oldest value.
func (b *Buffer[T]) PopFront() (T, bool) {
	var zero T
	if b.head == b.tail {
		return zero, false
	}
	idx := b.slot(b.head)
	v := b.items[idx]
	b.items[idx] = zero
	b.head++
	return v, true
}

// Front returns the oldest value without removing it.
func (b *Buffer[T]) Front() (T, bool) {
	if b.head == b.tail {
		var zero T
		return zero, false
	}
	return b.items[b.slot(b.head)], true
}

// Contains reports whether seq still addresses a retained value.
func (b *Buffer[T]) Contains(seq uint64) bool {
	return seq >= b.head && seq < b.tail
}

// Get returns the value stored under seq.
func (b *Buffer[T]) Get(seq uint64) (T, bool) {
	if !b.Contains(seq) {
		var zero T
		return zero, false
	}
	return b.items[b.slot(seq)], true
}

// Set overwrites the value stored under seq. It returns false when seq has
// already been evicted.
func (b *Buffer[T]) Set(seq uint64, v T) bool {
	if !b.Contains(seq) {
		return false
	}
	b.items[b.slot(seq)] = v
	return true
}

// Range calls fn for every retained value from oldest to newest until fn
// returns false.
func (b *Buffer[T]) Range(fn func(seq uint64, v T) bool) {
	for seq := b.head; seq < b.tail; seq++ {
		if !fn(seq, b.items[b.slot(seq)]) {
			return
		}
	}
}

// Slice copies the retained values, oldest first.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, 0, b.Len())
	for seq := b.head; seq < b.tail; seq++ {
		out = append(out, b.items[b.slot(seq)])
	}
	return out
}

// Reset drops every value. Sequence numbers keep increasing across resets.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = b.tail
}

func (b *Buffer[T]) slot(seq uint64) int {
	return int(seq % uint64(len(b.items)))
}
