// Package ring provides the fixed-capacity queues that connect interrupt-style
// producers (tick sources, the serial reader) with the control loop.
package ring

import "sync/atomic"

// Ring is a single-producer single-consumer queue with a fixed capacity.
//
// Push never blocks: when the ring is full the value is dropped and counted.
// Exactly one goroutine may call Push and exactly one may call Pop.
type Ring[T any] struct {
	buf  []T
	mask uint64

	head atomic.Uint64 // next slot to pop
	tail atomic.Uint64 // next slot to push

	dropped atomic.Uint64
}

// New returns a ring holding up to capacity items. The capacity is rounded up
// to a power of two.
func New[T any](capacity int) *Ring[T] {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len reports the number of queued items.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Push enqueues v. It returns false if the ring was full.
func (r *Ring[T]) Push(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Pop dequeues the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	v := r.buf[head&r.mask]
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Dropped reports how many pushes were rejected because the ring was full.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

// Bytes is a byte ring with bulk operations, used for the serial paths.
type Bytes struct {
	r *Ring[byte]
}

func NewBytes(capacity int) *Bytes {
	return &Bytes{r: New[byte](capacity)}
}

func (b *Bytes) Cap() int        { return b.r.Cap() }
func (b *Bytes) Len() int        { return b.r.Len() }
func (b *Bytes) Free() int       { return b.r.Cap() - b.r.Len() }
func (b *Bytes) Dropped() uint64 { return b.r.Dropped() }

// Write enqueues as many bytes of p as fit and returns that count.
// Bytes that do not fit are counted as dropped.
func (b *Bytes) Write(p []byte) int {
	for i, c := range p {
		if !b.r.Push(c) {
			// Push counted one; count the rest of p too.
			b.r.dropped.Add(uint64(len(p) - i - 1))
			return i
		}
	}
	return len(p)
}

// Read dequeues up to len(p) bytes into p.
func (b *Bytes) Read(p []byte) int {
	n := 0
	for n < len(p) {
		c, ok := b.r.Pop()
		if !ok {
			break
		}
		p[n] = c
		n++
	}
	return n
}
