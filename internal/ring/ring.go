// Package ring provides fixed-capacity circular message channels used for
// all cross-thread and cross-process handoff in the pipeline. A Ring lives
// on the process heap; a ShmRing maps the same layout into a POSIX shared
// memory segment so two processes can share one head/tail pair.
package ring

import "sync/atomic"

// Ring is a bounded FIFO of values of type T. One slot is always kept
// empty to distinguish full from empty, so a Ring of size n holds at most
// n-1 values. Exactly one goroutine may push and exactly one may pop
// without external locking; any other arrangement needs a mutex around
// each side.
type Ring[T any] struct {
	data  []T
	size  int32
	front atomic.Int32
	rear  atomic.Int32
}

// New allocates a ring with the given size. Sizes below 2 are raised to 2
// so that at least one value fits.
func New[T any](size int) *Ring[T] {
	if size < 2 {
		size = 2
	}
	return &Ring[T]{
		data: make([]T, size),
		size: int32(size),
	}
}

// Push appends a value. It returns false without mutating anything when
// the ring is full.
func (r *Ring[T]) Push(v T) bool {
	rear := r.rear.Load()
	next := (rear + 1) % r.size
	if r.front.Load() == next {
		return false
	}
	r.data[rear] = v
	r.rear.Store(next)
	return true
}

// Pop removes and returns the oldest value. The second result is false
// when the ring is empty.
func (r *Ring[T]) Pop() (T, bool) {
	front := r.front.Load()
	if front == r.rear.Load() {
		var zero T
		return zero, false
	}
	v := r.data[front]
	var zero T
	r.data[front] = zero
	r.front.Store((front + 1) % r.size)
	return v, true
}

// Reset zeroes the buffer and both indices. Not safe to call concurrently
// with Push or Pop.
func (r *Ring[T]) Reset() {
	for i := range r.data {
		var zero T
		r.data[i] = zero
	}
	r.front.Store(0)
	r.rear.Store(0)
}

// Len reports the number of buffered values.
func (r *Ring[T]) Len() int {
	front := r.front.Load()
	rear := r.rear.Load()
	if rear >= front {
		return int(rear - front)
	}
	return int(r.size - front + rear)
}

// Cap reports the usable capacity, one less than the allocated size.
func (r *Ring[T]) Cap() int {
	return int(r.size) - 1
}

// Empty reports whether the ring holds no values.
func (r *Ring[T]) Empty() bool {
	return r.front.Load() == r.rear.Load()
}

// Full reports whether another Push would fail.
func (r *Ring[T]) Full() bool {
	return r.front.Load() == (r.rear.Load()+1)%r.size
}
