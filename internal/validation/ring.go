package validation

// Ring is a fixed-capacity FIFO that evicts its oldest element when full.
// It is not safe for concurrent use.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing allocates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, returning the evicted element if the ring was full.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return evicted, false
	}
	evicted = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// At returns the i-th element, oldest first.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("validation: ring index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.At(r.n - 1), true
}

// Reset empties the ring without releasing its storage.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}
