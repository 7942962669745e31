package repack

import (
	"errors"
	"sync"
)

// ErrClosed is returned when a wait on the ring is abandoned because the
// ring was closed.
var ErrClosed = errors.New("repack: ring closed")

// Ring is a fixed set of equally sized buffers. A buffer handed out by
// Acquire is not handed out again until its release function runs.
type Ring struct {
	size   int
	free   chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewRing allocates count buffers of size bytes.
func NewRing(count, size int) *Ring {
	if count < 1 {
		count = 1
	}
	r := &Ring{
		size:   size,
		free:   make(chan []byte, count),
		closed: make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		r.free <- make([]byte, size)
	}
	return r
}

// Size returns the length of each buffer.
func (r *Ring) Size() int {
	return r.size
}

// Cap returns the number of buffers.
func (r *Ring) Cap() int {
	return cap(r.free)
}

// Free returns the number of buffers currently available.
func (r *Ring) Free() int {
	return len(r.free)
}

// Acquire waits for a free buffer. It returns ErrClosed once Close was called.
func (r *Ring) Acquire() ([]byte, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case buf := <-r.free:
		return buf, nil
	case <-r.closed:
		return nil, ErrClosed
	}
}

// Put returns buf to the ring.
func (r *Ring) Put(buf []byte) {
	select {
	case r.free <- buf:
	default:
	}
}

// Close abandons current and future waits. It is idempotent.
func (r *Ring) Close() {
	r.once.Do(func() { close(r.closed) })
}
