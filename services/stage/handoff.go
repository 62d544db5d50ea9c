package stage

import "context"

// Handoff transfers ownership of reusable buffers from one writer to one
// reader. A buffer is either free, ready or held; the writer only fills
// buffers it acquired and the reader only reads buffers it received, so no
// buffer is ever written while being read.
type Handoff[T any] struct {
	free  chan T
	ready chan T
}

// NewHandoff seeds the handoff with bufs. Two buffers give classic double
// buffering: the writer fills one while the reader holds the other.
func NewHandoff[T any](bufs ...T) *Handoff[T] {
	if len(bufs) == 0 {
		panic("stage: handoff needs at least one buffer")
	}
	h := &Handoff[T]{
		free:  make(chan T, len(bufs)),
		ready: make(chan T, len(bufs)),
	}
	for _, b := range bufs {
		h.free <- b
	}
	return h
}

// Acquire takes a free buffer for writing, blocking while the reader holds all of them.
func (h *Handoff[T]) Acquire(ctx context.Context) (T, error) {
	select {
	case b := <-h.free:
		return b, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Publish hands a filled buffer to the reader. Never blocks.
func (h *Handoff[T]) Publish(b T) { h.ready <- b }

// Receive takes the oldest published buffer.
func (h *Handoff[T]) Receive(ctx context.Context) (T, error) {
	select {
	case b := <-h.ready:
		return b, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Release returns a consumed buffer to the writer.
func (h *Handoff[T]) Release(b T) { h.free <- b }

// Pending is the number of published, not yet received buffers.
func (h *Handoff[T]) Pending() int { return len(h.ready) }

// Capacity is the number of buffers in circulation.
func (h *Handoff[T]) Capacity() int { return cap(h.free) }
