package stage

import (
	"context"
	"sync"
)

// Counter is a stage's frame counter: it only ever grows by one and wakes
// every waiter on each step.
type Counter struct {
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

func NewCounter() *Counter {
	return &Counter{changed: make(chan struct{})}
}

// Increment publishes one completed frame.
func (c *Counter) Increment() uint64 {
	c.mu.Lock()
	c.value++
	v := c.value
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return v
}

// Load returns the number of completed frames.
func (c *Counter) Load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Wait blocks until the counter reaches target. There is no timeout; only
// ctx cancellation ends the wait early.
func (c *Counter) Wait(ctx context.Context, target uint64) (uint64, error) {
	for {
		c.mu.Lock()
		v, ch := c.value, c.changed
		c.mu.Unlock()
		if v >= target {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}
