// Package channel provides an unbounded FIFO safe for concurrent use.
//
// Unlike a Go channel, Pop never blocks and Push never waits for a reader,
// which is what the transport needs to hand work between goroutines that
// poll on their own schedule.
package channel

import "sync"

// Channel is an unbounded, mutex-guarded FIFO.
type Channel[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

// New returns an empty Channel.
func New[T any]() *Channel[T] {
	return &Channel[T]{}
}

// Push appends v at the back.
func (c *Channel[T]) Push(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

// Pop removes and returns the front element. ok is false when the channel is
// empty.
func (c *Channel[T]) Pop() (v T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head == len(c.items) {
		return v, false
	}
	v = c.items[c.head]
	var zero T
	c.items[c.head] = zero
	c.head++

	// Reclaim the consumed prefix once it dominates the slice.
	if c.head == len(c.items) {
		c.items = c.items[:0]
		c.head = 0
	} else if c.head > 64 && c.head*2 >= len(c.items) {
		n := copy(c.items, c.items[c.head:])
		clear(c.items[n:])
		c.items = c.items[:n]
		c.head = 0
	}
	return v, true
}

// Len returns the number of queued elements.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) - c.head
}

// Clear drops every queued element.
func (c *Channel[T]) Clear() {
	c.mu.Lock()
	clear(c.items)
	c.items = c.items[:0]
	c.head = 0
	c.mu.Unlock()
}
