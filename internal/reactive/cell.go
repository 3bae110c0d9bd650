// Package reactive holds the observable cell every store is built on.
package reactive

import "sync"

// Cell stores an immutable snapshot and notifies subscribers when it is
// replaced by a value that is not equal to the previous one. Listeners run
// synchronously on the goroutine that called Set, outside the cell lock, in
// subscription order. Listeners must not write to the cell they observe.
type Cell[T any] struct {
	mu        sync.Mutex
	value     T
	equal     func(a, b T) bool
	listeners map[int]func(T)
	order     []int
	nextID    int
	// serializes notification so listeners observe values in write order
	notifyMu sync.Mutex
}

// NewCell returns a cell holding initial. A nil equal treats every Set as a change.
func NewCell[T any](initial T, equal func(a, b T) bool) *Cell[T] {
	return &Cell[T]{
		value:     initial,
		equal:     equal,
		listeners: make(map[int]func(T)),
	}
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set replaces the snapshot and reports whether listeners were notified.
func (c *Cell[T]) Set(value T) bool {
	return c.Update(func(T) T { return value })
}

// Update computes the next snapshot from the current one atomically.
func (c *Cell[T]) Update(fn func(current T) T) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	next := fn(c.value)
	if c.equal != nil && c.equal(c.value, next) {
		c.mu.Unlock()
		return false
	}
	c.value = next
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
	return true
}

// Subscribe registers listener and returns a function that removes it.
// The listener is not called with the current value.
func (c *Cell[T]) Subscribe(listener func(T)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.order = append(c.order, id)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
			for i, existing := range c.order {
				if existing == id {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Cell[T]) snapshotListeners() []func(T) {
	out := make([]func(T), 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.listeners[id])
	}
	return out
}
