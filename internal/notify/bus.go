// Package notify provides a small in-process publish/subscribe channel. A Bus is created once and
// passed by reference to every publisher and subscriber that needs it; there is no package-level
// instance.
package notify

import (
	"slices"
	"sync"
)

// Bus fans out published values to its subscribers. Subscribers are invoked synchronously on the
// publishing goroutine, in subscription order. The zero value is ready to use.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription[T]
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// New returns an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes it again. Calling the returned function
// more than once is harmless.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription[T]) bool { return s.id == id })
	}
}

// Publish delivers v to every current subscriber. Subscribers may subscribe or unsubscribe from within
// their callback; the change applies to the next Publish.
func (b *Bus[T]) Publish(v T) {
	if b == nil {
		return
	}

	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of current subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
