package util

import "sync"

// Listeners is an observer list with O(1) add and remove.
// Notify iterates a snapshot, so a listener may unsubscribe itself while being called.
type Listeners[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]func(T)
}

// NewListeners creates an empty observer list
func NewListeners[T any]() *Listeners[T] {
	return &Listeners[T]{fns: make(map[uint64]func(T))}
}

// Add registers fn and returns a function that removes it
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Len returns the number of registered listeners
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}

// Notify calls every registered listener with value
func (l *Listeners[T]) Notify(value T) {
	l.mu.RLock()
	snapshot := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		snapshot = append(snapshot, fn)
	}
	l.mu.RUnlock()

	for _, fn := range snapshot {
		fn(value)
	}
}
