// Package store holds the client-side application state: the post feed kept
// in sync with the change feed, and the signed-in user. Both stores guard
// their state with a mutex and notify listeners with copies.
package store

import (
	"slices"
	"sync"
)

// listeners is an ordered set of state callbacks.
type listeners[T any] struct {
	mu     sync.Mutex
	fns    map[int]func(T)
	nextID int
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
