// Package core implements commonly used tools.
package core

import (
	"sort"
	"sync"
)

// Observer is the interface to implement to watch events of type T.
type Observer[T any] interface {
	NotifyCallback(event T)
}

// ObserverFunc is an adapter to use a plain function as an observer.
type ObserverFunc[T any] func(event T)

// NotifyCallback implements core.Observer.
func (fn ObserverFunc[T]) NotifyCallback(event T) {
	fn(event)
}

// Observable provides primitives to add and remove observers and to notify
// them of new events.
type Observable[T any] interface {
	// Add adds the observer to the list of observers that will be notified of
	// new events. It returns a function that removes the observer.
	Add(observer Observer[T]) (remove func())

	// Notify notifies the observers of a new event.
	Notify(event T)
}

// Watcher is an implementation of the Observable interface. Observers are
// notified synchronously in the order they were added.
//
// - implements core.Observable
type Watcher[T any] struct {
	sync.RWMutex

	counter   uint64
	observers map[uint64]Observer[T]
}

// NewWatcher creates a new empty watcher.
func NewWatcher[T any]() *Watcher[T] {
	return &Watcher[T]{
		observers: make(map[uint64]Observer[T]),
	}
}

// Add implements core.Observable. It adds the observer to the list of observers
// that will be notified of new events.
func (w *Watcher[T]) Add(observer Observer[T]) func() {
	w.Lock()
	id := w.counter
	w.counter++
	w.observers[id] = observer
	w.Unlock()

	return func() {
		w.Lock()
		delete(w.observers, id)
		w.Unlock()
	}
}

// Len returns the number of observers.
func (w *Watcher[T]) Len() int {
	w.RLock()
	defer w.RUnlock()

	return len(w.observers)
}

// Notify implements core.Observable. It notifies the whole list of observers
// one after each other.
func (w *Watcher[T]) Notify(event T) {
	w.RLock()
	ids := make([]uint64, 0, len(w.observers))
	for id := range w.observers {
		ids = append(ids, id)
	}
	observers := make([]Observer[T], 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		observers = append(observers, w.observers[id])
	}
	w.RUnlock()

	for _, obs := range observers {
		obs.NotifyCallback(event)
	}
}
