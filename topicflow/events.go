/******************************************************************************
 *
 *  Description :
 *
 *    Typed multicast callback registries used for session and topic
 *    events. Dispatch is synchronous and follows registration order.
 *    Registering returns a detach handle; detaching is the only way to
 *    remove a listener.
 *
 *****************************************************************************/

package topicflow

import "sync"

type listenerEntry[T any] struct {
	id   int
	once bool
	fn   func(T)
}

// listeners is a multicast delegate for one event name.
type listeners[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []listenerEntry[T]
}

// on registers a handler and returns its detach handle.
func (l *listeners[T]) on(fn func(T)) func() {
	return l.add(fn, false)
}

// once registers a handler which is removed after its first invocation.
func (l *listeners[T]) once(fn func(T)) func() {
	return l.add(fn, true)
}

func (l *listeners[T]) add(fn func(T), once bool) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listenerEntry[T]{id: id, once: once, fn: fn})
	return func() { l.remove(id) }
}

func (l *listeners[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// emit invokes all handlers in registration order. Handlers run outside
// the registry lock so they may register or detach listeners.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.entries))
	kept := l.entries[:0]
	for _, e := range l.entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// eventQueue collects emissions while session or topic state is mutated
// under lock; they are fired in order after the lock is released so
// handlers can safely call back into the API.
type eventQueue struct {
	fns []func()
}

func (q *eventQueue) add(fn func()) {
	q.fns = append(q.fns, fn)
}

func (q *eventQueue) fire() {
	for _, fn := range q.fns {
		fn()
	}
	q.fns = nil
}
