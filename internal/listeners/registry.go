// Package listeners fans reconciled status changes out to UI surfaces.
package listeners

import (
	"sync"
	"sync/atomic"
)

// Change describes one accepted batch of status updates.
type Change struct {
	Extensions []string // extensions whose cached status changed
	Version    uint64   // cache version after the batch
	Source     string   // "realtime", "fallback", "refresh" or "invalidate"
}

// Func receives changes. It may add or remove listeners.
type Func func(Change)

type listener struct {
	fn     Func
	active atomic.Bool
}

// Registry is a multi-subscriber fan-out. The zero value is not usable;
// create one with New.
type Registry struct {
	mu        sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{listeners: make(map[uint64]*listener)}
}

// Add registers fn and returns its unsubscribe function. Unsubscribing is
// idempotent; a listener removed before its turn in a round is skipped.
func (r *Registry) Add(fn Func) (unsubscribe func()) {
	l := &listener{fn: fn}
	l.active.Store(true)

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Store(false)
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Notify calls every registered listener with c. Listeners run on the
// caller's goroutine, outside the registry lock, in no particular order.
func (r *Registry) Notify(c Change) {
	r.mu.Lock()
	current := make([]*listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		current = append(current, l)
	}
	r.mu.Unlock()

	for _, l := range current {
		// Skip listeners removed by an earlier callback in this round.
		if !l.active.Load() {
			continue
		}
		l.fn(c)
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
