// Package waitlist tracks which transactions are blocked on which cells.
//
// A transaction that gives up with an explicit retry parks until one of the
// cells it has read changes. The list maps each cell id to the set of
// waiters parked on it; a successful commit notifies the ids it wrote and
// every waiter filed under any of them is released. Access to the map goes
// through a single mutex, which is acceptable because transactions only
// reach the list when they block or publish, never on the read/compute
// path.
//
// Waiters are one-shot and edge-triggered: a notification may arrive for a
// change the waiter has already seen, so a released waiter must re-examine
// the cells itself. The list guarantees wakeups, not relevance.
package waitlist

import (
	"context"
	"sync"
)

// Waiter is the parking token of one blocked transaction. It is created by
// Register and becomes invalid after Unregister.
type Waiter struct {
	ch chan struct{}
}

// Wait parks until the waiter is notified.
func (w *Waiter) Wait() {
	<-w.ch
}

// WaitContext parks until the waiter is notified or the context is done,
// returning the context's error in the latter case.
func (w *Waiter) WaitContext(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify releases the waiter. The buffered channel and non-blocking send
// make multiple notifications collapse into one wakeup.
func (w *Waiter) notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// List is the registry of blocked transactions. One List is shared by all
// cells of a process.
type List struct {
	// Before touching waiting, a thread must hold mu.
	mu      sync.Mutex
	waiting map[uint64]map[*Waiter]struct{}
}

// New creates an empty list.
func New() *List {
	return &List{waiting: make(map[uint64]map[*Waiter]struct{})}
}

// Register files a new waiter under every given cell id and returns it. The
// caller must eventually call Unregister with the same ids, whether or not
// the waiter fired.
func (l *List) Register(ids []uint64) *Waiter {
	w := &Waiter{ch: make(chan struct{}, 1)}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		set := l.waiting[id]
		if set == nil {
			set = make(map[*Waiter]struct{})
			l.waiting[id] = set
		}
		set[w] = struct{}{}
	}
	return w
}

// Unregister removes the waiter from every given cell id. The ids must be
// the ones the waiter was registered with.
func (l *List) Unregister(ids []uint64, w *Waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		set := l.waiting[id]
		if set == nil {
			continue
		}
		delete(set, w)
		if len(set) == 0 {
			delete(l.waiting, id)
		}
	}
}

// Notify releases every waiter filed under any of the given cell ids. It is
// called by the commit path with the set of cells it just wrote.
func (l *List) Notify(ids []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		for w := range l.waiting[id] {
			w.notify()
		}
	}
}

// Waiting reports how many waiters are filed under the given cell id.
func (l *List) Waiting(id uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting[id])
}
