// Package events implements the synchronous observer fan-out that
// delivers cacheop.Events to subscribers. It is the single-process
// collapse of the teacher's distributed Pub/Sub topics: one process,
// one observer list, no network hop.
package events

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/jsoncache/fetchkit/cacheop"
)

// Observer receives lifecycle events. Implementations must return
// quickly; Notify calls Update synchronously and in subscription
// order, so a slow observer delays every observer after it.
type Observer interface {
	Update(event cacheop.Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(event cacheop.Event)

// Update calls f.
func (f ObserverFunc) Update(event cacheop.Event) { f(event) }

// Bus is an EventBus: an insertion-ordered, duplicate-tolerant list of
// observers notified synchronously and in order.
type Bus struct {
	mu        sync.Mutex
	observers []Observer
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe appends obs to the observer list.
func (b *Bus) Subscribe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Unsubscribe removes the first occurrence of obs. Absence is a no-op.
func (b *Bus) Unsubscribe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, o := range b.observers {
		if sameObserver(o, obs) {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// sameObserver reports whether a and b are the same observer. Two
// ObserverFuncs match when they are the same function value; other
// observers compare with ==, and an uncomparable one never matches.
func sameObserver(a, b Observer) bool {
	if fa, ok := a.(ObserverFunc); ok {
		fb, ok := b.(ObserverFunc)
		return ok && *(*unsafe.Pointer)(unsafe.Pointer(&fa)) == *(*unsafe.Pointer)(unsafe.Pointer(&fb))
	}
	ta := reflect.TypeOf(a)
	return ta != nil && ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}

// Notify invokes Update on every current subscriber, synchronously and
// in subscription order. It operates on a snapshot taken under lock,
// so a Subscribe/Unsubscribe racing with Notify never changes which
// observers this call reaches, and an observer that panics or a
// failing Observer does not stop the remaining observers from being
// notified.
func (b *Bus) Notify(event cacheop.Event) {
	b.mu.Lock()
	snapshot := make([]Observer, len(b.observers))
	copy(snapshot, b.observers)
	b.mu.Unlock()

	for _, obs := range snapshot {
		notifyOne(obs, event)
	}
}

// notifyOne swallows a panicking observer so it cannot prevent
// subsequent observers in the same Notify call from running.
func notifyOne(obs Observer, event cacheop.Event) {
	defer func() {
		_ = recover()
	}()
	obs.Update(event)
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Clear removes every subscriber.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = nil
}
