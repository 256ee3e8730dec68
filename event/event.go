// Package event provides a multi-waiter notification primitive: goroutines
// register a Listener on an Event, and notifiers wake up to n of them at a time.
//
// An Event carries no state other than its queue of listeners. A notification
// is not remembered when nobody is listening, so callers pair an Event with some
// other piece of shared state (a counter, a flag) and follow the pattern:
//
//	for {
//	    if tryTake() {
//	        return
//	    }
//	    if l == nil {
//	        l = ev.Listen() // register, then check again before sleeping
//	        continue
//	    }
//	    l.WaitBlocking()
//	    l = nil
//	}
//
// Registering before the final check is what prevents lost wakeups: a notifier
// that changes the shared state after the check necessarily finds the listener
// in the queue.
//
// Listeners are woken in the order they were registered. A woken listener is
// removed from the queue; a goroutine that wants to wait again must Listen again
// and goes to the back of the queue.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

// An Event is a queue of listeners waiting for a notification.
//
// The zero-value Event is ready to use. An Event must not be copied after first
// use.
type Event struct {
	mu    sync.Mutex
	queue deque.Deque[*Listener]
	// queued mirrors queue.Len() so that Notify can skip the lock when nobody is
	// listening. It is written under mu but read without it.
	queued atomic.Int64
}

// listenerState tracks a Listener through its lifecycle. Transitions happen
// under the owning Event's mutex.
type listenerState uint8

const (
	// stateQueued is the initial state: the listener is in the Event's queue.
	stateQueued listenerState = iota
	// stateNotified means a notification was delivered but not yet observed.
	stateNotified
	// stateConsumed means Wait or WaitBlocking observed the notification.
	stateConsumed
	// stateDiscarded means the listener was abandoned.
	stateDiscarded
)

// Listen registers a new Listener at the back of the queue.
//
// The caller must eventually either observe the notification (Wait,
// WaitBlocking) or call Discard, otherwise the listener occupies a place in the
// queue and may absorb a notification meant for someone else.
func (e *Event) Listen() *Listener {
	l := &Listener{event: e, ch: make(chan struct{})}
	e.mu.Lock()
	e.queue.PushBack(l)
	e.queued.Add(1)
	e.mu.Unlock()
	return l
}

// Notify wakes up to n queued listeners, oldest first, and returns how many were
// woken. Each woken listener is removed from the queue, so one notification
// wakes exactly one listener.
func (e *Event) Notify(n int) int {
	if n <= 0 || e.queued.Load() == 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifyLocked(n)
}

func (e *Event) notifyLocked(n int) (woken int) {
	for woken < n && e.queue.Len() > 0 {
		l := e.queue.PopFront()
		e.queued.Add(-1)
		l.state = stateNotified
		close(l.ch)
		woken++
	}
	return woken
}

// Len returns the number of listeners waiting for a notification.
func (e *Event) Len() int {
	return int(e.queued.Load())
}

// A Listener is one registration on an Event. It is notified at most once.
type Listener struct {
	event *Event
	// ch is closed when the listener is notified.
	ch chan struct{}
	// GUARDED_BY(event.mu)
	state listenerState
}

// Notified returns a channel that is closed once the listener is notified.
//
// Receiving from the channel does not mark the notification as observed; use
// Wait or WaitBlocking for that, or call Discard when giving up so that the
// notification is passed on.
func (l *Listener) Notified() <-chan struct{} {
	return l.ch
}

// Wait suspends the calling goroutine until the listener is notified or ctx is
// done. It returns nil when notified.
//
// When ctx is done first, the listener is discarded and ctx.Err() is returned;
// a notification that raced with the cancellation is forwarded to the next
// listener in the queue.
func (l *Listener) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		l.consume()
		return nil
	case <-ctx.Done():
		l.Discard()
		return ctx.Err()
	}
}

// WaitBlocking parks the calling goroutine until the listener is notified. It
// cannot be cancelled.
func (l *Listener) WaitBlocking() {
	<-l.ch
	l.consume()
}

func (l *Listener) consume() {
	l.event.mu.Lock()
	if l.state == stateNotified {
		l.state = stateConsumed
	}
	l.event.mu.Unlock()
}

// Discard abandons the listener. A queued listener is removed from the queue. A
// listener that was notified but never observed the notification forwards it to
// the next queued listener, so a wakeup is never lost to an abandoned waiter.
//
// Discard is idempotent and is a no-op after Wait or WaitBlocking returned nil.
func (l *Listener) Discard() {
	e := l.event
	e.mu.Lock()
	defer e.mu.Unlock()
	switch l.state {
	case stateQueued:
		i := e.queue.Index(func(x *Listener) bool { return x == l })
		if i >= 0 {
			e.queue.Remove(i)
			e.queued.Add(-1)
		}
	case stateNotified:
		e.notifyLocked(1)
	}
	l.state = stateDiscarded
}

// Listening reports whether the listener is still queued, waiting to be
// notified.
func (l *Listener) Listening() bool {
	l.event.mu.Lock()
	defer l.event.mu.Unlock()
	return l.state == stateQueued
}
