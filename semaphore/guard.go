package semaphore

import (
	"runtime"
	"sync/atomic"
)

// A Guard holds one permit of a Semaphore until it is released.
//
// A Guard is scope-bound: release it in the goroutine that acquired it,
// normally with defer. Use an OwnedGuard for permits that travel between
// goroutines.
type Guard struct {
	sem *Semaphore
	// Makes Release idempotent. Without it, a second Release would add a permit
	// that was never taken.
	released atomic.Bool
}

// Release returns the permit to the semaphore and wakes one waiter. Only the
// first call has an effect; calling Release on a nil Guard does nothing.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.sem.release(false)
}

// Semaphore returns the semaphore the guard's permit belongs to.
func (g *Guard) Semaphore() *Semaphore {
	return g.sem
}

// An OwnedGuard holds one permit of a Semaphore until it is released. Unlike a
// Guard it may be handed to other goroutines and released from any of them.
//
// If an OwnedGuard becomes unreachable before Release is called, the runtime
// returns its permit and reports the leak through SemaphoreTrace.GuardLeaked.
type OwnedGuard struct {
	lease   *lease
	cleanup runtime.Cleanup
}

// A lease is the part of an OwnedGuard that the runtime cleanup can see. It must
// not point back at the guard, or the guard would never become unreachable.
type lease struct {
	sem      *Semaphore
	released atomic.Bool
}

func newOwnedGuard(s *Semaphore) *OwnedGuard {
	l := &lease{sem: s}
	g := &OwnedGuard{lease: l}
	g.cleanup = runtime.AddCleanup(g, (*lease).reclaim, l)
	return g
}

// reclaim runs on a runtime cleanup goroutine after the guard that owned the
// lease was collected.
func (l *lease) reclaim() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.sem.traceLeaked()
	l.sem.release(true)
}

// Release returns the permit to the semaphore and wakes one waiter. It is safe
// to call from any goroutine; only the first call has an effect. Calling
// Release on a nil OwnedGuard does nothing.
func (g *OwnedGuard) Release() {
	if g == nil || !g.lease.released.CompareAndSwap(false, true) {
		return
	}
	g.cleanup.Stop()
	g.lease.sem.release(true)
}

// Semaphore returns the semaphore the guard's permit belongs to.
func (g *OwnedGuard) Semaphore() *Semaphore {
	return g.lease.sem
}
