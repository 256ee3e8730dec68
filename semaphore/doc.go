// Package semaphore provides a counting semaphore whose permits are handed out
// as guards, with non-blocking, suspending (context-aware) and blocking
// acquisition, and with guards that are either scope-bound or owned.
//
// # Why This Package Exists
//
// A buffered channel is the usual Go semaphore, and for a fixed limit with
// blocking acquisition it is hard to beat. This package exists for the cases a
// channel handles poorly:
//
//   - Capacity that grows at runtime: AddPermits adds any number of permits to a
//     live semaphore, including one created with zero permits. A channel's
//     capacity is fixed at make time.
//   - Permits that travel: an OwnedGuard can be handed to another goroutine,
//     released from there, and is reclaimed by the runtime if it is dropped
//     without being released.
//   - A lock-free fast path: TryAcquire is a single compare-and-swap loop on an
//     atomic counter and never touches a lock or a channel.
//
// # Acquisition Modes
//
// Every mode runs the same state machine over the same counter:
//
//   - TryAcquire and TryAcquireOwned make one fast-path attempt. They never block
//     and report (nil, false) when no permit is available.
//   - Acquire and AcquireOwned suspend the goroutine until a permit is taken or
//     the context is done. A cancelled acquisition holds no permit.
//   - AcquireBlocking and AcquireOwnedBlocking park the goroutine until a permit
//     is taken and cannot be cancelled. Calling them from a goroutine that must
//     stay responsive, or while holding the last permit another holder is
//     waiting to hand back through you, hangs; nothing detects it.
//
// The suspending loop is: try the counter; on failure register a listener and
// try again; only when that second attempt also fails, wait for a notification
// and start over. Registering before the last attempt is what prevents lost
// wakeups. A notification only means "a permit may be available": several
// waiters and any number of TryAcquire callers race for it, and losers go back
// to waiting.
//
// # Guards
//
// Every successful acquisition yields a guard charged with exactly one permit.
// Releasing the guard adds the permit back and wakes one waiter. Release is
// idempotent in effect: only the first call returns the permit, so
//
//	g, err := sem.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
//
// stays correct even if the function also releases early on some path.
//
// A Guard is meant to be released by the goroutine that acquired it, normally
// with defer. An OwnedGuard may be released from any goroutine and carries a
// runtime cleanup: if it becomes unreachable while still holding its permit, the
// permit is returned and the SemaphoreTrace.GuardLeaked callback fires. Relying
// on the cleanup is a bug in the caller; it bounds the damage of a leak, it does
// not replace Release.
//
// # Fairness
//
// Waiters are woken in the order they started waiting. That is the only
// ordering provided: a fast-path acquirer may take a permit ahead of a woken
// waiter (barging), in which case the waiter re-registers at the back of the
// queue. Under steady release pressure every waiter is eventually woken again.
//
// # Design Trade-offs
//
//   - No maximum capacity: AddPermits can raise the count without bound.
//   - No weighted acquisition: every guard holds exactly one permit.
//   - Acquire may succeed with an already-cancelled context when a permit is
//     free, the same way golang.org/x/sync/semaphore behaves.
package semaphore
