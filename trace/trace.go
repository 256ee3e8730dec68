// Package trace contains the callback types provided for tracing a semaphore.
// With tracing a user is able to pull out fine-grained runtime events as they
// happen, which is useful for gathering metrics, logging, and finding permit
// leaks.
//
// The logging and metrics packages of this module build SemaphoreTraces for
// logrus and go-metrics respectively; Combine attaches several at once.
package trace

import (
	"time"
)

// SemaphoreTrace is passed into semaphore.Config, and contains callbacks which
// are triggered for specific events during the semaphore's lifetime.
//
// All callbacks are called synchronously, on the goroutine that caused the
// event. They must not acquire permits from the traced semaphore. A nil callback
// is skipped.
type SemaphoreTrace struct {
	// Acquired is called when a guard is produced, by any acquisition mode.
	Acquired func(SemaphoreAcquired)

	// Released is called when a guard returns its permit.
	Released func(SemaphoreReleased)

	// Cancelled is called when a suspending acquisition is abandoned because its
	// context is done. No permit is held after a cancellation.
	Cancelled func(SemaphoreCancelled)

	// PermitsAdded is called after AddPermits.
	PermitsAdded func(SemaphorePermitsAdded)

	// GuardLeaked is called when an owned guard became unreachable without being
	// released and its permit was reclaimed by the runtime. It is called on a
	// runtime cleanup goroutine.
	GuardLeaked func(SemaphoreGuardLeaked)
}

// SemaphoreCommon contains information which is passed into all callbacks.
type SemaphoreCommon struct {
	// Name is the name the semaphore was configured with, possibly empty.
	Name string

	// Available is the number of available permits observed right after the
	// event. Under concurrency it is a snapshot, not an exact figure.
	Available int
}

// AcquireMode enumerates the ways a permit can be acquired.
type AcquireMode string

// All possible values of AcquireMode.
const (
	// AcquireModeTry is the single non-blocking attempt.
	AcquireModeTry AcquireMode = "try"
	// AcquireModeSuspend is the context-aware suspending acquisition.
	AcquireModeSuspend AcquireMode = "acquire"
	// AcquireModeBlocking parks the goroutine and cannot be cancelled.
	AcquireModeBlocking AcquireMode = "blocking"
)

// SemaphoreAcquired is passed into the SemaphoreTrace.Acquired callback.
type SemaphoreAcquired struct {
	SemaphoreCommon

	Mode AcquireMode

	// Owned is true when an OwnedGuard was produced.
	Owned bool

	// Waited is how long the acquisition spent after its fast path failed. It is
	// zero when the permit was taken on the first attempt.
	Waited time.Duration
}

// SemaphoreReleased is passed into the SemaphoreTrace.Released callback.
type SemaphoreReleased struct {
	SemaphoreCommon
	Owned bool
}

// SemaphoreCancelled is passed into the SemaphoreTrace.Cancelled callback.
type SemaphoreCancelled struct {
	SemaphoreCommon
	Mode   AcquireMode
	Owned  bool
	Waited time.Duration
	Err    error
}

// SemaphorePermitsAdded is passed into the SemaphoreTrace.PermitsAdded callback.
type SemaphorePermitsAdded struct {
	SemaphoreCommon
	N int
}

// SemaphoreGuardLeaked is passed into the SemaphoreTrace.GuardLeaked callback.
type SemaphoreGuardLeaked struct {
	SemaphoreCommon
}

// Combine returns a SemaphoreTrace which calls the callbacks of every given
// trace in order.
func Combine(traces ...SemaphoreTrace) SemaphoreTrace {
	var out SemaphoreTrace
	for _, t := range traces {
		out.Acquired = chain(out.Acquired, t.Acquired)
		out.Released = chain(out.Released, t.Released)
		out.Cancelled = chain(out.Cancelled, t.Cancelled)
		out.PermitsAdded = chain(out.PermitsAdded, t.PermitsAdded)
		out.GuardLeaked = chain(out.GuardLeaked, t.GuardLeaked)
	}
	return out
}

func chain[E any](prev, next func(E)) func(E) {
	switch {
	case prev == nil:
		return next
	case next == nil:
		return prev
	}
	return func(e E) {
		prev(e)
		next(e)
	}
}
