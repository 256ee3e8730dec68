package semaphore

import (
	"context"
	"fmt"
	"time"

	"github.com/notorious-go/permits/event"
	"github.com/notorious-go/permits/trace"
)

// Semaphore is a counting semaphore. Permits are taken by the acquisition
// methods and given back by releasing the returned guards or by AddPermits.
//
// A Semaphore is safe for concurrent use and must not be copied. Create it with
// New or Config.New.
type Semaphore struct {
	permits permits
	// Waiters registered after a failed fast path. Notified once per returned
	// permit.
	event event.Event

	name  string
	trace trace.SemaphoreTrace
}

// Config holds the optional settings of a Semaphore. The zero value is a valid
// configuration.
type Config struct {
	// Name identifies the semaphore in String and in trace events.
	Name string

	// Trace receives runtime events. See package trace.
	Trace trace.SemaphoreTrace
}

// New creates a semaphore with n initially available permits. Zero is a valid
// count; permits can be added later with AddPermits.
//
// New panics if n is negative.
func New(n int) *Semaphore {
	return Config{}.New(n)
}

// New creates a semaphore with n initially available permits, using the
// settings of cfg.
//
// New panics if n is negative.
func (cfg Config) New(n int) *Semaphore {
	if n < 0 {
		panic(fmt.Errorf("semaphore: negative initial permit count %v", n))
	}
	s := &Semaphore{name: cfg.Name, trace: cfg.Trace}
	s.permits.increment(n)
	return s
}

// String returns a human-readable snapshot of the semaphore's state, e.g.
// "Semaphore(available=2, waiting=0)", or "Semaphore(db: available=0,
// waiting=3)" for a named semaphore.
func (s *Semaphore) String() string {
	if s.name == "" {
		return fmt.Sprintf("Semaphore(available=%v, waiting=%v)", s.Available(), s.Waiting())
	}
	return fmt.Sprintf("Semaphore(%v: available=%v, waiting=%v)", s.name, s.Available(), s.Waiting())
}

// Available returns the number of permits that could be acquired right now.
// Under concurrent use the value may be stale by the time it is returned.
func (s *Semaphore) Available() int {
	return s.permits.load()
}

// Waiting returns the number of acquisitions currently registered to be woken
// when a permit is returned.
func (s *Semaphore) Waiting() int {
	return s.event.Len()
}

// TryAcquire attempts to acquire a permit without blocking. It returns the guard
// and true on success, or nil and false if no permit is available.
//
// TryAcquire may succeed while other goroutines are waiting in Acquire.
//
//	if g, ok := sem.TryAcquire(); ok {
//	    defer g.Release()
//	    // ... do work ...
//	} else {
//	    // ... handle the "too busy" case ...
//	}
func (s *Semaphore) TryAcquire() (*Guard, bool) {
	if !s.permits.tryDecrement() {
		return nil, false
	}
	s.traceAcquired(trace.AcquireModeTry, false, 0)
	return &Guard{sem: s}, true
}

// Acquire waits for a permit and returns a guard holding it.
//
// If ctx is done before a permit is taken, Acquire returns ctx.Err() and holds
// nothing; no cleanup is required from the caller. If a permit is free, Acquire
// takes it even when ctx is already done.
func (s *Semaphore) Acquire(ctx context.Context) (*Guard, error) {
	if err := s.acquire(trace.AcquireModeSuspend, false, waitContext(ctx)); err != nil {
		return nil, err
	}
	return &Guard{sem: s}, nil
}

// AcquireBlocking waits for a permit and returns a guard holding it. It parks
// the calling goroutine and cannot be cancelled; use Acquire where the wait
// must be bounded.
func (s *Semaphore) AcquireBlocking() *Guard {
	_ = s.acquire(trace.AcquireModeBlocking, false, waitBlocking)
	return &Guard{sem: s}
}

// TryAcquireOwned is TryAcquire producing an OwnedGuard.
func (s *Semaphore) TryAcquireOwned() (*OwnedGuard, bool) {
	if !s.permits.tryDecrement() {
		return nil, false
	}
	s.traceAcquired(trace.AcquireModeTry, true, 0)
	return newOwnedGuard(s), true
}

// AcquireOwned is Acquire producing an OwnedGuard, which may be passed to and
// released by another goroutine.
func (s *Semaphore) AcquireOwned(ctx context.Context) (*OwnedGuard, error) {
	if err := s.acquire(trace.AcquireModeSuspend, true, waitContext(ctx)); err != nil {
		return nil, err
	}
	return newOwnedGuard(s), nil
}

// AcquireOwnedBlocking is AcquireBlocking producing an OwnedGuard.
func (s *Semaphore) AcquireOwnedBlocking() *OwnedGuard {
	_ = s.acquire(trace.AcquireModeBlocking, true, waitBlocking)
	return newOwnedGuard(s)
}

// AddPermits adds n permits and wakes up to n waiters. There is no upper bound
// on the number of permits a semaphore can hold.
//
// AddPermits panics if n is negative.
func (s *Semaphore) AddPermits(n int) {
	if n < 0 {
		panic(fmt.Errorf("semaphore: add negative permit count %v", n))
	}
	s.permits.increment(n)
	s.event.Notify(n)
	if s.trace.PermitsAdded != nil {
		s.trace.PermitsAdded(trace.SemaphorePermitsAdded{SemaphoreCommon: s.common(), N: n})
	}
}

// Do acquires a permit, calls f, and releases the permit when f returns or
// panics. It returns ctx.Err() without calling f if ctx is done before a permit
// is taken, and f's result otherwise.
func (s *Semaphore) Do(ctx context.Context, f func(ctx context.Context) error) error {
	g, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return f(ctx)
}

// A waitFunc is the suspension step of the acquisition loop. It returns nil
// once l has been notified, or an error when the acquisition is abandoned.
type waitFunc func(l *event.Listener) error

func waitContext(ctx context.Context) waitFunc {
	return func(l *event.Listener) error {
		return l.Wait(ctx)
	}
}

func waitBlocking(l *event.Listener) error {
	l.WaitBlocking()
	return nil
}

// acquire takes one permit, suspending with wait when none is available. It
// returns nil once a permit has been taken, or wait's error with no permit
// taken.
func (s *Semaphore) acquire(mode trace.AcquireMode, owned bool, wait waitFunc) error {
	var (
		l     *event.Listener
		start time.Time
	)
	for {
		if s.permits.tryDecrement() {
			// Won the permit while still registered: step out of the queue, passing
			// on any wakeup that was already delivered to us.
			if l != nil {
				l.Discard()
			}
			s.traceAcquired(mode, owned, since(start))
			return nil
		}
		if l == nil {
			// Register, then check the counter once more before waiting. A release
			// between the failed check above and this registration would otherwise
			// notify nobody.
			if start.IsZero() {
				start = time.Now()
			}
			l = s.event.Listen()
			continue
		}
		if err := wait(l); err != nil {
			s.traceCancelled(mode, owned, since(start), err)
			return err
		}
		// The notification is consumed; a permit may or may not be left for us.
		l = nil
	}
}

// release returns one permit and wakes one waiter. The increment happens before
// the notification so that the woken waiter sees the permit.
func (s *Semaphore) release(owned bool) {
	s.permits.increment(1)
	s.event.Notify(1)
	if s.trace.Released != nil {
		s.trace.Released(trace.SemaphoreReleased{SemaphoreCommon: s.common(), Owned: owned})
	}
}

func (s *Semaphore) common() trace.SemaphoreCommon {
	return trace.SemaphoreCommon{Name: s.name, Available: s.Available()}
}

func (s *Semaphore) traceAcquired(mode trace.AcquireMode, owned bool, waited time.Duration) {
	if s.trace.Acquired != nil {
		s.trace.Acquired(trace.SemaphoreAcquired{
			SemaphoreCommon: s.common(),
			Mode:            mode,
			Owned:           owned,
			Waited:          waited,
		})
	}
}

func (s *Semaphore) traceCancelled(mode trace.AcquireMode, owned bool, waited time.Duration, err error) {
	if s.trace.Cancelled != nil {
		s.trace.Cancelled(trace.SemaphoreCancelled{
			SemaphoreCommon: s.common(),
			Mode:            mode,
			Owned:           owned,
			Waited:          waited,
			Err:             err,
		})
	}
}

func (s *Semaphore) traceLeaked() {
	if s.trace.GuardLeaked != nil {
		s.trace.GuardLeaked(trace.SemaphoreGuardLeaked{SemaphoreCommon: s.common()})
	}
}

func since(start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
