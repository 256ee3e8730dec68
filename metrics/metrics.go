// Package metrics records semaphore activity in a go-metrics registry.
//
// To record metrics for a semaphore, build its trace with Trace and keep the
// registry around for reporting, for example with gometrics.WriteOnce or
// gometrics.Log:
//
//	registry := gometrics.NewRegistry()
//	sem := semaphore.Config{Trace: metrics.Trace(registry, "db")}.New(8)
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/notorious-go/permits/trace"
)

// Names of the metrics registered by Trace, relative to its prefix.
const (
	Acquired  = "acquired"
	Released  = "released"
	Cancelled = "cancelled"
	Leaked    = "leaked"
	Added     = "added"
	Available = "available"
	Wait      = "wait"
)

// Semaphore groups the metrics kept for one semaphore.
type Semaphore struct {
	Acquired  gometrics.Counter
	Released  gometrics.Counter
	Cancelled gometrics.Counter
	Leaked    gometrics.Counter
	// Added counts permits, not AddPermits calls.
	Added gometrics.Counter
	// Available is the last observed number of available permits.
	Available gometrics.Gauge
	// Wait times acquisitions whose fast path failed, including cancelled ones.
	Wait gometrics.Timer
}

// NewSemaphore registers (or looks up) the metrics of one semaphore in registry.
// Every name is prefixed with prefix and a dot; an empty prefix registers the
// bare names.
func NewSemaphore(registry gometrics.Registry, prefix string) *Semaphore {
	name := func(n string) string {
		if prefix == "" {
			return n
		}
		return prefix + "." + n
	}
	return &Semaphore{
		Acquired:  gometrics.GetOrRegisterCounter(name(Acquired), registry),
		Released:  gometrics.GetOrRegisterCounter(name(Released), registry),
		Cancelled: gometrics.GetOrRegisterCounter(name(Cancelled), registry),
		Leaked:    gometrics.GetOrRegisterCounter(name(Leaked), registry),
		Added:     gometrics.GetOrRegisterCounter(name(Added), registry),
		Available: gometrics.GetOrRegisterGauge(name(Available), registry),
		Wait:      gometrics.GetOrRegisterTimer(name(Wait), registry),
	}
}

// Trace returns a SemaphoreTrace which updates m.
func (m *Semaphore) Trace() trace.SemaphoreTrace {
	return trace.SemaphoreTrace{
		Acquired: func(e trace.SemaphoreAcquired) {
			m.Acquired.Inc(1)
			m.Available.Update(int64(e.Available))
			if e.Waited > 0 {
				m.Wait.Update(e.Waited)
			}
		},
		Released: func(e trace.SemaphoreReleased) {
			m.Released.Inc(1)
			m.Available.Update(int64(e.Available))
		},
		Cancelled: func(e trace.SemaphoreCancelled) {
			m.Cancelled.Inc(1)
			m.Available.Update(int64(e.Available))
			m.Wait.Update(e.Waited)
		},
		PermitsAdded: func(e trace.SemaphorePermitsAdded) {
			m.Added.Inc(int64(e.N))
			m.Available.Update(int64(e.Available))
		},
		GuardLeaked: func(trace.SemaphoreGuardLeaked) {
			m.Leaked.Inc(1)
		},
	}
}

// Trace is shorthand for NewSemaphore(registry, prefix).Trace().
func Trace(registry gometrics.Registry, prefix string) trace.SemaphoreTrace {
	return NewSemaphore(registry, prefix).Trace()
}
