// Package semaphoretest provides utilities for testing code built on the
// semaphore package. It offers a harness that hammers a semaphore from many
// goroutines and verifies that the permit invariants hold.
//
// # Example Usage
//
//	sem := semaphore.New(4)
//	semaphoretest.Stress(t, sem, semaphoretest.Options{
//		Limit:   4,
//		Workers: 32,
//		Rounds:  100,
//		Mode:    semaphoretest.ModeMixed,
//	})
//
// The test fails if more than Limit goroutines ever held a permit at once, or
// if the semaphore does not end with Limit permits available.
package semaphoretest

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/notorious-go/permits/semaphore"
)

// Mode selects the acquisition method used by the workers of Stress.
type Mode int

const (
	// ModeMixed rotates through all other modes, worker by worker.
	ModeMixed Mode = iota
	// ModeTry spins on TryAcquire.
	ModeTry
	// ModeAcquire uses the suspending Acquire.
	ModeAcquire
	// ModeBlocking uses AcquireBlocking.
	ModeBlocking
	// ModeOwned uses AcquireOwned and releases each guard from a different
	// goroutine than the one that acquired it.
	ModeOwned
)

var modes = []Mode{ModeTry, ModeAcquire, ModeBlocking, ModeOwned}

func (m Mode) String() string {
	switch m {
	case ModeMixed:
		return "mixed"
	case ModeTry:
		return "try"
	case ModeAcquire:
		return "acquire"
	case ModeBlocking:
		return "blocking"
	case ModeOwned:
		return "owned"
	}
	return "unknown"
}

// Options configures Stress.
type Options struct {
	// Limit is the number of permits available on the semaphore when Stress is
	// called, and therefore the maximum number of concurrent holders.
	Limit int

	// Workers is the number of goroutines competing for permits.
	Workers int

	// Rounds is the number of acquire/release cycles per worker.
	Rounds int

	// Hold is how long each permit is held. Zero yields the processor instead.
	Hold time.Duration

	Mode Mode
}

// Stress runs opts.Workers goroutines, each acquiring and releasing a permit of
// sem opts.Rounds times, and verifies that:
//
//   - No more than opts.Limit permits were ever held at once.
//   - Every acquisition completed.
//   - sem has opts.Limit permits available and no waiters afterwards.
func Stress(t testing.TB, sem *semaphore.Semaphore, opts Options) {
	t.Helper()

	var (
		tracker Tracker
		wg      sync.WaitGroup
		// Owned guards are released by this goroutine pool rather than by the
		// workers that acquired them.
		handoff = make(chan *semaphore.OwnedGuard)
		relWG   sync.WaitGroup
	)
	for range max(1, opts.Limit) {
		relWG.Add(1)
		go func() {
			defer relWG.Done()
			for g := range handoff {
				hold(opts.Hold)
				tracker.Exit()
				g.Release()
			}
		}()
	}

	for w := range opts.Workers {
		mode := opts.Mode
		if mode == ModeMixed {
			mode = modes[w%len(modes)]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range opts.Rounds {
				if !cycle(t, sem, mode, &tracker, opts.Hold, handoff) {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(handoff)
	relWG.Wait()

	assert.LessOrEqual(t, tracker.Max(), opts.Limit, "more concurrent holders than permits")
	assert.Equal(t, 0, tracker.Current(), "holders left after all workers finished")
	assert.Equal(t, opts.Limit, sem.Available(), "permits not returned: %v", sem)
	assert.Equal(t, 0, sem.Waiting(), "waiters left behind: %v", sem)
}

// cycle performs one acquire/hold/release round. It reports false if the worker
// should stop.
func cycle(t testing.TB, sem *semaphore.Semaphore, mode Mode, tracker *Tracker, d time.Duration, handoff chan<- *semaphore.OwnedGuard) bool {
	switch mode {
	case ModeTry:
		for {
			g, ok := sem.TryAcquire()
			if ok {
				tracker.Enter()
				hold(d)
				tracker.Exit()
				g.Release()
				return true
			}
			if t.Context().Err() != nil {
				t.Errorf("test interrupted while spinning on TryAcquire")
				return false
			}
			runtime.Gosched()
		}
	case ModeAcquire:
		g, err := sem.Acquire(t.Context())
		if err != nil {
			t.Errorf("Acquire: %v", err)
			return false
		}
		tracker.Enter()
		hold(d)
		tracker.Exit()
		g.Release()
	case ModeBlocking:
		g := sem.AcquireBlocking()
		tracker.Enter()
		hold(d)
		tracker.Exit()
		g.Release()
	case ModeOwned:
		g, err := sem.AcquireOwned(t.Context())
		if err != nil {
			t.Errorf("AcquireOwned: %v", err)
			return false
		}
		tracker.Enter()
		select {
		case handoff <- g:
		case <-t.Context().Done():
			tracker.Exit()
			g.Release()
			return false
		}
	default:
		t.Errorf("unknown mode %v", mode)
		return false
	}
	return true
}

func hold(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
		return
	}
	runtime.Gosched()
}

// A Tracker counts concurrent holders of a resource and remembers the highest
// count it observed. The zero value is ready to use.
type Tracker struct {
	mu       sync.Mutex
	current  int
	observed int
}

// Enter records that one more goroutine holds the resource.
func (tr *Tracker) Enter() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.current++
	tr.observed = max(tr.observed, tr.current)
}

// Exit records that a goroutine let go of the resource.
func (tr *Tracker) Exit() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.current--
}

// Current returns the number of goroutines holding the resource.
func (tr *Tracker) Current() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.current
}

// Max returns the highest number of concurrent holders observed.
func (tr *Tracker) Max() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.observed
}

// Timeout returns a context that is cancelled after timeout or when the test
// ends, whichever comes first.
func Timeout(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), timeout)
	t.Cleanup(cancel)
	return ctx
}
