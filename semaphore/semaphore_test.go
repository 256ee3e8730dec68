package semaphore_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notorious-go/permits/semaphore"
	"github.com/notorious-go/permits/semaphore/semaphoretest"
	"github.com/notorious-go/permits/trace"
)

func TestTryAcquireScenario(t *testing.T) {
	s := semaphore.New(2)

	g1, ok := s.TryAcquire()
	require.True(t, ok)
	g2, ok := s.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, 0, s.Available())

	g3, ok := s.TryAcquire()
	assert.False(t, ok)
	assert.Nil(t, g3)

	g2.Release()
	g4, ok := s.TryAcquire()
	assert.True(t, ok)

	g1.Release()
	g4.Release()
	assert.Equal(t, 2, s.Available())
}

func TestAddPermitsToEmptySemaphore(t *testing.T) {
	s := semaphore.New(0)
	_, ok := s.TryAcquire()
	require.False(t, ok)

	s.AddPermits(3)
	require.Equal(t, 3, s.Available())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held []*semaphore.Guard
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, ok := s.TryAcquire()
			if !ok {
				t.Errorf("TryAcquire failed with permits available")
				return
			}
			mu.Lock()
			held = append(held, g)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, held, 3)

	_, ok = s.TryAcquire()
	assert.False(t, ok)
	assert.Equal(t, 0, s.Available())
}

func TestConcurrentTryAcquireNeverOverIssues(t *testing.T) {
	const permits, attempts = 16, 256
	s := semaphore.New(permits)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make(chan *semaphore.Guard, attempts)
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g, ok := s.TryAcquire(); ok {
				results <- g
			}
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var won int
	for g := range results {
		won++
		defer g.Release()
	}
	assert.Equal(t, permits, won)
	assert.Equal(t, 0, s.Available())
}

func TestNegativeCountsPanic(t *testing.T) {
	assert.Panics(t, func() { semaphore.New(-1) })
	assert.Panics(t, func() { semaphore.New(0).AddPermits(-1) })
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := semaphore.New(1)

	g, ok := s.TryAcquire()
	require.True(t, ok)
	g.Release()
	g.Release()
	assert.Equal(t, 1, s.Available())

	og, ok := s.TryAcquireOwned()
	require.True(t, ok)
	og.Release()
	og.Release()
	assert.Equal(t, 1, s.Available())

	// Release through a deferred call after an explicit early release.
	func() {
		g := s.AcquireBlocking()
		defer g.Release()
		g.Release()
	}()
	assert.Equal(t, 1, s.Available())

	var nilGuard *semaphore.Guard
	var nilOwned *semaphore.OwnedGuard
	assert.NotPanics(t, nilGuard.Release)
	assert.NotPanics(t, nilOwned.Release)
}

func TestAcquireFastPath(t *testing.T) {
	s := semaphore.New(1)
	g, err := s.Acquire(t.Context())
	require.NoError(t, err)
	assert.Same(t, s, g.Semaphore())
	assert.Equal(t, 0, s.Available())
	assert.Equal(t, 0, s.Waiting())
	g.Release()
	assert.Equal(t, 1, s.Available())
}

func TestAcquireSucceedsWithDoneContextWhenPermitIsFree(t *testing.T) {
	s := semaphore.New(1)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	g, err := s.Acquire(ctx)
	require.NoError(t, err)
	g.Release()
}

func TestAcquireWakesOneWaiterPerPermit(t *testing.T) {
	const waiters = 6
	s := semaphore.New(0)

	acquired := make(chan *semaphore.Guard, waiters)
	for range waiters {
		go func() {
			g, err := s.Acquire(t.Context())
			if err != nil {
				return
			}
			acquired <- g
		}()
	}
	require.Eventually(t, func() bool { return s.Waiting() == waiters }, 5*time.Second, time.Millisecond)

	var held []*semaphore.Guard
	for i := range waiters {
		s.AddPermits(1)
		select {
		case g := <-acquired:
			held = append(held, g)
		case <-time.After(5 * time.Second):
			t.Fatalf("no waiter completed after permit %d", i+1)
		}
		// Exactly one waiter may complete per permit.
		select {
		case <-acquired:
			t.Fatalf("two waiters completed after permit %d", i+1)
		case <-time.After(20 * time.Millisecond):
		}
		assert.Equal(t, 0, s.Available())
		assert.Equal(t, waiters-i-1, s.Waiting())
	}

	for _, g := range held {
		g.Release()
	}
	assert.Equal(t, waiters, s.Available())
}

func TestAcquireCancelledLeavesPermitsUnchanged(t *testing.T) {
	s := semaphore.New(1)
	holder, ok := s.TryAcquire()
	require.True(t, ok)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.Waiting() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, s.Available())
	assert.Equal(t, 0, s.Waiting())

	holder.Release()
	assert.Equal(t, 1, s.Available())
}

func TestAcquireTimeout(t *testing.T) {
	s := semaphore.New(0)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	g, err := s.AcquireOwned(ctx)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Available())
	assert.Equal(t, 0, s.Waiting())
}

// A waiter that is cancelled right as its wakeup arrives must pass the wakeup on
// to the next waiter instead of swallowing it.
func TestCancelledWaiterDoesNotSwallowWakeup(t *testing.T) {
	for range 200 {
		s := semaphore.New(0)
		ctx, cancel := context.WithCancel(t.Context())

		first := make(chan error, 1)
		go func() {
			g, err := s.Acquire(ctx)
			if err == nil {
				g.Release()
			}
			first <- err
		}()
		require.Eventually(t, func() bool { return s.Waiting() == 1 }, 5*time.Second, time.Millisecond)

		second := make(chan *semaphore.Guard, 1)
		go func() {
			second <- s.AcquireBlocking()
		}()
		require.Eventually(t, func() bool { return s.Waiting() == 2 }, 5*time.Second, time.Millisecond)

		// Race the cancellation against the wakeup.
		go cancel()
		s.AddPermits(1)
		<-first

		select {
		case g := <-second:
			g.Release()
		case <-time.After(5 * time.Second):
			t.Fatalf("second waiter never woke: %v", s)
		}
		assert.Equal(t, 1, s.Available())
		cancel()
	}
}

func TestAcquireBlocking(t *testing.T) {
	s := semaphore.New(1)
	first := s.AcquireBlocking()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g := s.AcquireBlocking()
		g.Release()
	}()
	require.Eventually(t, func() bool { return s.Waiting() == 1 }, 5*time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("AcquireBlocking returned while no permit was available")
	default:
	}
	first.Release()
	<-done
	assert.Equal(t, 1, s.Available())
}

func TestOwnedGuardMovesAcrossGoroutines(t *testing.T) {
	s := semaphore.New(2)

	guards := make(chan *semaphore.OwnedGuard)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for g := range guards {
			assert.Same(t, s, g.Semaphore())
			g.Release()
		}
	}()

	for range 10 {
		g, err := s.AcquireOwned(t.Context())
		require.NoError(t, err)
		guards <- g
	}
	g := s.AcquireOwnedBlocking()
	guards <- g
	close(guards)
	wg.Wait()
	assert.Equal(t, 2, s.Available())
}

func TestLeakedOwnedGuardIsReclaimed(t *testing.T) {
	leaked := make(chan trace.SemaphoreGuardLeaked, 1)
	s := semaphore.Config{
		Name: "leaky",
		Trace: trace.SemaphoreTrace{
			GuardLeaked: func(e trace.SemaphoreGuardLeaked) { leaked <- e },
		},
	}.New(1)

	func() {
		_, ok := s.TryAcquireOwned()
		require.True(t, ok)
	}()
	require.Equal(t, 0, s.Available())

	require.Eventually(t, func() bool {
		runtime.GC()
		return s.Available() == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case e := <-leaked:
		assert.Equal(t, "leaky", e.Name)
	default:
		t.Fatal("GuardLeaked was not traced")
	}
}

func TestReleasedOwnedGuardIsNotReclaimedTwice(t *testing.T) {
	var leaks int
	var mu sync.Mutex
	s := semaphore.Config{
		Trace: trace.SemaphoreTrace{
			GuardLeaked: func(trace.SemaphoreGuardLeaked) {
				mu.Lock()
				leaks++
				mu.Unlock()
			},
		},
	}.New(1)

	func() {
		g, ok := s.TryAcquireOwned()
		require.True(t, ok)
		g.Release()
	}()
	for range 3 {
		runtime.GC()
	}
	assert.Equal(t, 1, s.Available())
	mu.Lock()
	assert.Equal(t, 0, leaks)
	mu.Unlock()
}

func TestDo(t *testing.T) {
	s := semaphore.New(1)

	err := s.Do(t.Context(), func(ctx context.Context) error {
		assert.Equal(t, 0, s.Available())
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, s.Available())

	assert.Panics(t, func() {
		_ = s.Do(t.Context(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, 1, s.Available(), "permit not released on panic")

	g, _ := s.TryAcquire()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	called := false
	err = s.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	g.Release()
}

func TestString(t *testing.T) {
	assert.Equal(t, "Semaphore(available=3, waiting=0)", semaphore.New(3).String())
	assert.Equal(t, "Semaphore(db: available=0, waiting=0)", semaphore.Config{Name: "db"}.New(0).String())
}

func TestTrace(t *testing.T) {
	var (
		mu     sync.Mutex
		events []any
	)
	record := func(e any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	s := semaphore.Config{
		Name: "traced",
		Trace: trace.SemaphoreTrace{
			Acquired:     func(e trace.SemaphoreAcquired) { record(e) },
			Released:     func(e trace.SemaphoreReleased) { record(e) },
			Cancelled:    func(e trace.SemaphoreCancelled) { record(e) },
			PermitsAdded: func(e trace.SemaphorePermitsAdded) { record(e) },
		},
	}.New(1)

	g, ok := s.TryAcquire()
	require.True(t, ok)
	g.Release()
	s.AddPermits(2)

	og, err := s.AcquireOwned(t.Context())
	require.NoError(t, err)
	og.Release()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	empty := semaphore.Config{
		Name:  "empty",
		Trace: trace.SemaphoreTrace{Cancelled: func(e trace.SemaphoreCancelled) { record(e) }},
	}.New(0)
	_, err = empty.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 6)
	assert.Equal(t, trace.SemaphoreAcquired{
		SemaphoreCommon: trace.SemaphoreCommon{Name: "traced", Available: 0},
		Mode:            trace.AcquireModeTry,
	}, events[0])
	assert.Equal(t, trace.SemaphoreReleased{
		SemaphoreCommon: trace.SemaphoreCommon{Name: "traced", Available: 1},
	}, events[1])
	assert.Equal(t, trace.SemaphorePermitsAdded{
		SemaphoreCommon: trace.SemaphoreCommon{Name: "traced", Available: 3},
		N:               2,
	}, events[2])
	assert.Equal(t, trace.SemaphoreAcquired{
		SemaphoreCommon: trace.SemaphoreCommon{Name: "traced", Available: 2},
		Mode:            trace.AcquireModeSuspend,
		Owned:           true,
	}, events[3])
	assert.Equal(t, trace.SemaphoreReleased{
		SemaphoreCommon: trace.SemaphoreCommon{Name: "traced", Available: 3},
		Owned:           true,
	}, events[4])

	cancelled, ok := events[5].(trace.SemaphoreCancelled)
	require.True(t, ok)
	assert.Equal(t, "empty", cancelled.Name)
	assert.Equal(t, trace.AcquireModeSuspend, cancelled.Mode)
	assert.ErrorIs(t, cancelled.Err, context.Canceled)
}

func TestSlowPathTracesWaitTime(t *testing.T) {
	acquired := make(chan trace.SemaphoreAcquired, 1)
	s := semaphore.Config{
		Trace: trace.SemaphoreTrace{
			Acquired: func(e trace.SemaphoreAcquired) {
				if e.Mode == trace.AcquireModeBlocking {
					acquired <- e
				}
			},
		},
	}.New(1)
	holder, _ := s.TryAcquire()

	go func() {
		s.AcquireBlocking().Release()
	}()
	require.Eventually(t, func() bool { return s.Waiting() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	holder.Release()

	e := <-acquired
	assert.GreaterOrEqual(t, e.Waited, 5*time.Millisecond)
}

func TestStress(t *testing.T) {
	for _, mode := range []semaphoretest.Mode{
		semaphoretest.ModeTry,
		semaphoretest.ModeAcquire,
		semaphoretest.ModeBlocking,
		semaphoretest.ModeOwned,
		semaphoretest.ModeMixed,
	} {
		t.Run(mode.String(), func(t *testing.T) {
			s := semaphore.New(3)
			semaphoretest.Stress(t, s, semaphoretest.Options{
				Limit:   3,
				Workers: 24,
				Rounds:  200,
				Mode:    mode,
			})
		})
	}
}

func TestAddPermitsWakesBatchOfWaiters(t *testing.T) {
	const waiters, permits = 8, 3
	s := semaphore.New(0)

	var (
		tracker semaphoretest.Tracker
		wg      sync.WaitGroup
	)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := s.Acquire(t.Context())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			tracker.Enter()
			time.Sleep(time.Millisecond)
			tracker.Exit()
			g.Release()
		}()
	}
	require.Eventually(t, func() bool { return s.Waiting() == waiters }, 5*time.Second, time.Millisecond)

	s.AddPermits(permits)
	wg.Wait()

	assert.LessOrEqual(t, tracker.Max(), permits)
	assert.Equal(t, permits, s.Available())
	assert.Equal(t, 0, s.Waiting())
}
