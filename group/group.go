// Package group runs goroutines whose number is bounded by a semaphore.
//
// A Group is an errgroup.Group whose Go method first acquires a permit from a
// semaphore and hands it to the new goroutine, which releases it when its
// function returns. Because the permit is an owned guard, the goroutine that
// spawns work is the one that experiences back-pressure, while the goroutine
// doing the work is the one that gives the permit back.
//
// Several groups may share one semaphore, which then bounds the total number of
// goroutines across all of them:
//
//	sem := semaphore.New(8)
//	uploads, ctx := group.WithContext(ctx, sem)
//	downloads, ctx := group.WithContext(ctx, sem)
package group

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/notorious-go/permits/semaphore"
)

// A Group is a collection of goroutines working on subtasks of a common task,
// with at most as many of them active as its semaphore has permits.
//
// A Group must be created with WithContext.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
	// A nil semaphore means no limit.
	sem *semaphore.Semaphore
}

// WithContext returns a new Group and an associated Context derived from ctx.
//
// The derived Context is cancelled the first time a function passed to Go
// returns a non-nil error or the first time Wait returns, whichever occurs
// first.
//
// A nil sem places no limit on the number of active goroutines.
func WithContext(ctx context.Context, sem *semaphore.Semaphore) (*Group, context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: ctx, sem: sem}, ctx
}

// Go calls the given function in a new goroutine. It blocks until a permit is
// available, and returns the group context's error without calling f if the
// context is cancelled first (typically because another function failed).
//
// The first call to return a non-nil error cancels the group's context; its
// error will be returned by Wait.
func (g *Group) Go(f func(ctx context.Context) error) error {
	if g.sem == nil {
		g.eg.Go(func() error { return f(g.ctx) })
		return nil
	}
	guard, err := g.sem.AcquireOwned(g.ctx)
	if err != nil {
		return err
	}
	g.eg.Go(func() error {
		defer guard.Release()
		return f(g.ctx)
	})
	return nil
}

// TryGo calls the given function in a new goroutine only if a permit is
// available right now. It reports whether the goroutine was started.
func (g *Group) TryGo(f func(ctx context.Context) error) bool {
	if g.sem == nil {
		g.eg.Go(func() error { return f(g.ctx) })
		return true
	}
	guard, ok := g.sem.TryAcquireOwned()
	if !ok {
		return false
	}
	g.eg.Go(func() error {
		defer guard.Release()
		return f(g.ctx)
	})
	return true
}

// Wait blocks until all function calls from the Go and TryGo methods have
// returned, then returns the first non-nil error (if any) from them.
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Semaphore returns the semaphore limiting the group, or nil if it is
// unlimited.
func (g *Group) Semaphore() *semaphore.Semaphore {
	return g.sem
}
