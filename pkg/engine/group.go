package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Group is the unit of bulk interruption for the goroutines of one fan-out,
// dispatch or run: they share one cancellable context and are joined together.
type Group struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	eg     errgroup.Group

	// slots is nil for unbounded groups.
	slots *semaphore.Weighted
}

// NewGroup creates a group derived from ctx. When limit is positive, at most
// limit goroutines run at once and Go blocks until a slot is free.
func NewGroup(ctx context.Context, limit int) *Group {
	gctx, cancel := context.WithCancelCause(ctx)
	g := &Group{ctx: gctx, cancel: cancel}
	if limit > 0 {
		g.slots = semaphore.NewWeighted(int64(limit))
	}
	return g
}

// Go runs fn on a new goroutine of the group. Failures are reported by fn's
// owner, never through the group, so one failing goroutine does not cancel
// its siblings. On a bounded group Go waits for a free slot; if the group is
// cancelled first, fn is not run and the cancellation cause is returned.
func (g *Group) Go(fn func(ctx context.Context)) error {
	if g.slots != nil {
		if err := g.slots.Acquire(g.ctx, 1); err != nil {
			return context.Cause(g.ctx)
		}
		if g.ctx.Err() != nil {
			g.slots.Release(1)
			return context.Cause(g.ctx)
		}
	}
	g.eg.Go(func() error {
		if g.slots != nil {
			defer g.slots.Release(1)
		}
		fn(g.ctx)
		return nil
	})
	return nil
}

// Context returns the group's shared context.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Cancel cancels the group's context with cause. Running goroutines observe it
// at their next checkpoint.
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Group) Wait() {
	_ = g.eg.Wait()
}

// waitAsync returns a channel closed once Wait returns.
func (g *Group) waitAsync() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	return done
}
