package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// WorkItem runs the operation subtree of a fan-out for one selected target on
// its own goroutine.
type WorkItem struct {
	index  int
	target *Target
	ops    []Operation
	env    *Env

	started atomic.Bool
	state   atomic.Int32
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// NewWorkItem creates a work item. env must carry a copy of the ambient
// variables that no other executor shares.
func NewWorkItem(ops []Operation, index int, target *Target, env *Env) *WorkItem {
	w := &WorkItem{
		index:  index,
		target: target,
		ops:    ops,
		env:    env,
		done:   make(chan struct{}),
	}
	w.state.Store(int32(StatusNew))
	return w
}

// Index returns the position of the item's target in the selection.
func (w *WorkItem) Index() int {
	return w.index
}

// Target returns the item's target.
func (w *WorkItem) Target() *Target {
	return w.target
}

// Vars returns the item's variables.
func (w *WorkItem) Vars() Variables {
	return w.env.Vars
}

// Start runs the item on a goroutine of g. It blocks while g is at its
// concurrency limit. A work item can be started only once. When g is
// cancelled before a slot frees up, the item stays NEW and the cancellation
// cause is returned.
func (w *WorkItem) Start(g *Group) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := g.Go(w.run); err != nil {
		w.started.Store(false)
		return err
	}
	return nil
}

// Started returns true once Start has been called.
func (w *WorkItem) Started() bool {
	return w.started.Load()
}

// Join blocks until the item's goroutine ends or timeout elapses and returns
// whether it ended. A zero timeout waits indefinitely. An item that was never
// started is considered ended.
func (w *WorkItem) Join(timeout time.Duration) bool {
	if !w.started.Load() {
		return true
	}
	if timeout <= 0 {
		<-w.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// Wait blocks until the item's goroutine ends or ctx is done.
func (w *WorkItem) Wait(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the item's current status.
func (w *WorkItem) Status() TerminalStatus {
	return TerminalStatus(w.state.Load())
}

// Err returns the captured failure, or nil.
func (w *WorkItem) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *WorkItem) run(ctx context.Context) {
	w.state.Store(int32(StatusRunning))

	p := w.env.Processor
	ctx, exec := p.beginExecution(ctx, ExecutionItem, w.name(), w.index, w.target)
	err := w.execute(ctx)
	p.endExecution(ctx, exec, err)

	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.state.Store(int32(Classify(err)))
	close(w.done)
}

func (w *WorkItem) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewCriticalError(
				fmt.Sprintf("work item %s panicked", w.name()),
				&PanicError{Value: r, Stack: debug.Stack()},
			)
		}
	}()
	return runOperations(ctx, w.ops, w.env)
}

func (w *WorkItem) name() string {
	if w.target != nil {
		return w.target.Path
	}
	return fmt.Sprintf("#%d", w.index)
}
