package engine

import (
	"context"
	"time"
)

// ExecutionKind identifies the unit of work an Execution describes.
type ExecutionKind string

const (
	// ExecutionRun is the root processing context of a run.
	ExecutionRun ExecutionKind = "run"

	// ExecutionContext is a nested processing context started by a call.
	ExecutionContext ExecutionKind = "context"

	// ExecutionOrder is one order executed by a processing context.
	ExecutionOrder ExecutionKind = "order"

	// ExecutionForeach is one fan-out invocation.
	ExecutionForeach ExecutionKind = "foreach"

	// ExecutionItem is one work item of a fan-out.
	ExecutionItem ExecutionKind = "item"

	// ExecutionCall is one delegating dispatch.
	ExecutionCall ExecutionKind = "call"
)

// Execution describes a unit of work for observers.
type Execution struct {
	ID        string
	ParentID  string
	RunID     string
	Kind      ExecutionKind
	Name      string
	Index     int
	Target    string
	Depth     int
	StartedAt time.Time
}

// Observer receives execution lifecycle notifications. ExecutionStarted may
// return a derived context (for example carrying a trace span); it is passed
// to the work and to the matching ExecutionFinished call.
type Observer interface {
	ExecutionStarted(ctx context.Context, e *Execution) context.Context
	ExecutionFinished(ctx context.Context, e *Execution, status TerminalStatus, err error)
}

// Observers fans notifications out to several observers.
type Observers []Observer

// ExecutionStarted notifies every observer in order.
func (o Observers) ExecutionStarted(ctx context.Context, e *Execution) context.Context {
	for _, obs := range o {
		ctx = obs.ExecutionStarted(ctx, e)
	}
	return ctx
}

// ExecutionFinished notifies every observer in reverse order.
func (o Observers) ExecutionFinished(ctx context.Context, e *Execution, status TerminalStatus, err error) {
	for i := len(o) - 1; i >= 0; i-- {
		o[i].ExecutionFinished(ctx, e, status, err)
	}
}

type executionKey struct{}

// ContextWithExecution returns a context carrying e as the current execution.
func ContextWithExecution(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// ExecutionFromContext returns the innermost execution carried by ctx.
func ExecutionFromContext(ctx context.Context) *Execution {
	e, _ := ctx.Value(executionKey{}).(*Execution)
	return e
}
