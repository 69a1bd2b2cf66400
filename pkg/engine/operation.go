package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Env is the explicit execution context handed to every operation: the
// variables of the current executor and the processing context that owns it.
type Env struct {
	// Vars is owned by the executor. Operations may bind new values; they are
	// visible to the following operations of the same executor only.
	Vars Variables

	// Processor is the processing context the operation runs in.
	Processor *Processor

	// Logger carries the fields of the current executor.
	Logger zerolog.Logger
}

// Fork returns an environment for a child executor with its own variables.
func (e *Env) Fork(vars Variables) *Env {
	return &Env{
		Vars:      vars,
		Processor: e.Processor,
		Logger:    e.Logger,
	}
}

// Output returns the writer for user-facing operation output.
func (e *Env) Output() io.Writer {
	return e.Processor.opts.Output
}

// Expand expands variable references in s against the executor's variables.
func (e *Env) Expand(s string) (string, error) {
	return e.Vars.Expand(s)
}

// runOperations executes ops in document order with a cooperative checkpoint
// before each one. The first failure aborts the remaining operations.
func runOperations(ctx context.Context, ops []Operation, env *Env) error {
	for _, op := range ops {
		if err := env.Processor.Checkpoint(ctx); err != nil {
			return err
		}
		if err := op.Execute(ctx, env); err != nil {
			return classifyOperationError(op.Kind(), err)
		}
	}
	return nil
}

// validateOperations validates ops in document order.
func validateOperations(ctx context.Context, ops []Operation, p *Processor) error {
	for _, op := range ops {
		if err := op.Validate(ctx, p); err != nil {
			if IsValidation(err) {
				return err
			}
			return NewValidationError(fmt.Sprintf("invalid %s node", op.Kind()), err).
				WithOperation(op.Kind())
		}
	}
	return nil
}

// classifyOperationError wraps an unclassed operation error into an
// EngineError so that every failure reaching an aggregator carries its class.
func classifyOperationError(kind string, err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}

	switch Classify(err) {
	case StatusInterrupted:
		return NewInterruptedError(fmt.Sprintf("%s interrupted", kind), err).WithOperation(kind)
	case StatusCritical:
		return NewCriticalError(fmt.Sprintf("%s failed unexpectedly", kind), err).WithOperation(kind)
	default:
		return NewDomainError(fmt.Sprintf("%s failed", kind), err).WithOperation(kind)
	}
}
