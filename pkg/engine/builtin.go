package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Built-in node kinds.
const (
	KindSequence = "sequence"
	KindForeach  = "foreach"
	KindCall     = "call"
	KindEcho     = "echo"
	KindSleep    = "sleep"
	KindSetVar   = "set-var"
	KindFail     = "fail"
)

// RegisterBuiltins adds the built-in node kinds to reg.
func RegisterBuiltins(reg *Registry) {
	reg.MustRegister(KindSequence, newSequenceOp)
	reg.MustRegister(KindForeach, newForeachOp)
	reg.MustRegister(KindCall, newCallOp)
	reg.MustRegister(KindEcho, newEchoOp)
	reg.MustRegister(KindSleep, newSleepOp)
	reg.MustRegister(KindSetVar, newSetVarOp)
	reg.MustRegister(KindFail, newFailOp)
}

// sequenceOp runs its children in document order.
type sequenceOp struct {
	ops []Operation
}

func newSequenceOp(node *Node, reg *Registry) (Operation, error) {
	ops, err := reg.BuildAll(node.Children)
	if err != nil {
		return nil, err
	}
	return &sequenceOp{ops: ops}, nil
}

func (o *sequenceOp) Kind() string { return KindSequence }

func (o *sequenceOp) Validate(ctx context.Context, p *Processor) error {
	return validateOperations(ctx, o.ops, p)
}

func (o *sequenceOp) Execute(ctx context.Context, env *Env) error {
	return runOperations(ctx, o.ops, env)
}

// echoOp writes its expanded message to the processor output.
type echoOp struct {
	message string
}

func newEchoOp(node *Node, _ *Registry) (Operation, error) {
	msg, ok := node.Attr("message")
	if !ok {
		return nil, errors.New("attribute message is required")
	}
	return &echoOp{message: msg}, nil
}

func (o *echoOp) Kind() string { return KindEcho }

func (o *echoOp) Validate(context.Context, *Processor) error { return nil }

func (o *echoOp) Execute(_ context.Context, env *Env) error {
	msg, err := env.Expand(o.message)
	if err != nil {
		return err
	}
	env.Logger.Debug().Str("message", msg).Msg("echo")
	_, err = fmt.Fprintln(env.Output(), msg)
	return err
}

// sleepOp waits for a fixed duration or until cancelled.
type sleepOp struct {
	duration time.Duration
}

func newSleepOp(node *Node, _ *Registry) (Operation, error) {
	d, err := node.DurationAttr("duration", 0)
	if err != nil {
		return nil, err
	}
	return &sleepOp{duration: d}, nil
}

func (o *sleepOp) Kind() string { return KindSleep }

func (o *sleepOp) Validate(context.Context, *Processor) error { return nil }

func (o *sleepOp) Execute(ctx context.Context, _ *Env) error {
	timer := time.NewTimer(o.duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return NewInterruptedError("sleep interrupted", ctx.Err()).WithOperation(KindSleep)
	}
}

// setVarOp binds a variable in the current executor's variables.
type setVarOp struct {
	name  string
	value string
}

func newSetVarOp(node *Node, _ *Registry) (Operation, error) {
	name, ok := node.Attr("name")
	if !ok {
		return nil, errors.New("attribute name is required")
	}
	return &setVarOp{name: name, value: node.AttrOr("value", "")}, nil
}

func (o *setVarOp) Kind() string { return KindSetVar }

func (o *setVarOp) Validate(context.Context, *Processor) error {
	if err := ValidateVariableName(o.name); err != nil {
		return NewValidationError("invalid set-var node", err).WithOperation(KindSetVar)
	}
	return nil
}

func (o *setVarOp) Execute(_ context.Context, env *Env) error {
	value, err := env.Expand(o.value)
	if err != nil {
		return err
	}
	env.Vars[o.name] = value
	return nil
}

// failOp raises a failure of the requested class. "panic" panics with the
// message.
type failOp struct {
	message string
	class   string
}

func newFailOp(node *Node, _ *Registry) (Operation, error) {
	return &failOp{
		message: node.AttrOr("message", "failed"),
		class:   node.AttrOr("class", string(ErrorClassDomain)),
	}, nil
}

func (o *failOp) Kind() string { return KindFail }

func (o *failOp) Validate(context.Context, *Processor) error {
	switch o.class {
	case string(ErrorClassDomain), string(ErrorClassCritical), string(ErrorClassInterrupted), "panic":
		return nil
	default:
		return NewValidationError(fmt.Sprintf("unknown failure class %q", o.class), nil).
			WithOperation(KindFail)
	}
}

func (o *failOp) Execute(_ context.Context, env *Env) error {
	msg, err := env.Expand(o.message)
	if err != nil {
		return err
	}
	switch o.class {
	case "panic":
		panic(msg)
	case string(ErrorClassCritical):
		return NewCriticalError(msg, nil).WithOperation(KindFail)
	case string(ErrorClassInterrupted):
		return NewInterruptedError(msg, nil).WithOperation(KindFail)
	default:
		return NewDomainError(msg, nil).WithOperation(KindFail)
	}
}
