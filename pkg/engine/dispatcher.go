package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Ref declares a group of orders to delegate to, optionally taken from an
// alternate descriptor and run with variable overrides.
type Ref struct {
	// Orders lists the orders to run, one nested processing context each.
	Orders []string

	// Descriptor is the alternate descriptor path. Empty refers to the
	// calling context's own document.
	Descriptor string

	// Vars overrides variables of the nested contexts.
	Vars map[string]string
}

// boundRef is one nested processing context resolved at validation time.
type boundRef struct {
	order string
	doc   *Document
	vars  map[string]string
}

// Dispatcher runs nested processing contexts in parallel and reduces their
// outcomes into one. A Dispatcher is used for exactly one Run.
type Dispatcher struct {
	refs    []Ref
	timeout time.Duration

	bound    []boundRef
	started  atomic.Bool
	contexts []*Processor
	outcome  *Outcome
}

// NewDispatcher creates a dispatcher. A positive timeout stops the nested
// contexts once elapsed.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		timeout: timeout,
		outcome: NewOutcome(),
	}
}

// AddRef declares an additional group of orders.
func (d *Dispatcher) AddRef(ref Ref) {
	d.refs = append(d.refs, ref)
}

// Contexts returns the nested processing contexts started by Run.
func (d *Dispatcher) Contexts() []*Processor {
	return d.contexts
}

// Outcome returns the reduced outcome of Run.
func (d *Dispatcher) Outcome() *Outcome {
	return d.outcome
}

// Validate merges every declared ref into one flat list of nested contexts.
// A ref without a descriptor resolves against caller's own document. Every
// order must exist and hold at least one step.
func (d *Dispatcher) Validate(ctx context.Context, caller *Processor) error {
	var bound []boundRef
	for _, ref := range d.refs {
		doc := caller.Document()
		if ref.Descriptor != "" {
			loaded, err := caller.LoadDocument(ctx, ref.Descriptor)
			if err != nil {
				return NewValidationError(fmt.Sprintf("call: cannot load %s", ref.Descriptor), err).
					WithOperation(KindCall)
			}
			doc = loaded
		}

		for _, name := range ref.Orders {
			order, ok := doc.Order(name)
			if !ok {
				return NewValidationError(fmt.Sprintf("call: order %q not found in %s", name, documentLabel(doc)), nil).
					WithOperation(KindCall).
					WithCode(ErrCodeNotFound)
			}
			if len(order.Steps) == 0 {
				return NewValidationError(fmt.Sprintf("call: order %q is empty", name), nil).
					WithOperation(KindCall)
			}
			bound = append(bound, boundRef{order: name, doc: doc, vars: ref.Vars})
		}
	}

	if len(bound) == 0 {
		return NewValidationError("call: no order to run", nil).WithOperation(KindCall)
	}
	d.bound = bound
	return nil
}

// Run starts one nested processing context per resolved order, waits for all
// of them while propagating the caller's pause and stop requests, and reduces
// their final errors.
func (d *Dispatcher) Run(ctx context.Context, env *Env) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if d.bound == nil {
		if err := d.Validate(ctx, env.Processor); err != nil {
			return err
		}
	}

	caller := env.Processor
	ctx, exec := caller.beginExecution(ctx, ExecutionCall, d.label(), -1, nil)
	err := d.run(ctx, env)
	caller.endExecution(ctx, exec, err)
	return err
}

func (d *Dispatcher) run(ctx context.Context, env *Env) error {
	caller := env.Processor
	logger := env.Logger.With().
		Str("component", "call").
		Str("orders", d.label()).
		Logger()

	g := NewGroup(ctx, 0)
	defer g.Cancel(nil)

	for i, b := range d.bound {
		if err := caller.Checkpoint(ctx); err != nil {
			logger.Debug().Err(err).Msg("Dispatch interrupted")
			d.outcome.Record(StatusInterrupted)
			break
		}

		child := caller.NewChild(b.doc, []string{b.order}, env.Vars.Merge(b.vars))
		if err := child.StartProcessing(g, i); err != nil {
			if Classify(err) == StatusInterrupted {
				d.outcome.Record(StatusInterrupted)
				break
			}
			logger.Warn().Err(err).Str("order", b.order).Msg("Cannot start nested context")
			d.outcome.Record(StatusFailed)
			d.outcome.AddCause(err)
			continue
		}
		d.contexts = append(d.contexts, child)
	}

	d.await(ctx, caller, g, logger)

	for _, child := range d.contexts {
		err := child.ProcessingFinalError()
		d.outcome.Record(Classify(err))
		d.outcome.AddCause(err)
	}

	failed := d.outcome.Count(StatusFailed) + d.outcome.Count(StatusCritical)
	return d.outcome.Err(fmt.Sprintf("call %s: %d of %d nested contexts failed", d.label(), failed, len(d.bound)))
}

// await blocks until every nested context has ended. It pushes the caller's
// pause, resume and stop requests down to the nested contexts as they occur.
func (d *Dispatcher) await(ctx context.Context, caller *Processor, g *Group, logger zerolog.Logger) {
	done := g.waitAsync()

	var timeout <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	ctxDone := ctx.Done()
	paused, stopped := false, false
	for {
		// Grab the change channel before reading the flags so that no request
		// made in between is missed.
		changed := caller.stateChanged()

		switch {
		case stopped:
		case caller.IsStopRequested():
			logger.Debug().Msg("Propagating stop to nested contexts")
			d.each(func(p *Processor) { p.StopProcessing() })
			stopped = true
		case caller.IsPauseRequested() && !paused:
			logger.Debug().Msg("Propagating pause to nested contexts")
			d.each(func(p *Processor) { p.PauseProcessing() })
			paused = true
		case !caller.IsPauseRequested() && paused:
			logger.Debug().Msg("Propagating resume to nested contexts")
			d.each(func(p *Processor) { p.ResumeProcessing() })
			paused = false
		}

		select {
		case <-done:
			return
		case <-changed:
		case <-timeout:
			timeout = nil
			timeoutErr := NewDomainError(
				fmt.Sprintf("call: timed out after %s", d.timeout),
				context.DeadlineExceeded,
			).WithOperation(KindCall).WithCode(ErrCodeTimeout)

			logger.Warn().Dur("timeout", d.timeout).Msg("Stopping nested contexts")
			d.outcome.Record(StatusFailed)
			d.outcome.AddCause(timeoutErr)
			d.each(func(p *Processor) { p.StopProcessing() })
			g.Cancel(timeoutErr)
			stopped = true
		case <-ctxDone:
			ctxDone = nil
			if !stopped {
				d.each(func(p *Processor) { p.StopProcessing() })
				stopped = true
			}
		}
	}
}

func (d *Dispatcher) each(fn func(p *Processor)) {
	for _, p := range d.contexts {
		fn(p)
	}
}

func (d *Dispatcher) label() string {
	names := make([]string, 0, len(d.bound))
	for _, b := range d.bound {
		names = append(names, b.order)
	}
	if len(names) == 0 {
		for _, ref := range d.refs {
			names = append(names, ref.Orders...)
		}
	}
	return strings.Join(names, ",")
}

func documentLabel(doc *Document) string {
	if doc.Path != "" {
		return doc.Path
	}
	return doc.Name
}

// callOp is the call node. Refs are declared inline through the orders and
// sequence-descriptor attributes and param children, and through ref
// children carrying the same attributes.
type callOp struct {
	refs    []Ref
	timeout time.Duration
}

func newCallOp(node *Node, _ *Registry) (Operation, error) {
	timeout, err := node.DurationAttr("timeout", 0)
	if err != nil {
		return nil, err
	}

	op := &callOp{timeout: timeout}
	if _, ok := node.Attr("orders"); ok {
		ref, err := refFromNode(node)
		if err != nil {
			return nil, err
		}
		op.refs = append(op.refs, ref)
	}
	for _, child := range node.Children {
		switch child.Kind {
		case "ref":
			ref, err := refFromNode(child)
			if err != nil {
				return nil, err
			}
			op.refs = append(op.refs, ref)
		case "param":
		default:
			return nil, fmt.Errorf("unexpected %s child %q", KindCall, child.Kind)
		}
	}
	return op, nil
}

func refFromNode(node *Node) (Ref, error) {
	ref := Ref{
		Orders:     splitList(node.AttrOr("orders", "")),
		Descriptor: node.AttrOr("sequence-descriptor", ""),
		Vars:       make(map[string]string),
	}
	for _, child := range node.Children {
		if child.Kind != "param" {
			continue
		}
		name, ok := child.Attr("name")
		if !ok {
			return Ref{}, fmt.Errorf("param without name")
		}
		if err := ValidateVariableName(name); err != nil {
			return Ref{}, err
		}
		ref.Vars[name] = child.AttrOr("value", "")
	}
	return ref, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (o *callOp) Kind() string { return KindCall }

// Validate resolves the refs without validating the called orders; nested
// contexts validate themselves when they start.
func (o *callOp) Validate(ctx context.Context, p *Processor) error {
	d := NewDispatcher(o.timeout)
	deferred := 0
	for _, ref := range o.refs {
		// Descriptor paths built from variables resolve at execution.
		if strings.Contains(ref.Descriptor, "${") {
			deferred += len(ref.Orders)
			continue
		}
		d.AddRef(ref)
	}
	if len(d.refs) == 0 && deferred > 0 {
		return nil
	}
	return d.Validate(ctx, p)
}

func (o *callOp) Execute(ctx context.Context, env *Env) error {
	timeout := o.timeout
	if timeout == 0 {
		timeout = env.Processor.opts.JoinTimeout
	}

	d := NewDispatcher(timeout)
	for _, ref := range o.refs {
		vars, err := env.Vars.ExpandAll(ref.Vars)
		if err != nil {
			return NewValidationError("call: cannot expand param", err).WithOperation(KindCall)
		}
		descriptor, err := env.Expand(ref.Descriptor)
		if err != nil {
			return NewValidationError("call: cannot expand sequence-descriptor", err).WithOperation(KindCall)
		}
		d.AddRef(Ref{Orders: ref.Orders, Descriptor: descriptor, Vars: vars})
	}

	if err := d.Validate(ctx, env.Processor); err != nil {
		return err
	}
	return d.Run(ctx, env)
}
