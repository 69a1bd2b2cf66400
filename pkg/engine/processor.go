package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Processor is a processing context: it interprets the orders of one document
// with its own variables and its own running, paused and stopped state. Calls
// create nested processors that are fully independent of their caller.
type Processor struct {
	id     string
	parent *Processor
	depth  int
	doc    *Document
	orders []string
	vars   Variables
	opts   Options
	logger zerolog.Logger

	modelOnce sync.Once
	model     *ResourceModel
	modelErr  error

	validateOnce sync.Once
	validateErr  error
	compiled     map[string][]Operation

	mu             sync.Mutex
	started        bool
	running        bool
	pauseRequested bool
	stopRequested  bool
	stateCh        chan struct{}
	finalErr       error
	done           chan struct{}
}

// NewProcessor creates a root processing context running orders of doc in
// sequence. vars override the document and order variable defaults.
func NewProcessor(doc *Document, orders []string, vars Variables, opts Options) *Processor {
	return newProcessor(nil, doc, orders, vars, opts.withDefaults())
}

func newProcessor(parent *Processor, doc *Document, orders []string, vars Variables, opts Options) *Processor {
	p := &Processor{
		id:      uuid.New().String(),
		parent:  parent,
		doc:     doc,
		orders:  append([]string(nil), orders...),
		vars:    vars.Copy(),
		opts:    opts,
		stateCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if parent != nil {
		p.depth = parent.depth + 1
	}
	p.logger = opts.Logger.With().
		Str("component", "processor").
		Str("context", p.id).
		Strs("orders", p.orders).
		Int("depth", p.depth).
		Logger()
	return p
}

// NewChild creates a nested processing context sharing the caller's options.
func (p *Processor) NewChild(doc *Document, orders []string, vars Variables) *Processor {
	return newProcessor(p, doc, orders, vars, p.opts)
}

// ID returns the processing context identifier.
func (p *Processor) ID() string {
	return p.id
}

// Depth returns the nesting depth; root contexts have depth zero.
func (p *Processor) Depth() int {
	return p.depth
}

// Parent returns the calling processing context, or nil for a root context.
func (p *Processor) Parent() *Processor {
	return p.parent
}

// Document returns the document the context interprets.
func (p *Processor) Document() *Document {
	return p.doc
}

// Orders returns the orders the context runs.
func (p *Processor) Orders() []string {
	return append([]string(nil), p.orders...)
}

// Logger returns the context's logger.
func (p *Processor) Logger() zerolog.Logger {
	return p.logger
}

// Model returns the resource model of the context's document.
func (p *Processor) Model() (*ResourceModel, error) {
	p.modelOnce.Do(func() {
		p.model, p.modelErr = NewResourceModel(p.doc)
	})
	return p.model, p.modelErr
}

// CheckSelection checks a selection expression without evaluating it.
func (p *Processor) CheckSelection(expr string) error {
	if p.opts.Selector == nil {
		return errors.New("no target selector configured")
	}
	return p.opts.Selector.Check(expr)
}

// Select evaluates a selection expression against the document's resources.
func (p *Processor) Select(ctx context.Context, expr string) ([]*Target, error) {
	if p.opts.Selector == nil {
		return nil, errors.New("no target selector configured")
	}
	model, err := p.Model()
	if err != nil {
		return nil, err
	}
	return p.opts.Selector.Select(ctx, expr, model)
}

// LoadDocument loads an alternate descriptor. Relative paths resolve against
// the directory of the context's own document.
func (p *Processor) LoadDocument(ctx context.Context, path string) (*Document, error) {
	if p.opts.Loader == nil {
		return nil, errors.New("no descriptor loader configured")
	}
	if !filepath.IsAbs(path) && p.doc != nil && p.doc.Path != "" {
		path = filepath.Join(filepath.Dir(p.doc.Path), path)
	}
	return p.opts.Loader.Load(ctx, path)
}

// Validate builds and validates the operations of every order. It runs once;
// later calls return the first result.
func (p *Processor) Validate(ctx context.Context) error {
	p.validateOnce.Do(func() {
		p.validateErr = p.validate(ctx)
	})
	return p.validateErr
}

func (p *Processor) validate(ctx context.Context) error {
	if p.doc == nil {
		return NewValidationError("no document to process", nil)
	}
	if len(p.orders) == 0 {
		return NewValidationError("no order to process", nil)
	}
	if p.depth > p.opts.MaxDepth {
		return NewValidationError(fmt.Sprintf("call depth exceeds %d", p.opts.MaxDepth), nil).
			WithOperation(KindCall)
	}

	compiled := make(map[string][]Operation, len(p.orders))
	for _, name := range p.orders {
		if _, done := compiled[name]; done {
			continue
		}
		order, ok := p.doc.Order(name)
		if !ok {
			return NewValidationError(fmt.Sprintf("order %q not found in %s", name, documentLabel(p.doc)), nil).
				WithCode(ErrCodeNotFound)
		}
		if len(order.Steps) == 0 {
			return NewValidationError(fmt.Sprintf("order %q is empty", name), nil)
		}
		ops, err := p.opts.Registry.BuildAll(order.Steps)
		if err != nil {
			return err
		}
		if err := validateOperations(ctx, ops, p); err != nil {
			return err
		}
		compiled[name] = ops
	}
	p.compiled = compiled
	return nil
}

// Run validates the context and processes its orders on a new group, blocking
// until they end. It returns the final error.
func (p *Processor) Run(ctx context.Context) error {
	g := NewGroup(ctx, 0)
	defer g.Cancel(nil)

	if err := p.StartProcessing(g, 0); err != nil {
		return err
	}
	g.Wait()
	return p.ProcessingFinalError()
}

// StartProcessing validates the context synchronously and then processes its
// orders on a goroutine of g. A context can be started only once.
func (p *Processor) StartProcessing(g *Group, index int) error {
	if err := g.Context().Err(); err != nil {
		return NewInterruptedError("processing not started", err)
	}
	if err := p.Validate(g.Context()); err != nil {
		return err
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.running = true
	p.notifyLocked()
	p.mu.Unlock()

	err := g.Go(func(ctx context.Context) {
		p.process(ctx, index)
	})
	if err != nil {
		err = NewInterruptedError("processing not started", err)
		p.mu.Lock()
		p.finalErr = err
		p.running = false
		p.notifyLocked()
		p.mu.Unlock()
		close(p.done)
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, index int) {
	kind := ExecutionContext
	if p.parent == nil {
		kind = ExecutionRun
	}

	start := time.Now()
	ctx, exec := p.beginExecution(ctx, kind, strings.Join(p.orders, ","), index, nil)
	p.logger.Debug().Msg("Processing started")

	err := p.processOrders(ctx)

	p.endExecution(ctx, exec, err)
	p.logger.Debug().
		Dur("duration", time.Since(start)).
		Str("status", Classify(err).String()).
		Msg("Processing finished")

	p.mu.Lock()
	p.finalErr = err
	p.running = false
	p.notifyLocked()
	p.mu.Unlock()
	close(p.done)
}

func (p *Processor) processOrders(ctx context.Context) error {
	for _, name := range p.orders {
		if err := p.Checkpoint(ctx); err != nil {
			return err
		}
		if err := p.processOrder(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processOrder(ctx context.Context, name string) error {
	order, _ := p.doc.Order(name)
	vars := Variables(p.doc.Vars).Merge(order.Vars).Merge(p.vars)

	env := &Env{
		Vars:      vars,
		Processor: p,
		Logger:    p.logger.With().Str("order", name).Logger(),
	}

	ctx, exec := p.beginExecution(ctx, ExecutionOrder, name, -1, nil)
	err := p.runOrder(ctx, name, env)
	p.endExecution(ctx, exec, err)
	return err
}

func (p *Processor) runOrder(ctx context.Context, name string, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewCriticalError(
				fmt.Sprintf("order %s panicked", name),
				&PanicError{Value: r, Stack: debug.Stack()},
			)
		}
	}()
	return runOperations(ctx, p.compiled[name], env)
}

// Checkpoint is the cooperative cancellation point. It blocks while a pause
// is requested and returns an interrupted error once a stop is requested or
// ctx is done.
func (p *Processor) Checkpoint(ctx context.Context) error {
	for {
		p.mu.Lock()
		stop, pause, changed := p.stopRequested, p.pauseRequested, p.stateCh
		p.mu.Unlock()

		if stop {
			return NewInterruptedError("processing stopped", nil)
		}
		if err := ctx.Err(); err != nil {
			return NewInterruptedError("processing cancelled", context.Cause(ctx))
		}
		if !pause {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
		}
	}
}

// IsRunning returns true between a successful StartProcessing and the end of
// processing.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PauseProcessing requests a pause: checkpoints block until resumed.
func (p *Processor) PauseProcessing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopRequested || p.pauseRequested {
		return
	}
	p.pauseRequested = true
	p.notifyLocked()
}

// ResumeProcessing clears a pause request.
func (p *Processor) ResumeProcessing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pauseRequested {
		return
	}
	p.pauseRequested = false
	p.notifyLocked()
}

// StopProcessing requests a stop. A pending pause turns into the stop. Work
// already running is not interrupted; it observes the stop at its next
// checkpoint.
func (p *Processor) StopProcessing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopRequested {
		return
	}
	p.stopRequested = true
	p.pauseRequested = false
	p.notifyLocked()
}

// IsPauseRequested returns true while a pause is requested.
func (p *Processor) IsPauseRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseRequested
}

// IsStopRequested returns true once a stop was requested.
func (p *Processor) IsStopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

// ProcessingFinalError returns the error processing ended with, or nil.
func (p *Processor) ProcessingFinalError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalErr
}

// Done returns a channel closed once processing has ended.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until processing has ended or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.ProcessingFinalError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stateChanged returns a channel closed at the next state change.
func (p *Processor) stateChanged() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateCh
}

func (p *Processor) notifyLocked() {
	close(p.stateCh)
	p.stateCh = make(chan struct{})
}

func (p *Processor) beginExecution(
	ctx context.Context,
	kind ExecutionKind,
	name string,
	index int,
	target *Target,
) (context.Context, *Execution) {
	e := &Execution{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		Index:     index,
		Depth:     p.depth,
		StartedAt: time.Now(),
	}
	if target != nil {
		e.Target = target.Path
	}
	if parent := ExecutionFromContext(ctx); parent != nil {
		e.ParentID = parent.ID
		e.RunID = parent.RunID
	} else {
		e.RunID = e.ID
	}

	ctx = ContextWithExecution(ctx, e)
	return p.opts.Observers.ExecutionStarted(ctx, e), e
}

func (p *Processor) endExecution(ctx context.Context, e *Execution, err error) {
	p.opts.Observers.ExecutionFinished(ctx, e, Classify(err), err)
}
