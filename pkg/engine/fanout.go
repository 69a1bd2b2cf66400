package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FanOutConfig holds the attributes of a foreach node.
type FanOutConfig struct {
	// Items is the target-selection expression.
	Items string

	// ItemName is the variable each work item binds to its target path.
	ItemName string

	// MaxPar is the concurrency ceiling. Zero is unbounded.
	MaxPar int

	// Timeout cancels the remaining work items once elapsed. Zero waits
	// indefinitely.
	Timeout time.Duration
}

// Validate checks the configuration against the selector of p.
func (c FanOutConfig) Validate(p *Processor) error {
	if c.Items == "" {
		return NewValidationError("foreach: attribute items is required", nil).WithOperation(KindForeach)
	}
	// Expressions referencing variables are checked by the selector once expanded.
	if !strings.Contains(c.Items, "${") {
		if err := p.CheckSelection(c.Items); err != nil {
			return NewValidationError("foreach: invalid selection expression", err).
				WithOperation(KindForeach).
				WithCode(ErrCodeSelection)
		}
	}
	if err := ValidateVariableName(c.ItemName); err != nil {
		return NewValidationError("foreach: invalid item-name", err).WithOperation(KindForeach)
	}
	if c.MaxPar < 0 {
		return NewValidationError(fmt.Sprintf("foreach: max-par must not be negative, got %d", c.MaxPar), nil).
			WithOperation(KindForeach)
	}
	if c.Timeout < 0 {
		return NewValidationError("foreach: timeout must not be negative", nil).WithOperation(KindForeach)
	}
	return nil
}

// FanOut replays an operation subtree over every selected target, one
// WorkItem per target, with a concurrency ceiling. A FanOut is used for
// exactly one Run.
type FanOut struct {
	cfg FanOutConfig
	ops []Operation

	started atomic.Bool
	items   []*WorkItem
	outcome *Outcome
}

// NewFanOut creates a fan-out of ops over the targets selected by cfg.Items.
func NewFanOut(cfg FanOutConfig, ops []Operation) *FanOut {
	return &FanOut{
		cfg:     cfg,
		ops:     ops,
		outcome: NewOutcome(),
	}
}

// Validate checks the configuration and the subtree. It starts nothing.
func (f *FanOut) Validate(ctx context.Context, p *Processor) error {
	if err := f.cfg.Validate(p); err != nil {
		return err
	}
	return validateOperations(ctx, f.ops, p)
}

// Items returns the work items created by Run.
func (f *FanOut) Items() []*WorkItem {
	return f.items
}

// Outcome returns the reduced outcome of Run.
func (f *FanOut) Outcome() *Outcome {
	return f.outcome
}

// Run selects the targets once, runs one work item per target and reduces
// their statuses. Every started work item is joined before Run returns.
func (f *FanOut) Run(ctx context.Context, env *Env) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p := env.Processor
	ctx, exec := p.beginExecution(ctx, ExecutionForeach, f.cfg.Items, -1, nil)
	err := f.run(ctx, env)
	p.endExecution(ctx, exec, err)
	return err
}

func (f *FanOut) run(ctx context.Context, env *Env) error {
	p := env.Processor
	logger := env.Logger.With().
		Str("component", "foreach").
		Str("items", f.cfg.Items).
		Logger()

	targets, err := p.Select(ctx, f.cfg.Items)
	if err != nil {
		if ctx.Err() != nil {
			return NewInterruptedError("foreach: target selection interrupted", context.Cause(ctx)).
				WithOperation(KindForeach)
		}
		return NewValidationError("foreach: target selection failed", err).
			WithOperation(KindForeach).
			WithCode(ErrCodeSelection)
	}
	if len(targets) == 0 {
		logger.Debug().Msg("Selection is empty, nothing to do")
		return nil
	}

	g := NewGroup(ctx, f.cfg.MaxPar)
	defer g.Cancel(nil)

	f.items = make([]*WorkItem, len(targets))
	for i, t := range targets {
		itemEnv := env.Fork(env.Vars.With(f.cfg.ItemName, t.Path))
		itemEnv.Logger = env.Logger.With().
			Int("item", i).
			Str("target", t.Path).
			Logger()
		f.items[i] = NewWorkItem(f.ops, i, t, itemEnv)
	}

	logger.Debug().
		Int("targets", len(targets)).
		Int("max_par", f.cfg.MaxPar).
		Msg("Starting work items")

	// The timeout covers scheduling as well as the wait.
	var (
		expired atomic.Bool
		timer   *time.Timer
	)
	if f.cfg.Timeout > 0 {
		timer = time.AfterFunc(f.cfg.Timeout, func() {
			expired.Store(true)
			logger.Warn().Dur("timeout", f.cfg.Timeout).Msg("Cancelling remaining work items")
			g.Cancel(f.timeoutError())
		})
	}

	for _, item := range f.items {
		if err := p.Checkpoint(ctx); err != nil {
			logger.Debug().Err(err).Msg("Scheduling interrupted")
			f.outcome.Record(StatusInterrupted)
			break
		}
		if g.Context().Err() != nil {
			f.unscheduled(&expired, logger)
			break
		}
		if err := item.Start(g); err != nil {
			if g.Context().Err() != nil {
				f.unscheduled(&expired, logger)
				break
			}
			f.outcome.Record(StatusCritical)
			f.outcome.AddCause(NewCriticalError("foreach: cannot start work item", err))
			break
		}
	}

	g.Wait()
	// A timer that can no longer be stopped has fired.
	if timer != nil && !timer.Stop() {
		f.outcome.Record(StatusFailed)
		f.outcome.AddCause(f.timeoutError())
	}
	return f.reduce(len(targets))
}

// unscheduled records that the group was cancelled before every item could
// start. A timeout is recorded once the wait is over.
func (f *FanOut) unscheduled(expired *atomic.Bool, logger zerolog.Logger) {
	logger.Debug().Msg("Group cancelled, remaining work items not started")
	if !expired.Load() {
		f.outcome.Record(StatusInterrupted)
	}
}

func (f *FanOut) timeoutError() error {
	return NewDomainError(
		fmt.Sprintf("foreach: timed out after %s", f.cfg.Timeout),
		context.DeadlineExceeded,
	).WithOperation(KindForeach).WithCode(ErrCodeTimeout)
}

func (f *FanOut) reduce(total int) error {
	for _, item := range f.items {
		status := item.Status()
		if !status.IsTerminal() {
			continue
		}
		f.outcome.Record(status)
		if status == StatusFailed || status == StatusCritical {
			f.outcome.AddCause(item.Err())
		}
	}

	failed := f.outcome.Count(StatusFailed) + f.outcome.Count(StatusCritical)
	return f.outcome.Err(fmt.Sprintf("foreach %s: %d of %d work items failed", f.cfg.ItemName, failed, total))
}

// foreachOp is the foreach node. Each execution builds a fresh FanOut.
type foreachOp struct {
	cfg FanOutConfig
	ops []Operation
}

func newForeachOp(node *Node, reg *Registry) (Operation, error) {
	maxPar, err := node.IntAttr("max-par", 0)
	if err != nil {
		return nil, err
	}
	timeout, err := node.DurationAttr("timeout", 0)
	if err != nil {
		return nil, err
	}
	ops, err := reg.BuildAll(node.Children)
	if err != nil {
		return nil, err
	}
	return &foreachOp{
		cfg: FanOutConfig{
			Items:    node.AttrOr("items", ""),
			ItemName: node.AttrOr("item-name", "item"),
			MaxPar:   maxPar,
			Timeout:  timeout,
		},
		ops: ops,
	}, nil
}

func (o *foreachOp) Kind() string { return KindForeach }

func (o *foreachOp) Validate(ctx context.Context, p *Processor) error {
	return NewFanOut(o.cfg, o.ops).Validate(ctx, p)
}

func (o *foreachOp) Execute(ctx context.Context, env *Env) error {
	cfg := o.cfg
	items, err := env.Expand(cfg.Items)
	if err != nil {
		return NewValidationError("foreach: cannot expand items", err).WithOperation(KindForeach)
	}
	cfg.Items = items
	if cfg.Timeout == 0 {
		cfg.Timeout = env.Processor.opts.JoinTimeout
	}
	return NewFanOut(cfg, o.ops).Run(ctx, env)
}
