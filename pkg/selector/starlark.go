package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// DefaultTimeout bounds the evaluation of one selection expression.
const DefaultTimeout = 10 * time.Second

const exprFilename = "items"

// StarlarkSelector evaluates target-selection expressions written in Starlark.
// Expressions see the resource model as:
//
//	resources          list of every resource, in document order
//	by_kind(kind)      resources of the given kind
//	by_label(k, v?)    resources carrying label k (with value v)
//	under(path)        resources nested below path
//
// Each resource is a struct with id, kind, path, labels, attrs and parent.
// An expression yields a resource, a path string, a list or tuple of either,
// or None for an empty selection. It implements engine.Selector.
type StarlarkSelector struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewStarlarkSelector creates a new selector. A zero timeout uses DefaultTimeout.
func NewStarlarkSelector(logger zerolog.Logger, timeout time.Duration) *StarlarkSelector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &StarlarkSelector{
		logger:  logger.With().Str("component", "selector").Logger(),
		timeout: timeout,
	}
}

// Check parses expr without evaluating it.
func (s *StarlarkSelector) Check(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty selection expression")
	}
	if _, err := syntax.ParseExpr(exprFilename, expr, 0); err != nil {
		return fmt.Errorf("invalid selection expression: %w", err)
	}
	return nil
}

// Select evaluates expr once against model.
func (s *StarlarkSelector) Select(ctx context.Context, expr string, model *engine.ResourceModel) ([]*engine.Target, error) {
	if err := s.Check(expr); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "selector",
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("expr", expr).Msg(msg)
		},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	start := time.Now()
	val, err := starlark.Eval(thread, exprFilename, expr, newEnvironment(model))
	if err != nil {
		if cause := context.Cause(evalCtx); cause != nil {
			return nil, fmt.Errorf("selection interrupted: %w", errors.Join(cause, err))
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("selection failed: %w\n%s", err, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("selection failed: %w", err)
	}

	targets, err := toTargets(val, model)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("expr", expr).
		Int("targets", len(targets)).
		Dur("duration", time.Since(start)).
		Msg("Selection evaluated")

	return targets, nil
}

// environment is the predeclared scope of one evaluation.
type environment struct {
	all    []starlark.Value
	byPath map[string]*starlarkstruct.Struct
	model  *engine.ResourceModel
}

func newEnvironment(model *engine.ResourceModel) starlark.StringDict {
	env := &environment{
		byPath: make(map[string]*starlarkstruct.Struct),
		model:  model,
	}
	for _, t := range model.Targets() {
		st := targetStruct(t)
		env.all = append(env.all, st)
		env.byPath[t.Path] = st
	}

	return starlark.StringDict{
		"resources": starlark.NewList(append([]starlark.Value(nil), env.all...)),
		"by_kind":   starlark.NewBuiltin("by_kind", env.byKind),
		"by_label":  starlark.NewBuiltin("by_label", env.byLabel),
		"under":     starlark.NewBuiltin("under", env.under),
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

func (e *environment) filter(keep func(t *engine.Target) bool) *starlark.List {
	var out []starlark.Value
	for _, t := range e.model.Targets() {
		if keep(t) {
			out = append(out, e.byPath[t.Path])
		}
	}
	return starlark.NewList(out)
}

func (e *environment) byKind(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind", &kind); err != nil {
		return nil, err
	}
	return e.filter(func(t *engine.Target) bool { return t.Resource.Kind == kind }), nil
}

func (e *environment) byLabel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value?", &value); err != nil {
		return nil, err
	}

	want, hasValue := starlark.AsString(value)
	return e.filter(func(t *engine.Target) bool {
		got, ok := t.Resource.Labels[key]
		return ok && (!hasValue || got == want)
	}), nil
}

func (e *environment) under(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	return e.filter(func(t *engine.Target) bool { return strings.HasPrefix(t.Path, prefix) }), nil
}

func targetStruct(t *engine.Target) *starlarkstruct.Struct {
	var parent starlark.Value = starlark.None
	if t.Parent != nil {
		parent = starlark.String(t.Parent.Path)
	}
	return starlarkstruct.FromStringDict(starlark.String("resource"), starlark.StringDict{
		"id":     starlark.String(t.Resource.ID),
		"kind":   starlark.String(t.Resource.Kind),
		"path":   starlark.String(t.Path),
		"labels": stringDict(t.Resource.Labels),
		"attrs":  stringDict(t.Resource.Attrs),
		"parent": parent,
	})
}

func stringDict(m map[string]string) *starlark.Dict {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := starlark.NewDict(len(m))
	for _, k := range keys {
		_ = d.SetKey(starlark.String(k), starlark.String(m[k]))
	}
	d.Freeze()
	return d
}

// toTargets converts an evaluation result into targets, dropping duplicates.
func toTargets(val starlark.Value, model *engine.ResourceModel) ([]*engine.Target, error) {
	var items []starlark.Value
	switch v := val.(type) {
	case starlark.NoneType:
		return nil, nil
	case *starlark.List:
		for i := 0; i < v.Len(); i++ {
			items = append(items, v.Index(i))
		}
	case starlark.Tuple:
		items = v
	default:
		items = []starlark.Value{val}
	}

	seen := make(map[string]bool, len(items))
	targets := make([]*engine.Target, 0, len(items))
	for _, item := range items {
		path, err := targetPath(item)
		if err != nil {
			return nil, err
		}
		t, ok := model.Lookup(path)
		if !ok {
			return nil, fmt.Errorf("selection yielded unknown resource %s", path)
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		targets = append(targets, t)
	}
	return targets, nil
}

func targetPath(v starlark.Value) (string, error) {
	switch item := v.(type) {
	case starlark.String:
		return string(item), nil
	case *starlarkstruct.Struct:
		attr, err := item.Attr("path")
		if err != nil {
			return "", fmt.Errorf("selection yielded a struct without path")
		}
		path, ok := starlark.AsString(attr)
		if !ok {
			return "", fmt.Errorf("selection yielded a struct with a non-string path")
		}
		return path, nil
	default:
		return "", fmt.Errorf("selection yielded a %s, want a resource or a path", v.Type())
	}
}
