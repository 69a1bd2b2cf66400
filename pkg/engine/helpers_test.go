package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockSelector understands a handful of fixed expressions:
// "all", "none", "error", "block", "kind:<kind>" and "path:<p1>,<p2>".
// "block" waits for the context to end.
type mockSelector struct {
	mu    sync.Mutex
	calls int
}

func (s *mockSelector) Check(expr string) error {
	if strings.HasPrefix(expr, "bad") {
		return fmt.Errorf("syntax error in %q", expr)
	}
	return nil
}

func (s *mockSelector) Select(ctx context.Context, expr string, model *ResourceModel) ([]*Target, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	switch {
	case expr == "all":
		return model.Targets(), nil
	case expr == "none":
		return nil, nil
	case expr == "error":
		return nil, errors.New("selection exploded")
	case expr == "block":
		<-ctx.Done()
		return nil, fmt.Errorf("selection aborted: %w", ctx.Err())
	case strings.HasPrefix(expr, "kind:"):
		var out []*Target
		for _, t := range model.Targets() {
			if t.Resource.Kind == strings.TrimPrefix(expr, "kind:") {
				out = append(out, t)
			}
		}
		return out, nil
	case strings.HasPrefix(expr, "path:"):
		var out []*Target
		for _, p := range strings.Split(strings.TrimPrefix(expr, "path:"), ",") {
			t, ok := model.Lookup(p)
			if !ok {
				return nil, fmt.Errorf("no resource at %s", p)
			}
			out = append(out, t)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported expression %q", expr)
}

func (s *mockSelector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// mockLoader serves documents from memory.
type mockLoader struct {
	mu    sync.Mutex
	docs  map[string]*Document
	paths []string
}

func newMockLoader() *mockLoader {
	return &mockLoader{docs: make(map[string]*Document)}
}

func (l *mockLoader) add(path string, doc *Document) {
	doc.Path = path
	l.docs[path] = doc
}

func (l *mockLoader) Load(ctx context.Context, path string) (*Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
	doc, ok := l.docs[path]
	if !ok {
		return nil, fmt.Errorf("descriptor %s not found", path)
	}
	return doc, nil
}

// probe records the executions of "probe" nodes.
type probe struct {
	mu         sync.Mutex
	active     int
	maxActive  int
	calls      []string
	processors []*Processor

	delay   time.Duration
	hold    chan struct{}
	entered chan string
	failOn  map[string]bool
	panicOn map[string]bool
}

func newProbe() *probe {
	return &probe{
		entered: make(chan string, 64),
		failOn:  make(map[string]bool),
		panicOn: make(map[string]bool),
	}
}

func (p *probe) constructor(node *Node, _ *Registry) (Operation, error) {
	return &probeOp{probe: p, tag: node.AttrOr("tag", "")}, nil
}

func (p *probe) callList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *probe) max() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

func (p *probe) lastProcessor() *Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.processors) == 0 {
		return nil
	}
	return p.processors[len(p.processors)-1]
}

// waitEntered waits for n executions to have entered the probe.
func (p *probe) waitEntered(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d executions entered the probe", i, n)
		}
	}
}

type probeOp struct {
	probe *probe
	tag   string
}

func (o *probeOp) Kind() string { return "probe" }

func (o *probeOp) Validate(context.Context, *Processor) error { return nil }

func (o *probeOp) Execute(ctx context.Context, env *Env) error {
	p := o.probe
	key := o.tag
	if item, ok := env.Vars["item"]; ok {
		key = item
	}

	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.calls = append(p.calls, key)
	p.processors = append(p.processors, env.Processor)
	hold := p.hold
	p.mu.Unlock()

	p.entered <- key

	if hold != nil {
		<-hold
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if p.panicOn[key] {
		panic("probe exploded on " + key)
	}
	if p.failOn[key] {
		return fmt.Errorf("probe failed on %s", key)
	}
	return nil
}

// hostsDoc returns a document with n host resources h1..hn and the given orders.
func hostsDoc(n int, orders ...*OrderSpec) *Document {
	doc := &Document{Name: "test", Orders: orders}
	for i := 1; i <= n; i++ {
		doc.Resources = append(doc.Resources, &Resource{ID: fmt.Sprintf("h%d", i), Kind: "host"})
	}
	return doc
}

func hostPath(i int) string {
	return fmt.Sprintf("/host[h%d]", i)
}

func order(name string, steps ...*Node) *OrderSpec {
	return &OrderSpec{Name: name, Steps: steps}
}

func node(kind string, attrs map[string]string, children ...*Node) *Node {
	return &Node{Kind: kind, Attrs: attrs, Children: children}
}

type testHarness struct {
	probe    *probe
	selector *mockSelector
	loader   *mockLoader
	registry *Registry
	output   *bytes.Buffer
	opts     Options
}

func newHarness() *testHarness {
	h := &testHarness{
		probe:    newProbe(),
		selector: &mockSelector{},
		loader:   newMockLoader(),
		registry: DefaultRegistry(),
		output:   &bytes.Buffer{},
	}
	h.registry.MustRegister("probe", h.probe.constructor)
	h.opts = Options{
		Registry: h.registry,
		Selector: h.selector,
		Loader:   h.loader,
		Output:   h.output,
	}
	return h
}

func (h *testHarness) processor(doc *Document, orders ...string) *Processor {
	return NewProcessor(doc, orders, nil, h.opts)
}

// env returns an execution environment owned by a fresh processor of doc.
func (h *testHarness) env(doc *Document) *Env {
	return &Env{
		Vars:      Variables{},
		Processor: h.processor(doc, doc.OrderNames()...),
		Logger:    zerolog.Nop(),
	}
}

func (h *testHarness) build(t *testing.T, nodes ...*Node) []Operation {
	t.Helper()
	ops, err := h.registry.BuildAll(nodes)
	if err != nil {
		t.Fatalf("BuildAll() error = %v", err)
	}
	return ops
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// absPath builds an absolute, OS-specific path for loader tests.
func absPath(elem ...string) string {
	return filepath.Join(append([]string{string(filepath.Separator)}, elem...)...)
}
