package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingObserver records execution notifications.
type recordingObserver struct {
	mu       sync.Mutex
	started  []*Execution
	finished map[string]TerminalStatus
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]TerminalStatus)}
}

func (o *recordingObserver) ExecutionStarted(ctx context.Context, e *Execution) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, e)
	return ctx
}

func (o *recordingObserver) ExecutionFinished(ctx context.Context, e *Execution, status TerminalStatus, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[e.ID] = status
}

func (o *recordingObserver) byKind(kind ExecutionKind) []*Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Execution
	for _, e := range o.started {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestProcessorRunsOrdersInSequence(t *testing.T) {
	h := newHarness()
	doc := hostsDoc(0,
		order("first", node(KindEcho, map[string]string{"message": "one"})),
		order("second", node(KindEcho, map[string]string{"message": "two"})),
	)

	if err := h.processor(doc, "first", "second").Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.output.String(); got != "one\ntwo\n" {
		t.Errorf("output = %q", got)
	}
}

func TestProcessorVariablePrecedence(t *testing.T) {
	h := newHarness()
	doc := hostsDoc(0, &OrderSpec{
		Name: "main",
		Vars: map[string]string{"region": "eu", "size": "small"},
		Steps: []*Node{
			node(KindEcho, map[string]string{"message": "${env} ${region} ${size}"}),
		},
	})
	doc.Vars = map[string]string{"env": "dev", "region": "us"}

	p := NewProcessor(doc, []string{"main"}, Variables{"size": "large"}, h.opts)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(h.output.String()); got != "dev eu large" {
		t.Errorf("output = %q, want %q", got, "dev eu large")
	}
}

func TestProcessorValidation(t *testing.T) {
	tests := []struct {
		name   string
		doc    *Document
		orders []string
	}{
		{"no order selected", hostsDoc(0, order("main", node(KindEcho, map[string]string{"message": "x"}))), nil},
		{"unknown order", hostsDoc(0, order("main", node(KindEcho, map[string]string{"message": "x"}))), []string{"other"}},
		{"empty order", hostsDoc(0, order("main")), []string{"main"}},
		{"unknown kind", hostsDoc(0, order("main", node("teleport", nil))), []string{"main"}},
		{"invalid nested node", hostsDoc(0, order("main", node(KindSequence, nil, node(KindSetVar, map[string]string{"name": "9"})))), []string{"main"}},
		{"no document", nil, []string{"main"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			err := h.processor(tt.doc, tt.orders...).Run(context.Background())
			if !IsValidation(err) {
				t.Errorf("Run() error = %v, want a validation error", err)
			}
		})
	}
}

func TestProcessorStartsOnce(t *testing.T) {
	h := newHarness()
	doc := hostsDoc(0, order("main", node(KindEcho, map[string]string{"message": "x"})))
	p := h.processor(doc, "main")

	g := NewGroup(context.Background(), 0)
	if err := p.StartProcessing(g, 0); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}
	if err := p.StartProcessing(g, 0); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second StartProcessing() error = %v, want ErrAlreadyStarted", err)
	}
	g.Wait()

	if p.IsRunning() {
		t.Error("IsRunning() = true after the group ended")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestProcessorPanicIsCritical(t *testing.T) {
	h := newHarness()
	doc := hostsDoc(0, order("main", node(KindFail, map[string]string{"class": "panic", "message": "oops"})))

	err := h.processor(doc, "main").Run(context.Background())
	if !IsCritical(err) {
		t.Fatalf("Run() error = %v, want critical", err)
	}
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "oops" {
		t.Errorf("Run() error = %v, want the recovered panic", err)
	}
}

func TestProcessorCheckpointBlocksWhilePaused(t *testing.T) {
	h := newHarness()
	doc := hostsDoc(0, order("main", node(KindEcho, map[string]string{"message": "x"})))
	p := h.processor(doc, "main")

	p.PauseProcessing()
	released := make(chan error, 1)
	go func() { released <- p.Checkpoint(context.Background()) }()

	select {
	case err := <-released:
		t.Fatalf("Checkpoint() returned %v while paused", err)
	case <-time.After(20 * time.Millisecond):
	}

	p.ResumeProcessing()
	if err := <-released; err != nil {
		t.Errorf("Checkpoint() after resume = %v", err)
	}

	p.PauseProcessing()
	go func() { released <- p.Checkpoint(context.Background()) }()
	p.StopProcessing()
	if err := <-released; !IsInterrupted(err) {
		t.Errorf("Checkpoint() after stop = %v, want interrupted", err)
	}
	if p.IsPauseRequested() {
		t.Error("IsPauseRequested() = true after stop")
	}
}

func TestProcessorCheckpointObservesContext(t *testing.T) {
	h := newHarness()
	doc := hostsDoc(0, order("main", node(KindEcho, map[string]string{"message": "x"})))
	p := h.processor(doc, "main")
	p.PauseProcessing()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Checkpoint(ctx)
	if !IsInterrupted(err) || !errors.Is(err, context.Canceled) {
		t.Errorf("Checkpoint() = %v, want an interruption caused by context.Canceled", err)
	}
}

func TestProcessorNotifiesObservers(t *testing.T) {
	h := newHarness()
	obs := newRecordingObserver()
	h.opts.Observers = Observers{obs}

	doc := hostsDoc(2,
		order("deploy", node(KindEcho, map[string]string{"message": "deploy"})),
		order("main",
			node(KindForeach, map[string]string{"items": "all"}, node(KindEcho, map[string]string{"message": "${item}"})),
			node(KindCall, map[string]string{"orders": "deploy"}),
		),
	)

	if err := h.processor(doc, "main").Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	runs := obs.byKind(ExecutionRun)
	if len(runs) != 1 {
		t.Fatalf("got %d run executions, want 1", len(runs))
	}
	runID := runs[0].ID

	wantCounts := map[ExecutionKind]int{
		ExecutionOrder:   2,
		ExecutionForeach: 1,
		ExecutionItem:    2,
		ExecutionCall:    1,
		ExecutionContext: 1,
	}
	for kind, want := range wantCounts {
		if got := len(obs.byKind(kind)); got != want {
			t.Errorf("got %d %s executions, want %d", got, kind, want)
		}
	}

	for _, e := range obs.started {
		if e.RunID != runID {
			t.Errorf("%s execution %s has run %s, want %s", e.Kind, e.Name, e.RunID, runID)
		}
		if e.Kind != ExecutionRun && e.ParentID == "" {
			t.Errorf("%s execution %s has no parent", e.Kind, e.Name)
		}
		if status, ok := obs.finished[e.ID]; !ok || status != StatusSucceeded {
			t.Errorf("%s execution %s finished with %v (reported %v)", e.Kind, e.Name, status, ok)
		}
	}

	for _, item := range obs.byKind(ExecutionItem) {
		if item.Target == "" {
			t.Errorf("item execution %d has no target", item.Index)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	ctor := func(node *Node, _ *Registry) (Operation, error) { return &echoOp{message: "x"}, nil }

	if err := reg.Register("x", ctor); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("x", ctor); err == nil {
		t.Error("duplicate Register() error = nil")
	}
	if err := reg.Register("", ctor); err == nil {
		t.Error("Register() with empty kind error = nil")
	}

	if _, err := reg.Build(&Node{Kind: "y"}); !errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeNotFound}) {
		t.Errorf("Build() of unknown kind error = %v", err)
	}

	kinds := DefaultRegistry().Kinds()
	want := []string{KindCall, KindEcho, KindFail, KindForeach, KindSequence, KindSetVar, KindSleep}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("Kinds() = %v, want %v", kinds, want)
	}
}

func TestDocumentCheck(t *testing.T) {
	dup := hostsDoc(0, order("a", node(KindEcho, nil)), order("a", node(KindEcho, nil)))
	if err := dup.Check(); !IsValidation(err) {
		t.Errorf("Check() of duplicate orders = %v", err)
	}

	dupRes := hostsDoc(1, order("a", node(KindEcho, nil)))
	dupRes.Resources = append(dupRes.Resources, &Resource{ID: "h1", Kind: "host"})
	if err := dupRes.Check(); !IsValidation(err) {
		t.Errorf("Check() of duplicate resources = %v", err)
	}

	nested := hostsDoc(0, order("a", node(KindEcho, nil)))
	nested.Resources = []*Resource{{
		ID: "web1", Kind: "host",
		Children: []*Resource{{ID: "motd", Kind: "file"}},
	}}
	if err := nested.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	m, _ := NewResourceModel(nested)
	child, ok := m.Lookup("/host[web1]/file[motd]")
	if !ok || child.Parent == nil || child.Parent.Path != "/host[web1]" {
		t.Errorf("Lookup() = %+v, %v", child, ok)
	}
}
