package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConsolidatedErrorRender(t *testing.T) {
	tests := []struct {
		name    string
		message string
		causes  []error
		want    string
	}{
		{
			name:    "no cause",
			message: "deploy failed",
			want:    "deploy failed",
		},
		{
			name:    "single cause",
			message: "deploy failed",
			causes:  []error{errors.New("host unreachable")},
			want:    "deploy failed\nCaused by: host unreachable",
		},
		{
			name:    "several causes",
			message: "deploy failed",
			causes:  []error{errors.New("first"), errors.New("second")},
			want:    "deploy failed\nError 1: first\nError 2: second",
		},
		{
			name:    "multi-line cause is indented",
			message: "deploy failed",
			causes:  []error{errors.New("line one\nline two\n")},
			want:    "deploy failed\nCaused by: line one\n\tline two",
		},
		{
			name:   "no message",
			causes: []error{errors.New("first"), errors.New("second")},
			want:   "Error 1: first\nError 2: second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewConsolidatedError(tt.message)
			for _, c := range tt.causes {
				agg.AddCause(c)
			}
			if got := agg.Render(); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
			if agg.Error() != agg.Render() {
				t.Error("Error() differs from Render()")
			}
		})
	}
}

func TestConsolidatedErrorRenderIsIdempotent(t *testing.T) {
	agg := NewConsolidatedError("outer")
	agg.AddCause(errors.New("a"))
	inner := NewConsolidatedError("inner")
	inner.AddCause(errors.New("b"))
	inner.AddCause(&PanicError{Value: "boom", Stack: []byte("goroutine 1 [running]:\nmain.main()")})
	agg.AddCause(inner)

	first := agg.Render()
	second := agg.Render()
	if first != second {
		t.Errorf("Render() not idempotent:\n%s\n---\n%s", first, second)
	}
}

func TestConsolidatedErrorNesting(t *testing.T) {
	inner := NewConsolidatedError("inner failed")
	inner.AddCause(errors.New("x"))
	inner.AddCause(errors.New("y"))

	outer := NewConsolidatedError("outer failed")
	outer.AddCause(errors.New("z"))
	outer.AddCause(inner)

	want := "outer failed\n" +
		"Error 1: z\n" +
		"Error 2: inner failed\n" +
		"\tError 1: x\n" +
		"\tError 2: y"
	if got := outer.Render(); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestConsolidatedErrorAddCause(t *testing.T) {
	agg := NewConsolidatedError("")
	shared := errors.New("shared")

	if agg.AddCause(nil) {
		t.Error("AddCause(nil) = true, want false")
	}
	if !agg.AddCause(shared) {
		t.Error("AddCause(shared) = false, want true")
	}
	if agg.AddCause(shared) {
		t.Error("second AddCause(shared) = true, want false")
	}
	if !agg.AddCause(errors.New("shared")) {
		t.Error("AddCause of a distinct error with the same text = false, want true")
	}
	if got := agg.CauseCount(); got != 2 {
		t.Errorf("CauseCount() = %d, want 2", got)
	}

	causes := agg.Causes()
	if causes[0] != shared {
		t.Error("Causes() does not preserve insertion order")
	}
}

func TestConsolidatedErrorDiagnosticDump(t *testing.T) {
	panicErr := &PanicError{Value: "boom", Stack: []byte("goroutine 7 [running]:\nengine.run()\n")}
	wrapped := NewCriticalError("work item panicked", panicErr)

	agg := NewConsolidatedError("run failed")
	agg.AddCause(wrapped)

	got := agg.Render()
	want := "run failed\n" +
		"Caused by: [critical] work item panicked: panic: boom\n" +
		"\tgoroutine 7 [running]:\n" +
		"\tengine.run()"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestConsolidatedErrorUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	agg := NewConsolidatedError("failed")
	agg.AddCause(errors.New("other"))
	agg.AddCause(fmt.Errorf("wrapped: %w", sentinel))

	if !errors.Is(agg, sentinel) {
		t.Error("errors.Is(agg, sentinel) = false, want true")
	}

	var pe *PanicError
	agg.AddCause(&PanicError{Value: 1})
	if !errors.As(agg, &pe) {
		t.Error("errors.As(agg, *PanicError) = false, want true")
	}
}

func TestEngineErrorWithConsolidatedCause(t *testing.T) {
	agg := NewConsolidatedError("")
	agg.AddCause(errors.New("a"))
	agg.AddCause(errors.New("b"))

	err := NewDomainError("foreach host: 2 of 2 work items failed", agg).WithCode(ErrCodeComposite)
	lines := strings.Split(err.Error(), "\n")
	if len(lines) != 3 {
		t.Fatalf("Error() has %d lines, want 3: %q", len(lines), err.Error())
	}
	if lines[0] != "[domain] foreach host: 2 of 2 work items failed" {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[1] != "Error 1: a" || lines[2] != "Error 2: b" {
		t.Errorf("cause lines = %q", lines[1:])
	}
}
