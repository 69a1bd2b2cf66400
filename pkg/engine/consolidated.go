package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// indentUnit prefixes the continuation lines of every rendered cause.
const indentUnit = "\t"

// diagnostic is implemented by failures that carry a full diagnostic dump.
type diagnostic interface {
	Diagnostic() string
}

// ConsolidatedError collects independent failure causes and renders them as
// one numbered report. Causes are kept in insertion order and added at most
// once. A cause may itself be a ConsolidatedError; nesting is preserved.
type ConsolidatedError struct {
	mu      sync.Mutex
	message string
	causes  []error
}

// NewConsolidatedError creates an empty aggregator with an optional summary line.
func NewConsolidatedError(message string) *ConsolidatedError {
	return &ConsolidatedError{message: message}
}

// AddCause appends a failure. It returns false when err is nil or the same
// error value was already recorded.
func (c *ConsolidatedError) AddCause(err error) bool {
	if err == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if reflect.TypeOf(err).Comparable() {
		for _, existing := range c.causes {
			if existing == err {
				return false
			}
		}
	}
	c.causes = append(c.causes, err)
	return true
}

// CauseCount returns the number of distinct causes.
func (c *ConsolidatedError) CauseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.causes)
}

// Causes returns a copy of the recorded causes in insertion order.
func (c *ConsolidatedError) Causes() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.causes...)
}

// Message returns the summary line.
func (c *ConsolidatedError) Message() string {
	return c.message
}

// Unwrap exposes the causes to errors.Is and errors.As.
func (c *ConsolidatedError) Unwrap() []error {
	return c.Causes()
}

// Error implements the error interface.
func (c *ConsolidatedError) Error() string {
	return c.Render()
}

// Render produces the user-facing report:
//
//   - no cause: the summary line only;
//   - one cause: the summary line followed by "Caused by: <cause>";
//   - several causes: the summary line followed by one "Error N: <cause>"
//     block per cause.
func (c *ConsolidatedError) Render() string {
	causes := c.Causes()

	var b strings.Builder
	b.WriteString(c.message)

	switch len(causes) {
	case 0:
	case 1:
		writeCause(&b, "Caused by: ", causes[0])
	default:
		for i, cause := range causes {
			writeCause(&b, fmt.Sprintf("Error %d: ", i+1), cause)
		}
	}

	return b.String()
}

func writeCause(b *strings.Builder, label string, cause error) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(label)
	b.WriteString(indent(describe(cause)))
}

// describe renders one cause. The unwrap chain is followed until a failure
// carrying a diagnostic dump is found; that dump is appended and the walk stops.
// Nested aggregators render themselves.
func describe(err error) string {
	msg := err.Error()
	for e := err; e != nil; e = errors.Unwrap(e) {
		if d, ok := e.(diagnostic); ok {
			dump := strings.TrimRight(d.Diagnostic(), "\n")
			if dump == "" {
				return msg
			}
			return msg + "\n" + dump
		}
	}
	return msg
}

func indent(s string) string {
	s = strings.TrimRight(s, "\n")
	return strings.ReplaceAll(s, "\n", "\n"+indentUnit)
}
