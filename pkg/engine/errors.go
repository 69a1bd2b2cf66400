package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for outcome reduction.
type ErrorClass string

const (
	// ErrorClassValidation indicates a structural problem in the plan or in a
	// node's attributes. It is always detected before any worker starts.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassDomain indicates a recoverable failure raised by a leaf operation.
	ErrorClassDomain ErrorClass = "domain"

	// ErrorClassInterrupted indicates the work was cancelled or stopped.
	ErrorClassInterrupted ErrorClass = "interrupted"

	// ErrorClassCritical indicates an unexpected failure such as a panic or a
	// broken invariant.
	ErrorClassCritical ErrorClass = "critical"
)

var (
	// ErrInterrupted is the cancellation signal raised at cooperative checkpoints.
	ErrInterrupted = errors.New("processing interrupted")

	// ErrAlreadyStarted is returned when a single-use component is started twice.
	ErrAlreadyStarted = errors.New("already started")
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification used when reducing outcomes.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Operation is the plan node kind being processed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface. Composite errors render their causes
// on the following lines.
func (e *EngineError) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		prefix = fmt.Sprintf("%s (operation=%s)", prefix, e.Operation)
	}
	if e.Err == nil {
		return prefix
	}
	if ce, ok := e.Err.(*ConsolidatedError); ok {
		return prefix + "\n" + ce.Error()
	}
	return prefix + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new structural validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewDomainError creates a new recoverable operation error.
func NewDomainError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDomain,
		Message: message,
		Err:     err,
	}
}

// NewInterruptedError creates a new cancellation error.
func NewInterruptedError(message string, err error) *EngineError {
	if err == nil {
		err = ErrInterrupted
	}
	return &EngineError{
		Class:   ErrorClassInterrupted,
		Message: message,
		Code:    ErrCodeInterrupted,
		Err:     err,
	}
}

// NewCriticalError creates a new unexpected failure.
func NewCriticalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCritical,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithOperation adds the node kind to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// PanicError captures a panic recovered from a worker goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Diagnostic returns the goroutine stack captured when the panic was recovered.
func (e *PanicError) Diagnostic() string {
	return string(e.Stack)
}

// classOf returns the class of the outermost EngineError in the chain.
func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassValidation
}

// IsDomain returns true if the error is a recoverable operation failure.
func IsDomain(err error) bool {
	return err != nil && Classify(err) == StatusFailed
}

// IsInterrupted returns true if the error is a cancellation signal.
func IsInterrupted(err error) bool {
	return err != nil && Classify(err) == StatusInterrupted
}

// IsCritical returns true if the error is an unexpected failure.
func IsCritical(err error) bool {
	return err != nil && Classify(err) == StatusCritical
}

// Classify maps the way a unit of work ended onto its terminal status.
// Errors returned by operations are domain failures unless they are classed
// otherwise, carry a recovered panic, or signal cancellation.
func Classify(err error) TerminalStatus {
	if err == nil {
		return StatusSucceeded
	}
	if class, ok := classOf(err); ok {
		switch class {
		case ErrorClassInterrupted:
			return StatusInterrupted
		case ErrorClassCritical:
			return StatusCritical
		default:
			return StatusFailed
		}
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return StatusCritical
	}
	if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		return StatusInterrupted
	}
	return StatusFailed
}

// Common error codes.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeSelection   = "SELECTION_FAILED"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeInterrupted = "INTERRUPTED"
	ErrCodeComposite   = "COMPOSITE"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeRemote      = "REMOTE_FAILED"
)
