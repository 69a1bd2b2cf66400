package engine

import (
	"fmt"
	"sync"
)

// TerminalStatus is the way a unit of work (work item, nested context,
// fan-out, dispatch) ended. StatusNew and StatusRunning are transient.
type TerminalStatus int

const (
	// StatusNew indicates the work has not been started.
	StatusNew TerminalStatus = iota

	// StatusRunning indicates the work is executing.
	StatusRunning

	// StatusSucceeded indicates the work completed without error.
	StatusSucceeded

	// StatusInterrupted indicates the work observed a cancellation signal.
	StatusInterrupted

	// StatusFailed indicates the work ended with a domain failure.
	StatusFailed

	// StatusCritical indicates the work ended with an unexpected failure.
	StatusCritical
)

// statusPriority decides which terminal status dominates a composite.
var statusPriority = map[TerminalStatus]int{
	StatusSucceeded:   1,
	StatusInterrupted: 2,
	StatusFailed:      3,
	StatusCritical:    4,
}

// String returns the lowercase name of the status.
func (s TerminalStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusInterrupted:
		return "interrupted"
	case StatusFailed:
		return "failed"
	case StatusCritical:
		return "critical"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal returns true if the status represents a final state.
func (s TerminalStatus) IsTerminal() bool {
	_, ok := statusPriority[s]
	return ok
}

// Combine returns the dominant status of s and other. Transient statuses never
// dominate a terminal one.
func (s TerminalStatus) Combine(other TerminalStatus) TerminalStatus {
	if statusPriority[other] > statusPriority[s] {
		return other
	}
	return s
}

// Reduce folds a set of statuses into the composite outcome, with priority
// CRITICAL > FAILED > INTERRUPTED > SUCCEEDED. The result does not depend on
// the order of the arguments. Transient statuses are ignored; an empty or
// all-transient input reduces to StatusSucceeded.
func Reduce(statuses ...TerminalStatus) TerminalStatus {
	result := StatusSucceeded
	for _, s := range statuses {
		result = result.Combine(s)
	}
	return result
}

// Outcome accumulates the terminal statuses and failure causes of the
// children of one fan-out or dispatch.
type Outcome struct {
	mu     sync.Mutex
	status TerminalStatus
	counts map[TerminalStatus]int
	causes *ConsolidatedError
}

// NewOutcome creates an empty outcome, which reduces to StatusSucceeded.
func NewOutcome() *Outcome {
	return &Outcome{
		status: StatusSucceeded,
		counts: make(map[TerminalStatus]int),
		causes: NewConsolidatedError(""),
	}
}

// Record folds one child status into the outcome.
func (o *Outcome) Record(status TerminalStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = o.status.Combine(status)
	o.counts[status]++
}

// AddCause adds a failure to the outcome's aggregator.
func (o *Outcome) AddCause(err error) {
	o.causes.AddCause(err)
}

// Status returns the reduced status.
func (o *Outcome) Status() TerminalStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Count returns how many recorded children ended with status.
func (o *Outcome) Count(status TerminalStatus) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[status]
}

// Causes returns the aggregator holding the recorded failures.
func (o *Outcome) Causes() *ConsolidatedError {
	return o.causes
}

// Err raises the composite: a critical or domain EngineError wrapping the
// aggregator, an interrupted EngineError, or nil on success.
func (o *Outcome) Err(summary string) error {
	switch o.Status() {
	case StatusCritical:
		return NewCriticalError(summary, o.causes).WithCode(ErrCodeComposite)
	case StatusFailed:
		return NewDomainError(summary, o.causes).WithCode(ErrCodeComposite)
	case StatusInterrupted:
		if o.causes.CauseCount() > 0 {
			return NewInterruptedError(summary, o.causes)
		}
		return NewInterruptedError(summary, ErrInterrupted)
	default:
		return nil
	}
}
