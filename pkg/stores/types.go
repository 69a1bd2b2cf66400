package stores

import (
	"context"
	"time"
)

// RunStatus is the status of a recorded run. Finished runs carry the
// lowercase name of their terminal status.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCritical    RunStatus = "critical"
)

// Finished returns true if the run has ended.
func (s RunStatus) Finished() bool {
	return s != RunStatusRunning
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one invocation of a processor against a descriptor.
type Run struct {
	ID          string     `json:"id"`
	Document    string     `json:"document"`
	Path        string     `json:"path,omitempty"`
	Orders      string     `json:"orders"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Execution is one unit of work of a run: a nested context, an order, a
// fan-out, a work item or a dispatch.
type Execution struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	ParentID    *string    `json:"parent_id,omitempty"`
	Kind        string     `json:"kind"`
	Name        string     `json:"name"`
	Index       int        `json:"index"`
	Target      string     `json:"target,omitempty"`
	Depth       int        `json:"depth"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the run history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Execution operations
	CreateExecution(ctx context.Context, exec *Execution) error
	FinishExecution(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListExecutions(ctx context.Context, runID string) ([]*Execution, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
