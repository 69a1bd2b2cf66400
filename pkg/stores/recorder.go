package stores

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// Recorder writes the executions of a run to a Store. It implements
// engine.Observer. Write failures are logged and never fail the run.
type Recorder struct {
	store    Store
	document string
	path     string
	logger   zerolog.Logger

	mu   sync.Mutex
	runs []string
}

// NewRecorder creates a recorder for runs of the given document.
func NewRecorder(store Store, doc *engine.Document, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
	if doc != nil {
		r.document = doc.Name
		r.path = doc.Path
	}
	return r
}

// Runs returns the IDs of the runs recorded so far.
func (r *Recorder) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

// ExecutionStarted implements engine.Observer.
func (r *Recorder) ExecutionStarted(ctx context.Context, e *engine.Execution) context.Context {
	wctx := context.WithoutCancel(ctx)

	if e.ParentID == "" {
		run := &Run{
			ID:        e.RunID,
			Document:  r.document,
			Path:      r.path,
			Orders:    e.Name,
			Status:    RunStatusRunning,
			StartedAt: e.StartedAt,
		}
		if err := r.store.CreateRun(wctx, run); err != nil {
			r.logger.Warn().Err(err).Str("run_id", e.RunID).Msg("Failed to record run")
			return ctx
		}
		r.mu.Lock()
		r.runs = append(r.runs, e.RunID)
		r.mu.Unlock()
	}

	exec := &Execution{
		ID:        e.ID,
		RunID:     e.RunID,
		Kind:      string(e.Kind),
		Name:      e.Name,
		Index:     e.Index,
		Target:    e.Target,
		Depth:     e.Depth,
		Status:    RunStatusRunning,
		StartedAt: e.StartedAt,
	}
	if e.ParentID != "" {
		parent := e.ParentID
		exec.ParentID = &parent
	}
	if err := r.store.CreateExecution(wctx, exec); err != nil {
		r.logger.Warn().Err(err).Str("execution_id", e.ID).Msg("Failed to record execution")
	}

	return ctx
}

// ExecutionFinished implements engine.Observer.
func (r *Recorder) ExecutionFinished(ctx context.Context, e *engine.Execution, status engine.TerminalStatus, err error) {
	wctx := context.WithoutCancel(ctx)

	final := RunStatus(status.String())
	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
	}

	if ferr := r.store.FinishExecution(wctx, e.ID, final, errMsg); ferr != nil {
		r.logger.Warn().Err(ferr).Str("execution_id", e.ID).Msg("Failed to record execution status")
	}

	if e.ParentID == "" {
		if ferr := r.store.FinishRun(wctx, e.RunID, final, errMsg); ferr != nil {
			r.logger.Warn().Err(ferr).Str("run_id", e.RunID).Msg("Failed to record run status")
		}
	}
}

// Event appends an event to the log of the current run, or of no run when ctx
// carries no execution.
func (r *Recorder) Event(ctx context.Context, level EventLevel, message string) {
	event := &Event{Level: level, Message: message}
	if e := engine.ExecutionFromContext(ctx); e != nil {
		runID := e.RunID
		event.RunID = &runID
	}
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record event")
	}
}
