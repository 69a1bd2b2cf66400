package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// Observer reports executions as spans, metrics and log lines. It implements
// engine.Observer.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	logger  zerolog.Logger
}

// NewObserver creates an observer. A nil tracer or metrics is skipped.
func NewObserver(tracer *Tracer, metrics *Metrics, logger zerolog.Logger) *Observer {
	return &Observer{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.With().Str("component", "telemetry").Logger(),
	}
}

// ExecutionStarted implements engine.Observer.
func (o *Observer) ExecutionStarted(ctx context.Context, e *engine.Execution) context.Context {
	kind := string(e.Kind)
	o.metrics.ExecutionStarted(kind)

	if o.tracer != nil {
		attrs := []trace.SpanStartOption{trace.WithAttributes(
			AttrRunID.String(e.RunID),
			AttrExecutionID.String(e.ID),
			AttrExecutionKind.String(kind),
			AttrDepth.Int(e.Depth),
		)}
		if e.Index >= 0 {
			attrs = append(attrs, trace.WithAttributes(AttrIndex.Int(e.Index)))
		}
		if e.Target != "" {
			attrs = append(attrs, trace.WithAttributes(AttrTarget.String(e.Target)))
		}
		ctx, _ = o.tracer.Start(ctx, kind+" "+e.Name, attrs...)
	}

	o.logger.Trace().
		Str("run_id", e.RunID).
		Str("execution_id", e.ID).
		Str("kind", kind).
		Str("name", e.Name).
		Str("target", e.Target).
		Msg("Execution started")

	return ctx
}

// ExecutionFinished implements engine.Observer.
func (o *Observer) ExecutionFinished(ctx context.Context, e *engine.Execution, status engine.TerminalStatus, err error) {
	kind := string(e.Kind)
	duration := time.Since(e.StartedAt)
	o.metrics.ExecutionFinished(kind, status.String(), duration)

	if span := trace.SpanFromContext(ctx); o.tracer != nil && span.IsRecording() {
		span.SetAttributes(AttrStatus.String(status.String()))
		if err != nil {
			RecordError(span, err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	evt := o.logger.Debug()
	if status == engine.StatusCritical {
		evt = o.logger.Error()
	}
	evt.
		Str("run_id", e.RunID).
		Str("execution_id", e.ID).
		Str("kind", kind).
		Str("name", e.Name).
		Str("target", e.Target).
		Str("status", status.String()).
		Dur("duration", duration).
		Err(err).
		Msg("Execution finished")
}
