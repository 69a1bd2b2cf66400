package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer and metrics of a process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	output io.Closer
}

// New creates the telemetry components from cfg.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w, closer, err := OpenOutput(cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging, w)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, nil)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
		output:  closer,
	}, nil
}

// Observer returns an execution observer reporting to this telemetry.
func (t *Telemetry) Observer() *Observer {
	return NewObserver(t.Tracer, t.Metrics, t.Logger)
}

// Shutdown flushes pending spans and closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.output != nil {
		if err := t.output.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
