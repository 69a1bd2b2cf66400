// Package telemetry provides the logging, tracing and metrics of the sequencer.
//
// Logs are structured zerolog output, as console text or JSON; the LOG_LEVEL
// environment variable overrides the configured level. Executions reported by
// the engine become OpenTelemetry spans, exported to stdout or an OTLP
// collector over gRPC, and Prometheus metrics:
//
//	sequencer_executions_started_total{kind}
//	sequencer_executions_finished_total{kind,status}
//	sequencer_execution_duration_seconds{kind,status}
//	sequencer_active_executions{kind}
//	sequencer_policy_violations_total{policy,severity}
//
// Observer connects both to an engine processor.
package telemetry
