// Package stores keeps the run history in SQLite.
//
// A run is one processor invocation against a descriptor; its executions are
// the nested contexts, orders, fan-outs, work items and dispatches it started,
// linked by parent ID. The Recorder observer fills both tables while a run is
// in progress. Schema changes are applied with embedded migrations.
package stores
