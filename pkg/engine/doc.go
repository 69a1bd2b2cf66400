// Package engine provides the task execution and concurrency-coordination core
// of the sequencer.
//
// # Overview
//
// A sequence descriptor (Document) declares resources and named orders. Each
// order is a tree of nodes that the Registry turns into Operations. A
// Processor interprets one or more orders of a document with its own
// variables and its own running, paused and stopped state.
//
// # Fan-out
//
// The foreach node builds a FanOut for every invocation. The FanOut evaluates
// its selection expression once, creates one WorkItem per selected target and
// runs them on a Group with an optional concurrency ceiling:
//
//	- kind: foreach
//	  attrs:
//	    items: by_kind("host")
//	    item-name: host
//	    max-par: "2"
//	  children:
//	    - kind: echo
//	      attrs:
//	        message: deploying ${host}
//
// Every work item receives its own copy of the variables with the item name
// bound to the target path.
//
// # Delegation
//
// The call node builds a Dispatcher that starts one nested Processor per
// referenced order, possibly from an alternate descriptor, and pushes the
// caller's pause, resume and stop requests down to them while waiting.
//
// # Outcomes
//
// Every unit of work ends with a TerminalStatus. Composite outcomes are
// reduced with the priority CRITICAL > FAILED > INTERRUPTED > SUCCEEDED and
// the failures of the children are collected in a ConsolidatedError:
//
//	[domain] foreach host: 2 of 3 work items failed
//	Error 1: [domain] echo failed (operation=echo): undefined variable "port"
//	Error 2: [critical] work item /host[db1] panicked: panic: boom
//		goroutine 42 [running]:
//		...
//
// # Cancellation
//
// Cancellation is cooperative. Processor.Checkpoint is called before every
// operation and before every work item or nested context is started; running
// work is never killed and is always joined before a composite is reported.
package engine
