// Package policy gates descriptor runs with Open Policy Agent policies.
//
// Before a run, the engine hands every enabled policy an input built from the
// descriptor: its header and variables, the flattened resource model and the
// nodes of the selected orders. A policy reports problems through a deny set:
//
//	package custom.policies.owners
//
//	import rego.v1
//
//	deny contains violation if {
//		some resource in input.resources
//		resource.kind == "host"
//		not resource.labels.owner
//		violation := {
//			"message": sprintf("host %s has no owner", [resource.id]),
//			"resource": resource.path,
//			"severity": "error",
//		}
//	}
//
// Violations of severity error or critical block the run; Check reports them
// as one validation error. Info and warning violations are logged.
//
// Built-in policies cover resource naming, unbounded fan-out, inline host
// passwords and disabled host key checking in production. Custom policies
// are loaded from .rego and .json files and can be hot-reloaded with
// Loader.Watch.
package policy
