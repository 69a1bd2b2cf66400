// Package selector evaluates the item selections of foreach nodes.
//
// Selections are Starlark expressions evaluated once per fan-out against the
// resource model of the running document:
//
//	by_kind("host")
//	[r for r in resources if r.attrs.get("zone") == "eu"]
//	by_label("role", "web") + ["/host[bastion]"]
//
// Evaluation is bounded by a timeout and by the caller's context.
package selector
