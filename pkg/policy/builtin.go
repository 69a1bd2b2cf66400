package policy

// BuiltinPolicies returns all built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		fanOutLimitsPolicy(),
		hostCredentialsPolicy(),
		productionHostKeysPolicy(),
	}
}

// resourceNamingPolicy enforces resource id conventions.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource ids are lowercase letters, digits, dots and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package sequencer.policies.naming

import rego.v1

deny contains violation if {
	some resource in input.resources
	not regex.match("^[a-z0-9][a-z0-9.-]*$", resource.id)
	violation := {
		"message": sprintf("Resource id '%s' must contain only lowercase letters, numbers, dots and hyphens", [resource.id]),
		"resource": resource.path,
	}
}

deny contains violation if {
	some resource in input.resources
	count(resource.id) > 63
	violation := {
		"message": sprintf("Resource id '%s' must not exceed 63 characters", [resource.id]),
		"resource": resource.path,
	}
}`,
	}
}

// fanOutLimitsPolicy flags fan-outs that may open too many connections.
func fanOutLimitsPolicy() Policy {
	return Policy{
		Name:        "fanout-limits",
		Description: "Foreach nodes should bound their parallelism",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"concurrency"},
		Rego: `package sequencer.policies.fanout

import rego.v1

max_parallelism := 64

deny contains violation if {
	some node in input.nodes
	node.kind == "foreach"
	not node.attrs["max-par"]
	violation := {
		"message": "foreach runs every selected target at once; set max-par",
		"node": node.location,
	}
}

deny contains violation if {
	some node in input.nodes
	node.kind == "foreach"
	to_number(node.attrs["max-par"]) > max_parallelism
	violation := {
		"message": sprintf("foreach max-par %s exceeds %d", [node.attrs["max-par"], max_parallelism]),
		"node": node.location,
	}
}`,
	}
}

// hostCredentialsPolicy discourages passwords in descriptors.
func hostCredentialsPolicy() Policy {
	return Policy{
		Name:        "host-credentials",
		Description: "Hosts should authenticate with keys rather than inline passwords",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"security", "ssh"},
		Rego: `package sequencer.policies.credentials

import rego.v1

deny contains violation if {
	some resource in input.resources
	resource.attrs.password
	violation := {
		"message": sprintf("Host %s carries an inline password; use a key", [resource.id]),
		"resource": resource.path,
	}
}`,
	}
}

// productionHostKeysPolicy requires host key verification in production.
func productionHostKeysPolicy() Policy {
	return Policy{
		Name:        "production-host-keys",
		Description: "Host key checking cannot be disabled when env is prod",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "ssh"},
		Rego: `package sequencer.policies.hostkeys

import rego.v1

production if input.document.vars.env in {"prod", "production"}

deny contains violation if {
	production
	some resource in input.resources
	resource.attrs.insecure == "true"
	violation := {
		"message": sprintf("Host %s disables host key checking in production", [resource.id]),
		"resource": resource.path,
		"severity": "critical",
	}
}`,
	}
}
