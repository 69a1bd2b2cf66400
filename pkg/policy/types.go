package policy

import (
	"fmt"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block a run.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if violations of this severity prevent a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy represents a policy rule with its Rego code. A policy reports
// violations through a "deny" set in its package; each entry is a message
// string or an object with message, severity, resource and node keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the path of the offending resource, if any.
	Resource string `json:"resource,omitempty"`

	// Node is the location of the offending plan node, if any.
	Node string `json:"node,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Error implements the error interface so that violations can be aggregated.
func (v Violation) Error() string {
	where := ""
	switch {
	case v.Resource != "":
		where = " at " + v.Resource
	case v.Node != "":
		where = " at " + v.Node
	}
	return fmt.Sprintf("%s (%s, %s%s)", v.Message, v.Policy, v.Severity, where)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the run may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document handed to policies as "input".
type Input struct {
	// Document describes the descriptor being run.
	Document DocumentInput `json:"document"`

	// Orders are the orders selected for the run.
	Orders []string `json:"orders"`

	// Resources is the flattened resource model.
	Resources []ResourceInput `json:"resources"`

	// Nodes are the plan nodes of the selected orders, depth first.
	Nodes []NodeInput `json:"nodes"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// DocumentInput describes the descriptor.
type DocumentInput struct {
	Name string            `json:"name"`
	Path string            `json:"path,omitempty"`
	Vars map[string]string `json:"vars"`
}

// ResourceInput is one resource of the model.
type ResourceInput struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Path   string            `json:"path"`
	Parent string            `json:"parent,omitempty"`
	Labels map[string]string `json:"labels"`
	Attrs  map[string]string `json:"attrs"`
}

// NodeInput is one plan node. Location is "order/i/j/..." with the child
// indexes leading to the node.
type NodeInput struct {
	Order    string            `json:"order"`
	Location string            `json:"location"`
	Kind     string            `json:"kind"`
	Name     string            `json:"name,omitempty"`
	Depth    int               `json:"depth"`
	Attrs    map[string]string `json:"attrs"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// User is the user performing the run.
	User string `json:"user,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates if this is a validation without a run.
	DryRun bool `json:"dry_run"`
}
