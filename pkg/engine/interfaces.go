package engine

import (
	"context"
)

// Operation is one executable node of an order.
type Operation interface {
	// Kind returns the node kind the operation was built from.
	Kind() string

	// Validate checks the node structure. It is called once per processing
	// context, before any of its work starts, and must not perform side effects.
	Validate(ctx context.Context, p *Processor) error

	// Execute runs the operation against env. Errors that are not classed
	// otherwise are domain failures.
	Execute(ctx context.Context, env *Env) error
}

// DocumentLoader loads sequence descriptors for delegation.
type DocumentLoader interface {
	// Load returns the parsed descriptor at path. The returned document must
	// not be modified by the caller.
	Load(ctx context.Context, path string) (*Document, error)
}

// Selector evaluates target-selection expressions.
type Selector interface {
	// Check verifies that expr is syntactically valid without evaluating it.
	Check(expr string) error

	// Select evaluates expr once against model and returns the ordered targets.
	Select(ctx context.Context, expr string, model *ResourceModel) ([]*Target, error)
}
