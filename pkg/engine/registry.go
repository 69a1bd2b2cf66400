package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds an Operation from a plan node. Constructors for
// container kinds use reg to build their children.
type Constructor func(node *Node, reg *Registry) (Operation, error)

// Registry maps node kinds to operation constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry creates a registry holding the built-in node kinds.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	return reg
}

// Register adds a constructor for kind.
func (r *Registry) Register(kind string, c Constructor) error {
	if kind == "" {
		return fmt.Errorf("node kind is required")
	}
	if c == nil {
		return fmt.Errorf("constructor for %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[kind]; exists {
		return fmt.Errorf("node kind %q already registered", kind)
	}
	r.constructors[kind] = c
	return nil
}

// MustRegister adds a constructor for kind and panics if it cannot.
func (r *Registry) MustRegister(kind string, c Constructor) {
	if err := r.Register(kind, c); err != nil {
		panic(err)
	}
}

// Build constructs the operation for node.
func (r *Registry) Build(node *Node) (Operation, error) {
	if node == nil {
		return nil, NewValidationError("nil node", nil)
	}

	r.mu.RLock()
	c, ok := r.constructors[node.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown node kind %q", node.Kind), nil).
			WithCode(ErrCodeNotFound)
	}

	op, err := c(node, r)
	if err != nil {
		if IsValidation(err) {
			return nil, err
		}
		return nil, NewValidationError(fmt.Sprintf("invalid %s node", node.Kind), err).
			WithOperation(node.Kind)
	}
	return op, nil
}

// BuildAll constructs the operations for nodes in document order.
func (r *Registry) BuildAll(nodes []*Node) ([]Operation, error) {
	ops := make([]Operation, 0, len(nodes))
	for _, n := range nodes {
		op, err := r.Build(n)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Kinds returns the registered node kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
