package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// ErrCodePolicyDenied marks runs blocked by policy violations.
const ErrCodePolicyDenied = "POLICY_DENIED"

// Engine evaluates Rego policies against descriptors before they run.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// LoadPolicies loads and compiles the policy files found at paths. A policy
// with the name of an existing one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any fails.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded")

	return nil
}

func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	cp, err := compile(ctx, policy)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()
	return nil
}

// compile parses a policy and prepares the query for its deny set.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if !policy.Severity.valid() {
		return nil, fmt.Errorf("unknown severity %q", policy.Severity)
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// Evaluate evaluates every enabled policy against doc and the selected orders.
func (e *Engine) Evaluate(ctx context.Context, doc *engine.Document, orders []string) (*Result, error) {
	start := time.Now()

	input, err := NewInput(doc, orders)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, cp := range policies {
		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("document", doc.Name).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Check evaluates the policies and returns a validation error aggregating the
// blocking violations, if any. Warnings are logged.
func (e *Engine) Check(ctx context.Context, doc *engine.Document, orders []string) (*Result, error) {
	result, err := e.Evaluate(ctx, doc, orders)
	if err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("resource", w.Resource).
			Str("node", w.Node).
			Msg(w.Message)
	}
	if result.Allowed {
		return result, nil
	}

	causes := engine.NewConsolidatedError(fmt.Sprintf("%d policy violations", len(result.Violations)))
	for _, v := range result.Violations {
		causes.AddCause(v)
	}
	return result, engine.NewValidationError(fmt.Sprintf("descriptor %s denied by policy", doc.Name), causes).
		WithCode(ErrCodePolicyDenied)
}

// evaluatePolicy runs the deny query of one policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation converts one deny entry into a Violation.
func newViolation(policy *Policy, entry interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok && Severity(sev).valid() {
			v.Severity = Severity(sev)
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
		if node, ok := d["node"].(string); ok {
			v.Node = node
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	return v
}

// NewInput builds the policy input for a run of orders from doc.
func NewInput(doc *engine.Document, orders []string) (*Input, error) {
	model, err := engine.NewResourceModel(doc)
	if err != nil {
		return nil, err
	}

	input := &Input{
		Document: DocumentInput{
			Name: doc.Name,
			Path: doc.Path,
			Vars: nonNil(doc.Vars),
		},
		Orders:    append([]string{}, orders...),
		Resources: make([]ResourceInput, 0, model.Len()),
		Context: &Context{
			User:      os.Getenv("USER"),
			Timestamp: time.Now(),
		},
	}

	for _, t := range model.Targets() {
		r := ResourceInput{
			ID:     t.Resource.ID,
			Kind:   t.Resource.Kind,
			Path:   t.Path,
			Labels: nonNil(t.Resource.Labels),
			Attrs:  nonNil(t.Resource.Attrs),
		}
		if t.Parent != nil {
			r.Parent = t.Parent.Path
		}
		input.Resources = append(input.Resources, r)
	}

	for _, name := range orders {
		order, ok := doc.Order(name)
		if !ok {
			return nil, engine.NewValidationError(fmt.Sprintf("order %q not found", name), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		for i, step := range order.Steps {
			input.Nodes = appendNodes(input.Nodes, name, name+"/"+strconv.Itoa(i), 0, step)
		}
	}

	return input, nil
}

func appendNodes(nodes []NodeInput, order, location string, depth int, n *engine.Node) []NodeInput {
	if n == nil {
		return nodes
	}
	nodes = append(nodes, NodeInput{
		Order:    order,
		Location: location,
		Kind:     n.Kind,
		Name:     n.Name,
		Depth:    depth,
		Attrs:    nonNil(n.Attrs),
	})
	for i, child := range n.Children {
		nodes = appendNodes(nodes, order, location+"/"+strconv.Itoa(i), depth+1, child)
	}
	return nodes
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().
		Str("policy", name).
		Bool("enabled", enabled).
		Msg("Policy state changed")
	return nil
}
