package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Node is one element of an order's operation tree. The engine only reads the
// kind, the string attributes and the children; everything else belongs to
// the descriptor format.
type Node struct {
	// Kind selects the operation constructor in the Registry.
	Kind string `json:"kind" yaml:"kind" validate:"required"`

	// Name is an optional label used in logs and run history.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Attrs holds the node attributes. Values may reference variables.
	Attrs map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`

	// Children holds nested nodes in document order.
	Children []*Node `json:"children,omitempty" yaml:"children,omitempty" validate:"omitempty,dive,required"`
}

// Attr returns the attribute value and whether it was declared.
func (n *Node) Attr(name string) (string, bool) {
	v, ok := n.Attrs[name]
	return v, ok
}

// AttrOr returns the attribute value, or def when it is not declared.
func (n *Node) AttrOr(name, def string) string {
	if v, ok := n.Attrs[name]; ok {
		return v
	}
	return def
}

// IntAttr parses an integer attribute, returning def when it is not declared.
func (n *Node) IntAttr(name string, def int) (int, error) {
	v, ok := n.Attrs[name]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %q is not an integer", name, v)
	}
	return i, nil
}

// DurationAttr parses a duration attribute such as "30s", returning def when it
// is not declared.
func (n *Node) DurationAttr(name string, def time.Duration) (time.Duration, error) {
	v, ok := n.Attrs[name]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("attribute %s: duration must not be negative", name)
	}
	return d, nil
}

// Label returns the name of the node, or its kind when unnamed.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Kind
}

// OrderSpec is a named, independently invocable entry point of a descriptor.
type OrderSpec struct {
	Name  string            `json:"name" yaml:"name" validate:"required"`
	Vars  map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
	Steps []*Node           `json:"steps" yaml:"steps" validate:"omitempty,dive,required"`
}

// Resource describes an infrastructure object targets can be selected from.
type Resource struct {
	ID       string            `json:"id" yaml:"id" validate:"required"`
	Kind     string            `json:"kind" yaml:"kind" validate:"required"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Children []*Resource       `json:"children,omitempty" yaml:"children,omitempty" validate:"omitempty,dive,required"`
}

// Document is a parsed sequence descriptor. A Document is immutable once
// loaded and may be shared by any number of processors.
type Document struct {
	// Path is the file the document was loaded from, if any.
	Path string `json:"-" yaml:"-"`

	Name      string            `json:"name" yaml:"name" validate:"required"`
	Vars      map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
	Resources []*Resource       `json:"resources,omitempty" yaml:"resources,omitempty" validate:"omitempty,dive,required"`
	Orders    []*OrderSpec      `json:"orders" yaml:"orders" validate:"required,min=1,dive,required"`
}

// Order returns the order with the given name.
func (d *Document) Order(name string) (*OrderSpec, bool) {
	for _, o := range d.Orders {
		if o.Name == name {
			return o, true
		}
	}
	return nil, false
}

// OrderNames returns the order names in document order.
func (d *Document) OrderNames() []string {
	names := make([]string, 0, len(d.Orders))
	for _, o := range d.Orders {
		names = append(names, o.Name)
	}
	return names
}

// Check verifies the invariants the struct tags cannot express: unique order
// names, unique resource paths and valid variable names.
func (d *Document) Check() error {
	seen := make(map[string]bool, len(d.Orders))
	for _, o := range d.Orders {
		if seen[o.Name] {
			return NewValidationError(fmt.Sprintf("duplicate order %q", o.Name), nil)
		}
		seen[o.Name] = true
		for name := range o.Vars {
			if err := ValidateVariableName(name); err != nil {
				return NewValidationError(fmt.Sprintf("order %q", o.Name), err)
			}
		}
	}
	for name := range d.Vars {
		if err := ValidateVariableName(name); err != nil {
			return NewValidationError("document variables", err)
		}
	}
	if _, err := NewResourceModel(d); err != nil {
		return err
	}
	return nil
}

// Target is a selectable position in the resource model.
type Target struct {
	// Path is the structural position, for example "/host[web1]/file[motd]".
	Path     string
	Resource *Resource
	Parent   *Target
}

// ResourceModel is the flattened, read-only view of a document's resources
// that selection expressions are evaluated against.
type ResourceModel struct {
	targets []*Target
	byPath  map[string]*Target
}

// NewResourceModel flattens the resources of doc in depth-first document order.
func NewResourceModel(doc *Document) (*ResourceModel, error) {
	m := &ResourceModel{byPath: make(map[string]*Target)}
	if doc == nil {
		return m, nil
	}
	if err := m.add(doc.Resources, nil); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ResourceModel) add(resources []*Resource, parent *Target) error {
	for _, r := range resources {
		path := fmt.Sprintf("/%s[%s]", r.Kind, r.ID)
		if parent != nil {
			path = parent.Path + path
		}
		if _, exists := m.byPath[path]; exists {
			return NewValidationError(fmt.Sprintf("duplicate resource %s", path), nil)
		}
		t := &Target{Path: path, Resource: r, Parent: parent}
		m.targets = append(m.targets, t)
		m.byPath[path] = t
		if err := m.add(r.Children, t); err != nil {
			return err
		}
	}
	return nil
}

// Targets returns every target in document order.
func (m *ResourceModel) Targets() []*Target {
	return append([]*Target(nil), m.targets...)
}

// Lookup returns the target at path.
func (m *ResourceModel) Lookup(path string) (*Target, bool) {
	t, ok := m.byPath[path]
	return t, ok
}

// Len returns the number of targets.
func (m *ResourceModel) Len() int {
	return len(m.targets)
}
