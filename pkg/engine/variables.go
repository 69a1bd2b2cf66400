package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ValidateVariableName checks that name can be bound and referenced as ${name}.
func ValidateVariableName(name string) error {
	if !variableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	return nil
}

// Variables is the ambient variable set of one executor or processing context.
// A Variables value is never shared mutably: binding a new value always
// produces a copy.
type Variables map[string]string

// Copy returns an independent copy of the set.
func (v Variables) Copy() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// With returns a copy of the set with name bound to value.
func (v Variables) With(name, value string) Variables {
	out := v.Copy()
	out[name] = value
	return out
}

// Merge returns a copy of the set overlaid with overrides.
func (v Variables) Merge(overrides map[string]string) Variables {
	out := v.Copy()
	for k, val := range overrides {
		out[k] = val
	}
	return out
}

// Get returns the value bound to name.
func (v Variables) Get(name string) (string, bool) {
	val, ok := v[name]
	return val, ok
}

// Names returns the bound names in lexical order.
func (v Variables) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Expand replaces every ${name} reference in s. "$$" produces a literal "$".
// Referencing an unbound name is an error.
func (v Variables) Expand(s string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}

		switch s[i+1] {
		case '$':
			b.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated variable reference in %q", s)
			}
			name := s[i+2 : i+2+end]
			if err := ValidateVariableName(name); err != nil {
				return "", err
			}
			val, ok := v[name]
			if !ok {
				return "", fmt.Errorf("undefined variable %q", name)
			}
			b.WriteString(val)
			i += end + 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// ExpandAll expands every value of attrs.
func (v Variables) ExpandAll(attrs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(attrs))
	for k, val := range attrs {
		expanded, err := v.Expand(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}
