package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matrix is an ordered list of axes. Order matters: it decides the order in
// which job instances are reported.
type Matrix []Axis

type Axis struct {
	Name   string
	Values []string
}

// AxisValue is a single axis fixed to one of its values.
type AxisValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Combination assigns one value to every axis of a matrix.
type Combination []AxisValue

var unsupportedMatrixKeys = map[string]struct{}{
	"include": {},
	"exclude": {},
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping of axis name to values", node.Line)
	}

	seen := make(map[string]struct{})
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]

		if _, ok := unsupportedMatrixKeys[key.Value]; ok {
			return fmt.Errorf("line %d: matrix %q is not supported", key.Line, key.Value)
		}
		if _, ok := seen[key.Value]; ok {
			return fmt.Errorf("line %d: duplicate matrix axis %q", key.Line, key.Value)
		}
		seen[key.Value] = struct{}{}

		axis := Axis{Name: key.Value, Values: []string{}}
		switch val.Kind {
		case yaml.ScalarNode:
			axis.Values = append(axis.Values, val.Value)
		case yaml.SequenceNode:
			for _, v := range val.Content {
				if v.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: matrix axis %q must only contain scalar values", v.Line, key.Value)
				}
				axis.Values = append(axis.Values, v.Value)
			}
		default:
			return fmt.Errorf("line %d: matrix axis %q must be a list of values", val.Line, key.Value)
		}

		*m = append(*m, axis)
	}

	return nil
}

func (m Matrix) Lookup(name string) (Axis, bool) {
	for _, a := range m {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

// Size is the number of combinations Expand produces.
func (m Matrix) Size() int {
	n := 1
	for _, a := range m {
		n *= len(a.Values)
	}
	return n
}

// Expand computes the cartesian product of all axes. Axes are taken in
// declaration order and the last axis varies fastest, so expanding the same
// matrix always yields the same sequence. An empty matrix has exactly one
// (empty) combination.
func (m Matrix) Expand() []Combination {
	combos := []Combination{{}}
	for _, axis := range m {
		next := make([]Combination, 0, len(combos)*len(axis.Values))
		for _, c := range combos {
			for _, v := range axis.Values {
				nc := make(Combination, len(c), len(c)+1)
				copy(nc, c)
				next = append(next, append(nc, AxisValue{Name: axis.Name, Value: v}))
			}
		}
		combos = next
	}
	return combos
}

func (c Combination) Get(name string) (string, bool) {
	for _, av := range c {
		if av.Name == name {
			return av.Value, true
		}
	}
	return "", false
}

func (c Combination) Map() map[string]string {
	m := make(map[string]string, len(c))
	for _, av := range c {
		m[av.Name] = av.Value
	}
	return m
}

// String renders the combination as "a=1, b=2".
func (c Combination) String() string {
	parts := make([]string, len(c))
	for i, av := range c {
		parts[i] = av.Name + "=" + av.Value
	}
	return strings.Join(parts, ", ")
}

// Values renders just the values, the way job names show them: "3.9, x64".
func (c Combination) Values() string {
	parts := make([]string, len(c))
	for i, av := range c {
		parts[i] = av.Value
	}
	return strings.Join(parts, ", ")
}
