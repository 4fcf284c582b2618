package sqlenc

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Field is a single named value of a Row.
type Field struct {
	Name  string
	Value any
}

// Row is an ordered mapping from column names to values. Nested mappings are
// represented as nested Rows.
type Row []Field

// Get returns the value stored under name.
func (r Row) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set returns a copy of the row with name bound to value. An existing field
// keeps its position.
func (r Row) Set(name string, value any) Row {
	out := make(Row, len(r), len(r)+1)
	copy(out, r)
	for i := range out {
		if out[i].Name == name {
			out[i].Value = value
			return out
		}
	}
	return append(out, Field{Name: name, Value: value})
}

// Without returns a copy of the row without the given fields.
func (r Row) Without(names ...string) Row {
	out := make(Row, 0, len(r))
	for _, f := range r {
		skip := false
		for _, n := range names {
			if f.Name == n {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, f)
		}
	}
	return out
}

// Keys returns the field names in order.
func (r Row) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Name
	}
	return keys
}

// UnmarshalYAML decodes a YAML mapping keeping its key order. Timestamps are
// kept as their literal text so the encoder can infer date and timestamp
// columns from them.
func (r *Row) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeNode(node)
	if err != nil {
		return err
	}
	row, ok := v.(Row)
	if !ok {
		return fmt.Errorf("expected a mapping at line %d, got %s", node.Line, node.ShortTag())
	}
	*r = row
	return nil
}

func decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Row{}, nil
		}
		return decodeNode(node.Content[0])
	case yaml.AliasNode:
		return decodeNode(node.Alias)
	case yaml.MappingNode:
		row := make(Row, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("unsupported mapping key at line %d", key.Line)
			}
			value, err := decodeNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			if _, dup := row.Get(key.Value); dup {
				return nil, fmt.Errorf("duplicate key %q at line %d", key.Value, key.Line)
			}
			row = append(row, Field{Name: key.Value, Value: value})
		}
		return row, nil
	case yaml.SequenceNode:
		values := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := decodeNode(item)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	case yaml.ScalarNode:
		return decodeScalar(node)
	}
	return nil, fmt.Errorf("unsupported yaml node kind %d at line %d", node.Kind, node.Line)
}

func decodeScalar(node *yaml.Node) (any, error) {
	switch node.ShortTag() {
	case "!!null":
		return nil, nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, fmt.Errorf("failed to decode bool at line %d: %w", node.Line, err)
		}
		return b, nil
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return nil, fmt.Errorf("failed to decode int at line %d: %w", node.Line, err)
		}
		return i, nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode float at line %d: %w", node.Line, err)
		}
		return f, nil
	default:
		return node.Value, nil
	}
}
