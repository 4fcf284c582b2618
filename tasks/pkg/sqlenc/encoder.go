// Package sqlenc turns configuration mappings into one-row SQL select
// statements, inferring a literal type for every value.
package sqlenc

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrEncoding is returned when a value matches none of the encoding rules.
var ErrEncoding = errors.New("encoding error")

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

// rule pairs a matcher with the formatter applied when it matches. Rules are
// evaluated in order and the first match wins.
type rule struct {
	name   string
	match  func(v any) bool
	format func(e *Encoder, v any) (string, error)
}

func encodingRules() []rule {
	return []rule{
		{
			name:  "null",
			match: func(v any) bool { return v == nil },
			format: func(e *Encoder, _ any) (string, error) {
				return e.dialect.Null(), nil
			},
		},
		{
			name:  "date",
			match: func(v any) bool { s, ok := v.(string); return ok && IsDate(s) },
			format: func(e *Encoder, v any) (string, error) {
				return e.dialect.Date(e.dialect.String(v.(string))), nil
			},
		},
		{
			name:  "timestamp",
			match: func(v any) bool { s, ok := v.(string); return ok && IsTimestamp(s) },
			format: func(e *Encoder, v any) (string, error) {
				return e.dialect.Timestamp(e.dialect.String(v.(string))), nil
			},
		},
		{
			name:  "struct",
			match: func(v any) bool { _, ok := asRow(v); return ok },
			format: func(e *Encoder, v any) (string, error) {
				row, _ := asRow(v)
				cols, err := e.columns(row)
				if err != nil {
					return "", err
				}
				return e.dialect.Struct(cols), nil
			},
		},
		{
			name:   "literal",
			match:  func(any) bool { return true },
			format: (*Encoder).literal,
		},
	}
}

// Encoder renders rows as SQL using a Dialect.
type Encoder struct {
	dialect Dialect
	rules   []rule
}

// New returns an encoder for the given dialect.
func New(dialect Dialect) *Encoder {
	return &Encoder{dialect: dialect, rules: encodingRules()}
}

var standard = New(Standard)

// Encode renders row as a one-row select in the standard dialect.
func Encode(row Row) (string, error) {
	return standard.Encode(row)
}

// Encode renders row as `select <value> as <name>, ...` preserving the row
// order. An empty row yields the bare select keyword.
func (e *Encoder) Encode(row Row) (string, error) {
	cols, err := e.columns(row)
	if err != nil {
		return "", err
	}
	return "select " + cols, nil
}

// Settings returns the query settings the dialect needs to evaluate encoded
// rows.
func (e *Encoder) Settings() map[string]any {
	return e.dialect.Settings
}

func (e *Encoder) columns(row Row) (string, error) {
	cols := make([]string, 0, len(row))
	for _, f := range row {
		if !IsIdentifier(f.Name) {
			return "", fmt.Errorf("%w: invalid column name %q", ErrEncoding, f.Name)
		}
		v, err := e.value(f.Value)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", f.Name, err)
		}
		cols = append(cols, v+" as "+f.Name)
	}
	return strings.Join(cols, ", "), nil
}

func (e *Encoder) value(v any) (string, error) {
	for _, r := range e.rules {
		if r.match(v) {
			return r.format(e, v)
		}
	}
	return "", fmt.Errorf("%w: no rule for %T", ErrEncoding, v)
}

func (e *Encoder) literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return e.dialect.String(x), nil
	case bool:
		return e.dialect.Bool(x), nil
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Slice, reflect.Array:
		elems := make([]string, rv.Len())
		for i := range rv.Len() {
			item := rv.Index(i).Interface()
			if item == nil {
				return "", fmt.Errorf("%w: null array element", ErrEncoding)
			}
			if _, ok := asRow(item); ok {
				return "", fmt.Errorf("%w: mapping inside array", ErrEncoding)
			}
			if k := reflect.ValueOf(item).Kind(); k == reflect.Slice || k == reflect.Array {
				return "", fmt.Errorf("%w: nested array", ErrEncoding)
			}
			s, err := e.literal(item)
			if err != nil {
				return "", err
			}
			elems[i] = s
		}
		return e.dialect.Array(elems), nil
	}
	return "", fmt.Errorf("%w: unsupported value of type %T", ErrEncoding, v)
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite float %v", ErrEncoding, f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s, nil
}

// IsDate reports whether s is exactly a YYYY-MM-DD calendar date.
func IsDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// IsTimestamp reports whether the first 19 characters of s are a
// YYYY-MM-DD HH:MM:SS timestamp.
func IsTimestamp(s string) bool {
	if len(s) < len(timestampLayout) {
		return false
	}
	_, err := time.Parse(timestampLayout, s[:len(timestampLayout)])
	return err == nil
}

func asRow(v any) (Row, bool) {
	switch m := v.(type) {
	case Row:
		return m, true
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		row := make(Row, len(keys))
		for i, k := range keys {
			row[i] = Field{Name: k, Value: m[k]}
		}
		return row, true
	}
	return nil, false
}

// IsIdentifier reports whether s can be used unquoted as a column name.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
