package clickhouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
)

// portableTypes maps the portable schema types to ClickHouse types. Any
// other type is taken as a ClickHouse type and used verbatim.
var portableTypes = map[string]string{
	"STRING":    "String",
	"BYTES":     "String",
	"INT64":     "Int64",
	"INTEGER":   "Int64",
	"FLOAT64":   "Float64",
	"FLOAT":     "Float64",
	"BOOL":      "Bool",
	"BOOLEAN":   "Bool",
	"DATE":      "Date32",
	"TIMESTAMP": "DateTime64(6, 'UTC')",
	"DATETIME":  "DateTime64(6)",
}

// ColumnType returns the ClickHouse type of f. Portable scalar types are
// nullable; records become named tuples.
func ColumnType(f operator.Field) (string, error) {
	upper := strings.ToUpper(f.Type)
	if upper == "RECORD" || upper == "STRUCT" || (f.Type == "" && len(f.Fields) > 0) {
		if len(f.Fields) == 0 {
			return "", fmt.Errorf("record column %s has no fields", f.Name)
		}
		elems := make([]string, len(f.Fields))
		for i, sub := range f.Fields {
			t, err := ColumnType(sub)
			if err != nil {
				return "", err
			}
			elems[i] = quoteIdent(sub.Name) + " " + t
		}
		return "Tuple(" + strings.Join(elems, ", ") + ")", nil
	}
	if t, ok := portableTypes[upper]; ok {
		return "Nullable(" + t + ")", nil
	}
	if f.Type == "" {
		return "", fmt.Errorf("column %s has no type", f.Name)
	}
	return f.Type, nil
}

// ParseField describes a column of ClickHouse type typ. Tuple elements,
// through Nullable and LowCardinality wrappers, become sub-fields; unnamed
// elements are named by their 1-based position.
func ParseField(name, typ string) (operator.Field, error) {
	f := operator.Field{Name: name, Type: typ}
	inner := unwrapType(typ)
	if !strings.HasPrefix(inner, "Tuple(") {
		return f, nil
	}
	if !strings.HasSuffix(inner, ")") {
		return f, fmt.Errorf("malformed tuple type %q", typ)
	}
	elems, err := splitTopLevel(inner[len("Tuple(") : len(inner)-1])
	if err != nil {
		return f, fmt.Errorf("malformed tuple type %q: %w", typ, err)
	}
	for i, elem := range elems {
		subName, subType := splitNamedElement(elem)
		if subName == "" {
			subName = strconv.Itoa(i + 1)
		}
		sub, err := ParseField(subName, subType)
		if err != nil {
			return f, err
		}
		f.Fields = append(f.Fields, sub)
	}
	return f, nil
}

func unwrapType(typ string) string {
	for {
		switch {
		case strings.HasPrefix(typ, "Nullable(") && strings.HasSuffix(typ, ")"):
			typ = typ[len("Nullable(") : len(typ)-1]
		case strings.HasPrefix(typ, "LowCardinality(") && strings.HasSuffix(typ, ")"):
			typ = typ[len("LowCardinality(") : len(typ)-1]
		default:
			return typ
		}
	}
}

// splitTopLevel splits s on the commas that are not nested in parentheses
// or quotes.
func splitTopLevel(s string) ([]string, error) {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '`' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		case c == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if depth != 0 || quote != 0 {
		return nil, fmt.Errorf("unbalanced parentheses or quotes")
	}
	if last := strings.TrimSpace(s[start:]); last != "" || len(parts) > 0 {
		parts = append(parts, last)
	}
	return parts, nil
}

// splitNamedElement splits a tuple element "name Type" or "`name` Type".
// A bare type yields an empty name.
func splitNamedElement(elem string) (name, typ string) {
	if strings.HasPrefix(elem, "`") {
		if end := strings.Index(elem[1:], "`"); end >= 0 {
			return elem[1 : end+1], strings.TrimSpace(elem[end+2:])
		}
	}
	sp := strings.IndexByte(elem, ' ')
	if sp < 0 {
		return "", elem
	}
	head := elem[:sp]
	// "DateTime64(3, 'UTC')" and friends have no name.
	if strings.ContainsAny(head, "(),'") {
		return "", elem
	}
	return head, strings.TrimSpace(elem[sp+1:])
}

// createTableDDL builds the statement creating table with schema and opts.
func createTableDDL(table string, schema operator.Schema, opts operator.PartitionOptions, replace bool) (string, error) {
	if len(schema) == 0 {
		return "", fmt.Errorf("table %s has no columns", table)
	}
	cols := make([]string, len(schema))
	for i, f := range schema {
		t, err := ColumnType(f)
		if err != nil {
			return "", err
		}
		cols[i] = "    " + quoteIdent(f.Name) + " " + t
	}

	var b strings.Builder
	if replace {
		b.WriteString("CREATE OR REPLACE TABLE ")
	} else {
		b.WriteString("CREATE TABLE ")
	}
	b.WriteString(table)
	b.WriteString("\n(\n")
	b.WriteString(strings.Join(cols, ",\n"))
	b.WriteString("\n)\nENGINE = MergeTree")

	partition, err := partitionExpr(opts)
	if err != nil {
		return "", err
	}
	if partition != "" {
		b.WriteString("\nPARTITION BY " + partition)
	}
	b.WriteString("\nORDER BY " + orderByExpr(opts.ClusteringFields))
	b.WriteString("\nSETTINGS allow_nullable_key = 1")
	return b.String(), nil
}

func partitionExpr(opts operator.PartitionOptions) (string, error) {
	if tp := opts.TimePartitioning; tp != nil {
		col := quoteIdent(tp.Field)
		switch strings.ToUpper(tp.Type) {
		case "", "DAY":
			return "toYYYYMMDD(" + col + ")", nil
		case "HOUR":
			return "toStartOfHour(" + col + ")", nil
		case "MONTH":
			return "toYYYYMM(" + col + ")", nil
		case "YEAR":
			return "toYear(" + col + ")", nil
		}
		return "", fmt.Errorf("unsupported time partitioning type %q", tp.Type)
	}
	if rp := opts.RangePartitioning; rp != nil {
		if rp.Interval <= 0 {
			return "", fmt.Errorf("range partitioning on %s needs a positive interval", rp.Field)
		}
		return fmt.Sprintf("intDiv(%s - %d, %d)", quoteIdent(rp.Field), rp.Start, rp.Interval), nil
	}
	return "", nil
}

func orderByExpr(clustering []string) string {
	if len(clustering) == 0 {
		return "tuple()"
	}
	cols := make([]string, len(clustering))
	for i, c := range clustering {
		cols[i] = quoteIdent(c)
	}
	return "(" + strings.Join(cols, ", ") + ")"
}

// parseValue converts delimited text to the Go value a batch insert expects
// for a column of type typ.
func parseValue(typ, s string) (any, error) {
	inner := unwrapType(typ)
	if strings.HasPrefix(typ, "Nullable(") && s == "" {
		return nil, nil
	}

	switch {
	case inner == "String" || strings.HasPrefix(inner, "FixedString("):
		return s, nil
	case inner == "Bool":
		return strconv.ParseBool(s)
	case inner == "Float64":
		return strconv.ParseFloat(s, 64)
	case inner == "Float32":
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case inner == "Date" || inner == "Date32":
		return time.Parse("2006-01-02", s)
	case strings.HasPrefix(inner, "DateTime"):
		return parseTimestamp(s)
	case strings.HasPrefix(inner, "Int"):
		bits, err := intBits(inner[len("Int"):])
		if err != nil {
			return nil, fmt.Errorf("unsupported column type %s", typ)
		}
		n, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return nil, err
		}
		switch bits {
		case 8:
			return int8(n), nil
		case 16:
			return int16(n), nil
		case 32:
			return int32(n), nil
		}
		return n, nil
	case strings.HasPrefix(inner, "UInt"):
		bits, err := intBits(inner[len("UInt"):])
		if err != nil {
			return nil, fmt.Errorf("unsupported column type %s", typ)
		}
		n, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return nil, err
		}
		switch bits {
		case 8:
			return uint8(n), nil
		case 16:
			return uint16(n), nil
		case 32:
			return uint32(n), nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported column type %s", typ)
}

func intBits(suffix string) (int, error) {
	switch suffix {
	case "8", "16", "32", "64":
		return strconv.Atoi(suffix)
	}
	return 0, fmt.Errorf("unsupported integer width %q", suffix)
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "\\`") + "`"
}
