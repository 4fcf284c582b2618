package sqlenc

import "strings"

// Dialect holds the warehouse-specific spelling of every literal form the
// encoder produces. Date and Timestamp receive an already quoted string.
type Dialect struct {
	Name      string
	Null      func() string
	Date      func(quoted string) string
	Timestamp func(quoted string) string
	Struct    func(cols string) string
	String    func(s string) string
	Bool      func(b bool) string
	Array     func(elems []string) string

	// Settings are query settings required to evaluate the encoded select.
	Settings map[string]any
}

// Standard is the standard SQL dialect used by default.
var Standard = Dialect{
	Name:      "standard",
	Null:      func() string { return "cast(null as string)" },
	Date:      func(q string) string { return "date(" + q + ")" },
	Timestamp: func(q string) string { return "timestamp(" + q + ")" },
	Struct:    func(cols string) string { return "struct(" + cols + ")" },
	String:    QuoteString,
	Bool: func(b bool) string {
		if b {
			return "true"
		}
		return "false"
	},
	Array: func(elems []string) string { return "[" + strings.Join(elems, ", ") + "]" },
}

var stringEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// QuoteString returns s as a single-quoted string literal with backslash
// escapes.
func QuoteString(s string) string {
	return "'" + stringEscaper.Replace(s) + "'"
}
