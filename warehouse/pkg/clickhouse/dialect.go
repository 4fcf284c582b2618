package clickhouse

import (
	"strings"

	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
)

// Dialect encodes configuration and monitoring rows as ClickHouse literals.
// Named tuples require the settings it carries.
var Dialect = sqlenc.Dialect{
	Name:      "clickhouse",
	Null:      func() string { return "CAST(NULL AS Nullable(String))" },
	Date:      func(q string) string { return "toDate(" + q + ")" },
	Timestamp: func(q string) string { return "parseDateTime64BestEffort(" + q + ", 3, 'UTC')" },
	Struct:    func(cols string) string { return "tuple(" + cols + ")" },
	String:    sqlenc.QuoteString,
	Bool: func(b bool) string {
		if b {
			return "true"
		}
		return "false"
	},
	Array: func(elems []string) string { return "[" + strings.Join(elems, ", ") + "]" },
	Settings: map[string]any{
		"enable_named_columns_in_function_tuple": 1,
	},
}
