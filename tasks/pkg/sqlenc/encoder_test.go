package sqlenc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWarehouse_SQLEnc_Encode(t *testing.T) {
	t.Parallel()

	t.Run("null, date and nested mapping", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{
			{Name: "a", Value: nil},
			{Name: "b", Value: "2020-01-01"},
			{Name: "c", Value: Row{{Name: "d", Value: 5}}},
		})
		require.NoError(t, err)
		require.Equal(t, "select cast(null as string) as a, date('2020-01-01') as b, struct(5 as d) as c", query)
	})

	t.Run("timestamp", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{{Name: "t", Value: "2020-01-01 10:00:00"}})
		require.NoError(t, err)
		require.Equal(t, "select timestamp('2020-01-01 10:00:00') as t", query)
	})

	t.Run("timestamp only looks at the first 19 characters", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{{Name: "t", Value: "2020-01-01 10:00:00.123+02:00"}})
		require.NoError(t, err)
		require.Equal(t, "select timestamp('2020-01-01 10:00:00.123+02:00') as t", query)
	})

	t.Run("invalid calendar date is a plain string", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{{Name: "d", Value: "2020-02-30"}})
		require.NoError(t, err)
		require.Equal(t, "select '2020-02-30' as d", query)
	})

	t.Run("date with trailing text is neither date nor timestamp", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{{Name: "d", Value: "2020-01-01T"}})
		require.NoError(t, err)
		require.Equal(t, "select '2020-01-01T' as d", query)
	})

	t.Run("generic literals", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{
			{Name: "i", Value: int64(42)},
			{Name: "u", Value: uint8(7)},
			{Name: "f", Value: 1.5},
			{Name: "g", Value: 3.0},
			{Name: "yes", Value: true},
			{Name: "no", Value: false},
			{Name: "s", Value: "it's"},
			{Name: "l", Value: []any{"x", int64(1)}},
		})
		require.NoError(t, err)
		require.Equal(t, `select 42 as i, 7 as u, 1.5 as f, 3.0 as g, true as yes, false as no, 'it\'s' as s, ['x', 1] as l`, query)
	})

	t.Run("empty row yields bare select", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{})
		require.NoError(t, err)
		require.Equal(t, "select ", query)
	})

	t.Run("empty nested row", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{{Name: "s", Value: Row{}}})
		require.NoError(t, err)
		require.Equal(t, "select struct() as s", query)
	})

	t.Run("plain maps are encoded in sorted key order", func(t *testing.T) {
		t.Parallel()

		query, err := Encode(Row{{Name: "m", Value: map[string]any{"b": 2, "a": 1}}})
		require.NoError(t, err)
		require.Equal(t, "select struct(1 as a, 2 as b) as m", query)
	})

	t.Run("unsupported values are rejected", func(t *testing.T) {
		t.Parallel()

		for _, v := range []any{
			struct{}{},
			make(chan int),
			math.NaN(),
			math.Inf(1),
			[]any{Row{}},
			[]any{[]any{1}},
			[]any{nil},
		} {
			_, err := Encode(Row{{Name: "x", Value: v}})
			require.ErrorIs(t, err, ErrEncoding, "value %#v", v)
		}
	})

	t.Run("invalid column names are rejected", func(t *testing.T) {
		t.Parallel()

		_, err := Encode(Row{{Name: "1abc", Value: 1}})
		require.ErrorIs(t, err, ErrEncoding)

		_, err = Encode(Row{{Name: "a", Value: Row{{Name: "b c", Value: 1}}}})
		require.ErrorIs(t, err, ErrEncoding)
	})
}

func TestWarehouse_SQLEnc_Dialect(t *testing.T) {
	t.Parallel()

	upper := Dialect{
		Name:      "upper",
		Null:      func() string { return "NULL" },
		Date:      func(q string) string { return "DATE " + q },
		Timestamp: func(q string) string { return "TIMESTAMP " + q },
		Struct:    func(cols string) string { return "ROW(" + cols + ")" },
		String:    QuoteString,
		Bool:      func(b bool) string { return map[bool]string{true: "TRUE", false: "FALSE"}[b] },
		Array:     Standard.Array,
		Settings:  map[string]any{"some_setting": 1},
	}
	enc := New(upper)

	query, err := enc.Encode(Row{
		{Name: "n", Value: nil},
		{Name: "d", Value: "2021-03-04"},
		{Name: "s", Value: Row{{Name: "b", Value: true}}},
	})
	require.NoError(t, err)
	require.Equal(t, "select NULL as n, DATE '2021-03-04' as d, ROW(TRUE as b) as s", query)
	require.Equal(t, map[string]any{"some_setting": 1}, enc.Settings())
}

func TestWarehouse_SQLEnc_Row(t *testing.T) {
	t.Parallel()

	t.Run("set keeps position and does not mutate", func(t *testing.T) {
		t.Parallel()

		row := Row{{Name: "a", Value: 1}, {Name: "b", Value: 2}}
		updated := row.Set("a", 10).Set("c", 3)
		require.Equal(t, []string{"a", "b", "c"}, updated.Keys())
		v, ok := updated.Get("a")
		require.True(t, ok)
		require.Equal(t, 10, v)
		v, _ = row.Get("a")
		require.Equal(t, 1, v)
	})

	t.Run("without drops fields", func(t *testing.T) {
		t.Parallel()

		row := Row{{Name: "a", Value: 1}, {Name: "secret", Value: 2}, {Name: "b", Value: 3}}
		require.Equal(t, []string{"a", "b"}, row.Without("secret").Keys())
	})

	t.Run("yaml keeps key order and timestamp text", func(t *testing.T) {
		t.Parallel()

		var row Row
		err := yaml.Unmarshal([]byte(`
zeta: 1
alpha: 2020-01-01
nested:
  ratio: 0.5
  on: true
  none: ~
list: [a, b]
`), &row)
		require.NoError(t, err)
		require.Equal(t, []string{"zeta", "alpha", "nested", "list"}, row.Keys())

		query, err := Encode(row)
		require.NoError(t, err)
		require.Equal(t, "select 1 as zeta, date('2020-01-01') as alpha, struct(0.5 as ratio, true as on, cast(null as string) as none) as nested, ['a', 'b'] as list", query)
	})

	t.Run("yaml rejects non-mapping documents", func(t *testing.T) {
		t.Parallel()

		var row Row
		err := yaml.Unmarshal([]byte(`[1, 2]`), &row)
		require.Error(t, err)
	})
}
