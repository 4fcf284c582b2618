package tablenames

import (
	"testing"

	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/stretchr/testify/require"
)

func TestWarehouse_TableNames_NamesFor(t *testing.T) {
	t.Parallel()

	t.Run("maps core names in order", func(t *testing.T) {
		t.Parallel()

		r, err := New(Config{Computed: []string{"b", "a"}})
		require.NoError(t, err)

		names, err := r.NamesFor(Computed)
		require.NoError(t, err)
		require.Equal(t, []string{"b", "a"}, names.Keys())
		require.Equal(t, []string{"computed_b", "computed_a"}, names.Values())
		require.Equal(t, map[string]string{"a": "computed_a", "b": "computed_b"}, names.Map())
	})

	t.Run("applies custom affixes", func(t *testing.T) {
		t.Parallel()

		r, err := New(Config{
			Exposed: []string{"a", "b"},
			Affixes: map[Category]Affix{Exposed: {Prefix: "pub_", Suffix: "_v1"}},
		})
		require.NoError(t, err)

		names, err := r.NamesFor(Exposed)
		require.NoError(t, err)
		a, _ := names.Get("a")
		b, _ := names.Get("b")
		require.Equal(t, "pub_a_v1", a)
		require.Equal(t, "pub_b_v1", b)
	})

	t.Run("rejects duplicate core names", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{Computed: []string{"a", "a"}})
		require.ErrorIs(t, err, conf.ErrConfiguration)

		_, err = New(Config{Report: []string{ReportConf}})
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("monitoring tables are not enumerated", func(t *testing.T) {
		t.Parallel()

		r, err := New(Config{})
		require.NoError(t, err)
		_, err = r.NamesFor(TmpMonitoring)
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("report starts with built-in names", func(t *testing.T) {
		t.Parallel()

		r, err := New(Config{Report: []string{"kpis"}})
		require.NoError(t, err)
		require.Equal(t, []string{ReportConf, ReportMonitoringDetails, ReportMonitoringQuery, "kpis"}, r.CoreNames(Report))
		require.Equal(t, "report_conf", r.Report(ReportConf))
	})

	t.Run("rejects unknown categories and empty names", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{Affixes: map[Category]Affix{"other": {}}})
		require.ErrorIs(t, err, conf.ErrConfiguration)

		_, err = New(Config{Computed: []string{""}})
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})
}

func TestWarehouse_TableNames_Classify(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Computed: []string{"foo"},
		Exposed:  []string{"bar"},
	})
	require.NoError(t, err)

	c, ok := r.Classify("tmp_monitoring_foo")
	require.True(t, ok)
	require.Equal(t, TmpMonitoring, c)

	c, ok = r.Classify("computed_foo")
	require.True(t, ok)
	require.Equal(t, Computed, c)
	require.NotEqual(t, Exposed, c)
	require.False(t, r.Is(Exposed, "computed_foo"))

	c, ok = r.Classify("exposed_bar")
	require.True(t, ok)
	require.Equal(t, Exposed, c)

	c, ok = r.Classify("report_monitoring_query")
	require.True(t, ok)
	require.Equal(t, Report, c)

	_, ok = r.Classify("computed_unknown")
	require.False(t, ok)

	_, ok = r.Classify("tmp_monitoring_")
	require.False(t, ok)

	require.True(t, r.IsToDelete(r.BuildTmpMonitoring("RunQuery")))
	require.False(t, r.IsToDelete("computed_foo"))
}

func TestWarehouse_TableNames_MonitoringAffix(t *testing.T) {
	t.Parallel()

	t.Run("rejects registered names that look like monitoring tables", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{
			Exposed: []string{"dash"},
			Affixes: map[Category]Affix{Exposed: {Prefix: "tmp_monitoring_"}},
		})
		require.ErrorIs(t, err, conf.ErrConfiguration)

		_, err = New(Config{
			Computed: []string{"orders"},
			Affixes:  map[Category]Affix{TmpMonitoring: {Prefix: "computed_"}},
		})
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("rejects an empty monitoring affix", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{
			Computed: []string{"orders"},
			Affixes:  map[Category]Affix{TmpMonitoring: {}},
		})
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("only monitoring tables are deleted", func(t *testing.T) {
		t.Parallel()

		r, err := New(Config{
			Computed: []string{"orders"},
			Exposed:  []string{"dash"},
			Affixes: map[Category]Affix{
				TmpMonitoring: {Prefix: "mon_", Suffix: "_tmp"},
				Exposed:       {Prefix: "pub_"},
			},
		})
		require.NoError(t, err)

		require.True(t, r.IsToDelete("mon_RunQuery_tmp"))
		require.False(t, r.IsToDelete("mon__tmp"))
		require.False(t, r.IsToDelete("tmp_monitoring_RunQuery"))
		for _, table := range []string{"computed_orders", "pub_dash", "report_conf"} {
			require.False(t, r.IsToDelete(table), table)
			require.False(t, r.Is(TmpMonitoring, table), table)
		}
	})
}

func TestWarehouse_TableNames_GlobalRegister(t *testing.T) {
	t.Parallel()

	t.Run("flattens categories", func(t *testing.T) {
		t.Parallel()

		r, err := New(Config{Computed: []string{"a"}, Exposed: []string{"b"}})
		require.NoError(t, err)

		register, err := r.GlobalRegister()
		require.NoError(t, err)
		require.Equal(t, []string{
			"computed_a",
			"exposed_b",
			"report_conf",
			"report_monitoring_details",
			"report_monitoring_query",
		}, register.Keys())
		v, ok := register.Get("computed_a")
		require.True(t, ok)
		require.Equal(t, "computed_a", v)

		seen := map[string]bool{}
		for _, table := range register.Values() {
			require.False(t, seen[table], "duplicate value %q", table)
			seen[table] = true
		}
	})

	t.Run("rejects colliding table names across categories", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{
			Computed: []string{"foo"},
			Report:   []string{"foo"},
			Affixes:  map[Category]Affix{Report: DefaultAffix(Computed)},
		})
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})
}

func TestWarehouse_TableNames_ToCheck(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Computed:         []string{"a", "b", "c"},
		Exposed:          []string{"x"},
		ExcludeFromCheck: []string{"b"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"computed_a", "computed_c", "exposed_x"}, r.ToCheck())
}

func TestWarehouse_TableNames_Build(t *testing.T) {
	t.Parallel()

	r, err := New(Config{})
	require.NoError(t, err)
	require.Equal(t, "computed_x", r.Computed("x"))
	require.Equal(t, "exposed_x", r.Exposed("x"))
	require.Equal(t, "report_x", r.Report("x"))
	require.Equal(t, "tmp_monitoring_Task", r.BuildTmpMonitoring("Task"))
	require.Equal(t, Affix{Prefix: "tmp_monitoring_"}, r.Affix(TmpMonitoring))
}
