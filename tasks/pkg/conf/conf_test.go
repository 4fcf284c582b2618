package conf

import (
	"testing"

	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
	"github.com/stretchr/testify/require"
)

func baseRow(extra ...sqlenc.Field) sqlenc.Row {
	row := sqlenc.Row{
		{Name: KeyProjectID, Value: "acme"},
		{Name: KeyDatasetName, Value: "sales"},
	}
	return append(row, extra...)
}

func TestWarehouse_Conf_New(t *testing.T) {
	t.Parallel()

	t.Run("applies defaults and derives dataset id", func(t *testing.T) {
		t.Parallel()

		c, err := New(baseRow())
		require.NoError(t, err)
		require.Equal(t, "acme", c.ProjectID)
		require.Equal(t, "sales", c.DatasetName)
		require.Equal(t, "acme.sales", c.DatasetID())
		require.Equal(t, DefaultShortTimeToLive, c.ShortTimeToLive)
		require.Equal(t, DefaultLongTimeToLive, c.LongTimeToLive)
		require.Nil(t, c.SampleSize)
	})

	t.Run("reads optional values", func(t *testing.T) {
		t.Parallel()

		c, err := New(baseRow(
			sqlenc.Field{Name: KeySampleSize, Value: int64(100)},
			sqlenc.Field{Name: KeyShortTimeToLive, Value: 1},
			sqlenc.Field{Name: KeyLongTimeToLive, Value: float64(30)},
			sqlenc.Field{Name: KeyCredentials, Value: "secret"},
		))
		require.NoError(t, err)
		require.NotNil(t, c.SampleSize)
		require.Equal(t, 100, *c.SampleSize)
		require.Equal(t, 1, c.ShortTimeToLive)
		require.Equal(t, 30, c.LongTimeToLive)
		require.Equal(t, "secret", c.Credentials)
	})

	t.Run("rejects short ttl greater than long ttl", func(t *testing.T) {
		t.Parallel()

		_, err := New(baseRow(
			sqlenc.Field{Name: KeyShortTimeToLive, Value: 10},
			sqlenc.Field{Name: KeyLongTimeToLive, Value: 5},
		))
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("rejects short ttl above the default long ttl", func(t *testing.T) {
		t.Parallel()

		_, err := New(baseRow(sqlenc.Field{Name: KeyShortTimeToLive, Value: 11}))
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("requires project and dataset", func(t *testing.T) {
		t.Parallel()

		_, err := New(sqlenc.Row{{Name: KeyDatasetName, Value: "sales"}})
		require.ErrorIs(t, err, ErrConfiguration)

		_, err = New(sqlenc.Row{{Name: KeyProjectID, Value: "acme"}})
		require.ErrorIs(t, err, ErrConfiguration)

		_, err = New(sqlenc.Row{{Name: KeyProjectID, Value: ""}, {Name: KeyDatasetName, Value: "sales"}})
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("rejects badly typed values", func(t *testing.T) {
		t.Parallel()

		_, err := New(baseRow(sqlenc.Field{Name: KeyShortTimeToLive, Value: "five"}))
		require.ErrorIs(t, err, ErrConfiguration)

		_, err = New(baseRow(sqlenc.Field{Name: KeySampleSize, Value: 1.5}))
		require.ErrorIs(t, err, ErrConfiguration)

		_, err = New(baseRow(sqlenc.Field{Name: KeyCredentials, Value: 42}))
		require.ErrorIs(t, err, ErrConfiguration)

		_, err = New(sqlenc.Row{{Name: KeyProjectID, Value: 1}, {Name: KeyDatasetName, Value: "sales"}})
		require.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestWarehouse_Conf_BuildDatasetID(t *testing.T) {
	t.Parallel()

	c, err := New(baseRow())
	require.NoError(t, err)
	require.Equal(t, "other.sales", c.BuildDatasetID("other", ""))
	require.Equal(t, "acme.raw", c.BuildDatasetID("", "raw"))
	require.Equal(t, "p.d", c.BuildDatasetID("p", "d"))
}

func TestWarehouse_Conf_BaseToWrite(t *testing.T) {
	t.Parallel()

	c, err := New(baseRow(
		sqlenc.Field{Name: KeyCredentials, Value: "secret"},
		sqlenc.Field{Name: "start_date", Value: "2024-01-01"},
	))
	require.NoError(t, err)

	base := c.BaseToWrite()
	require.Equal(t, []string{KeyProjectID, KeyDatasetName, "start_date"}, base.Keys())

	query, err := sqlenc.Encode(base)
	require.NoError(t, err)
	require.Equal(t, "select 'acme' as project_id, 'sales' as dataset_name, date('2024-01-01') as start_date", query)
}

func TestWarehouse_Conf_Fields(t *testing.T) {
	t.Parallel()

	c, err := New(baseRow(
		sqlenc.Field{Name: KeyCredentials, Value: "secret"},
		sqlenc.Field{Name: KeySampleSize, Value: 10},
	))
	require.NoError(t, err)

	fields := c.Fields()
	require.Equal(t, "acme.sales", fields[KeyDatasetID])
	require.Equal(t, 10, fields[KeySampleSize])
	require.NotContains(t, fields, KeyCredentials)
}
