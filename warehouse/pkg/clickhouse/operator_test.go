package clickhouse_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	laketesting "github.com/malbeclabs/warehouse/utils/pkg/testing"
	"github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/warehouse/warehouse/pkg/clickhouse/testing"
	"github.com/malbeclabs/warehouse/warehouse/pkg/objectstore"
	"github.com/stretchr/testify/require"
)

func TestWarehouse_ClickHouse_Dataset(t *testing.T) {
	t.Parallel()
	if sharedDB == nil {
		t.Skip("clickhouse container unavailable")
	}
	ctx := t.Context()

	op, database := clickhousetesting.NewOperator(t, sharedDB, objectstore.NewMemory())

	exists, err := op.DatasetExists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = op.GetDataset(ctx)
	require.ErrorIs(t, err, clickhouse.ErrNotFound)

	require.NoError(t, op.CreateDataset(ctx, "EU"))

	exists, err = op.DatasetExists(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	ds, err := op.GetDataset(ctx)
	require.NoError(t, err)
	require.Equal(t, &operator.Dataset{ID: database, Location: "EU"}, ds)

	version, err := clickhouse.Version(ctx, laketesting.NewLogger(), sharedDB.MigrationConfig(database))
	require.NoError(t, err)
	require.Positive(t, version)

	// Bookkeeping tables are not listed.
	tables, err := op.ListTables(ctx)
	require.NoError(t, err)
	require.Empty(t, tables)
}

func TestWarehouse_ClickHouse_RunQuery(t *testing.T) {
	t.Parallel()
	info := testOperator(t)
	op := info.Operator
	ctx := t.Context()

	stats, err := op.RunQuery(ctx, "select 1 as n, 'a' as s;", "t", operator.WriteTruncate)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.Cost, 0.0)

	_, err = op.RunQuery(ctx, "select 2 as n, 'b' as s", "t", operator.WriteAppend)
	require.NoError(t, err)

	table, err := op.GetTable(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, "t", table.Name)
	require.Len(t, table.Schema, 2)
	require.Equal(t, "n", table.Schema[0].Name)

	_, err = op.RunQuery(ctx, "select 3 as n, 'c' as s", "t", operator.WriteEmpty)
	require.ErrorIs(t, err, clickhouse.ErrNotEmpty)

	// Truncate replaces the rows.
	_, err = op.RunQuery(ctx, "select 3 as n, 'c' as s", "t", operator.WriteTruncate)
	require.NoError(t, err)
	require.NoError(t, op.ExtractTable(ctx, "t", "s3://bucket/t.csv", "|", false))
	data, err := info.Store.Get(ctx, "s3://bucket/t.csv")
	require.NoError(t, err)
	require.Equal(t, "3|c\n", string(data))

	stats, err = op.RunQueries(ctx, []string{"select 1 as x", "select 2 as y"}, []string{"u", "v"}, operator.WriteTruncate)
	require.NoError(t, err)
	require.NotNil(t, stats)

	tables, err := op.ListTables(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t", "u", "v"}, tables)
}

func TestWarehouse_ClickHouse_EncodedRow(t *testing.T) {
	t.Parallel()
	info := testOperator(t)
	op := info.Operator
	ctx := t.Context()

	query := "select 5 as n, tuple(1.5 as query_duration, 0.0 as query_cost) as m, toDate('2020-01-01') as d"
	_, err := op.RunQuery(ctx, query, "encoded", operator.WriteTruncate)
	require.NoError(t, err)

	table, err := op.GetTable(ctx, "encoded")
	require.NoError(t, err)
	require.Equal(t, "m", table.Schema[1].Name)
	require.Len(t, table.Schema[1].Fields, 2)
	require.Equal(t, "query_duration", table.Schema[1].Fields[0].Name)
}

func TestWarehouse_ClickHouse_Tables(t *testing.T) {
	t.Parallel()
	info := testOperator(t)
	op := info.Operator
	ctx := t.Context()

	schema := operator.Schema{
		{Name: "day", Type: "DATE"},
		{Name: "id", Type: "INT64"},
	}
	opts := operator.PartitionOptions{
		TimePartitioning: &operator.TimePartitioning{Field: "day"},
		ClusteringFields: []string{"id"},
	}
	require.NoError(t, op.CreateEmptyTable(ctx, "events", schema, opts))

	attrs, err := op.GetFormatAttributes(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, "MergeTree", attrs.Kind)
	require.Equal(t, "toYYYYMMDD(day)", attrs.Partitioning)
	require.Equal(t, "id", attrs.Clustering)
	require.Equal(t, "day Nullable(Date32), id Nullable(Int64)", attrs.Schema)

	require.NoError(t, op.CreateView(ctx, "select id from "+op.BuildTableID("events"), "events_view"))
	exists, err := op.TableExists(ctx, "events_view")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, op.CopyTable(ctx, "events", "events_copy", info.Database, operator.WriteTruncate))
	copied, err := op.GetTable(ctx, "events_copy")
	require.NoError(t, err)
	require.Len(t, copied.Schema, 2)

	require.NoError(t, op.DeleteTable(ctx, "events_view"))
	exists, err = op.TableExists(ctx, "events_view")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = op.GetFormatAttributes(ctx, "missing")
	require.ErrorIs(t, err, clickhouse.ErrNotFound)
	_, err = op.GetTable(ctx, "missing")
	require.ErrorIs(t, err, clickhouse.ErrNotFound)
}

func TestWarehouse_ClickHouse_TimeToLive(t *testing.T) {
	t.Parallel()
	info := testOperator(t)
	op := info.Operator
	ctx := t.Context()

	_, err := op.RunQuery(ctx, "select 1 as n", "short", operator.WriteTruncate)
	require.NoError(t, err)
	_, err = op.RunQuery(ctx, "select 1 as n", "long", operator.WriteTruncate)
	require.NoError(t, err)

	require.NoError(t, op.SetTimeToLive(ctx, "short", 1))
	require.NoError(t, op.SetTimeToLive(ctx, "long", 30))
	require.Error(t, op.SetTimeToLive(ctx, "long", 0))

	expired, err := op.ExpiredTables(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = op.ExpiredTables(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"short"}, expired)

	// Deleting a table forgets its expiration.
	require.NoError(t, op.DeleteTable(ctx, "short"))
	expired, err = op.ExpiredTables(ctx, time.Now().Add(60*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"long"}, expired)
}

func TestWarehouse_ClickHouse_TimeToLive_ExternalDatabase(t *testing.T) {
	t.Parallel()
	if sharedDB == nil {
		t.Skip("clickhouse container unavailable")
	}
	ctx := t.Context()

	op, database := clickhousetesting.NewOperator(t, sharedDB, objectstore.NewMemory())
	conn, err := clickhousetesting.NewClient(t, sharedDB).Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Exec(ctx, "CREATE DATABASE "+database))

	_, err = op.RunQuery(ctx, "select 1 as n", "orders", operator.WriteTruncate)
	require.NoError(t, err)
	require.NoError(t, op.SetTimeToLive(ctx, "orders", 1))

	expired, err := op.ExpiredTables(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, expired)
}

func TestWarehouse_ClickHouse_Migrations(t *testing.T) {
	t.Parallel()
	info := testOperator(t)
	ctx := t.Context()
	log := laketesting.NewLogger()
	cfg := sharedDB.MigrationConfig(info.Database)

	version, err := clickhouse.Version(ctx, log, cfg)
	require.NoError(t, err)
	require.Positive(t, version)

	require.NoError(t, clickhouse.Down(ctx, log, cfg))
	rolledBack, err := clickhouse.Version(ctx, log, cfg)
	require.NoError(t, err)
	require.Less(t, rolledBack, version)

	// Up is idempotent once the database is current.
	require.NoError(t, clickhouse.Up(ctx, log, cfg))
	require.NoError(t, clickhouse.Up(ctx, log, cfg))
	version, err = clickhouse.Version(ctx, log, cfg)
	require.NoError(t, err)
	require.Positive(t, version)
}

func TestWarehouse_ClickHouse_ExtractLoad(t *testing.T) {
	t.Parallel()
	info := testOperator(t)
	op := info.Operator
	ctx := t.Context()

	require.NoError(t, info.Store.Put(ctx, "s3://bucket/in.csv", []byte("id;name;day\n1;a;2024-01-01\n2;;\n")))

	schema := operator.Schema{
		{Name: "id", Type: "INT64"},
		{Name: "name", Type: "STRING"},
		{Name: "day", Type: "DATE"},
	}
	require.NoError(t, op.LoadTable(ctx, "s3://bucket/in.csv", "loaded", schema, ";", operator.WriteTruncate))
	require.NoError(t, op.LoadTable(ctx, "s3://bucket/in.csv", "loaded", schema, ";", operator.WriteAppend))
	require.ErrorIs(t, op.LoadTable(ctx, "s3://bucket/in.csv", "loaded", schema, ";", operator.WriteEmpty), clickhouse.ErrNotEmpty)

	_, err := op.RunQuery(ctx, "select * from "+op.BuildTableID("loaded")+" order by id, name", "sorted", operator.WriteTruncate)
	require.NoError(t, err)
	require.NoError(t, op.ExtractTable(ctx, "sorted", "s3://bucket/out.csv", ";", true))
	data, err := info.Store.Get(ctx, "s3://bucket/out.csv")
	require.NoError(t, err)
	require.Equal(t, "id;name;day\n1;a;2024-01-01\n1;a;2024-01-01\n2;;\n2;;\n", string(data))

	t.Run("without schema every column is a string", func(t *testing.T) {
		require.NoError(t, op.LoadTables(ctx, []string{"s3://bucket/in.csv"}, []string{"raw"}, nil, ";", operator.WriteTruncate))
		table, err := op.GetTable(ctx, "raw")
		require.NoError(t, err)
		for _, f := range table.Schema {
			require.Equal(t, "Nullable(String)", f.Type)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		err := op.LoadTable(ctx, "s3://bucket/none.csv", "x", nil, ";", operator.WriteTruncate)
		require.ErrorIs(t, err, objectstore.ErrNotFound)
	})

	t.Run("bad delimiter", func(t *testing.T) {
		require.Error(t, op.ExtractTables(ctx, []string{"sorted"}, []string{"s3://bucket/x.csv"}, ";;", false))
	})
}
