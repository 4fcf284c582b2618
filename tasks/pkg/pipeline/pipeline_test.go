package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/malbeclabs/warehouse/tasks/pkg/metrics"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator/operatortest"
	"github.com/malbeclabs/warehouse/tasks/pkg/pipeline"
	"github.com/malbeclabs/warehouse/tasks/pkg/task"
	laketesting "github.com/malbeclabs/warehouse/utils/pkg/testing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const orders = `
conf:
  project_id: acme
  dataset_name: sales
  start_date: 2024-01-01
  credentials: secret
tables:
  computed: [orders]
  exposed: [orders_dashboard]
tasks:
  - kind: create_dataset
    location: EU
  - kind: run_query
    name: ComputeOrders
    destination_table_name: "{computed_orders}"
    query_template: "select * from {dataset_id}.raw_orders where day >= '{start}'"
    params:
      start: 2024-01-01
  - kind: create_view
    name: ExposeOrders
    destination_table_name: "{exposed_orders_dashboard}"
    query_template: "select * from {computed_orders}"
    time_to_live: long
  - kind: extract_table
    source_table_name: "{exposed_orders_dashboard}"
    destination_uri: "s3://exports/{dataset_name}/orders.csv"
    field_delimiter: ","
    print_header: false
reporting: true
`

type fixture struct {
	op     *operatortest.Operator
	env    *task.Env
	tasks  []*task.Task
	runner *pipeline.Runner
}

func newFixture(t *testing.T, doc string) *fixture {
	t.Helper()

	f, err := pipeline.Load(strings.NewReader(doc))
	require.NoError(t, err)
	cfg, err := f.Config()
	require.NoError(t, err)
	names, err := f.Registry()
	require.NoError(t, err)

	op := operatortest.New(cfg.DatasetID())
	env, err := task.NewEnv(task.EnvConfig{
		Logger:   op.Logger(),
		Clock:    clockwork.NewFakeClock(),
		Conf:     cfg,
		Names:    names,
		Operator: op,
	})
	require.NoError(t, err)
	tasks, err := f.BuildTasks(env)
	require.NoError(t, err)
	runner, err := pipeline.New(pipeline.Config{Logger: laketesting.NewLogger(), Env: env})
	require.NoError(t, err)
	return &fixture{op: op, env: env, tasks: tasks, runner: runner}
}

func TestWarehouse_Pipeline_Load(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, orders)
	require.Len(t, fx.tasks, 8)

	require.Equal(t, "computed_orders", fx.tasks[1].DestinationTableName)
	require.Equal(t, task.LongTimeToLive, fx.tasks[2].TimeToLive)
	require.Equal(t, "s3://exports/sales/orders.csv", fx.tasks[3].DestinationURI)
	require.True(t, fx.tasks[3].OmitHeader)
	require.Equal(t, task.KindWriteConf, fx.tasks[4].Kind)
	require.Equal(t, task.KindClean, fx.tasks[7].Kind)
}

func TestWarehouse_Pipeline_Load_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown key", func(t *testing.T) {
		t.Parallel()

		_, err := pipeline.Load(strings.NewReader("conf: {project_id: a, dataset_name: b}\ntask: []\n"))
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("unresolved table name", func(t *testing.T) {
		t.Parallel()

		f, err := pipeline.Load(strings.NewReader(`
conf: {project_id: a, dataset_name: b}
tasks:
  - kind: run_query
    query_template: select 1
    destination_table_name: "{computed_missing}"
`))
		require.NoError(t, err)
		cfg, err := f.Config()
		require.NoError(t, err)
		names, err := f.Registry()
		require.NoError(t, err)
		op := operatortest.New(cfg.DatasetID())
		env, err := task.NewEnv(task.EnvConfig{Logger: op.Logger(), Conf: cfg, Names: names, Operator: op})
		require.NoError(t, err)
		_, err = f.BuildTasks(env)
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("unknown time to live", func(t *testing.T) {
		t.Parallel()

		f, err := pipeline.Load(strings.NewReader(`
conf: {project_id: a, dataset_name: b}
tasks:
  - kind: run_query
    query_template: select 1
    destination_table_name: x
    time_to_live: forever
`))
		require.NoError(t, err)
		cfg, err := f.Config()
		require.NoError(t, err)
		names, err := f.Registry()
		require.NoError(t, err)
		op := operatortest.New(cfg.DatasetID())
		env, err := task.NewEnv(task.EnvConfig{Logger: op.Logger(), Conf: cfg, Names: names, Operator: op})
		require.NoError(t, err)
		_, err = f.BuildTasks(env)
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()

		f, err := pipeline.Load(strings.NewReader(`
conf: {project_id: a, dataset_name: b}
tasks:
  - kind: run_everything
`))
		require.NoError(t, err)
		cfg, err := f.Config()
		require.NoError(t, err)
		names, err := f.Registry()
		require.NoError(t, err)
		op := operatortest.New(cfg.DatasetID())
		env, err := task.NewEnv(task.EnvConfig{Logger: op.Logger(), Conf: cfg, Names: names, Operator: op})
		require.NoError(t, err)
		_, err = f.BuildTasks(env)
		require.ErrorIs(t, err, conf.ErrConfiguration)
		require.ErrorContains(t, err, "run_query")
	})

	t.Run("colliding affixes", func(t *testing.T) {
		t.Parallel()

		f, err := pipeline.Load(strings.NewReader(`
conf: {project_id: a, dataset_name: b}
tables:
  computed: [conf]
  affixes:
    report: {prefix: computed_}
`))
		require.NoError(t, err)
		_, err = f.Registry()
		require.ErrorIs(t, err, conf.ErrConfiguration)
	})
}

func TestWarehouse_Pipeline_Run(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, orders)
	before := testutil.ToFloat64(metrics.TaskRunsTotal.WithLabelValues(string(task.KindCreateView), "success"))

	require.Equal(t, pipeline.StateIdle, fx.runner.Status().State)
	require.NoError(t, fx.runner.Run(context.Background(), fx.tasks))
	require.True(t, fx.runner.Ready())

	status := fx.runner.Status()
	require.Equal(t, pipeline.StateSucceeded, status.State)
	require.Equal(t, len(fx.tasks), status.Completed)
	require.Equal(t, len(fx.tasks), status.Total)
	require.NotEmpty(t, status.RunID)
	require.Empty(t, status.Task)

	require.Equal(t, before+1, testutil.ToFloat64(metrics.TaskRunsTotal.WithLabelValues(string(task.KindCreateView), "success")))

	q, ok := fx.op.View("exposed_orders_dashboard")
	require.True(t, ok)
	require.Equal(t, "select * from computed_orders", q)
	ttl, ok := fx.op.TimeToLive("exposed_orders_dashboard")
	require.True(t, ok)
	require.Equal(t, 10, ttl)
	require.False(t, fx.op.HasTable("tmp_monitoring_ComputeOrders"))

	var writeConf string
	for _, e := range fx.op.Calls() {
		if e.Method == "RunQuery" && e.Args[0] == "report_conf" {
			writeConf = e.Args[1].(string)
		}
	}
	require.Equal(t, "select 'acme' as project_id, 'sales' as dataset_name, date('2024-01-01') as start_date", writeConf)
	require.Contains(t, fx.op.Trace(), "RunQuery computed_orders select * from acme.sales.raw_orders where day >= '2024-01-01'")
}

func TestWarehouse_Pipeline_Run_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, orders)
	boom := errors.New("boom")
	fx.op.Fail("CreateView", boom)

	err := fx.runner.Run(context.Background(), fx.tasks)
	require.ErrorIs(t, err, boom)
	require.False(t, fx.runner.Ready())

	status := fx.runner.Status()
	require.Equal(t, pipeline.StateFailed, status.State)
	require.Equal(t, "boom", status.Error)
	require.Less(t, status.Completed, status.Total)
	require.Equal(t, fx.tasks[status.Completed].DisplayName(), status.Task)

	for _, e := range fx.op.Calls() {
		require.NotEqual(t, "ExtractTable", e.Method)
	}
	require.True(t, fx.op.HasTable("computed_orders"))
}
