package task_test

import (
	"context"
	"testing"

	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator/operatortest"
	"github.com/malbeclabs/warehouse/tasks/pkg/task"
	"github.com/stretchr/testify/require"
)

func TestWarehouse_Task_WriteConf(t *testing.T) {
	t.Parallel()

	op := operatortest.New("acme.sales")
	env := newEnv(t, op)
	require.NoError(t, task.NewWriteConf(env.Names()).Run(context.Background(), env))
	require.Equal(t, []string{
		"log Starting WriteConf...",
		"RunQuery report_conf select 'acme' as project_id, 'sales' as dataset_name",
		"SetTimeToLive report_conf 10",
		"log Ended WriteConf",
	}, op.Trace())
}

func TestWarehouse_Task_GatherMonitorings(t *testing.T) {
	t.Parallel()

	t.Run("cross joins sorted monitoring tables", func(t *testing.T) {
		t.Parallel()

		op := operatortest.New("acme.sales").
			AddTable("tmp_monitoring_B", nil).
			AddTable("computed_orders", nil).
			AddTable("tmp_monitoring_A", nil)
		env := newEnv(t, op)
		require.NoError(t, task.NewGatherMonitorings(env.Names()).Run(context.Background(), env))
		require.Equal(t, []string{
			"ListTables",
			"RunQuery report_monitoring_details select *\nfrom acme.sales.tmp_monitoring_A\ncross join acme.sales.tmp_monitoring_B",
			"SetTimeToLive report_monitoring_details 10",
		}, traceOf(op.Calls()))
	})

	t.Run("fails without monitoring tables", func(t *testing.T) {
		t.Parallel()

		op := operatortest.New("acme.sales")
		env := newEnv(t, op)
		err := task.NewGatherMonitorings(env.Names()).Run(context.Background(), env)
		require.ErrorIs(t, err, task.ErrNoMonitorings)
	})
}

func TestWarehouse_Task_MonitorQuery(t *testing.T) {
	t.Parallel()

	monitoring := func(name string) operator.Field {
		return operator.Field{Name: name, Type: "RECORD", Fields: []operator.Field{
			{Name: task.MonitoringDuration, Type: "FLOAT64"},
			{Name: task.MonitoringCost, Type: "FLOAT64"},
		}}
	}

	t.Run("sums every monitored task", func(t *testing.T) {
		t.Parallel()

		op := operatortest.New("acme.sales").AddTable("report_monitoring_details", operator.Schema{
			monitoring("A"),
			{Name: "plain", Type: "INT64"},
			monitoring("B"),
		})
		env := newEnv(t, op)
		require.NoError(t, task.NewMonitorQuery(env.Names()).Run(context.Background(), env))
		require.Equal(t, []string{
			"GetTable report_monitoring_details",
			"RunQuery report_monitoring_query select\n" +
				"  A.query_duration +\n    B.query_duration as query_duration,\n" +
				"  A.query_cost +\n    B.query_cost as query_cost\n" +
				"from acme.sales.report_monitoring_details",
			"SetTimeToLive report_monitoring_query 10",
		}, traceOf(op.Calls()))
	})

	t.Run("no monitored task sums to zero", func(t *testing.T) {
		t.Parallel()

		op := operatortest.New("acme.sales").AddTable("report_monitoring_details", operator.Schema{{Name: "plain", Type: "INT64"}})
		env := newEnv(t, op)
		require.NoError(t, task.NewMonitorQuery(env.Names()).Run(context.Background(), env))
		require.Equal(t,
			"RunQuery report_monitoring_query select\n  0 as query_duration,\n  0 as query_cost\nfrom acme.sales.report_monitoring_details",
			op.Calls()[1].String())
	})
}

func TestWarehouse_Task_Reporting(t *testing.T) {
	t.Parallel()

	op := operatortest.New("acme.sales")
	env := newEnv(t, op)
	monitored := &task.Task{Name: "ComputeOrders", Kind: task.KindRunQuery, QueryTemplate: "select 1", DestinationTableName: "computed_orders"}
	require.NoError(t, monitored.Run(context.Background(), env))
	for _, tk := range task.Reporting(env.Names()) {
		require.NoError(t, tk.Run(context.Background(), env))
	}
	require.False(t, op.HasTable("tmp_monitoring_ComputeOrders"))
	require.True(t, op.HasTable("report_monitoring_query"))
	ttl, ok := op.TimeToLive("report_conf")
	require.True(t, ok)
	require.Equal(t, 10, ttl)
}
