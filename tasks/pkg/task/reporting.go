package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/tablenames"
)

// Sub-fields of a monitoring row.
const (
	MonitoringDuration = "query_duration"
	MonitoringCost     = "query_cost"
)

// ErrNoMonitorings is returned when there is no monitoring table to gather.
var ErrNoMonitorings = errors.New("no monitoring tables found")

const monitorQueryTemplate = `select
  {query_duration} as query_duration,
  {query_cost} as query_cost
from {monitoring_details_table}`

// NewWriteConf writes the process configuration, credentials excluded, as a
// single row of the report conf table.
func NewWriteConf(names *tablenames.Registry) *Task {
	return &Task{
		Kind:                 KindWriteConf,
		DestinationTableName: names.Report(tablenames.ReportConf),
		Query: func(_ context.Context, env *Env) (string, error) {
			return env.enc.Encode(env.conf.BaseToWrite())
		},
		DisableSampling:   true,
		DisableMonitoring: true,
		TimeToLive:        LongTimeToLive,
	}
}

// NewGatherMonitorings cross joins every monitoring table of the dataset
// into the report monitoring details table.
func NewGatherMonitorings(names *tablenames.Registry) *Task {
	return &Task{
		Kind:                 KindGatherMonitorings,
		DestinationTableName: names.Report(tablenames.ReportMonitoringDetails),
		Query:                gatherMonitoringsQuery,
		DisableSampling:      true,
		DisableMonitoring:    true,
		TimeToLive:           LongTimeToLive,
	}
}

// NewMonitorQuery sums the duration and cost of every monitored task into
// the report monitoring query table.
func NewMonitorQuery(names *tablenames.Registry) *Task {
	return &Task{
		Kind:                 KindMonitorQuery,
		DestinationTableName: names.Report(tablenames.ReportMonitoringQuery),
		Query:                monitorQueryQuery,
		DisableSampling:      true,
		DisableMonitoring:    true,
		TimeToLive:           LongTimeToLive,
	}
}

func NewClean() *Task {
	return &Task{Kind: KindClean}
}

// Reporting returns the tasks closing a pipeline: configuration snapshot,
// monitoring reports and cleanup of the temporary tables.
func Reporting(names *tablenames.Registry) []*Task {
	return []*Task{
		NewWriteConf(names),
		NewGatherMonitorings(names),
		NewMonitorQuery(names),
		NewClean(),
	}
}

func gatherMonitoringsQuery(ctx context.Context, env *Env) (string, error) {
	tables, err := env.op.ListTables(ctx)
	if err != nil {
		return "", err
	}
	var ids []string
	for _, name := range tables {
		if c, ok := env.names.Classify(name); ok && c == tablenames.TmpMonitoring {
			ids = append(ids, name)
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w in dataset %s", ErrNoMonitorings, env.conf.DatasetID())
	}
	sort.Strings(ids)
	for i, name := range ids {
		ids[i] = env.op.BuildTableID(name)
	}
	return "select *\nfrom " + strings.Join(ids, "\ncross join "), nil
}

func monitorQueryQuery(ctx context.Context, env *Env) (string, error) {
	details := env.names.Report(tablenames.ReportMonitoringDetails)
	table, err := env.op.GetTable(ctx, details)
	if err != nil {
		return "", err
	}
	return env.Format(monitorQueryTemplate, map[string]any{
		MonitoringDuration:         sumOf(table.Schema, MonitoringDuration),
		MonitoringCost:             sumOf(table.Schema, MonitoringCost),
		"monitoring_details_table": env.op.BuildTableID(details),
	})
}

// sumOf adds up every sub-field named field of the record columns of schema.
func sumOf(schema operator.Schema, field string) string {
	var terms []string
	for _, col := range schema {
		for _, sub := range col.Fields {
			if sub.Name == field {
				terms = append(terms, col.Name+"."+sub.Name)
			}
		}
	}
	if len(terms) == 0 {
		return "0"
	}
	return strings.Join(terms, " +\n    ")
}
