package task

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
)

type variant struct {
	display string
	// expires is true when the destinations get a time to live.
	expires bool
	check   func(t *Task, env *Env) error
	run     func(ctx context.Context, env *Env, t *Task) error
}

// variants is filled in init since runners refer back to it through
// DisplayName.
var variants map[Kind]*variant

func init() {
	variants = map[Kind]*variant{
		KindCreateDataset:           {display: "CreateDataset", check: checkCreateDataset, run: runCreateDataset},
		KindCreateEmptyTable:        {display: "CreateEmptyTable", expires: true, check: checkCreateEmptyTable, run: runCreateEmptyTable},
		KindCreateView:              {display: "CreateView", expires: true, check: checkSingleQuery, run: runCreateViews},
		KindCreateViews:             {display: "CreateViews", expires: true, check: checkPluralQueries, run: runCreateViews},
		KindRunQuery:                {display: "RunQuery", expires: true, check: checkSingleQuery, run: runQuery},
		KindRunQueries:              {display: "RunQueries", expires: true, check: checkPluralQueries, run: runQueries},
		KindExtractTable:            {display: "ExtractTable", check: checkExtractTable, run: runExtractTable},
		KindExtractTables:           {display: "ExtractTables", check: checkExtractTables, run: runExtractTables},
		KindLoadTable:               {display: "LoadTable", expires: true, check: checkLoadTable, run: runLoadTable},
		KindLoadTables:              {display: "LoadTables", expires: true, check: checkLoadTables, run: runLoadTables},
		KindCopyTable:               {display: "CopyTable", expires: true, check: checkCopyTable, run: runCopyTable},
		KindCopyTables:              {display: "CopyTables", expires: true, check: checkCopyTables, run: runCopyTables},
		KindDeleteTableIfMismatches: {display: "DeleteTableIfMismatches", check: checkCopyTable, run: runDeleteIfMismatch},
		KindDeleteTablesIfMismatch:  {display: "DeleteTablesIfMismatch", check: checkCopyTables, run: runDeleteIfMismatch},
		KindClean:                   {display: "Clean", run: runClean},
		KindWriteConf:               {display: "WriteConf", expires: true, check: checkSingleQuery, run: runQuery},
		KindGatherMonitorings:       {display: "GatherMonitorings", expires: true, check: checkSingleQuery, run: runQuery},
		KindMonitorQuery:            {display: "MonitorQuery", expires: true, check: checkSingleQuery, run: runQuery},
		KindDropExpired:             {display: "DropExpired", check: checkDropExpired, run: runDropExpired},
	}
}

// Kinds returns every known kind, sorted.
func Kinds() []Kind {
	kinds := slices.Collect(maps.Keys(variants))
	slices.Sort(kinds)
	return kinds
}

func hasQuery(t *Task) bool { return t.QueryTemplate != "" || t.Query != nil }

func checkCreateDataset(t *Task, _ *Env) error {
	if t.Location == "" {
		return fmt.Errorf("%w: location is required", conf.ErrConfiguration)
	}
	return nil
}

func checkCreateEmptyTable(t *Task, _ *Env) error {
	if err := requireSingular("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0); err != nil {
		return err
	}
	if len(t.Schema) == 0 {
		return fmt.Errorf("%w: schema is required", conf.ErrConfiguration)
	}
	p := t.Partitioning
	if p.TimePartitioning != nil && p.RangePartitioning != nil {
		return fmt.Errorf("%w: both time and range partitioning are set", conf.ErrConfiguration)
	}
	if r := p.RangePartitioning; r != nil && (r.Interval <= 0 || r.End <= r.Start) {
		return fmt.Errorf("%w: invalid range partitioning on %s", conf.ErrConfiguration, r.Field)
	}
	return nil
}

func checkSingleQuery(t *Task, _ *Env) error {
	if err := requireSingular("query_template", hasQuery(t), len(t.QueryTemplates) > 0); err != nil {
		return err
	}
	return requireSingular("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0)
}

func checkPluralQueries(t *Task, _ *Env) error {
	if err := requirePlural("query_template", hasQuery(t), len(t.QueryTemplates) > 0); err != nil {
		return err
	}
	if err := requirePlural("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0); err != nil {
		return err
	}
	return sameLength([]string{"query_templates", "destination_table_names"}, len(t.QueryTemplates), len(t.DestinationTableNames))
}

func checkExtractTable(t *Task, _ *Env) error {
	if err := requireSingular("source_table_name", t.SourceTableName != "", len(t.SourceTableNames) > 0); err != nil {
		return err
	}
	return requireSingular("destination_uri", t.DestinationURI != "", len(t.DestinationURIs) > 0)
}

func checkExtractTables(t *Task, _ *Env) error {
	if err := requirePlural("source_table_name", t.SourceTableName != "", len(t.SourceTableNames) > 0); err != nil {
		return err
	}
	if err := requirePlural("destination_uri", t.DestinationURI != "", len(t.DestinationURIs) > 0); err != nil {
		return err
	}
	return sameLength([]string{"source_table_names", "destination_uris"}, len(t.SourceTableNames), len(t.DestinationURIs))
}

func checkLoadTable(t *Task, _ *Env) error {
	if err := requireSingular("source_uri", t.SourceURI != "", len(t.SourceURIs) > 0); err != nil {
		return err
	}
	if len(t.Schemas) > 0 {
		return fmt.Errorf("%w: schemas is set on a single table load", conf.ErrConfiguration)
	}
	return requireSingular("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0)
}

func checkLoadTables(t *Task, _ *Env) error {
	if err := requirePlural("source_uri", t.SourceURI != "", len(t.SourceURIs) > 0); err != nil {
		return err
	}
	if err := requirePlural("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0); err != nil {
		return err
	}
	if len(t.Schema) > 0 {
		return fmt.Errorf("%w: schema is set on a multiple table load", conf.ErrConfiguration)
	}
	if len(t.Schemas) > 0 {
		if err := sameLength([]string{"source_uris", "schemas"}, len(t.SourceURIs), len(t.Schemas)); err != nil {
			return err
		}
	}
	return sameLength([]string{"source_uris", "destination_table_names"}, len(t.SourceURIs), len(t.DestinationTableNames))
}

func checkCopyTable(t *Task, _ *Env) error {
	if err := requireSingular("source_table_name", t.SourceTableName != "", len(t.SourceTableNames) > 0); err != nil {
		return err
	}
	return requireSingular("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0)
}

func checkCopyTables(t *Task, _ *Env) error {
	if err := requirePlural("source_table_name", t.SourceTableName != "", len(t.SourceTableNames) > 0); err != nil {
		return err
	}
	if err := requirePlural("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0); err != nil {
		return err
	}
	return sameLength([]string{"source_table_names", "destination_table_names"}, len(t.SourceTableNames), len(t.DestinationTableNames))
}

func checkDropExpired(_ *Task, env *Env) error {
	if _, ok := env.op.(operator.Expirer); !ok {
		return fmt.Errorf("%w: operator does not track table expirations", conf.ErrConfiguration)
	}
	return nil
}

func runCreateDataset(ctx context.Context, env *Env, t *Task) error {
	exists, err := env.op.DatasetExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return env.op.CreateDataset(ctx, t.Location)
	}
	ds, err := env.op.GetDataset(ctx)
	if err != nil {
		return err
	}
	if ds.Location != t.Location {
		return fmt.Errorf("%w: dataset %s is located in %q, not %q", conf.ErrConfiguration, env.conf.DatasetID(), ds.Location, t.Location)
	}
	return nil
}

func runCreateEmptyTable(ctx context.Context, env *Env, t *Task) error {
	if err := deleteIfExists(ctx, env, t.DestinationTableName); err != nil {
		return err
	}
	return env.op.CreateEmptyTable(ctx, t.DestinationTableName, t.Schema, t.Partitioning)
}

func runCreateViews(ctx context.Context, env *Env, t *Task) error {
	queries, err := t.queries(ctx, env)
	if err != nil {
		return err
	}
	destinations := t.DestinationTableNames
	if t.DestinationTableName != "" {
		destinations = []string{t.DestinationTableName}
	}
	for i, name := range destinations {
		if err := deleteIfExists(ctx, env, name); err != nil {
			return err
		}
		if err := env.op.CreateView(ctx, queries[i], name); err != nil {
			return err
		}
	}
	return nil
}

func runQuery(ctx context.Context, env *Env, t *Task) error {
	query, err := t.query(ctx, env)
	if err != nil {
		return err
	}
	if n, ok := t.sampleSize(env); ok {
		query = env.op.SampleQuery(query, n)
	}
	stats, err := env.op.RunQuery(ctx, query, t.DestinationTableName, t.writeDisposition())
	if err != nil {
		return err
	}
	return writeMonitoring(ctx, env, t, stats)
}

func runQueries(ctx context.Context, env *Env, t *Task) error {
	queries, err := t.queries(ctx, env)
	if err != nil {
		return err
	}
	if n, ok := t.sampleSize(env); ok {
		for i, q := range queries {
			queries[i] = env.op.SampleQuery(q, n)
		}
	}
	stats, err := env.op.RunQueries(ctx, queries, t.DestinationTableNames, t.writeDisposition())
	if err != nil {
		return err
	}
	return writeMonitoring(ctx, env, t, stats)
}

// writeMonitoring records what the task's queries cost in the task's own
// monitoring table.
func writeMonitoring(ctx context.Context, env *Env, t *Task, stats *operator.QueryStats) error {
	if t.DisableMonitoring || stats == nil {
		return nil
	}
	name := t.DisplayName()
	query, err := env.enc.Encode(sqlenc.Row{{Name: name, Value: sqlenc.Row{
		{Name: MonitoringDuration, Value: stats.Duration.Seconds()},
		{Name: MonitoringCost, Value: stats.Cost},
	}}})
	if err != nil {
		return err
	}
	table := env.names.BuildTmpMonitoring(name)
	if _, err := env.op.RunQuery(ctx, query, table, operator.WriteTruncate); err != nil {
		return err
	}
	return env.op.SetTimeToLive(ctx, table, env.conf.ShortTimeToLive)
}

func runExtractTable(ctx context.Context, env *Env, t *Task) error {
	return env.op.ExtractTable(ctx, t.SourceTableName, t.DestinationURI, t.fieldDelimiter(), !t.OmitHeader)
}

func runExtractTables(ctx context.Context, env *Env, t *Task) error {
	return env.op.ExtractTables(ctx, t.SourceTableNames, t.DestinationURIs, t.fieldDelimiter(), !t.OmitHeader)
}

func runLoadTable(ctx context.Context, env *Env, t *Task) error {
	return env.op.LoadTable(ctx, t.SourceURI, t.DestinationTableName, t.Schema, t.fieldDelimiter(), t.writeDisposition())
}

func runLoadTables(ctx context.Context, env *Env, t *Task) error {
	return env.op.LoadTables(ctx, t.SourceURIs, t.DestinationTableNames, t.Schemas, t.fieldDelimiter(), t.writeDisposition())
}

func runCopyTable(ctx context.Context, env *Env, t *Task) error {
	return env.op.CopyTable(ctx, t.SourceTableName, t.DestinationTableName, t.sourceDatasetID(env), t.writeDisposition())
}

func runCopyTables(ctx context.Context, env *Env, t *Task) error {
	return env.op.CopyTables(ctx, t.SourceTableNames, t.DestinationTableNames, t.sourceDatasetID(env), t.writeDisposition())
}

func (t *Task) sourceDatasetID(env *Env) string {
	if t.SourceDatasetID == "" {
		return env.conf.DatasetID()
	}
	return t.SourceDatasetID
}

// runDeleteIfMismatch deletes every destination whose format differs from
// its paired source. Pairs where either table is missing are left alone.
func runDeleteIfMismatch(ctx context.Context, env *Env, t *Task) error {
	sources, destinations := t.SourceTableNames, t.DestinationTableNames
	if t.SourceTableName != "" {
		sources, destinations = []string{t.SourceTableName}, []string{t.DestinationTableName}
	}
	for i, source := range sources {
		target := destinations[i]
		mismatch, err := formatsMismatch(ctx, env, source, target)
		if err != nil {
			return err
		}
		if !mismatch {
			continue
		}
		env.log.Debug("task: deleting table with mismatching format", "table", target, "reference", source)
		if err := env.op.DeleteTable(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func formatsMismatch(ctx context.Context, env *Env, source, target string) (bool, error) {
	for _, name := range []string{source, target} {
		exists, err := env.op.TableExists(ctx, name)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	want, err := env.op.GetFormatAttributes(ctx, source)
	if err != nil {
		return false, err
	}
	got, err := env.op.GetFormatAttributes(ctx, target)
	if err != nil {
		return false, err
	}
	return want != got, nil
}

func runClean(ctx context.Context, env *Env, _ *Task) error {
	tables, err := env.op.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, name := range tables {
		if !env.names.IsToDelete(name) {
			continue
		}
		if err := env.op.DeleteTable(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func runDropExpired(ctx context.Context, env *Env, _ *Task) error {
	tables, err := env.op.(operator.Expirer).ExpiredTables(ctx, env.clock.Now())
	if err != nil {
		return err
	}
	for _, name := range tables {
		if err := deleteIfExists(ctx, env, name); err != nil {
			return err
		}
	}
	env.log.Debug("task: dropped expired tables", "count", len(tables))
	return nil
}

func deleteIfExists(ctx context.Context, env *Env, name string) error {
	exists, err := env.op.TableExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return env.op.DeleteTable(ctx, name)
}
