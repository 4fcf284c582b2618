// Package task implements the catalogue of warehouse tasks and the fixed
// logging and expiration stages wrapped around each of them.
package task

import (
	"context"
	"fmt"

	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
)

type Kind string

const (
	KindCreateDataset           Kind = "create_dataset"
	KindCreateEmptyTable        Kind = "create_empty_table"
	KindCreateView              Kind = "create_view"
	KindCreateViews             Kind = "create_views"
	KindRunQuery                Kind = "run_query"
	KindRunQueries              Kind = "run_queries"
	KindExtractTable            Kind = "extract_table"
	KindExtractTables           Kind = "extract_tables"
	KindLoadTable               Kind = "load_table"
	KindLoadTables              Kind = "load_tables"
	KindCopyTable               Kind = "copy_table"
	KindCopyTables              Kind = "copy_tables"
	KindDeleteTableIfMismatches Kind = "delete_table_if_mismatches"
	KindDeleteTablesIfMismatch  Kind = "delete_tables_if_mismatch"
	KindClean                   Kind = "clean"
	KindWriteConf               Kind = "write_conf"
	KindGatherMonitorings       Kind = "gather_monitorings"
	KindMonitorQuery            Kind = "monitor_query"
	KindDropExpired             Kind = "drop_expired"
)

// TimeToLive selects which configured time-to-live a task's destinations get.
type TimeToLive int

const (
	ShortTimeToLive TimeToLive = iota
	LongTimeToLive
)

const DefaultFieldDelimiter = "|"

// QueryFunc builds a query at run time.
type QueryFunc func(ctx context.Context, env *Env) (string, error)

// Task is a unit of warehouse work. Which fields are used depends on Kind;
// for every singular/plural pair, a kind that needs it requires exactly one
// of the two.
type Task struct {
	// Name identifies the task in logs and names its monitoring table.
	// Defaults to the display name of the kind.
	Name string
	Kind Kind

	QueryTemplate  string
	QueryTemplates []string
	// Query builds the query instead of QueryTemplate.
	Query QueryFunc
	// Params are extra template values, overlaid on the env context.
	Params map[string]any

	SourceTableName       string
	SourceTableNames      []string
	DestinationTableName  string
	DestinationTableNames []string
	SourceURI             string
	SourceURIs            []string
	DestinationURI        string
	DestinationURIs       []string
	SourceDatasetID       string

	Schema       operator.Schema
	Schemas      []operator.Schema
	Partitioning operator.PartitionOptions

	// Location of the dataset created by KindCreateDataset.
	Location string

	FieldDelimiter   string
	OmitHeader       bool
	WriteDisposition operator.WriteDisposition

	// SampleSize overrides the configured sample size.
	SampleSize        *int
	DisableSampling   bool
	DisableMonitoring bool
	TimeToLive        TimeToLive
}

// Run validates t, then runs it wrapped in its stages. Validation errors
// are returned before any operator call.
func (t *Task) Run(ctx context.Context, env *Env) error {
	v, err := t.validate(env)
	if err != nil {
		return err
	}
	return compose(t.stages(v), func(ctx context.Context) error {
		return v.run(ctx, env, t)
	})(ctx, env, t)
}

// DisplayName returns the name the task logs and monitors under.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	if v, ok := variants[t.Kind]; ok {
		return v.display
	}
	return string(t.Kind)
}

// Destinations returns the destination table names, singular or plural.
func (t *Task) Destinations() ([]string, error) {
	if err := exactlyOne("destination_table_name", t.DestinationTableName != "", len(t.DestinationTableNames) > 0); err != nil {
		return nil, err
	}
	if t.DestinationTableName != "" {
		return []string{t.DestinationTableName}, nil
	}
	return t.DestinationTableNames, nil
}

func (t *Task) validate(env *Env) (*variant, error) {
	v, ok := variants[t.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown task kind %q", conf.ErrConfiguration, t.Kind)
	}
	name := t.DisplayName()
	if !sqlenc.IsIdentifier(name) {
		return nil, fmt.Errorf("%w: task name %q is not an identifier", conf.ErrConfiguration, name)
	}
	if t.WriteDisposition != "" && !t.WriteDisposition.Valid() {
		return nil, fmt.Errorf("%w: task %s: unknown write disposition %q", conf.ErrConfiguration, name, t.WriteDisposition)
	}
	if t.TimeToLive != ShortTimeToLive && t.TimeToLive != LongTimeToLive {
		return nil, fmt.Errorf("%w: task %s: unknown time to live policy %d", conf.ErrConfiguration, name, t.TimeToLive)
	}
	if t.SampleSize != nil && *t.SampleSize <= 0 {
		return nil, fmt.Errorf("%w: task %s: sample size must be positive", conf.ErrConfiguration, name)
	}
	if t.QueryTemplate != "" && t.Query != nil {
		return nil, fmt.Errorf("%w: task %s: both query_template and query are set", conf.ErrConfiguration, name)
	}
	if v.expires {
		if _, err := t.Destinations(); err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
	}
	if v.check != nil {
		if err := v.check(t, env); err != nil {
			return nil, fmt.Errorf("task %s: %w", name, err)
		}
	}
	return v, nil
}

func (t *Task) writeDisposition() operator.WriteDisposition {
	if t.WriteDisposition == "" {
		return operator.WriteTruncate
	}
	return t.WriteDisposition
}

func (t *Task) fieldDelimiter() string {
	if t.FieldDelimiter == "" {
		return DefaultFieldDelimiter
	}
	return t.FieldDelimiter
}

func (t *Task) timeToLiveDays(env *Env) int {
	if t.TimeToLive == LongTimeToLive {
		return env.conf.LongTimeToLive
	}
	return env.conf.ShortTimeToLive
}

func (t *Task) sampleSize(env *Env) (int, bool) {
	if t.DisableSampling {
		return 0, false
	}
	if t.SampleSize != nil {
		return *t.SampleSize, true
	}
	if env.conf.SampleSize != nil {
		return *env.conf.SampleSize, true
	}
	return 0, false
}

func (t *Task) query(ctx context.Context, env *Env) (string, error) {
	if t.Query != nil {
		return t.Query(ctx, env)
	}
	return env.Format(t.QueryTemplate, t.Params)
}

// queries resolves every template before anything runs so that a bad
// template cannot leave a partially applied plural task behind.
func (t *Task) queries(ctx context.Context, env *Env) ([]string, error) {
	if t.QueryTemplate != "" || t.Query != nil {
		q, err := t.query(ctx, env)
		if err != nil {
			return nil, err
		}
		return []string{q}, nil
	}
	queries := make([]string, len(t.QueryTemplates))
	for i, tmpl := range t.QueryTemplates {
		q, err := env.Format(tmpl, t.Params)
		if err != nil {
			return nil, err
		}
		queries[i] = q
	}
	return queries, nil
}

func exactlyOne(field string, single, plural bool) error {
	switch {
	case single && plural:
		return fmt.Errorf("%w: both %s and %ss are set", conf.ErrConfiguration, field, field)
	case !single && !plural:
		return fmt.Errorf("%w: one of %s or %ss is required", conf.ErrConfiguration, field, field)
	}
	return nil
}

// requireSingular checks that the singular form is set and the plural is not.
func requireSingular(field string, single, plural bool) error {
	if err := exactlyOne(field, single, plural); err != nil {
		return err
	}
	if !single {
		return fmt.Errorf("%w: %s is required, not %ss", conf.ErrConfiguration, field, field)
	}
	return nil
}

func requirePlural(field string, single, plural bool) error {
	if err := exactlyOne(field, single, plural); err != nil {
		return err
	}
	if !plural {
		return fmt.Errorf("%w: %ss is required, not %s", conf.ErrConfiguration, field, field)
	}
	return nil
}

func sameLength(fields []string, lengths ...int) error {
	for i := 1; i < len(lengths); i++ {
		if lengths[i] != lengths[0] {
			return fmt.Errorf("%w: %s and %s have different lengths (%d != %d)",
				conf.ErrConfiguration, fields[0], fields[i], lengths[0], lengths[i])
		}
	}
	return nil
}
