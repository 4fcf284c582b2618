// Package pipeline loads declarative pipeline files and runs their tasks in
// order.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
	"github.com/malbeclabs/warehouse/tasks/pkg/tablenames"
	"github.com/malbeclabs/warehouse/tasks/pkg/task"
	"gopkg.in/yaml.v3"
)

// File is a pipeline definition.
type File struct {
	Conf   sqlenc.Row `yaml:"conf"`
	Tables Tables     `yaml:"tables"`
	Tasks  []TaskSpec `yaml:"tasks"`
	// Reporting appends the reporting tasks after Tasks.
	Reporting bool `yaml:"reporting"`
}

type Tables struct {
	Computed         []string                    `yaml:"computed"`
	Exposed          []string                    `yaml:"exposed"`
	Report           []string                    `yaml:"report"`
	ExcludeFromCheck []string                    `yaml:"exclude_from_check"`
	Affixes          map[string]tablenames.Affix `yaml:"affixes"`
}

// TaskSpec declares a task. Table names, URIs, the source dataset and the
// location are templates resolved like queries.
type TaskSpec struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`

	QueryTemplate  string         `yaml:"query_template"`
	QueryTemplates []string       `yaml:"query_templates"`
	Params         map[string]any `yaml:"params"`

	SourceTableName       string   `yaml:"source_table_name"`
	SourceTableNames      []string `yaml:"source_table_names"`
	DestinationTableName  string   `yaml:"destination_table_name"`
	DestinationTableNames []string `yaml:"destination_table_names"`
	SourceURI             string   `yaml:"source_uri"`
	SourceURIs            []string `yaml:"source_uris"`
	DestinationURI        string   `yaml:"destination_uri"`
	DestinationURIs       []string `yaml:"destination_uris"`
	SourceDatasetID       string   `yaml:"source_dataset_id"`

	Schema       operator.Schema           `yaml:"schema"`
	Schemas      []operator.Schema         `yaml:"schemas"`
	Partitioning operator.PartitionOptions `yaml:"partitioning"`
	Location     string                    `yaml:"location"`

	FieldDelimiter    string `yaml:"field_delimiter"`
	PrintHeader       *bool  `yaml:"print_header"`
	WriteDisposition  string `yaml:"write_disposition"`
	SampleSize        *int   `yaml:"sample_size"`
	DisableSampling   bool   `yaml:"disable_sampling"`
	DisableMonitoring bool   `yaml:"disable_monitoring"`
	// TimeToLive is "short" (default) or "long".
	TimeToLive string `yaml:"time_to_live"`
}

// Load decodes a pipeline file. Unknown keys are rejected.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: failed to decode pipeline: %v", conf.ErrConfiguration, err)
	}
	return &f, nil
}

func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline file: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

// Config builds the process configuration of the file.
func (f *File) Config() (*conf.Config, error) {
	return conf.New(f.Conf)
}

// Registry builds the table names of the file.
func (f *File) Registry() (*tablenames.Registry, error) {
	cfg := tablenames.Config{
		Computed:         f.Tables.Computed,
		Exposed:          f.Tables.Exposed,
		Report:           f.Tables.Report,
		ExcludeFromCheck: f.Tables.ExcludeFromCheck,
	}
	if len(f.Tables.Affixes) > 0 {
		cfg.Affixes = make(map[tablenames.Category]tablenames.Affix, len(f.Tables.Affixes))
		for c, a := range f.Tables.Affixes {
			cfg.Affixes[tablenames.Category(c)] = a
		}
	}
	return tablenames.New(cfg)
}

// BuildTasks turns the declared tasks into runnable tasks bound to env's
// format context.
func (f *File) BuildTasks(env *task.Env) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0, len(f.Tasks)+4)
	for i := range f.Tasks {
		t, err := f.Tasks[i].build(env)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, f.Tasks[i].Kind, err)
		}
		tasks = append(tasks, t)
	}
	if f.Reporting {
		tasks = append(tasks, task.Reporting(env.Names())...)
	}
	return tasks, nil
}

func (s *TaskSpec) build(env *task.Env) (*task.Task, error) {
	kind := task.Kind(s.Kind)
	if !slices.Contains(task.Kinds(), kind) {
		return nil, fmt.Errorf("%w: unknown task kind %q, expected one of %v", conf.ErrConfiguration, s.Kind, task.Kinds())
	}
	var t *task.Task
	switch kind {
	case task.KindWriteConf:
		t = task.NewWriteConf(env.Names())
	case task.KindGatherMonitorings:
		t = task.NewGatherMonitorings(env.Names())
	case task.KindMonitorQuery:
		t = task.NewMonitorQuery(env.Names())
	default:
		var err error
		if t, err = s.buildGeneric(env); err != nil {
			return nil, err
		}
	}
	if s.Name != "" {
		t.Name = s.Name
	}
	return t, nil
}

func (s *TaskSpec) buildGeneric(env *task.Env) (*task.Task, error) {
	ttl, err := parseTimeToLive(s.TimeToLive)
	if err != nil {
		return nil, err
	}
	r := resolver{env: env, params: s.Params}
	t := &task.Task{
		Kind:              task.Kind(s.Kind),
		QueryTemplate:     s.QueryTemplate,
		QueryTemplates:    s.QueryTemplates,
		Params:            s.Params,
		Schema:            s.Schema,
		Schemas:           s.Schemas,
		Partitioning:      s.Partitioning,
		FieldDelimiter:    s.FieldDelimiter,
		OmitHeader:        s.PrintHeader != nil && !*s.PrintHeader,
		WriteDisposition:  operator.WriteDisposition(strings.ToUpper(s.WriteDisposition)),
		SampleSize:        s.SampleSize,
		DisableSampling:   s.DisableSampling,
		DisableMonitoring: s.DisableMonitoring,
		TimeToLive:        ttl,
	}
	t.SourceTableName = r.one(s.SourceTableName)
	t.SourceTableNames = r.many(s.SourceTableNames)
	t.DestinationTableName = r.one(s.DestinationTableName)
	t.DestinationTableNames = r.many(s.DestinationTableNames)
	t.SourceURI = r.one(s.SourceURI)
	t.SourceURIs = r.many(s.SourceURIs)
	t.DestinationURI = r.one(s.DestinationURI)
	t.DestinationURIs = r.many(s.DestinationURIs)
	t.SourceDatasetID = r.one(s.SourceDatasetID)
	t.Location = r.one(s.Location)
	if r.err != nil {
		return nil, r.err
	}
	return t, nil
}

func parseTimeToLive(s string) (task.TimeToLive, error) {
	switch strings.ToLower(s) {
	case "", "short":
		return task.ShortTimeToLive, nil
	case "long":
		return task.LongTimeToLive, nil
	}
	return 0, fmt.Errorf("%w: unknown time_to_live %q", conf.ErrConfiguration, s)
}

// resolver formats templates and keeps the first error.
type resolver struct {
	env    *task.Env
	params map[string]any
	err    error
}

func (r *resolver) one(tmpl string) string {
	if tmpl == "" || r.err != nil {
		return tmpl
	}
	s, err := r.env.Format(tmpl, r.params)
	if err != nil {
		r.err = err
	}
	return s
}

func (r *resolver) many(tmpls []string) []string {
	if tmpls == nil {
		return nil
	}
	out := make([]string, len(tmpls))
	for i, tmpl := range tmpls {
		out[i] = r.one(tmpl)
	}
	return out
}
