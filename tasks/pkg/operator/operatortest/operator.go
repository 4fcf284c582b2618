// Package operatortest provides an in-memory operator that records every
// call, and every log line written through its logger, in one ordered trace.
package operatortest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
)

// ErrNotFound is returned for operations on tables that do not exist.
var ErrNotFound = errors.New("not found")

// Event is one recorded call or log line. Log lines use Method "log".
type Event struct {
	Method string
	Args   []any
}

func (e Event) String() string {
	parts := make([]string, 0, len(e.Args)+1)
	parts = append(parts, e.Method)
	for _, a := range e.Args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, " ")
}

var (
	_ operator.Operator = (*Operator)(nil)
	_ operator.Expirer  = (*Operator)(nil)
)

type Operator struct {
	mu sync.Mutex

	datasetID string
	location  string
	exists    bool

	tables  map[string]*operator.Table
	formats map[string]operator.FormatAttributes
	views   map[string]string
	ttls    map[string]int
	errs    map[string]error
	expired []string
	stats   operator.QueryStats
	events  []Event
}

// New returns an operator for datasetID whose dataset does not exist yet.
func New(datasetID string) *Operator {
	return &Operator{
		datasetID: datasetID,
		tables:    make(map[string]*operator.Table),
		formats:   make(map[string]operator.FormatAttributes),
		views:     make(map[string]string),
		ttls:      make(map[string]int),
		errs:      make(map[string]error),
		stats:     operator.QueryStats{Duration: 2 * time.Second, Cost: 0.25},
	}
}

// WithDataset marks the dataset as existing in location.
func (o *Operator) WithDataset(location string) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exists = true
	o.location = location
	return o
}

// AddTable registers an existing table.
func (o *Operator) AddTable(name string, schema operator.Schema) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tables[name] = &operator.Table{Name: name, Schema: schema}
	return o
}

// SetFormat sets the format attributes reported for name.
func (o *Operator) SetFormat(name string, attrs operator.FormatAttributes) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.formats[name] = attrs
	return o
}

// SetStats sets the stats returned by every query.
func (o *Operator) SetStats(stats operator.QueryStats) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats = stats
	return o
}

// SetExpired sets the tables reported by ExpiredTables.
func (o *Operator) SetExpired(tables ...string) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired = tables
	return o
}

// Fail makes method return err.
func (o *Operator) Fail(method string, err error) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[method] = err
	return o
}

// Events returns every recorded event in order.
func (o *Operator) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

// Calls returns the recorded operator calls, without log lines.
func (o *Operator) Calls() []Event {
	var calls []Event
	for _, e := range o.Events() {
		if e.Method != "log" {
			calls = append(calls, e)
		}
	}
	return calls
}

// Trace returns every event formatted as a string.
func (o *Operator) Trace() []string {
	events := o.Events()
	trace := make([]string, len(events))
	for i, e := range events {
		trace[i] = e.String()
	}
	return trace
}

// HasTable reports whether name currently exists.
func (o *Operator) HasTable(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tables[name]
	return ok
}

// View returns the query of view name.
func (o *Operator) View(name string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.views[name]
	return q, ok
}

// TimeToLive returns the ttl last set on name.
func (o *Operator) TimeToLive(name string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ttl, ok := o.ttls[name]
	return ttl, ok
}

// Logger returns a logger whose records are appended to the trace.
func (o *Operator) Logger() *slog.Logger {
	return slog.New(&traceHandler{op: o})
}

func (o *Operator) record(method string, args ...any) error {
	o.events = append(o.events, Event{Method: method, Args: args})
	return o.errs[method]
}

func (o *Operator) DatasetExists(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("DatasetExists"); err != nil {
		return false, err
	}
	return o.exists, nil
}

func (o *Operator) GetDataset(ctx context.Context) (*operator.Dataset, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("GetDataset"); err != nil {
		return nil, err
	}
	if !o.exists {
		return nil, fmt.Errorf("dataset %s: %w", o.datasetID, ErrNotFound)
	}
	return &operator.Dataset{ID: o.datasetID, Location: o.location}, nil
}

func (o *Operator) CreateDataset(ctx context.Context, location string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("CreateDataset", location); err != nil {
		return err
	}
	o.exists = true
	o.location = location
	return nil
}

func (o *Operator) TableExists(ctx context.Context, name string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("TableExists", name); err != nil {
		return false, err
	}
	_, ok := o.tables[name]
	return ok, nil
}

func (o *Operator) DeleteTable(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("DeleteTable", name); err != nil {
		return err
	}
	if _, ok := o.tables[name]; !ok {
		return fmt.Errorf("table %s: %w", name, ErrNotFound)
	}
	delete(o.tables, name)
	delete(o.views, name)
	delete(o.ttls, name)
	return nil
}

func (o *Operator) GetTable(ctx context.Context, name string) (*operator.Table, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("GetTable", name); err != nil {
		return nil, err
	}
	t, ok := o.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (o *Operator) GetFormatAttributes(ctx context.Context, name string) (operator.FormatAttributes, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("GetFormatAttributes", name); err != nil {
		return operator.FormatAttributes{}, err
	}
	if _, ok := o.tables[name]; !ok {
		return operator.FormatAttributes{}, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}
	return o.formats[name], nil
}

func (o *Operator) ListTables(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("ListTables"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(o.tables))
	for name := range o.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (o *Operator) CreateEmptyTable(ctx context.Context, name string, schema operator.Schema, opts operator.PartitionOptions) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("CreateEmptyTable", name); err != nil {
		return err
	}
	if _, ok := o.tables[name]; ok {
		return fmt.Errorf("table %s already exists", name)
	}
	o.tables[name] = &operator.Table{Name: name, Schema: schema}
	return nil
}

func (o *Operator) CreateView(ctx context.Context, query, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("CreateView", name, query); err != nil {
		return err
	}
	if _, ok := o.tables[name]; ok {
		return fmt.Errorf("table %s already exists", name)
	}
	o.tables[name] = &operator.Table{Name: name}
	o.views[name] = query
	return nil
}

func (o *Operator) RunQuery(ctx context.Context, query, destination string, wd operator.WriteDisposition) (*operator.QueryStats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("RunQuery", destination, query); err != nil {
		return nil, err
	}
	o.ensureTable(destination)
	stats := o.stats
	return &stats, nil
}

func (o *Operator) RunQueries(ctx context.Context, queries, destinations []string, wd operator.WriteDisposition) (*operator.QueryStats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("RunQueries", strings.Join(destinations, ",")); err != nil {
		return nil, err
	}
	total := &operator.QueryStats{}
	for _, d := range destinations {
		o.ensureTable(d)
		stats := o.stats
		total.Add(&stats)
	}
	return total, nil
}

func (o *Operator) SampleQuery(query string, n int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.record("SampleQuery", n)
	return fmt.Sprintf("select * from (%s) limit %d", query, n)
}

func (o *Operator) ExtractTable(ctx context.Context, source, destinationURI, fieldDelimiter string, printHeader bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record("ExtractTable", source, destinationURI, fieldDelimiter, printHeader)
}

func (o *Operator) ExtractTables(ctx context.Context, sources, destinationURIs []string, fieldDelimiter string, printHeader bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record("ExtractTables", strings.Join(sources, ","), strings.Join(destinationURIs, ","), fieldDelimiter, printHeader)
}

func (o *Operator) LoadTable(ctx context.Context, sourceURI, destination string, schema operator.Schema, fieldDelimiter string, wd operator.WriteDisposition) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("LoadTable", sourceURI, destination, fieldDelimiter, wd); err != nil {
		return err
	}
	o.tables[destination] = &operator.Table{Name: destination, Schema: schema}
	return nil
}

func (o *Operator) LoadTables(ctx context.Context, sourceURIs, destinations []string, schemas []operator.Schema, fieldDelimiter string, wd operator.WriteDisposition) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("LoadTables", strings.Join(sourceURIs, ","), strings.Join(destinations, ","), fieldDelimiter, wd); err != nil {
		return err
	}
	for i, d := range destinations {
		var schema operator.Schema
		if i < len(schemas) {
			schema = schemas[i]
		}
		o.tables[d] = &operator.Table{Name: d, Schema: schema}
	}
	return nil
}

func (o *Operator) CopyTable(ctx context.Context, source, destination, sourceDatasetID string, wd operator.WriteDisposition) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("CopyTable", source, destination, sourceDatasetID, wd); err != nil {
		return err
	}
	o.ensureTable(destination)
	return nil
}

func (o *Operator) CopyTables(ctx context.Context, sources, destinations []string, sourceDatasetID string, wd operator.WriteDisposition) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("CopyTables", strings.Join(sources, ","), strings.Join(destinations, ","), sourceDatasetID, wd); err != nil {
		return err
	}
	for _, d := range destinations {
		o.ensureTable(d)
	}
	return nil
}

func (o *Operator) SetTimeToLive(ctx context.Context, name string, ttlDays int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("SetTimeToLive", name, ttlDays); err != nil {
		return err
	}
	o.ttls[name] = ttlDays
	return nil
}

func (o *Operator) BuildTableID(name string) string {
	return o.datasetID + "." + name
}

func (o *Operator) ExpiredTables(ctx context.Context, now time.Time) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.record("ExpiredTables"); err != nil {
		return nil, err
	}
	return append([]string(nil), o.expired...), nil
}

func (o *Operator) ensureTable(name string) {
	if _, ok := o.tables[name]; !ok {
		o.tables[name] = &operator.Table{Name: name}
	}
}

type traceHandler struct {
	op *Operator
}

func (h *traceHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *traceHandler) Handle(_ context.Context, r slog.Record) error {
	h.op.mu.Lock()
	defer h.op.mu.Unlock()
	h.op.events = append(h.op.events, Event{Method: "log", Args: []any{r.Message}})
	return nil
}

func (h *traceHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *traceHandler) WithGroup(string) slog.Handler      { return h }
