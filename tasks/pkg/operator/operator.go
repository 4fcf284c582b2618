// Package operator defines the warehouse capability tasks delegate their
// I/O to. Implementations live outside of the task core.
package operator

import (
	"context"
	"time"
)

// WriteDisposition tells the warehouse what to do with existing destination
// data.
type WriteDisposition string

const (
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
	WriteAppend   WriteDisposition = "WRITE_APPEND"
	WriteEmpty    WriteDisposition = "WRITE_EMPTY"
)

// Valid reports whether d is a known disposition.
func (d WriteDisposition) Valid() bool {
	switch d {
	case WriteTruncate, WriteAppend, WriteEmpty:
		return true
	}
	return false
}

// Field describes a column. Record columns carry their sub-fields.
type Field struct {
	Name   string  `yaml:"name"`
	Type   string  `yaml:"type"`
	Fields []Field `yaml:"fields,omitempty"`
}

// Schema is an ordered list of columns.
type Schema []Field

type Dataset struct {
	ID       string
	Location string
}

type Table struct {
	Name   string
	Schema Schema
}

// TimePartitioning partitions a table by a date or timestamp column.
type TimePartitioning struct {
	Field string `yaml:"field"`
	// Type is one of HOUR, DAY, MONTH or YEAR. DAY when empty.
	Type string `yaml:"type"`
}

// RangePartitioning partitions a table by integer buckets of a column.
type RangePartitioning struct {
	Field    string `yaml:"field"`
	Start    int64  `yaml:"start"`
	End      int64  `yaml:"end"`
	Interval int64  `yaml:"interval"`
}

// PartitionOptions are the physical layout options of an empty table.
type PartitionOptions struct {
	TimePartitioning       *TimePartitioning  `yaml:"time_partitioning,omitempty"`
	RangePartitioning      *RangePartitioning `yaml:"range_partitioning,omitempty"`
	RequirePartitionFilter bool               `yaml:"require_partition_filter,omitempty"`
	ClusteringFields       []string           `yaml:"clustering_fields,omitempty"`
}

// FormatAttributes describe the physical format of a table. Two tables with
// different attributes cannot be written into one another.
type FormatAttributes struct {
	Kind         string
	Partitioning string
	Clustering   string
	Schema       string
}

// QueryStats is what running a query cost.
type QueryStats struct {
	Duration time.Duration
	Cost     float64
}

// Add accumulates other into s.
func (s *QueryStats) Add(other *QueryStats) {
	if other == nil {
		return
	}
	s.Duration += other.Duration
	s.Cost += other.Cost
}

// Operator performs warehouse operations against one dataset. Plural methods
// pair their slices positionally.
type Operator interface {
	DatasetExists(ctx context.Context) (bool, error)
	GetDataset(ctx context.Context) (*Dataset, error)
	CreateDataset(ctx context.Context, location string) error

	TableExists(ctx context.Context, name string) (bool, error)
	DeleteTable(ctx context.Context, name string) error
	GetTable(ctx context.Context, name string) (*Table, error)
	GetFormatAttributes(ctx context.Context, name string) (FormatAttributes, error)
	ListTables(ctx context.Context) ([]string, error)

	CreateEmptyTable(ctx context.Context, name string, schema Schema, opts PartitionOptions) error
	CreateView(ctx context.Context, query, name string) error

	RunQuery(ctx context.Context, query, destination string, wd WriteDisposition) (*QueryStats, error)
	RunQueries(ctx context.Context, queries, destinations []string, wd WriteDisposition) (*QueryStats, error)
	SampleQuery(query string, n int) string

	ExtractTable(ctx context.Context, source, destinationURI, fieldDelimiter string, printHeader bool) error
	ExtractTables(ctx context.Context, sources, destinationURIs []string, fieldDelimiter string, printHeader bool) error
	LoadTable(ctx context.Context, sourceURI, destination string, schema Schema, fieldDelimiter string, wd WriteDisposition) error
	LoadTables(ctx context.Context, sourceURIs, destinations []string, schemas []Schema, fieldDelimiter string, wd WriteDisposition) error
	CopyTable(ctx context.Context, source, destination, sourceDatasetID string, wd WriteDisposition) error
	CopyTables(ctx context.Context, sources, destinations []string, sourceDatasetID string, wd WriteDisposition) error

	// SetTimeToLive makes name expire ttlDays days from now.
	SetTimeToLive(ctx context.Context, name string, ttlDays int) error
	// BuildTableID returns the fully qualified identifier of name.
	BuildTableID(name string) string
}

// Expirer is implemented by warehouses that do not expire tables by
// themselves and need expired tables to be dropped explicitly.
type Expirer interface {
	ExpiredTables(ctx context.Context, now time.Time) ([]string, error)
}
