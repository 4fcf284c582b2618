package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/tasks/pkg/metrics"
	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"github.com/malbeclabs/warehouse/tasks/pkg/sqlenc"
	"github.com/malbeclabs/warehouse/warehouse/pkg/objectstore"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound = errors.New("not found")
	ErrNotEmpty = errors.New("destination table is not empty")
)

const (
	expirationsTable = "_table_expirations"
	gooseTable       = "goose_db_version"

	bytesPerTiB = 1 << 40
)

var (
	_ operator.Operator = (*Operator)(nil)
	_ operator.Expirer  = (*Operator)(nil)
)

type Config struct {
	Logger *slog.Logger
	Client Client
	Clock  clockwork.Clock
	// Database is the dataset the operator works on.
	Database string
	// Migrations locates the server migrations run against when the dataset
	// is created. Its database is always Database.
	Migrations MigrationConfig
	// Store holds extracted and loaded files. Extract and load fail without it.
	Store objectstore.Store
	// PricePerTiB prices the bytes a query reads.
	PricePerTiB float64
	// Settings are added to every query, e.g. the settings of Dialect.
	Settings map[string]any
	// Concurrency bounds how many tables plural extracts and copies work on
	// at once. 4 when zero.
	Concurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if !sqlenc.IsIdentifier(cfg.Database) {
		return fmt.Errorf("invalid database name %q", cfg.Database)
	}
	if cfg.Migrations.Addr == "" {
		return errors.New("migrations addr is required")
	}
	if cfg.PricePerTiB < 0 {
		return errors.New("price per TiB must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return nil
}

// Operator runs warehouse operations on one ClickHouse database.
type Operator struct {
	log        *slog.Logger
	client     Client
	clock      clockwork.Clock
	db         string
	migrations MigrationConfig
	store      objectstore.Store
	price      float64
	settings   clickhouse.Settings
	limit      int

	// migrateMu guards migrated, set once Up succeeded against db.
	migrateMu sync.Mutex
	migrated  bool
}

func New(cfg Config) (*Operator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	migrations := cfg.Migrations
	migrations.Database = cfg.Database

	settings := clickhouse.Settings{}
	for k, v := range cfg.Settings {
		settings[k] = v
	}

	return &Operator{
		log:        cfg.Logger,
		client:     cfg.Client,
		clock:      cfg.Clock,
		db:         cfg.Database,
		migrations: migrations,
		store:      cfg.Store,
		price:      cfg.PricePerTiB,
		settings:   settings,
		limit:      cfg.Concurrency,
	}, nil
}

// BuildTableID returns `database`.`name`.
func (o *Operator) BuildTableID(name string) string {
	return quoteIdent(o.db) + "." + quoteIdent(name)
}

func (o *Operator) DatasetExists(ctx context.Context) (bool, error) {
	var n uint64
	if err := o.queryRow(ctx, "SELECT count() FROM system.databases WHERE name = ?", []any{o.db}, &n); err != nil {
		return false, fmt.Errorf("failed to check database %s: %w", o.db, err)
	}
	return n > 0, nil
}

// GetDataset returns the database, located by its comment.
func (o *Operator) GetDataset(ctx context.Context) (*operator.Dataset, error) {
	var comment string
	err := o.queryRow(ctx, "SELECT comment FROM system.databases WHERE name = ?", []any{o.db}, &comment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("database %s: %w", o.db, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get database %s: %w", o.db, err)
	}
	return &operator.Dataset{ID: o.db, Location: comment}, nil
}

// CreateDataset creates the database and its bookkeeping tables.
func (o *Operator) CreateDataset(ctx context.Context, location string) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s COMMENT %s", quoteIdent(o.db), sqlenc.QuoteString(location))
	if err := o.exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create database %s: %w", o.db, err)
	}
	if err := o.migrate(ctx); err != nil {
		return err
	}
	o.log.Info("clickhouse: created database", "database", o.db, "location", location)
	return nil
}

func (o *Operator) TableExists(ctx context.Context, name string) (bool, error) {
	var n uint64
	if err := o.queryRow(ctx, "SELECT count() FROM system.tables WHERE database = ? AND name = ?", []any{o.db, name}, &n); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// DeleteTable drops name and forgets its expiration.
func (o *Operator) DeleteTable(ctx context.Context, name string) error {
	if err := o.exec(ctx, "DROP TABLE "+o.BuildTableID(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	return o.recordExpiration(ctx, name, nil, 0)
}

func (o *Operator) GetTable(ctx context.Context, name string) (*operator.Table, error) {
	schema, err := o.schema(ctx, name)
	if err != nil {
		return nil, err
	}
	return &operator.Table{Name: name, Schema: schema}, nil
}

func (o *Operator) GetFormatAttributes(ctx context.Context, name string) (operator.FormatAttributes, error) {
	var attrs operator.FormatAttributes
	err := o.queryRow(ctx,
		"SELECT engine, partition_key, sorting_key FROM system.tables WHERE database = ? AND name = ?",
		[]any{o.db, name}, &attrs.Kind, &attrs.Partitioning, &attrs.Clustering)
	if errors.Is(err, sql.ErrNoRows) {
		return attrs, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return attrs, fmt.Errorf("failed to get format of table %s: %w", name, err)
	}
	cols, err := o.columns(ctx, name)
	if err != nil {
		return attrs, err
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.name + " " + c.typ
	}
	attrs.Schema = strings.Join(parts, ", ")
	return attrs, nil
}

// ListTables returns the tables and views of the database, without the
// bookkeeping tables.
func (o *Operator) ListTables(ctx context.Context) ([]string, error) {
	conn, err := o.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND NOT startsWith(name, '.inner')
		  AND name NOT IN (?, ?)
		ORDER BY name
	`, o.db, expirationsTable, gooseTable)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

func (o *Operator) CreateEmptyTable(ctx context.Context, name string, schema operator.Schema, opts operator.PartitionOptions) error {
	if opts.RequirePartitionFilter {
		o.log.Debug("clickhouse: require_partition_filter has no table level equivalent, ignored", "table", name)
	}
	ddl, err := createTableDDL(o.BuildTableID(name), schema, opts, false)
	if err != nil {
		return fmt.Errorf("invalid schema for table %s: %w", name, err)
	}
	if err := o.exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	return nil
}

func (o *Operator) CreateView(ctx context.Context, query, name string) error {
	if err := o.exec(ctx, "CREATE VIEW "+o.BuildTableID(name)+" AS "+trimQuery(query)); err != nil {
		return fmt.Errorf("failed to create view %s: %w", name, err)
	}
	return nil
}

// RunQuery materializes query into destination.
func (o *Operator) RunQuery(ctx context.Context, query, destination string, wd operator.WriteDisposition) (*operator.QueryStats, error) {
	query = trimQuery(query)
	target := o.BuildTableID(destination)
	create := "CREATE TABLE " + target + " ENGINE = MergeTree ORDER BY tuple() AS " + query

	var statement string
	switch wd {
	case operator.WriteTruncate:
		statement = "CREATE OR REPLACE TABLE " + target + " ENGINE = MergeTree ORDER BY tuple() AS " + query
	case operator.WriteAppend, operator.WriteEmpty:
		exists, err := o.TableExists(ctx, destination)
		if err != nil {
			return nil, err
		}
		statement = create
		if exists {
			if wd == operator.WriteEmpty {
				if err := o.checkEmpty(ctx, destination); err != nil {
					return nil, err
				}
			}
			statement = "INSERT INTO " + target + " " + query
		}
	default:
		return nil, fmt.Errorf("unsupported write disposition %q", wd)
	}

	var readBytes atomic.Uint64
	qctx := clickhouse.Context(ctx,
		clickhouse.WithSettings(o.settings),
		clickhouse.WithProgress(func(p *clickhouse.Progress) {
			readBytes.Add(p.Bytes)
		}),
	)

	start := o.clock.Now()
	if err := o.exec(qctx, statement); err != nil {
		return nil, fmt.Errorf("failed to run query into %s: %w", destination, err)
	}
	stats := &operator.QueryStats{
		Duration: o.clock.Since(start),
		Cost:     float64(readBytes.Load()) / bytesPerTiB * o.price,
	}
	metrics.OperatorQueryCost.Add(stats.Cost)
	o.log.Debug("clickhouse: query completed", "destination", destination, "duration", stats.Duration, "bytes", readBytes.Load())
	return stats, nil
}

// RunQueries runs queries in order; stats are summed.
func (o *Operator) RunQueries(ctx context.Context, queries, destinations []string, wd operator.WriteDisposition) (*operator.QueryStats, error) {
	if len(queries) != len(destinations) {
		return nil, fmt.Errorf("got %d queries for %d destinations", len(queries), len(destinations))
	}
	total := &operator.QueryStats{}
	for i, q := range queries {
		stats, err := o.RunQuery(ctx, q, destinations[i], wd)
		if err != nil {
			return nil, err
		}
		total.Add(stats)
	}
	return total, nil
}

// SampleQuery keeps the first n rows of query.
func (o *Operator) SampleQuery(query string, n int) string {
	return fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", trimQuery(query), n)
}

// CopyTable copies source of the dataset sourceDatasetID. A dataset id
// "<project>.<dataset>" names database <dataset>.
func (o *Operator) CopyTable(ctx context.Context, source, destination, sourceDatasetID string, wd operator.WriteDisposition) error {
	query := "SELECT * FROM " + quoteIdent(o.databaseOf(sourceDatasetID)) + "." + quoteIdent(source)
	if _, err := o.RunQuery(ctx, query, destination, wd); err != nil {
		return fmt.Errorf("failed to copy table %s: %w", source, err)
	}
	return nil
}

func (o *Operator) CopyTables(ctx context.Context, sources, destinations []string, sourceDatasetID string, wd operator.WriteDisposition) error {
	if len(sources) != len(destinations) {
		return fmt.Errorf("got %d sources for %d destinations", len(sources), len(destinations))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit)
	for i, source := range sources {
		g.Go(func() error {
			return o.CopyTable(gctx, source, destinations[i], sourceDatasetID, wd)
		})
	}
	return g.Wait()
}

// SetTimeToLive records that name expires ttlDays days from now. Expired
// tables are dropped by ExpiredTables' callers.
func (o *Operator) SetTimeToLive(ctx context.Context, name string, ttlDays int) error {
	if ttlDays <= 0 {
		return fmt.Errorf("time to live of %s must be positive, got %d", name, ttlDays)
	}
	expiresAt := o.clock.Now().UTC().Add(time.Duration(ttlDays) * 24 * time.Hour)
	return o.recordExpiration(ctx, name, &expiresAt, ttlDays)
}

// ExpiredTables returns the tables whose expiration is at or before now.
func (o *Operator) ExpiredTables(ctx context.Context, now time.Time) ([]string, error) {
	if err := o.migrate(ctx); err != nil {
		return nil, err
	}
	conn, err := o.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT table_name
		FROM %s FINAL
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY table_name
	`, o.BuildTableID(expirationsTable)), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan expired table: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query expired tables: %w", err)
	}
	return names, nil
}

// migrate applies pending migrations to db the first time bookkeeping is
// needed, so databases created outside this tool get the expirations table
// too. A failed attempt is retried on the next call.
func (o *Operator) migrate(ctx context.Context) error {
	o.migrateMu.Lock()
	defer o.migrateMu.Unlock()
	if o.migrated {
		return nil
	}
	if err := Up(ctx, o.log, o.migrations); err != nil {
		return err
	}
	o.migrated = true
	return nil
}

func (o *Operator) recordExpiration(ctx context.Context, name string, expiresAt *time.Time, ttlDays int) error {
	if err := o.migrate(ctx); err != nil {
		return err
	}
	conn, err := o.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ContextWithSyncInsert(ctx),
		"INSERT INTO "+o.BuildTableID(expirationsTable)+" (table_name, expires_at, ttl_days, updated_at)")
	if err != nil {
		return fmt.Errorf("failed to prepare expiration insert: %w", err)
	}
	if err := batch.Append(name, expiresAt, uint32(ttlDays), o.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to append expiration of %s: %w", name, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to record expiration of %s: %w", name, err)
	}
	return nil
}

func (o *Operator) checkEmpty(ctx context.Context, name string) error {
	var n uint64
	if err := o.queryRow(ctx, "SELECT count() FROM "+o.BuildTableID(name), nil, &n); err != nil {
		return fmt.Errorf("failed to count rows of %s: %w", name, err)
	}
	if n > 0 {
		return fmt.Errorf("%s: %w", name, ErrNotEmpty)
	}
	return nil
}

type column struct {
	name string
	typ  string
}

func (o *Operator) columns(ctx context.Context, table string) ([]column, error) {
	conn, err := o.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		o.db, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.name, &c.typ); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	return cols, nil
}

func (o *Operator) schema(ctx context.Context, table string) (operator.Schema, error) {
	cols, err := o.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	schema := make(operator.Schema, len(cols))
	for i, c := range cols {
		f, err := ParseField(c.name, c.typ)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		schema[i] = f
	}
	return schema, nil
}

func (o *Operator) databaseOf(datasetID string) string {
	if datasetID == "" {
		return o.db
	}
	if i := strings.LastIndexByte(datasetID, '.'); i >= 0 {
		return datasetID[i+1:]
	}
	return datasetID
}

func (o *Operator) exec(ctx context.Context, query string) error {
	conn, err := o.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	start := o.clock.Now()
	err = conn.Exec(ctx, query)
	observeQuery(o.clock.Since(start), err)
	return err
}

func (o *Operator) queryRow(ctx context.Context, query string, args []any, dest ...any) error {
	conn, err := o.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	start := o.clock.Now()
	err = conn.QueryRow(ctx, query, args...).Scan(dest...)
	observeQuery(o.clock.Since(start), err)
	return err
}

func observeQuery(d time.Duration, err error) {
	metrics.OperatorQueryDuration.Observe(d.Seconds())
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.OperatorQueriesTotal.WithLabelValues(status).Inc()
}

func (o *Operator) withSettings(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(o.settings))
}

func trimQuery(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), ";")
}
