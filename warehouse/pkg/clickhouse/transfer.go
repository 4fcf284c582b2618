package clickhouse

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/malbeclabs/warehouse/tasks/pkg/operator"
	"golang.org/x/sync/errgroup"
)

// ExtractTable writes source as delimited text to destinationURI.
func (o *Operator) ExtractTable(ctx context.Context, source, destinationURI, fieldDelimiter string, printHeader bool) error {
	if o.store == nil {
		return errors.New("no object store configured for extract")
	}
	delim, err := delimiter(fieldDelimiter)
	if err != nil {
		return err
	}
	cols, err := o.columns(ctx, source)
	if err != nil {
		return err
	}

	names := make([]string, len(cols))
	exprs := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
		exprs[i] = "ifNull(toString(" + quoteIdent(c.name) + "), '')"
	}
	query := "SELECT " + strings.Join(exprs, ", ") + " FROM " + o.BuildTableID(source)

	conn, err := o.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(o.withSettings(ctx), query)
	if err != nil {
		return fmt.Errorf("failed to read table %s: %w", source, err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delim
	if printHeader {
		if err := w.Write(names); err != nil {
			return err
		}
	}
	var count int
	for rows.Next() {
		record := make([]string, len(cols))
		dest := make([]any, len(cols))
		for i := range record {
			dest[i] = &record[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan row of %s: %w", source, err)
		}
		if err := w.Write(record); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read table %s: %w", source, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if err := o.store.Put(ctx, destinationURI, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", destinationURI, err)
	}
	o.log.Info("clickhouse: extracted table", "table", source, "uri", destinationURI, "rows", count)
	return nil
}

func (o *Operator) ExtractTables(ctx context.Context, sources, destinationURIs []string, fieldDelimiter string, printHeader bool) error {
	if len(sources) != len(destinationURIs) {
		return fmt.Errorf("got %d sources for %d destination uris", len(sources), len(destinationURIs))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit)
	for i, source := range sources {
		g.Go(func() error {
			return o.ExtractTable(gctx, source, destinationURIs[i], fieldDelimiter, printHeader)
		})
	}
	return g.Wait()
}

// LoadTable loads the delimited file at sourceURI into destination. The first
// row of the file names the columns. Without a schema every column is a
// string.
func (o *Operator) LoadTable(ctx context.Context, sourceURI, destination string, schema operator.Schema, fieldDelimiter string, wd operator.WriteDisposition) error {
	if o.store == nil {
		return errors.New("no object store configured for load")
	}
	delim, err := delimiter(fieldDelimiter)
	if err != nil {
		return err
	}
	data, err := o.store.Get(ctx, sourceURI)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", sourceURI, err)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", sourceURI, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%s has no header row", sourceURI)
	}
	header, records := records[0], records[1:]

	if schema == nil {
		schema = make(operator.Schema, len(header))
		for i, name := range header {
			schema[i] = operator.Field{Name: name, Type: "STRING"}
		}
	}
	if err := o.prepareLoad(ctx, destination, schema, wd); err != nil {
		return err
	}

	cols, err := o.columns(ctx, destination)
	if err != nil {
		return err
	}
	types := make(map[string]string, len(cols))
	for _, c := range cols {
		types[c.name] = c.typ
	}
	quoted := make([]string, len(header))
	for i, name := range header {
		if _, ok := types[name]; !ok {
			return fmt.Errorf("column %q of %s is not in table %s", name, sourceURI, destination)
		}
		quoted[i] = quoteIdent(name)
	}

	conn, err := o.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ContextWithSyncInsert(ctx),
		"INSERT INTO "+o.BuildTableID(destination)+" ("+strings.Join(quoted, ", ")+")")
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", destination, err)
	}
	for line, record := range records {
		values := make([]any, len(header))
		for i, name := range header {
			v, err := parseValue(types[name], record[i])
			if err != nil {
				_ = batch.Abort()
				return fmt.Errorf("%s line %d column %s: %w", sourceURI, line+2, name, err)
			}
			values[i] = v
		}
		if err := batch.Append(values...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to %s: %w", destination, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to load %s: %w", destination, err)
	}
	o.log.Info("clickhouse: loaded table", "table", destination, "uri", sourceURI, "rows", len(records))
	return nil
}

func (o *Operator) LoadTables(ctx context.Context, sourceURIs, destinations []string, schemas []operator.Schema, fieldDelimiter string, wd operator.WriteDisposition) error {
	if len(sourceURIs) != len(destinations) {
		return fmt.Errorf("got %d source uris for %d destinations", len(sourceURIs), len(destinations))
	}
	if schemas != nil && len(schemas) != len(destinations) {
		return fmt.Errorf("got %d schemas for %d destinations", len(schemas), len(destinations))
	}
	for i, uri := range sourceURIs {
		var schema operator.Schema
		if schemas != nil {
			schema = schemas[i]
		}
		if err := o.LoadTable(ctx, uri, destinations[i], schema, fieldDelimiter, wd); err != nil {
			return err
		}
	}
	return nil
}

// prepareLoad makes destination ready to receive rows under wd.
func (o *Operator) prepareLoad(ctx context.Context, destination string, schema operator.Schema, wd operator.WriteDisposition) error {
	exists, err := o.TableExists(ctx, destination)
	if err != nil {
		return err
	}
	switch wd {
	case operator.WriteTruncate:
	case operator.WriteAppend:
		if exists {
			return nil
		}
	case operator.WriteEmpty:
		if exists {
			return o.checkEmpty(ctx, destination)
		}
	default:
		return fmt.Errorf("unsupported write disposition %q", wd)
	}
	ddl, err := createTableDDL(o.BuildTableID(destination), schema, operator.PartitionOptions{}, wd == operator.WriteTruncate)
	if err != nil {
		return fmt.Errorf("invalid schema for table %s: %w", destination, err)
	}
	if err := o.exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", destination, err)
	}
	return nil
}

func delimiter(s string) (rune, error) {
	if s == "" {
		return '|', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || size != len(s) || r == '"' || r == '\n' || r == '\r' {
		return 0, fmt.Errorf("invalid field delimiter %q", s)
	}
	return r, nil
}
