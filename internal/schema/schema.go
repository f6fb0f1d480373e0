// Package schema inspects the target database and renders its structure as
// prompt text for SQL generation: table definitions plus a few sample rows
// per table, enough for the model to see real value shapes.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Default limits keep the rendered schema inside the prompt budget.
const (
	defaultSampleRows = 3
	defaultMaxTables  = 20
)

// Column is one column of an inspected table.
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// Table is one inspected table with a few sample rows.
type Table struct {
	Name       string
	Columns    []Column
	SampleRows [][]string
}

// Inspector reads table metadata from the postgres information schema.
type Inspector struct {
	logger *slog.Logger

	SampleRows int // Sample rows per table. Default: 3.
	MaxTables  int // Tables included in the description. Default: 20.

	// mu guards db: SetDB runs on the renewer goroutine while Describe
	// runs on a request goroutine.
	mu sync.Mutex
	db *sql.DB
}

// NewInspector creates an inspector over an open connection.
func NewInspector(db *sql.DB, logger *slog.Logger) *Inspector {
	return &Inspector{
		db:         db,
		logger:     logger,
		SampleRows: defaultSampleRows,
		MaxTables:  defaultMaxTables,
	}
}

// SetDB swaps the underlying connection after a credential rotation rebuilt it.
func (i *Inspector) SetDB(db *sql.DB) {
	i.mu.Lock()
	i.db = db
	i.mu.Unlock()
}

func (i *Inspector) conn() *sql.DB {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.db
}

// Tables lists the base tables in the public schema with their columns and
// sample rows.
func (i *Inspector) Tables(ctx context.Context) ([]Table, error) {
	names, err := i.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		cols, err := i.columns(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("describing table %s: %w", name, err)
		}

		samples, err := i.sampleRows(ctx, name, len(cols))
		if err != nil {
			// Sample rows are best-effort: a table readable in the catalog
			// may still be denied to the dynamic role.
			i.logger.Debug("sampling table failed",
				slog.String("table", name),
				slog.String("error", err.Error()),
			)
			samples = nil
		}

		tables = append(tables, Table{Name: name, Columns: cols, SampleRows: samples})
	}
	return tables, nil
}

// Describe renders the schema as prompt text.
func (i *Inspector) Describe(ctx context.Context) (string, error) {
	tables, err := i.Tables(ctx)
	if err != nil {
		return "", err
	}
	return Render(tables), nil
}

func (i *Inspector) tableNames(ctx context.Context) ([]string, error) {
	rows, err := i.conn().QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name
		LIMIT $1`, i.maxTables())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (i *Inspector) columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := i.conn().QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (i *Inspector) sampleRows(ctx context.Context, table string, numCols int) ([][]string, error) {
	limit := i.SampleRows
	if limit <= 0 {
		limit = defaultSampleRows
	}

	// Table name comes from the information schema, not user input.
	rows, err := i.conn().QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %q LIMIT %d`, table, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]any, numCols)
	scanArgs := make([]any, numCols)
	for idx := range values {
		scanArgs[idx] = &values[idx]
	}

	var samples [][]string
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		row := make([]string, numCols)
		for idx, v := range values {
			row[idx] = FormatValue(v)
		}
		samples = append(samples, row)
	}
	return samples, rows.Err()
}

func (i *Inspector) maxTables() int {
	if i.MaxTables > 0 {
		return i.MaxTables
	}
	return defaultMaxTables
}

// Render produces the prompt text for a set of tables: a CREATE TABLE
// sketch per table followed by tab-separated sample rows.
func Render(tables []Table) string {
	var sb strings.Builder
	for ti, t := range tables {
		if ti > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", t.Name))
		for ci, c := range t.Columns {
			sb.WriteString(fmt.Sprintf("\t%s %s", c.Name, strings.ToUpper(c.DataType)))
			if !c.Nullable {
				sb.WriteString(" NOT NULL")
			}
			if ci < len(t.Columns)-1 {
				sb.WriteString(",")
			}
			sb.WriteString("\n")
		}
		sb.WriteString(")\n")

		if len(t.SampleRows) > 0 {
			sb.WriteString(fmt.Sprintf("\n/*\n%d rows from %s table:\n", len(t.SampleRows), t.Name))
			colNames := make([]string, len(t.Columns))
			for ci, c := range t.Columns {
				colNames[ci] = c.Name
			}
			sb.WriteString(strings.Join(colNames, "\t"))
			sb.WriteString("\n")
			for _, row := range t.SampleRows {
				sb.WriteString(strings.Join(row, "\t"))
				sb.WriteString("\n")
			}
			sb.WriteString("*/\n")
		}
	}
	return sb.String()
}

// FormatValue converts a scanned SQL value to a display string.
func FormatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if len(s) > 100 {
			return s[:100] + "..."
		}
		return s
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}
