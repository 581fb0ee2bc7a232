package importer

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Source yields feed rows in order. Returning an error from fn stops the
// iteration and is passed through.
type Source interface {
	Rows(ctx context.Context, fn func(Row) error) error
}

// CSVSource reads rows from a CSV file whose first record is the header.
type CSVSource struct {
	Path  string
	Comma rune
}

// Rows implements Source.
func (s CSVSource) Rows(ctx context.Context, fn func(Row) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readCSV(ctx, f, s.Comma, fn)
}

func readCSV(ctx context.Context, r io.Reader, comma rune, fn func(Row) error) error {
	cr := csv.NewReader(r)
	if comma != 0 {
		cr.Comma = comma
	}
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read feed header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// SQLSource reads rows from a query against the clinic's reporting database.
// Column names become row keys; NULLs become empty strings.
type SQLSource struct {
	DB    *sql.DB
	Query string
	Args  []any
}

var sqlOpen = sql.Open

// OpenSQLSource connects with the pgx driver.
func OpenSQLSource(dsn, query string) (*SQLSource, error) {
	if query == "" {
		return nil, errors.New("sql source: query is required")
	}
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql source: %w", err)
	}
	return &SQLSource{DB: db, Query: query}, nil
}

// Close releases the connection pool.
func (s *SQLSource) Close() error { return s.DB.Close() }

// Rows implements Source.
func (s *SQLSource) Rows(ctx context.Context, fn func(Row) error) error {
	rows, err := s.DB.QueryContext(ctx, s.Query, s.Args...)
	if err != nil {
		return fmt.Errorf("query feed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("feed columns: %w", err)
	}
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan feed row: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i].String
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
