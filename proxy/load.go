package proxy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualifiedName splits a schema.name table name into quoted parts.
func qualifiedName(name string) (schemaName, full string) {
	ns, rel, ok := strings.Cut(name, ".")
	if !ok {
		return "", quoteIdent(name)
	}
	return ns, quoteIdent(ns) + "." + quoteIdent(rel)
}

func duckDBType(t schema.Type) string {
	switch t {
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Int:
		return "INTEGER"
	case schema.Long:
		return "BIGINT"
	case schema.Float:
		return "REAL"
	case schema.Double:
		return "DOUBLE"
	case schema.Binary:
		return "BLOB"
	case schema.Date:
		return "DATE"
	case schema.Timestamp:
		return "TIMESTAMPTZ"
	default:
		return "VARCHAR"
	}
}

func createTableSQL(full string, s *schema.Schema) string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = quoteIdent(f.Name) + " " + duckDBType(f.Type)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", full, strings.Join(cols, ", "))
}

func insertSQL(full string, s *schema.Schema) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(s.Fields)), ", ")
	return fmt.Sprintf("INSERT INTO %s VALUES (%s)", full, marks)
}

// load replaces the DuckDB copy of a table with rows.
func (m *materializer) load(ctx context.Context, name string, s *schema.Schema, rows []iceberg.Row) error {
	ns, full := qualifiedName(name)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ns != "" {
		if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(ns)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(full, s)); err != nil {
		return err
	}
	if len(rows) > 0 {
		if err := insertRows(ctx, tx, insertSQL(full, s), s, rows); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRows(ctx context.Context, tx *sql.Tx, query string, s *schema.Schema, rows []iceberg.Row) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(s.Fields))
	for _, row := range rows {
		for i, f := range s.Fields {
			v, err := f.Type.Convert(row[f.ID])
			if err != nil {
				return fmt.Errorf("column %s: %w", f.Name, err)
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}
