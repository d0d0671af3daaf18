package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

// column is one source column mapped onto a table field.
type column struct {
	Name    string
	TypeOID uint32
	Key     bool // part of the replica identity
}

// relation is the current shape of a replicated source table.
type relation struct {
	table    string
	columns  []column
	fieldIDs []int // field id per column, same order
	keyIDs   []int
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// fetchColumns reads the column list and primary key of a source table.
func fetchColumns(ctx context.Context, conn querier, schemaName, tableName string) ([]column, error) {
	query := `
        SELECT
            a.attname,
            a.atttypid,
            COALESCE(i.indisprimary, false)
        FROM pg_catalog.pg_attribute a
        JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
        JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
        LEFT JOIN pg_catalog.pg_index i
            ON i.indrelid = c.oid AND i.indisprimary AND a.attnum = ANY(i.indkey)
        WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped
        ORDER BY a.attnum;
    `

	rows, err := conn.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	var columns []column
	for rows.Next() {
		var col column
		if err := rows.Scan(&col.Name, &col.TypeOID, &col.Key); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schemaName, tableName)
	}
	return columns, nil
}

// relationColumns converts a pgoutput relation message. Flag bit 1 marks
// replica identity columns.
func relationColumns(msg *pglogrepl.RelationMessageV2) []column {
	columns := make([]column, len(msg.Columns))
	for i, col := range msg.Columns {
		columns[i] = column{Name: col.Name, TypeOID: col.DataType, Key: col.Flags&1 == 1}
	}
	return columns
}

func postgresTypeToIceberg(pgTypeOID uint32) schema.Type {
	switch pgTypeOID {
	case pgtype.Int2OID, pgtype.Int4OID:
		return schema.Int
	case pgtype.Int8OID:
		return schema.Long
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID:
		return schema.String
	case pgtype.Float8OID:
		return schema.Double
	case pgtype.Float4OID:
		return schema.Float
	case pgtype.BoolOID:
		return schema.Boolean
	case pgtype.DateOID:
		return schema.Date
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return schema.Timestamp
	case pgtype.NumericOID:
		return schema.Double // Simplify decimal to double
	case pgtype.ByteaOID:
		return schema.Binary
	default:
		return schema.String // Default to string for unknown types
	}
}

// evolve lists the schema changes that bring current in line with columns.
// It returns nil when nothing changes.
func evolve(current *schema.Schema, columns []column) func(*schema.Update) *schema.Update {
	var steps []func(*schema.Update) *schema.Update

	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		seen[col.Name] = true
		typ := postgresTypeToIceberg(col.TypeOID)
		f, ok := schema.Field{}, false
		if current != nil {
			f, ok = current.FieldByName(col.Name)
		}
		switch {
		case !ok:
			steps = append(steps, func(u *schema.Update) *schema.Update { return u.AddColumn(col.Name, typ, false) })
		case f.Type != typ && f.Type.CanWidenTo(typ):
			steps = append(steps, func(u *schema.Update) *schema.Update { return u.WidenColumn(col.Name, typ) })
		}
	}
	if current != nil {
		for _, f := range current.Fields {
			if !seen[f.Name] {
				steps = append(steps, func(u *schema.Update) *schema.Update { return u.DropColumn(f.Name) })
			}
		}
	}

	if len(steps) == 0 {
		return nil
	}
	return func(u *schema.Update) *schema.Update {
		for _, step := range steps {
			u = step(u)
		}
		return u
	}
}

// bind resolves every column to its field id in s.
func bind(tableName string, s *schema.Schema, columns []column) (*relation, error) {
	rel := &relation{table: tableName, columns: columns, fieldIDs: make([]int, len(columns))}
	for i, col := range columns {
		f, ok := s.FieldByName(col.Name)
		if !ok {
			return nil, &iceberg.FieldError{SchemaID: s.ID, Name: col.Name, Context: "binding " + tableName}
		}
		rel.fieldIDs[i] = f.ID
		if col.Key {
			rel.keyIDs = append(rel.keyIDs, f.ID)
		}
	}
	return rel, nil
}

// decodeTuple maps a pgoutput tuple onto a field-id keyed row. Columns sent
// as unchanged TOAST are left out.
func (r *relation) decodeTuple(typeMap *pgtype.Map, tuple *pglogrepl.TupleData) (iceberg.Row, error) {
	if len(tuple.Columns) != len(r.columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation %s has %d", len(tuple.Columns), r.table, len(r.columns))
	}

	row := make(iceberg.Row, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		meta := r.columns[idx]
		switch col.DataType {
		case 'n': // null
			row[r.fieldIDs[idx]] = nil
		case 't': // text
			val, err := decodeColumnData(typeMap, col.Data, meta.TypeOID, pgtype.TextFormatCode)
			if err != nil {
				return nil, fmt.Errorf("decoding column data for %s: %w", meta.Name, err)
			}
			row[r.fieldIDs[idx]] = val
		case 'b': // binary
			val, err := decodeColumnData(typeMap, col.Data, meta.TypeOID, pgtype.BinaryFormatCode)
			if err != nil {
				return nil, fmt.Errorf("decoding column data for %s: %w", meta.Name, err)
			}
			row[r.fieldIDs[idx]] = val
		case 'u': // unchanged TOAST data
		default:
			return nil, fmt.Errorf("unknown column data type: %v", col.DataType)
		}
	}
	return row, nil
}

func decodeColumnData(typeMap *pgtype.Map, data []byte, dataTypeOID uint32, formatCode int16) (any, error) {
	dataType, ok := typeMap.TypeForOID(dataTypeOID)
	if !ok {
		// unknown types are kept as their text form
		return string(data), nil
	}

	value, err := dataType.Codec.DecodeValue(typeMap, dataTypeOID, formatCode, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode value for OID %d: %w", dataTypeOID, err)
	}

	switch v := value.(type) {
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil {
			return nil, fmt.Errorf("converting numeric: %w", err)
		}
		if !f.Valid {
			return nil, nil
		}
		return f.Float64, nil
	case time.Time:
		return v.UTC(), nil
	case nil, bool, string, []byte, int16, int32, int64, float32, float64:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}
