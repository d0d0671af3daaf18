package fileio

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

// Reserved field ids of the positional delete file columns.
const (
	FilePathFieldID = 2147483546
	PosFieldID      = 2147483545
)

// PositionalDeleteSchema is the layout of every positional delete file.
var PositionalDeleteSchema = schema.NewSchema(0,
	schema.Field{ID: FilePathFieldID, Name: "file_path", Type: schema.String, Required: true},
	schema.Field{ID: PosFieldID, Name: "pos", Type: schema.Long, Required: true},
)

const secondsPerDay = 86400

func createParquetSchema(s *schema.Schema) (*parquet.Schema, error) {
	root := make(parquet.Group)

	for _, field := range s.Fields {
		var node parquet.Node

		switch field.Type {
		case schema.Int:
			node = parquet.Leaf(parquet.Int32Type)
		case schema.Long:
			node = parquet.Leaf(parquet.Int64Type)
		case schema.String:
			node = parquet.String()
		case schema.Double:
			node = parquet.Leaf(parquet.DoubleType)
		case schema.Float:
			node = parquet.Leaf(parquet.FloatType)
		case schema.Boolean:
			node = parquet.Leaf(parquet.BooleanType)
		case schema.Date:
			node = parquet.Date()
		case schema.Timestamp:
			node = parquet.Timestamp(parquet.Microsecond)
		case schema.Binary:
			node = parquet.Leaf(parquet.ByteArrayType)
		default:
			return nil, fmt.Errorf("unsupported type: %s", field.Type)
		}

		if !field.Required {
			node = parquet.Optional(node)
		}
		root[field.Name] = node
	}

	return parquet.NewSchema("schema", root), nil
}

// columnFields maps every leaf column of a parquet schema onto the schema
// field with the same name. Columns without a field map to nil.
func columnFields(ps *parquet.Schema, s *schema.Schema) []*schema.Field {
	cols := ps.Columns()
	out := make([]*schema.Field, len(cols))
	for i, path := range cols {
		if len(path) != 1 {
			continue
		}
		if f, ok := s.FieldByName(path[0]); ok {
			out[i] = &f
		}
	}
	return out
}

// toParquetRow lays row out in leaf column order.
func toParquetRow(fields []*schema.Field, row iceberg.Row) (parquet.Row, error) {
	out := make(parquet.Row, len(fields))
	for col, f := range fields {
		if f == nil {
			out[col] = parquet.NullValue().Level(0, 0, col)
			continue
		}
		c, err := f.Type.Convert(row[f.ID])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		if c == nil {
			if f.Required {
				return nil, fmt.Errorf("%w: required column %s is null", iceberg.ErrSchemaMismatch, f.Name)
			}
			out[col] = parquet.NullValue().Level(0, 0, col)
			continue
		}

		var v parquet.Value
		switch x := c.(type) {
		case bool:
			v = parquet.BooleanValue(x)
		case int32:
			v = parquet.Int32Value(x)
		case int64:
			v = parquet.Int64Value(x)
		case float32:
			v = parquet.FloatValue(x)
		case float64:
			v = parquet.DoubleValue(x)
		case string:
			v = parquet.ByteArrayValue([]byte(x))
		case []byte:
			v = parquet.ByteArrayValue(x)
		case time.Time:
			if f.Type == schema.Date {
				v = parquet.Int32Value(int32(floorDiv(x.Unix(), secondsPerDay)))
			} else {
				v = parquet.Int64Value(x.UnixMicro())
			}
		default:
			return nil, fmt.Errorf("column %s: unsupported value %T", f.Name, c)
		}

		definition := 0
		if !f.Required {
			definition = 1
		}
		out[col] = v.Level(0, definition, col)
	}
	return out, nil
}

// fromParquetRow converts a parquet row back into a field-id keyed row.
func fromParquetRow(fields []*schema.Field, prow parquet.Row) iceberg.Row {
	row := make(iceberg.Row, len(fields))
	for _, v := range prow {
		col := v.Column()
		if col < 0 || col >= len(fields) || fields[col] == nil {
			continue
		}
		f := fields[col]
		if v.IsNull() {
			row[f.ID] = nil
			continue
		}
		switch f.Type {
		case schema.Boolean:
			row[f.ID] = v.Boolean()
		case schema.Int:
			row[f.ID] = v.Int32()
		case schema.Long:
			row[f.ID] = v.Int64()
		case schema.Float:
			row[f.ID] = v.Float()
		case schema.Double:
			row[f.ID] = v.Double()
		case schema.String:
			row[f.ID] = string(v.ByteArray())
		case schema.Binary:
			row[f.ID] = bytes.Clone(v.ByteArray())
		case schema.Date:
			row[f.ID] = time.Unix(int64(v.Int32())*secondsPerDay, 0).UTC()
		case schema.Timestamp:
			row[f.ID] = time.UnixMicro(v.Int64()).UTC()
		}
	}
	return row
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
