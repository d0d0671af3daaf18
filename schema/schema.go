package schema

import (
	"fmt"
	"math"
	"strings"
	"time"

	"arctic-delta/iceberg"
)

// Type is a primitive column type.
type Type string

const (
	Boolean   Type = "boolean"
	Int       Type = "int"
	Long      Type = "long"
	Float     Type = "float"
	Double    Type = "double"
	String    Type = "string"
	Binary    Type = "binary"
	Date      Type = "date"
	Timestamp Type = "timestamp"
)

func (t Type) Valid() bool {
	switch t {
	case Boolean, Int, Long, Float, Double, String, Binary, Date, Timestamp:
		return true
	}
	return false
}

// CanWidenTo reports whether a column of type t may be promoted to other
// without rewriting data.
func (t Type) CanWidenTo(other Type) bool {
	if t == other {
		return true
	}
	return (t == Int && other == Long) || (t == Float && other == Double)
}

// Convert coerces v into the Go representation used for this type:
// int32, int64, float32, float64, bool, string, []byte or time.Time.
func (t Type) Convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	n, err := iceberg.Normalize(v)
	if err != nil {
		return nil, err
	}

	switch t {
	case Boolean:
		if b, ok := n.(bool); ok {
			return b, nil
		}
	case Int:
		if i, ok := n.(int64); ok {
			if i < math.MinInt32 || i > math.MaxInt32 {
				return nil, fmt.Errorf("%w: %d overflows %s", iceberg.ErrSchemaMismatch, i, t)
			}
			return int32(i), nil
		}
	case Long:
		if i, ok := n.(int64); ok {
			return i, nil
		}
	case Float:
		switch x := n.(type) {
		case float64:
			return float32(x), nil
		case int64:
			return float32(x), nil
		}
	case Double:
		switch x := n.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case String:
		if s, ok := n.(string); ok {
			return s, nil
		}
	case Binary:
		switch x := n.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case Date:
		if ts, ok := n.(time.Time); ok {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	case Timestamp:
		if ts, ok := n.(time.Time); ok {
			return ts.Truncate(time.Microsecond), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot use %T as %s", iceberg.ErrSchemaMismatch, v, t)
}

// Equal compares two values with the declared type's equality. Null never
// equals anything, including another null.
func (t Type) Equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ca, err := t.Convert(a)
	if err != nil {
		return false
	}
	cb, err := t.Convert(b)
	if err != nil {
		return false
	}
	ea, err := iceberg.EncodeValue(ca)
	if err != nil {
		return false
	}
	eb, err := iceberg.EncodeValue(cb)
	if err != nil {
		return false
	}
	return ea == eb
}

// KeyOf builds a hashable key for a tuple of values. It returns false when
// any value is null, since such a tuple can never match.
func KeyOf(types []Type, values []any) (string, bool) {
	var sb strings.Builder
	for i, v := range values {
		if v == nil {
			return "", false
		}
		c, err := types[i].Convert(v)
		if err != nil {
			return "", false
		}
		enc, err := iceberg.EncodeValue(c)
		if err != nil {
			return "", false
		}
		if i > 0 {
			sb.WriteByte(0)
		}
		sb.WriteString(enc)
	}
	return sb.String(), true
}

// Field is a column keyed by its stable id.
type Field struct {
	ID       int
	Name     string
	Type     Type
	Required bool
}

// Schema is one version of a table's columns.
type Schema struct {
	ID     int
	Fields []Field
}

func NewSchema(id int, fields ...Field) *Schema {
	return &Schema{ID: id, Fields: fields}
}

func (s *Schema) FieldByID(id int) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldIDs returns the field ids in declaration order.
func (s *Schema) FieldIDs() []int {
	ids := make([]int, len(s.Fields))
	for i, f := range s.Fields {
		ids[i] = f.ID
	}
	return ids
}

// Types returns the types of the given field ids, failing on the first id
// that is not part of the schema.
func (s *Schema) Types(fieldIDs []int) ([]Type, error) {
	types := make([]Type, len(fieldIDs))
	for i, id := range fieldIDs {
		f, ok := s.FieldByID(id)
		if !ok {
			return nil, &iceberg.FieldError{SchemaID: s.ID, FieldID: id}
		}
		types[i] = f.Type
	}
	return types, nil
}

// Select returns a schema restricted to the given field ids, preserving the
// order of the ids.
func (s *Schema) Select(fieldIDs []int) (*Schema, error) {
	out := &Schema{ID: s.ID}
	for _, id := range fieldIDs {
		f, ok := s.FieldByID(id)
		if !ok {
			return nil, &iceberg.FieldError{SchemaID: s.ID, FieldID: id}
		}
		out.Fields = append(out.Fields, f)
	}
	return out, nil
}

// ConvertRow coerces every value of row into the representation of its
// field's type. Unknown field ids are rejected.
func (s *Schema) ConvertRow(row iceberg.Row) (iceberg.Row, error) {
	out := make(iceberg.Row, len(row))
	for id, v := range row {
		f, ok := s.FieldByID(id)
		if !ok {
			return nil, &iceberg.FieldError{SchemaID: s.ID, FieldID: id, Context: "converting row"}
		}
		c, err := f.Type.Convert(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		if c == nil && f.Required {
			return nil, fmt.Errorf("%w: required field %s is null", iceberg.ErrSchemaMismatch, f.Name)
		}
		out[id] = c
	}
	return out, nil
}

func (s *Schema) validate() error {
	seenIDs := make(map[int]bool, len(s.Fields))
	seenNames := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.ID <= 0 {
			return fmt.Errorf("%w: field %q has non-positive id %d", iceberg.ErrValidation, f.Name, f.ID)
		}
		if seenIDs[f.ID] {
			return fmt.Errorf("%w: duplicate field id %d", iceberg.ErrSchemaMismatch, f.ID)
		}
		if seenNames[f.Name] {
			return fmt.Errorf("%w: duplicate field name %q", iceberg.ErrSchemaMismatch, f.Name)
		}
		if !f.Type.Valid() {
			return fmt.Errorf("%w: field %q has unsupported type %q", iceberg.ErrSchemaMismatch, f.Name, f.Type)
		}
		seenIDs[f.ID] = true
		seenNames[f.Name] = true
	}
	return nil
}

func (s *Schema) toMetadata() iceberg.SchemaV2 {
	out := iceberg.SchemaV2{SchemaID: s.ID, Fields: make([]iceberg.Field, len(s.Fields))}
	for i, f := range s.Fields {
		out.Fields[i] = iceberg.Field{ID: f.ID, Name: f.Name, Type: string(f.Type), Required: f.Required}
	}
	return out
}

func schemaFromMetadata(m iceberg.SchemaV2) *Schema {
	s := &Schema{ID: m.SchemaID, Fields: make([]Field, len(m.Fields))}
	for i, f := range m.Fields {
		s.Fields[i] = Field{ID: f.ID, Name: f.Name, Type: Type(f.Type), Required: f.Required}
	}
	return s
}
