package schema

import (
	"fmt"

	"arctic-delta/iceberg"
)

// Update accumulates schema evolution operations against the current schema.
// Nothing changes in the registry until Commit.
type Update struct {
	registry *Registry
	fields   []Field
	nextID   int
	err      error
}

// UpdateSchema starts an evolution of the current schema. For a table
// without a schema the update starts empty.
func (r *Registry) UpdateSchema() *Update {
	u := &Update{registry: r, nextID: r.LastColumnID() + 1}
	if cur, err := r.CurrentSchema(); err == nil {
		u.fields = append([]Field(nil), cur.Fields...)
	}
	return u
}

func (u *Update) index(name string) int {
	for i, f := range u.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// AddColumn appends a column with a freshly allocated id.
func (u *Update) AddColumn(name string, typ Type, required bool) *Update {
	if u.err != nil {
		return u
	}
	if u.index(name) >= 0 {
		u.err = fmt.Errorf("%w: column %q already exists", iceberg.ErrValidation, name)
		return u
	}
	u.fields = append(u.fields, Field{ID: u.nextID, Name: name, Type: typ, Required: required})
	u.nextID++
	return u
}

// RenameColumn changes a column's name; its id is preserved.
func (u *Update) RenameColumn(from, to string) *Update {
	if u.err != nil {
		return u
	}
	i := u.index(from)
	if i < 0 {
		u.err = &iceberg.FieldError{Name: from, Context: "rename"}
		return u
	}
	if u.index(to) >= 0 {
		u.err = fmt.Errorf("%w: column %q already exists", iceberg.ErrValidation, to)
		return u
	}
	u.fields[i].Name = to
	return u
}

// DropColumn removes a column; its id is retired on commit.
func (u *Update) DropColumn(name string) *Update {
	if u.err != nil {
		return u
	}
	i := u.index(name)
	if i < 0 {
		u.err = &iceberg.FieldError{Name: name, Context: "drop"}
		return u
	}
	u.fields = append(u.fields[:i], u.fields[i+1:]...)
	return u
}

// WidenColumn promotes a column's type (int to long, float to double).
func (u *Update) WidenColumn(name string, typ Type) *Update {
	if u.err != nil {
		return u
	}
	i := u.index(name)
	if i < 0 {
		u.err = &iceberg.FieldError{Name: name, Context: "widen"}
		return u
	}
	if !u.fields[i].Type.CanWidenTo(typ) {
		u.err = fmt.Errorf("%w: cannot widen %s from %s to %s", iceberg.ErrSchemaMismatch, name, u.fields[i].Type, typ)
		return u
	}
	u.fields[i].Type = typ
	return u
}

// Commit registers the evolved schema and returns its id.
func (u *Update) Commit() (int, error) {
	if u.err != nil {
		return 0, u.err
	}
	return u.registry.RegisterSchema(&Schema{Fields: u.fields})
}
