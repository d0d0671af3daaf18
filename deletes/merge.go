package deletes

import (
	"context"
	"fmt"
	"iter"

	"github.com/RoaringBitmap/roaring/roaring64"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

// RowSource yields the rows of one data file with their offsets. Offsets
// must be reproducible across reads for positional deletes to be applied.
type RowSource interface {
	Rows(ctx context.Context) iter.Seq2[iceberg.PositionedRow, error]
	StableOrder() bool
}

type equalityKeys struct {
	fieldIDs []int
	types    []schema.Type
	keys     map[string]struct{}
}

type merger struct {
	positions *roaring64.Bitmap
	equality  []equalityKeys
}

// Merge filters the rows of file through deletes. The result is lazy and
// single pass; iterate it again only with a fresh source. Deletes whose
// sequence number is not above the file's are ignored.
func Merge(ctx context.Context, src RowSource, file iceberg.DataFile, fileSchema *schema.Schema, deletes []Delete) iter.Seq2[iceberg.Row, error] {
	return func(yield func(iceberg.Row, error) bool) {
		m, err := newMerger(src, file, fileSchema, deletes)
		if err != nil {
			yield(nil, err)
			return
		}
		for pr, err := range src.Rows(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			if m.deleted(pr) {
				continue
			}
			if !yield(pr.Row, nil) {
				return
			}
		}
	}
}

func newMerger(src RowSource, file iceberg.DataFile, fileSchema *schema.Schema, deletes []Delete) (*merger, error) {
	m := &merger{}
	for _, d := range deletes {
		if d.deleteFile().SequenceNumber <= file.SequenceNumber {
			continue
		}
		switch d := d.(type) {
		case *PositionalDelete:
			if err := m.addPositions(src, file, d); err != nil {
				return nil, err
			}
		case *EqualityDelete:
			if err := m.addEquality(file, fileSchema, d); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported delete %T", d)
		}
	}
	return m, nil
}

func (m *merger) addPositions(src RowSource, file iceberg.DataFile, d *PositionalDelete) error {
	if d.File.ReferencedDataFile != "" && d.File.ReferencedDataFile != file.Path {
		return &iceberg.DeleteError{
			Kind:       iceberg.ErrMalformedDeleteFile,
			DataFile:   file.Path,
			DeleteFile: d.File.Path,
			Reason:     "targets " + d.File.ReferencedDataFile,
		}
	}
	if d.Offsets == nil || d.Offsets.IsEmpty() {
		return nil
	}
	if !src.StableOrder() {
		return &iceberg.DeleteError{
			Kind:       iceberg.ErrOrderingViolation,
			DataFile:   file.Path,
			DeleteFile: d.File.Path,
			Reason:     "reader does not guarantee stable row order",
		}
	}
	if maxOffset := d.Offsets.Maximum(); maxOffset >= uint64(file.RecordCount) {
		return &iceberg.DeleteError{
			Kind:       iceberg.ErrMalformedDeleteFile,
			DataFile:   file.Path,
			DeleteFile: d.File.Path,
			Reason:     fmt.Sprintf("offset %d out of range for %d rows", maxOffset, file.RecordCount),
		}
	}
	if m.positions == nil {
		m.positions = roaring64.New()
	}
	m.positions.Or(d.Offsets)
	return nil
}

func (m *merger) addEquality(file iceberg.DataFile, fileSchema *schema.Schema, d *EqualityDelete) error {
	ids := d.File.EqualityFieldIDs
	if len(ids) == 0 {
		return &iceberg.DeleteError{
			Kind:       iceberg.ErrMalformedDeleteFile,
			DataFile:   file.Path,
			DeleteFile: d.File.Path,
			Reason:     "no equality field ids",
		}
	}

	types := make([]schema.Type, len(ids))
	for i, id := range ids {
		f, ok := fileSchema.FieldByID(id)
		if !ok {
			return &iceberg.DeleteError{
				Kind:       iceberg.ErrMalformedDeleteFile,
				DataFile:   file.Path,
				DeleteFile: d.File.Path,
				Reason:     fmt.Sprintf("key field %d not in data file schema %d", id, fileSchema.ID),
			}
		}
		types[i] = f.Type
		if d.Schema == nil {
			continue
		}
		if df, ok := d.Schema.FieldByID(id); ok && f.Type.CanWidenTo(df.Type) {
			types[i] = df.Type
		}
	}

	eq := equalityKeys{fieldIDs: ids, types: types, keys: make(map[string]struct{}, len(d.Rows))}
	for _, row := range d.Rows {
		// null keys match nothing
		if key, ok := schema.KeyOf(types, row.Project(ids)); ok {
			eq.keys[key] = struct{}{}
		}
	}
	if len(eq.keys) > 0 {
		m.equality = append(m.equality, eq)
	}
	return nil
}

func (m *merger) deleted(pr iceberg.PositionedRow) bool {
	if m.positions != nil && pr.Offset >= 0 && m.positions.Contains(uint64(pr.Offset)) {
		return true
	}
	for _, eq := range m.equality {
		key, ok := schema.KeyOf(eq.types, pr.Row.Project(eq.fieldIDs))
		if !ok {
			continue
		}
		if _, hit := eq.keys[key]; hit {
			return true
		}
	}
	return false
}
