package table

import (
	"context"
	"fmt"
	"slices"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

type partitionGroup struct {
	values iceberg.PartitionValues
	rows   []iceberg.Row
}

// groupByPartition splits rows by their partition under spec, keeping the
// first-seen order of partitions and of rows within each.
func groupByPartition(sch *schema.Schema, spec *schema.PartitionSpec, rows []iceberg.Row) ([]*partitionGroup, error) {
	var groups []*partitionGroup
	byKey := make(map[string]*partitionGroup)
	for _, row := range rows {
		values, err := spec.Partition(sch, row)
		if err != nil {
			return nil, err
		}
		key := values.Key()
		g, ok := byKey[key]
		if !ok {
			g = &partitionGroup{values: values}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}
	return groups, nil
}

// WriteRows writes rows with the current schema and default spec, one data
// file per partition. The files are not visible until committed.
func (t *Table) WriteRows(ctx context.Context, rows []iceberg.Row) ([]iceberg.DataFile, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	sch, err := t.registry.CurrentSchema()
	if err != nil {
		return nil, err
	}
	spec := t.registry.DefaultSpec()

	groups, err := groupByPartition(sch, spec, rows)
	if err != nil {
		return nil, err
	}
	files := make([]iceberg.DataFile, 0, len(groups))
	for _, g := range groups {
		f, err := t.writer.WriteDataFile(ctx, sch, spec, g.values, g.rows)
		if err != nil {
			return nil, fmt.Errorf("writing data file: %w", err)
		}
		files = append(files, f)
	}
	return files, nil
}

// WriteEqualityDeletes writes delete rows keyed on fieldIDs. When the key
// covers every partition source column and every live data file was written
// with the default spec, the deletes are split by partition; otherwise a
// single global delete file is written so rows in files of older specs are
// still reached.
func (t *Table) WriteEqualityDeletes(ctx context.Context, fieldIDs []int, rows []iceberg.Row) ([]iceberg.DeleteFile, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	sch, err := t.registry.CurrentSchema()
	if err != nil {
		return nil, err
	}
	if _, err := sch.Types(fieldIDs); err != nil {
		return nil, err
	}
	spec := t.registry.DefaultSpec()

	scoped := coversPartition(spec, fieldIDs)
	if scoped {
		if scoped, err = t.onlySpec(ctx, spec.ID); err != nil {
			return nil, err
		}
	}

	groups := []*partitionGroup{{rows: rows}}
	if scoped {
		if groups, err = groupByPartition(sch, spec, rows); err != nil {
			return nil, err
		}
	}

	files := make([]iceberg.DeleteFile, 0, len(groups))
	for _, g := range groups {
		f, err := t.writer.WriteEqualityDeletes(ctx, sch, spec, g.values, fieldIDs, g.rows)
		if err != nil {
			return nil, fmt.Errorf("writing equality deletes: %w", err)
		}
		files = append(files, f)
	}
	return files, nil
}

// onlySpec reports whether every data file live at the current snapshot was
// written with specID.
func (t *Table) onlySpec(ctx context.Context, specID int) (bool, error) {
	snap, err := t.snapshots.Current(ctx)
	if err != nil {
		return false, err
	}
	live, err := t.snapshots.LiveFiles(ctx, snap)
	if err != nil {
		return false, err
	}
	for _, f := range live.DataFiles {
		if f.SpecID != specID {
			return false, nil
		}
	}
	return true, nil
}

func coversPartition(spec *schema.PartitionSpec, fieldIDs []int) bool {
	if spec.IsUnpartitioned() {
		return false
	}
	for _, pf := range spec.Fields {
		if pf.Transform != schema.Void && !slices.Contains(fieldIDs, pf.SourceID) {
			return false
		}
	}
	return true
}

// WritePositionalDeletes writes a delete file removing offsets from dataFile.
func (t *Table) WritePositionalDeletes(ctx context.Context, dataFile iceberg.DataFile, offsets []int64) (iceberg.DeleteFile, error) {
	return t.writer.WritePositionalDeletes(ctx, dataFile, offsets)
}
