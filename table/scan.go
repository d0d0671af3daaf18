package table

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"arctic-delta/deletes"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

// FileScanTask is one data file of a scan with the deletes that apply to it.
type FileScanTask struct {
	DataFile iceberg.DataFile
	Deletes  []iceberg.DeleteFile
}

// PartitionFilter decides whether a data file written with spec and holding
// partition may contain matching rows.
type PartitionFilter func(spec *schema.PartitionSpec, partition iceberg.PartitionValues) bool

// MatchPartition keeps files whose partition fields equal the given values,
// keyed by partition field name. Files whose spec lacks a named field cannot
// be pruned and are kept.
func MatchPartition(values map[string]any) PartitionFilter {
	return func(spec *schema.PartitionSpec, partition iceberg.PartitionValues) bool {
		if len(partition) == 0 {
			return true
		}
		for name, want := range values {
			_, i, ok := spec.FieldByName(name)
			if !ok || i >= len(partition) {
				continue
			}
			wanted := iceberg.PartitionValues{want}
			if !wanted.Equal(iceberg.PartitionValues{partition[i]}) {
				return false
			}
		}
		return true
	}
}

// resolve returns snapshotID, or the current snapshot when it is 0.
func (t *Table) resolve(ctx context.Context, snapshotID int64) (*iceberg.Snapshot, error) {
	if snapshotID == 0 {
		return t.snapshots.Current(ctx)
	}
	return t.snapshots.At(ctx, snapshotID)
}

// ScanPlan lists the live data files of a snapshot (0 for current) that pass
// filter, each with its applicable deletes.
func (t *Table) ScanPlan(ctx context.Context, snapshotID int64, filter PartitionFilter) ([]FileScanTask, error) {
	snap, err := t.resolve(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return t.plan(ctx, snap, filter)
}

func (t *Table) plan(ctx context.Context, snap *iceberg.Snapshot, filter PartitionFilter) ([]FileScanTask, error) {
	if snap == nil {
		return nil, nil
	}
	live, err := t.snapshots.LiveFiles(ctx, snap)
	if err != nil {
		return nil, err
	}

	idx := deletes.NewIndex(live.DeleteFiles)
	tasks := make([]FileScanTask, 0, len(live.DataFiles))
	for _, f := range live.DataFiles {
		if filter != nil {
			spec, err := t.registry.Spec(f.SpecID)
			if err != nil {
				return nil, fmt.Errorf("planning %s: %w", f.Path, err)
			}
			if !filter(spec, f.Partition) {
				continue
			}
		}
		tasks = append(tasks, FileScanTask{DataFile: f, Deletes: idx.ApplicableDeletes(f)})
	}

	t.logger.Debug("scan planned",
		"snapshot", snap.SnapshotID,
		"live_data_files", len(live.DataFiles),
		"live_delete_files", len(live.DeleteFiles),
		"tasks", len(tasks),
	)
	return tasks, nil
}

// ApplyDeletes filters the rows of file read from src through deleteFiles.
func (t *Table) ApplyDeletes(ctx context.Context, file iceberg.DataFile, deleteFiles []iceberg.DeleteFile, src deletes.RowSource) iter.Seq2[iceberg.Row, error] {
	return t.applyDeletes(ctx, t.reader, file, deleteFiles, src)
}

func (t *Table) applyDeletes(ctx context.Context, loader deletes.Loader, file iceberg.DataFile, deleteFiles []iceberg.DeleteFile, src deletes.RowSource) iter.Seq2[iceberg.Row, error] {
	return func(yield func(iceberg.Row, error) bool) {
		fileSchema, err := t.registry.Schema(file.SchemaID)
		if err != nil {
			yield(nil, err)
			return
		}
		loaded, err := deletes.Load(ctx, loader, t.registry, file.Path, deleteFiles)
		if err != nil {
			yield(nil, err)
			return
		}
		for row, err := range deletes.Merge(ctx, src, file, fileSchema, loaded) {
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// Scan reads the merged rows of a snapshot (0 for current). Files are merged
// in parallel; rows come back in plan order. Current reads are projected onto
// the current schema, time travel onto the snapshot's schema.
func (t *Table) Scan(ctx context.Context, snapshotID int64, filter PartitionFilter) ([]iceberg.Row, error) {
	snap, err := t.resolve(ctx, snapshotID)
	if err != nil || snap == nil {
		return nil, err
	}
	tasks, err := t.plan(ctx, snap, filter)
	if err != nil {
		return nil, err
	}
	readSchema, err := t.readSchema(snapshotID, snap)
	if err != nil {
		return nil, err
	}

	cache := deletes.NewCache(t.reader)
	results := make([][]iceberg.Row, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallelism)
	for i, task := range tasks {
		g.Go(func() error {
			rows, err := t.readTask(gctx, cache, readSchema, task)
			if err != nil {
				return fmt.Errorf("scanning %s: %w", task.DataFile.Path, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []iceberg.Row
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}

func (t *Table) readSchema(snapshotID int64, snap *iceberg.Snapshot) (*schema.Schema, error) {
	if snapshotID == 0 {
		return t.registry.CurrentSchema()
	}
	return t.registry.Schema(snap.SchemaID)
}

func (t *Table) readTask(ctx context.Context, cache *deletes.Cache, readSchema *schema.Schema, task FileScanTask) ([]iceberg.Row, error) {
	fileSchema, err := t.registry.Schema(task.DataFile.SchemaID)
	if err != nil {
		return nil, err
	}
	src, err := t.reader.Open(ctx, task.DataFile, fileSchema)
	if err != nil {
		return nil, err
	}

	var rows []iceberg.Row
	for row, err := range t.applyDeletes(ctx, cache, task.DataFile, task.Deletes, src) {
		if err != nil {
			return nil, err
		}
		projected, err := project(readSchema, row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, projected)
	}
	return rows, nil
}

// project maps a row read with an older schema onto readSchema: columns
// added later read as null, dropped columns disappear and widened columns
// are converted.
func project(readSchema *schema.Schema, row iceberg.Row) (iceberg.Row, error) {
	out := make(iceberg.Row, len(readSchema.Fields))
	for _, f := range readSchema.Fields {
		v, err := f.Type.Convert(row[f.ID])
		if err != nil {
			return nil, fmt.Errorf("projecting %s: %w", f.Name, err)
		}
		out[f.ID] = v
	}
	return out, nil
}
