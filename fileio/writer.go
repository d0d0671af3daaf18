package fileio

import (
	"context"
	"fmt"
	"path"
	"slices"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/storage"
)

// Writer produces immutable parquet data and delete files under a table
// location. Sequence numbers are left at zero; the commit assigns them.
type Writer struct {
	storage  storage.Storage
	location string
}

func NewWriter(s storage.Storage, location string) *Writer {
	return &Writer{storage: s, location: location}
}

// WriteDataFile writes rows into a new data file bound to sch and spec.
func (w *Writer) WriteDataFile(ctx context.Context, sch *schema.Schema, spec *schema.PartitionSpec,
	partition iceberg.PartitionValues, rows []iceberg.Row) (iceberg.DataFile, error) {
	if len(rows) == 0 {
		return iceberg.DataFile{}, fmt.Errorf("%w: data file without rows", iceberg.ErrValidation)
	}
	filePath := path.Join(w.location, "data", uuid.NewString()+".parquet")
	size, err := w.writeParquet(ctx, filePath, sch, rows)
	if err != nil {
		return iceberg.DataFile{}, err
	}
	return iceberg.DataFile{
		Path:          filePath,
		Format:        iceberg.ParquetFormat,
		Partition:     partition,
		RecordCount:   int64(len(rows)),
		FileSizeBytes: size,
		SpecID:        spec.ID,
		SchemaID:      sch.ID,
	}, nil
}

// WriteEqualityDeletes writes delete rows keyed on fieldIDs. Only the key
// columns are stored.
func (w *Writer) WriteEqualityDeletes(ctx context.Context, sch *schema.Schema, spec *schema.PartitionSpec,
	partition iceberg.PartitionValues, fieldIDs []int, rows []iceberg.Row) (iceberg.DeleteFile, error) {
	if len(fieldIDs) == 0 {
		return iceberg.DeleteFile{}, fmt.Errorf("%w: equality delete without key fields", iceberg.ErrValidation)
	}
	keys, err := sch.Select(fieldIDs)
	if err != nil {
		return iceberg.DeleteFile{}, err
	}
	// key columns are written optional so null keys survive the round trip
	for i := range keys.Fields {
		keys.Fields[i].Required = false
	}

	filePath := path.Join(w.location, "deletes", uuid.NewString()+"-eq.parquet")
	size, err := w.writeParquet(ctx, filePath, keys, rows)
	if err != nil {
		return iceberg.DeleteFile{}, err
	}
	return iceberg.DeleteFile{
		Kind:             iceberg.EqualityDeletes,
		Path:             filePath,
		Format:           iceberg.ParquetFormat,
		Partition:        partition,
		RecordCount:      int64(len(rows)),
		FileSizeBytes:    size,
		SpecID:           spec.ID,
		SchemaID:         sch.ID,
		EqualityFieldIDs: slices.Clone(fieldIDs),
	}, nil
}

// WritePositionalDeletes writes the given row offsets of dataFile. The delete
// inherits the data file's spec and partition.
func (w *Writer) WritePositionalDeletes(ctx context.Context, dataFile iceberg.DataFile, offsets []int64) (iceberg.DeleteFile, error) {
	if len(offsets) == 0 {
		return iceberg.DeleteFile{}, fmt.Errorf("%w: positional delete without offsets", iceberg.ErrValidation)
	}
	sorted := slices.Clone(offsets)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	rows := make([]iceberg.Row, len(sorted))
	for i, pos := range sorted {
		if pos < 0 {
			return iceberg.DeleteFile{}, fmt.Errorf("%w: negative offset %d", iceberg.ErrValidation, pos)
		}
		rows[i] = iceberg.Row{FilePathFieldID: dataFile.Path, PosFieldID: pos}
	}

	filePath := path.Join(w.location, "deletes", uuid.NewString()+"-pos.parquet")
	size, err := w.writeParquet(ctx, filePath, PositionalDeleteSchema, rows)
	if err != nil {
		return iceberg.DeleteFile{}, err
	}
	return iceberg.DeleteFile{
		Kind:               iceberg.PositionalDeletes,
		Path:               filePath,
		Format:             iceberg.ParquetFormat,
		Partition:          dataFile.Partition,
		RecordCount:        int64(len(rows)),
		FileSizeBytes:      size,
		SpecID:             dataFile.SpecID,
		SchemaID:           dataFile.SchemaID,
		ReferencedDataFile: dataFile.Path,
	}, nil
}

func (w *Writer) writeParquet(ctx context.Context, filePath string, sch *schema.Schema, rows []iceberg.Row) (int64, error) {
	ps, err := createParquetSchema(sch)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet schema: %w", err)
	}
	fields := columnFields(ps, sch)

	buf := storage.NewBuffer()
	pw := parquet.NewWriter(buf, ps)

	batch := make([]parquet.Row, 0, len(rows))
	for i, row := range rows {
		prow, err := toParquetRow(fields, row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		batch = append(batch, prow)
	}
	if _, err := pw.WriteRows(batch); err != nil {
		return 0, fmt.Errorf("failed to write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	size, err := buf.FlushTo(ctx, w.storage, filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", filePath, err)
	}
	return size, nil
}
