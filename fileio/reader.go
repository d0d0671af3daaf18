package fileio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/parquet-go/parquet-go"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/storage"
)

const readBatchSize = 256

// Reader opens parquet files written by Writer. Rows come back in file
// order, row group by row group, so offsets are reproducible.
type Reader struct {
	storage storage.Storage
}

func NewReader(s storage.Storage) *Reader {
	return &Reader{storage: s}
}

// FileRows is a lazily decoded data file.
type FileRows struct {
	file   *parquet.File
	fields []*schema.Field
}

// Open fetches a data file and prepares it for decoding with the schema the
// file was written with. A missing file fails here, before any row is read.
func (r *Reader) Open(ctx context.Context, f iceberg.DataFile, sch *schema.Schema) (*FileRows, error) {
	return r.open(ctx, f.Path, sch)
}

func (r *Reader) open(ctx context.Context, filePath string, sch *schema.Schema) (*FileRows, error) {
	data, err := storage.ReadAll(ctx, r.storage, filePath)
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", filePath, err)
	}
	return &FileRows{file: pf, fields: columnFields(pf.Schema(), sch)}, nil
}

// StableOrder is always true: parquet row order is fixed at write time.
func (fr *FileRows) StableOrder() bool { return true }

func (fr *FileRows) NumRows() int64 { return fr.file.NumRows() }

// Rows yields every row with its zero-based offset in the file.
func (fr *FileRows) Rows(ctx context.Context) iter.Seq2[iceberg.PositionedRow, error] {
	return func(yield func(iceberg.PositionedRow, error) bool) {
		var offset int64
		buf := make([]parquet.Row, readBatchSize)
		for _, rg := range fr.file.RowGroups() {
			rows := rg.Rows()
			for {
				if err := ctx.Err(); err != nil {
					rows.Close()
					yield(iceberg.PositionedRow{}, err)
					return
				}
				n, err := rows.ReadRows(buf)
				for _, prow := range buf[:n] {
					if !yield(iceberg.PositionedRow{Offset: offset, Row: fromParquetRow(fr.fields, prow)}, nil) {
						rows.Close()
						return
					}
					offset++
				}
				if errors.Is(err, io.EOF) || (err == nil && n == 0) {
					break
				}
				if err != nil {
					rows.Close()
					yield(iceberg.PositionedRow{}, fmt.Errorf("failed to read rows: %w", err))
					return
				}
			}
			rows.Close()
		}
	}
}

// LoadPositions reads a positional delete file and returns the offsets that
// target dataPath.
func (r *Reader) LoadPositions(ctx context.Context, df iceberg.DeleteFile, dataPath string) (*roaring64.Bitmap, error) {
	fr, err := r.open(ctx, df.Path, PositionalDeleteSchema)
	if err != nil {
		return nil, err
	}
	offsets := roaring64.New()
	for pr, err := range fr.Rows(ctx) {
		if err != nil {
			return nil, err
		}
		target, _ := pr.Row[FilePathFieldID].(string)
		pos, ok := pr.Row[PosFieldID].(int64)
		if !ok || pos < 0 {
			return nil, &iceberg.DeleteError{
				Kind:       iceberg.ErrMalformedDeleteFile,
				DeleteFile: df.Path,
				Reason:     fmt.Sprintf("bad position at row %d", pr.Offset),
			}
		}
		if target == dataPath {
			offsets.Add(uint64(pos))
		}
	}
	return offsets, nil
}

// LoadEqualityRows reads the key rows of an equality delete file. deleteSchema
// is the schema the delete file was written with.
func (r *Reader) LoadEqualityRows(ctx context.Context, df iceberg.DeleteFile, deleteSchema *schema.Schema) ([]iceberg.Row, error) {
	keys, err := deleteSchema.Select(df.EqualityFieldIDs)
	if err != nil {
		return nil, err
	}
	fr, err := r.open(ctx, df.Path, keys)
	if err != nil {
		return nil, err
	}
	rows := make([]iceberg.Row, 0, df.RecordCount)
	for pr, err := range fr.Rows(ctx) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, pr.Row)
	}
	return rows, nil
}
