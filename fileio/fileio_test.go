package fileio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/storage"
)

func newIO(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewWriter(s, "db/events"), NewReader(s)
}

func eventSchema() *schema.Schema {
	return schema.NewSchema(0,
		schema.Field{ID: 1, Name: "id", Type: schema.Long, Required: true},
		schema.Field{ID: 2, Name: "name", Type: schema.String},
		schema.Field{ID: 3, Name: "score", Type: schema.Double},
		schema.Field{ID: 4, Name: "day", Type: schema.Date},
		schema.Field{ID: 5, Name: "at", Type: schema.Timestamp},
		schema.Field{ID: 6, Name: "n", Type: schema.Int},
	)
}

func TestDataFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, r := newIO(t)
	sch := eventSchema()
	at := time.Date(2024, 3, 5, 12, 30, 0, 0, time.UTC)

	rows := []iceberg.Row{
		{1: int64(0), 2: "Alice", 3: 1.5, 4: at, 5: at, 6: 7},
		{1: int64(1), 2: nil, 3: nil},
		{1: int64(2), 2: "Carol", 3: -2.0, 6: int32(-1)},
	}
	df, err := w.WriteDataFile(ctx, sch, schema.Unpartitioned(), nil, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), df.RecordCount)
	assert.Equal(t, iceberg.ParquetFormat, df.Format)
	assert.Positive(t, df.FileSizeBytes)
	assert.Contains(t, df.Path, "db/events/data/")

	src, err := r.Open(ctx, df, sch)
	require.NoError(t, err)
	assert.True(t, src.StableOrder())

	var got []iceberg.PositionedRow
	for pr, err := range src.Rows(ctx) {
		require.NoError(t, err)
		got = append(got, pr)
	}
	require.Len(t, got, 3)
	for i, pr := range got {
		assert.Equal(t, int64(i), pr.Offset)
		assert.Equal(t, int64(i), pr.Row[1])
	}
	assert.Equal(t, "Alice", got[0].Row[2])
	assert.Equal(t, 1.5, got[0].Row[3])
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), got[0].Row[4])
	assert.Equal(t, at, got[0].Row[5])
	assert.Equal(t, int32(7), got[0].Row[6])
	assert.Nil(t, got[1].Row[2])
	assert.Equal(t, int32(-1), got[2].Row[6])
}

func TestTimestampKeepsMicroseconds(t *testing.T) {
	ctx := context.Background()
	w, r := newIO(t)
	sch := eventSchema()
	at := time.Date(2024, 3, 5, 12, 30, 0, 123456000, time.UTC)
	before := time.Date(1969, 12, 31, 23, 59, 59, 999999000, time.UTC)

	df, err := w.WriteDataFile(ctx, sch, schema.Unpartitioned(), nil,
		[]iceberg.Row{{1: int64(0), 5: at}, {1: int64(1), 5: before}})
	require.NoError(t, err)

	src, err := r.Open(ctx, df, sch)
	require.NoError(t, err)
	var got []iceberg.Row
	for pr, err := range src.Rows(ctx) {
		require.NoError(t, err)
		got = append(got, pr.Row)
	}
	require.Len(t, got, 2)
	assert.Equal(t, at, got[0][5])
	assert.Equal(t, before, got[1][5])

	del, err := w.WriteEqualityDeletes(ctx, sch, schema.Unpartitioned(), nil, []int{5},
		[]iceberg.Row{{5: at}})
	require.NoError(t, err)
	keys, err := r.LoadEqualityRows(ctx, del, sch)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, schema.Timestamp.Equal(at, keys[0][5]))
	assert.False(t, schema.Timestamp.Equal(at.Add(-time.Microsecond), keys[0][5]))
}

func TestIntColumnRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	w, _ := newIO(t)
	sch := eventSchema()

	_, err := w.WriteDataFile(ctx, sch, schema.Unpartitioned(), nil,
		[]iceberg.Row{{1: int64(0), 6: int64(4294967297)}})
	assert.ErrorIs(t, err, iceberg.ErrSchemaMismatch)

	_, err = w.WriteEqualityDeletes(ctx, sch, schema.Unpartitioned(), nil, []int{6},
		[]iceberg.Row{{6: int64(4294967297)}})
	assert.ErrorIs(t, err, iceberg.ErrSchemaMismatch)
}

func TestRequiredColumnRejectsNull(t *testing.T) {
	w, _ := newIO(t)
	_, err := w.WriteDataFile(context.Background(), eventSchema(), schema.Unpartitioned(), nil,
		[]iceberg.Row{{2: "no id"}})
	assert.ErrorIs(t, err, iceberg.ErrSchemaMismatch)
}

func TestPositionalDeletes(t *testing.T) {
	ctx := context.Background()
	w, r := newIO(t)
	sch := eventSchema()

	df, err := w.WriteDataFile(ctx, sch, schema.Unpartitioned(), nil,
		[]iceberg.Row{{1: 0}, {1: 1}, {1: 2}})
	require.NoError(t, err)

	del, err := w.WritePositionalDeletes(ctx, df, []int64{2, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, iceberg.PositionalDeletes, del.Kind)
	assert.Equal(t, df.Path, del.ReferencedDataFile)
	assert.Equal(t, int64(2), del.RecordCount)

	offsets, err := r.LoadPositions(ctx, del, df.Path)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 2}, offsets.ToArray())

	other, err := r.LoadPositions(ctx, del, "db/events/data/other.parquet")
	require.NoError(t, err)
	assert.True(t, other.IsEmpty())
}

func TestEqualityDeletesKeepOnlyKeyColumns(t *testing.T) {
	ctx := context.Background()
	w, r := newIO(t)
	sch := eventSchema()

	del, err := w.WriteEqualityDeletes(ctx, sch, schema.Unpartitioned(), nil, []int{1, 2},
		[]iceberg.Row{{1: int64(1), 2: "Bob", 3: 9.9}, {1: int64(4), 2: nil}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, del.EqualityFieldIDs)

	rows, err := r.LoadEqualityRows(ctx, del, sch)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, iceberg.Row{1: int64(1), 2: "Bob"}, rows[0])
	assert.Equal(t, iceberg.Row{1: int64(4), 2: nil}, rows[1])
}

func TestOpenMissingFile(t *testing.T) {
	_, r := newIO(t)
	_, err := r.Open(context.Background(), iceberg.DataFile{Path: "db/events/data/gone.parquet"}, eventSchema())
	assert.ErrorIs(t, err, iceberg.ErrMissingFile)
}
