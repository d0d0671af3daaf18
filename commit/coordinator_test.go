package commit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-delta/catalog"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/snapshot"
	"arctic-delta/storage"
)

type fixture struct {
	coord    *Coordinator
	snaps    *snapshot.Manager
	catalog  catalog.Catalog
	registry *schema.Registry
}

func newFixture(t *testing.T, c catalog.Catalog) *fixture {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	if c == nil {
		c = catalog.NewMemoryCatalog()
	}

	r := schema.NewRegistry()
	_, err = r.RegisterSchema(schema.NewSchema(0,
		schema.Field{ID: 1, Name: "id", Type: schema.Long, Required: true},
		schema.Field{ID: 2, Name: "name", Type: schema.String},
	))
	require.NoError(t, err)

	snaps := snapshot.NewManager("people", "db/people", s, c, nil)
	return &fixture{
		coord:    NewCoordinator("people", snaps, c, r, Options{}),
		snaps:    snaps,
		catalog:  c,
		registry: r,
	}
}

func data(name string) iceberg.DataFile {
	return iceberg.DataFile{Path: "db/people/data/" + name, Format: iceberg.ParquetFormat, RecordCount: 3}
}

func eqDelete(name string) iceberg.DeleteFile {
	return iceberg.DeleteFile{Kind: iceberg.EqualityDeletes, Path: "db/people/deletes/" + name, RecordCount: 1, EqualityFieldIDs: []int{1}}
}

func posDelete(name, target string) iceberg.DeleteFile {
	return iceberg.DeleteFile{Kind: iceberg.PositionalDeletes, Path: "db/people/deletes/" + name, RecordCount: 1, ReferencedDataFile: target}
}

func TestCommitAssignsSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{data("a.parquet")}})
	require.NoError(t, err)
	second, err := f.coord.Commit(ctx, first, RowDelta{AddedDeleteFiles: []iceberg.DeleteFile{eqDelete("e.parquet")}})
	require.NoError(t, err)

	cur, err := f.snaps.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, cur.SnapshotID)
	assert.Equal(t, int64(2), cur.SequenceNumber)
	assert.Equal(t, first, cur.ParentID())
	assert.Equal(t, "delete", cur.Summary["operation"])

	live, err := f.snaps.LiveFiles(ctx, cur)
	require.NoError(t, err)
	require.Len(t, live.DataFiles, 1)
	require.Len(t, live.DeleteFiles, 1)
	assert.Equal(t, int64(1), live.DataFiles[0].SequenceNumber)
	assert.Equal(t, int64(2), live.DeleteFiles[0].SequenceNumber)
}

func TestConcurrentCommitsOnSameBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	base, err := f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{data("base.parquet")}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]int64, 2)
	errs := make([]error, 2)
	for i, name := range []string{"left.parquet", "right.parquet"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = f.coord.Commit(ctx, base, RowDelta{AddedDataFiles: []iceberg.DataFile{data(name)}})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	cur, err := f.snaps.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur.SequenceNumber)

	chain, err := f.snaps.Ancestors(ctx, cur.SnapshotID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.ElementsMatch(t, ids, []int64{chain[0].SnapshotID, chain[1].SnapshotID})
	assert.Equal(t, base, chain[2].SnapshotID)

	live, err := f.snaps.LiveFiles(ctx, cur)
	require.NoError(t, err)
	assert.Len(t, live.DataFiles, 3)
}

func TestStalePositionalDeleteConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	target := data("a.parquet")
	base, err := f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{target}})
	require.NoError(t, err)

	// a concurrent rewrite replaces the target file
	_, err = f.coord.Commit(ctx, base, RowDelta{
		AddedDataFiles:   []iceberg.DataFile{data("a-rewritten.parquet")},
		RemovedDataFiles: []string{target.Path},
	})
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, base, RowDelta{AddedDeleteFiles: []iceberg.DeleteFile{posDelete("p.parquet", target.Path)}})
	require.ErrorIs(t, err, iceberg.ErrCommitConflict)

	var ce *iceberg.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, base, ce.Base)
	assert.NotEqual(t, base, ce.Observed)
	assert.Equal(t, 1, ce.Attempts)
}

func TestRewriteAfterConcurrentDeleteConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	target := data("a.parquet")
	base, err := f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{target}})
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, base, RowDelta{AddedDeleteFiles: []iceberg.DeleteFile{eqDelete("e.parquet")}})
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, base, RowDelta{
		AddedDataFiles:   []iceberg.DataFile{data("a-compacted.parquet")},
		RemovedDataFiles: []string{target.Path},
	})
	assert.ErrorIs(t, err, iceberg.ErrCommitConflict)
}

func TestReferencedDataFileMustStayLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	target := data("a.parquet")
	base, err := f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{target}})
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, base, RowDelta{RemovedDataFiles: []string{target.Path}})
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, base, RowDelta{
		AddedDeleteFiles:    []iceberg.DeleteFile{eqDelete("e.parquet")},
		ReferencedDataFiles: []string{target.Path},
	})
	assert.ErrorIs(t, err, iceberg.ErrCommitConflict)
}

func TestCommitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.coord.Commit(ctx, 0, RowDelta{})
	assert.ErrorIs(t, err, iceberg.ErrValidation)

	bad := eqDelete("e.parquet")
	bad.EqualityFieldIDs = []int{42}
	_, err = f.coord.Commit(ctx, 0, RowDelta{AddedDeleteFiles: []iceberg.DeleteFile{bad}})
	assert.ErrorIs(t, err, iceberg.ErrUnknownField)

	unknownSchema := data("a.parquet")
	unknownSchema.SchemaID = 5
	_, err = f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{unknownSchema}})
	assert.ErrorIs(t, err, iceberg.ErrSchemaMismatch)

	_, err = f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{data("a.parquet"), data("a.parquet")}})
	assert.ErrorIs(t, err, iceberg.ErrValidation)
}

type losingCatalog struct {
	*catalog.MemoryCatalog
	attempts int
}

func (c *losingCatalog) CASAdvance(ctx context.Context, table string, expected, next int64) (bool, error) {
	c.attempts++
	return false, nil
}

func TestRetriesExhausted(t *testing.T) {
	c := &losingCatalog{MemoryCatalog: catalog.NewMemoryCatalog()}
	f := newFixture(t, c)

	_, err := f.coord.Commit(context.Background(), 0, RowDelta{AddedDataFiles: []iceberg.DataFile{data("a.parquet")}})
	var ce *iceberg.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, DefaultMaxAttempts, ce.Attempts)
	assert.Equal(t, DefaultMaxAttempts, c.attempts)
}

func TestCancelledCommit(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.Commit(ctx, 0, RowDelta{AddedDataFiles: []iceberg.DataFile{data("a.parquet")}})
	assert.ErrorIs(t, err, context.Canceled)

	cur, err := f.snaps.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cur)
}
