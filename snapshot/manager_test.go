package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-delta/catalog"
	"arctic-delta/iceberg"
	"arctic-delta/storage"
)

func newManager(t *testing.T) (*Manager, storage.Storage, *catalog.MemoryCatalog) {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	c := catalog.NewMemoryCatalog()
	return NewManager("events", "db/events", s, c, nil), s, c
}

func child(id, parent, seq int64) *iceberg.Snapshot {
	snap := &iceberg.Snapshot{SnapshotID: id, SequenceNumber: seq}
	if parent != 0 {
		snap.ParentSnapshotID = &parent
	}
	return snap
}

func dataFile(name string, seq int64) iceberg.DataFile {
	return iceberg.DataFile{Path: "db/events/data/" + name, Format: iceberg.ParquetFormat, RecordCount: 3, SequenceNumber: seq}
}

// buildChain commits three snapshots: add a and b, add an equality delete,
// then replace b with c.
func buildChain(t *testing.T, m *Manager, c *catalog.MemoryCatalog) {
	t.Helper()
	ctx := context.Background()

	s1 := child(11, 0, 1)
	s1.AddedDataFiles = []iceberg.DataFile{dataFile("a.parquet", 1), dataFile("b.parquet", 1)}

	s2 := child(22, 11, 2)
	s2.AddedDeleteFiles = []iceberg.DeleteFile{{
		Kind: iceberg.EqualityDeletes, Path: "db/events/deletes/e.parquet", Format: iceberg.ParquetFormat,
		RecordCount: 1, SequenceNumber: 2, EqualityFieldIDs: []int{1},
	}}

	s3 := child(33, 22, 3)
	s3.AddedDataFiles = []iceberg.DataFile{dataFile("c.parquet", 3)}
	s3.RemovedDataFiles = []string{"db/events/data/b.parquet"}

	var current int64
	for _, snap := range []*iceberg.Snapshot{s1, s2, s3} {
		require.NoError(t, m.Persist(ctx, snap))
		require.NoError(t, m.Append(ctx, snap))
		ok, err := c.CASAdvance(ctx, "events", current, snap.SnapshotID)
		require.NoError(t, err)
		require.True(t, ok)
		current = snap.SnapshotID
	}
}

func paths(live *iceberg.LiveFiles) []string {
	var out []string
	for _, f := range live.DataFiles {
		out = append(out, f.Path)
	}
	return out
}

func TestLiveFilesReplaysDeltas(t *testing.T) {
	ctx := context.Background()
	m, _, c := newManager(t)
	buildChain(t, m, c)

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, int64(33), cur.SnapshotID)

	live, err := m.LiveFiles(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, []string{"db/events/data/a.parquet", "db/events/data/c.parquet"}, paths(live))
	require.Len(t, live.DeleteFiles, 1)

	s1, err := m.At(ctx, 11)
	require.NoError(t, err)
	live, err = m.LiveFiles(ctx, s1)
	require.NoError(t, err)
	assert.Equal(t, []string{"db/events/data/a.parquet", "db/events/data/b.parquet"}, paths(live))
	assert.Empty(t, live.DeleteFiles)
}

func TestSnapshotsLoadFromStorage(t *testing.T) {
	ctx := context.Background()
	m, s, c := newManager(t)
	buildChain(t, m, c)

	other := NewManager("events", "db/events", s, c, nil)
	cur, err := other.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, int64(3), cur.SequenceNumber)
	assert.Equal(t, int64(22), cur.ParentID())

	live, err := other.LiveFiles(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, []string{"db/events/data/a.parquet", "db/events/data/c.parquet"}, paths(live))
	require.Len(t, live.DeleteFiles, 1)
	assert.Equal(t, iceberg.EqualityDeletes, live.DeleteFiles[0].Kind)
	assert.Equal(t, []int{1}, live.DeleteFiles[0].EqualityFieldIDs)
	assert.Equal(t, int64(2), live.DeleteFiles[0].SequenceNumber)

	ancestors, err := other.Ancestors(ctx, 33)
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	assert.Equal(t, int64(11), ancestors[2].SnapshotID)
}

func TestAppendRequiresParent(t *testing.T) {
	m, _, _ := newManager(t)
	err := m.Append(context.Background(), child(5, 4, 2))
	assert.ErrorIs(t, err, iceberg.ErrSnapshotNotFound)
}

func TestUnknownSnapshot(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.At(context.Background(), 99)
	assert.ErrorIs(t, err, iceberg.ErrSnapshotNotFound)
}

func TestEmptyTable(t *testing.T) {
	m, _, _ := newManager(t)
	cur, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cur)

	live, err := m.LiveFiles(context.Background(), cur)
	require.NoError(t, err)
	assert.Empty(t, live.DataFiles)
}
