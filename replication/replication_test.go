package replication

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-delta/catalog"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/storage"
	"arctic-delta/table"
)

const usersRelation = 16384

func newTestSink(t *testing.T) (*Sink, map[string]*table.Table) {
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	cat := catalog.NewMemoryCatalog()

	opened := make(map[string]*table.Table)
	open := func(ctx context.Context, name string) (*table.Table, error) {
		tbl, err := table.Open(ctx, name, table.Options{Storage: st, Catalog: cat, Location: "warehouse/" + name})
		if err == nil {
			opened[name] = tbl
		}
		return tbl, err
	}
	return NewSink(open, nil), opened
}

func relationMessage(id uint32, columns ...*pglogrepl.RelationMessageColumn) *pglogrepl.RelationMessageV2 {
	return &pglogrepl.RelationMessageV2{RelationMessage: pglogrepl.RelationMessage{
		RelationID:   id,
		Namespace:    "public",
		RelationName: "users",
		ColumnNum:    uint16(len(columns)),
		Columns:      columns,
	}}
}

func textTuple(values ...any) *pglogrepl.TupleData {
	tuple := &pglogrepl.TupleData{ColumnNum: uint16(len(values))}
	for _, v := range values {
		if v == nil {
			tuple.Columns = append(tuple.Columns, &pglogrepl.TupleDataColumn{DataType: 'n'})
			continue
		}
		data := []byte(v.(string))
		tuple.Columns = append(tuple.Columns, &pglogrepl.TupleDataColumn{DataType: 't', Length: uint32(len(data)), Data: data})
	}
	return tuple
}

func usersByID(t *testing.T, tbl *table.Table) map[int64]iceberg.Row {
	rows, err := tbl.Scan(context.Background(), 0, nil)
	require.NoError(t, err)
	out := make(map[int64]iceberg.Row, len(rows))
	for _, r := range rows {
		out[r[1].(int64)] = r
	}
	return out
}

func TestSinkReplaysTransactions(t *testing.T) {
	ctx := context.Background()
	sink, tables := newTestSink(t)

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
		&pglogrepl.RelationMessageColumn{Name: "name", DataType: pgtype.TextOID},
	)))

	require.NoError(t, sink.Insert(usersRelation, textTuple("1", "alice")))
	require.NoError(t, sink.Insert(usersRelation, textTuple("2", "bob")))
	require.NoError(t, sink.Commit(ctx))

	users := tables["public.users"]
	require.NotNil(t, users)
	rows := usersByID(t, users)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[1][2])

	require.NoError(t, sink.Delete(usersRelation, textTuple("1", nil)))
	require.NoError(t, sink.Update(usersRelation, nil, textTuple("2", "bobby")))
	require.NoError(t, sink.Commit(ctx))

	rows = usersByID(t, users)
	require.Len(t, rows, 1)
	assert.Equal(t, "bobby", rows[2][2])

	snap, err := users.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.SequenceNumber)
}

func TestSinkDeleteOfRowInsertedInSameTransaction(t *testing.T) {
	ctx := context.Background()
	sink, tables := newTestSink(t)

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
		&pglogrepl.RelationMessageColumn{Name: "name", DataType: pgtype.TextOID},
	)))

	require.NoError(t, sink.Insert(usersRelation, textTuple("3", "carol")))
	require.NoError(t, sink.Insert(usersRelation, textTuple("4", "dave")))
	require.NoError(t, sink.Delete(usersRelation, textTuple("3", nil)))
	require.NoError(t, sink.Commit(ctx))

	rows := usersByID(t, tables["public.users"])
	require.Len(t, rows, 1)
	assert.Contains(t, rows, int64(4))
}

func TestSinkUpdateChangingKey(t *testing.T) {
	ctx := context.Background()
	sink, tables := newTestSink(t)

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
		&pglogrepl.RelationMessageColumn{Name: "name", DataType: pgtype.TextOID},
	)))
	require.NoError(t, sink.Insert(usersRelation, textTuple("5", "erin")))
	require.NoError(t, sink.Commit(ctx))

	require.NoError(t, sink.Update(usersRelation, textTuple("5", nil), textTuple("6", "erin")))
	require.NoError(t, sink.Commit(ctx))

	rows := usersByID(t, tables["public.users"])
	keys := make([]int64, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	assert.Equal(t, []int64{6}, keys)
}

func TestSinkAbortDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	sink, tables := newTestSink(t)

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
	)))
	require.NoError(t, sink.Insert(usersRelation, textTuple("1")))
	sink.Abort()
	require.NoError(t, sink.Commit(ctx))

	snap, err := tables["public.users"].Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSinkEvolvesSchemaOnRelation(t *testing.T) {
	ctx := context.Background()
	sink, tables := newTestSink(t)

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
		&pglogrepl.RelationMessageColumn{Name: "name", DataType: pgtype.TextOID},
	)))
	require.NoError(t, sink.Insert(usersRelation, textTuple("1", "alice")))
	require.NoError(t, sink.Commit(ctx))

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
		&pglogrepl.RelationMessageColumn{Name: "name", DataType: pgtype.TextOID},
		&pglogrepl.RelationMessageColumn{Name: "email", DataType: pgtype.VarcharOID},
	)))
	require.NoError(t, sink.Insert(usersRelation, textTuple("2", "bob", "bob@example.com")))
	require.NoError(t, sink.Commit(ctx))

	users := tables["public.users"]
	cur, err := users.Registry().CurrentSchema()
	require.NoError(t, err)
	email, ok := cur.FieldByName("email")
	require.True(t, ok)
	assert.Equal(t, 3, email.ID)

	rows := usersByID(t, users)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[1][email.ID])
	assert.Equal(t, "bob@example.com", rows[2][email.ID])
}

func TestSinkUnknownRelation(t *testing.T) {
	sink, _ := newTestSink(t)
	assert.Error(t, sink.Insert(99, textTuple("1")))
}

func TestSinkDeleteNeedsReplicaIdentity(t *testing.T) {
	ctx := context.Background()
	sink, _ := newTestSink(t)

	require.NoError(t, sink.Relation(ctx, relationMessage(usersRelation,
		&pglogrepl.RelationMessageColumn{Name: "id", DataType: pgtype.Int8OID},
	)))
	assert.Error(t, sink.Delete(usersRelation, textTuple("1")))
}

func TestPostgresTypeToIceberg(t *testing.T) {
	cases := map[uint32]schema.Type{
		pgtype.Int2OID:        schema.Int,
		pgtype.Int4OID:        schema.Int,
		pgtype.Int8OID:        schema.Long,
		pgtype.TextOID:        schema.String,
		pgtype.Float4OID:      schema.Float,
		pgtype.NumericOID:     schema.Double,
		pgtype.DateOID:        schema.Date,
		pgtype.TimestamptzOID: schema.Timestamp,
		pgtype.ByteaOID:       schema.Binary,
		pgtype.JSONBOID:       schema.String,
	}
	for oid, want := range cases {
		assert.Equal(t, want, postgresTypeToIceberg(oid), "oid %d", oid)
	}
}

func TestEvolve(t *testing.T) {
	current := schema.NewSchema(0,
		schema.Field{ID: 1, Name: "id", Type: schema.Int},
		schema.Field{ID: 2, Name: "legacy", Type: schema.String},
	)

	assert.Nil(t, evolve(current, []column{
		{Name: "id", TypeOID: pgtype.Int4OID},
		{Name: "legacy", TypeOID: pgtype.TextOID},
	}))

	r := schema.NewRegistry()
	_, err := r.RegisterSchema(current)
	require.NoError(t, err)

	fn := evolve(current, []column{
		{Name: "id", TypeOID: pgtype.Int8OID},
		{Name: "score", TypeOID: pgtype.Float8OID},
	})
	require.NotNil(t, fn)
	_, err = fn(r.UpdateSchema()).Commit()
	require.NoError(t, err)

	next, err := r.CurrentSchema()
	require.NoError(t, err)
	id, ok := next.FieldByName("id")
	require.True(t, ok)
	assert.Equal(t, schema.Long, id.Type)
	_, ok = next.FieldByName("legacy")
	assert.False(t, ok)
	score, ok := next.FieldByName("score")
	require.True(t, ok)
	assert.Equal(t, 3, score.ID)
	assert.True(t, r.IsRetired(2))
}

func TestDecodeColumnData(t *testing.T) {
	m := pgtype.NewMap()

	v, err := decodeColumnData(m, []byte("7"), pgtype.Int4OID, pgtype.TextFormatCode)
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)

	v, err = decodeColumnData(m, []byte("12.5"), pgtype.NumericOID, pgtype.TextFormatCode)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = decodeColumnData(m, []byte("2024-03-01"), pgtype.DateOID, pgtype.TextFormatCode)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), v)

	v, err = decodeColumnData(m, []byte("t"), pgtype.BoolOID, pgtype.TextFormatCode)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = decodeColumnData(m, []byte("nope"), pgtype.Int8OID, pgtype.TextFormatCode)
	assert.Error(t, err)
}
