package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"arctic-delta/catalog"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/storage"
	"arctic-delta/table"
)

type ServerSuite struct {
	suite.Suite
	ctx    context.Context
	table  *table.Table
	server *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := storage.NewLocalStorage(s.T().TempDir())
	s.Require().NoError(err)

	s.table, err = table.Open(s.ctx, "people", table.Options{Storage: st, Catalog: catalog.NewMemoryCatalog()})
	s.Require().NoError(err)
	_, err = s.table.RegisterSchema(s.ctx, schema.NewSchema(0,
		schema.Field{ID: 1, Name: "id", Type: schema.Long, Required: true},
		schema.Field{ID: 2, Name: "name", Type: schema.String},
		schema.Field{ID: 3, Name: "dept", Type: schema.String},
	))
	s.Require().NoError(err)
	_, err = s.table.SetPartitionSpec(s.ctx, &schema.PartitionSpec{Fields: []schema.PartitionField{
		{SourceID: 3, Transform: schema.Identity},
	}})
	s.Require().NoError(err)

	s.server = httptest.NewServer(NewServer([]*table.Table{s.table}, 0, nil).Router())
}

func (s *ServerSuite) TearDownTest() {
	s.server.Close()
}

func (s *ServerSuite) get(path string, out any) int {
	resp, err := http.Get(s.server.URL + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *ServerSuite) post(path string, body any, out any) int {
	data, err := json.Marshal(body)
	s.Require().NoError(err)
	resp, err := http.Post(s.server.URL+path, contentTypeJSON, bytes.NewReader(data))
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// commitFiles posts a commit of freshly written rows and returns the new
// snapshot id.
func (s *ServerSuite) commitFiles(base int64, rows ...iceberg.Row) int64 {
	files, err := s.table.WriteRows(s.ctx, rows)
	s.Require().NoError(err)

	var resp struct {
		Data commitResponse `json:"data"`
	}
	status := s.post("/tables/people/commits", commitRequest{Base: base, AddedDataFiles: files}, &resp)
	s.Require().Equal(http.StatusCreated, status)
	return resp.Data.SnapshotID
}

func (s *ServerSuite) TestHealth() {
	var resp Response
	s.Equal(http.StatusOK, s.get("/health", &resp))
	s.Equal(StatusOK, resp.Status)
}

func (s *ServerSuite) TestUnknownTable() {
	var resp Response
	s.Equal(http.StatusNotFound, s.get("/tables/nope/snapshots/current", &resp))
	s.Equal(StatusError, resp.Status)
}

func (s *ServerSuite) TestEmptyTableHasNoSnapshot() {
	s.Equal(http.StatusNotFound, s.get("/tables/people/snapshots/current", nil))
}

func (s *ServerSuite) TestCommitAndScan() {
	id := s.commitFiles(0,
		iceberg.Row{1: 1, 2: "Alice", 3: "eng"},
		iceberg.Row{1: 2, 2: "Bob", 3: "ops"},
	)
	s.NotZero(id)

	var snap struct {
		Data iceberg.Snapshot `json:"data"`
	}
	s.Equal(http.StatusOK, s.get("/tables/people/snapshots/current", &snap))
	s.Equal(id, snap.Data.SnapshotID)
	s.Equal(int64(1), snap.Data.SequenceNumber)

	var files struct {
		Data filesView `json:"data"`
	}
	s.Equal(http.StatusOK, s.get("/tables/people/snapshots/current/files", &files))
	s.Len(files.Data.DataFiles, 2)

	var rows struct {
		Data []map[string]any `json:"data"`
	}
	s.Equal(http.StatusOK, s.get("/tables/people/scan?partition.dept=eng", &rows))
	s.Require().Len(rows.Data, 1)
	s.Equal("Alice", rows.Data[0]["name"])

	s.Equal(http.StatusOK, s.get("/tables/people/scan", &rows))
	s.Len(rows.Data, 2)
}

func (s *ServerSuite) TestScanTypesPartitionValuePerSpec() {
	base := s.commitFiles(0,
		iceberg.Row{1: 1, 2: "Alice", 3: "eng"},
		iceberg.Row{1: 2, 2: "Bob", 3: "ops"},
	)
	_, err := s.table.SetPartitionSpec(s.ctx, &schema.PartitionSpec{Fields: []schema.PartitionField{
		{SourceID: 1, Name: "dept", Transform: schema.Identity},
	}})
	s.Require().NoError(err)
	s.commitFiles(base, iceberg.Row{1: 3, 2: "Carol", 3: "hr"})

	var rows struct {
		Data []map[string]any `json:"data"`
	}
	s.Equal(http.StatusOK, s.get("/tables/people/scan?partition.dept=eng", &rows))
	s.Require().Len(rows.Data, 1)
	s.Equal("Alice", rows.Data[0]["name"])

	rows.Data = nil
	s.Equal(http.StatusOK, s.get("/tables/people/scan?partition.dept=3", &rows))
	s.Require().Len(rows.Data, 1)
	s.Equal("Carol", rows.Data[0]["name"])
}

func (s *ServerSuite) TestHistoryAndTimeTravel() {
	first := s.commitFiles(0, iceberg.Row{1: 1, 2: "Alice", 3: "eng"})
	second := s.commitFiles(first, iceberg.Row{1: 2, 2: "Bob", 3: "eng"})

	var history struct {
		Data []iceberg.Snapshot `json:"data"`
	}
	s.Equal(http.StatusOK, s.get("/tables/people/snapshots/current/history", &history))
	s.Require().Len(history.Data, 2)
	s.Equal(second, history.Data[0].SnapshotID)
	s.Equal(first, history.Data[1].SnapshotID)

	var rows struct {
		Data []map[string]any `json:"data"`
	}
	s.Equal(http.StatusOK, s.get("/tables/people/scan?snapshot="+strconv.FormatInt(first, 10), &rows))
	s.Len(rows.Data, 1)
}

func (s *ServerSuite) TestStaleCommitConflicts() {
	base := s.commitFiles(0, iceberg.Row{1: 1, 2: "Alice", 3: "eng"})

	var files struct {
		Data filesView `json:"data"`
	}
	s.Require().Equal(http.StatusOK, s.get("/tables/people/snapshots/current/files", &files))
	target := files.Data.DataFiles[0]

	// a concurrent writer removes the file
	var resp Response
	s.Require().Equal(http.StatusCreated, s.post("/tables/people/commits",
		commitRequest{Base: base, RemovedDataFiles: []string{target.Path}}, &resp))

	pos, err := s.table.WritePositionalDeletes(s.ctx, target, []int64{0})
	s.Require().NoError(err)
	status := s.post("/tables/people/commits", commitRequest{Base: base, AddedDeleteFiles: []iceberg.DeleteFile{pos}}, &resp)
	s.Equal(http.StatusConflict, status)
	s.Equal(StatusError, resp.Status)
}

func (s *ServerSuite) TestInvalidCommit() {
	var resp Response
	s.Equal(http.StatusUnprocessableEntity, s.post("/tables/people/commits", commitRequest{}, &resp))
	s.Equal(http.StatusBadRequest, s.post("/tables/people/commits", map[string]any{"bogus": 1}, &resp))
	s.Equal(http.StatusBadRequest, s.get("/tables/people/snapshots/abc", &resp))
	s.Equal(http.StatusNotFound, s.get("/tables/people/snapshots/12345", &resp))
}

func TestParsePartitionValue(t *testing.T) {
	sch := schema.NewSchema(0,
		schema.Field{ID: 1, Name: "id", Type: schema.Long},
		schema.Field{ID: 2, Name: "day", Type: schema.Date},
	)
	spec := &schema.PartitionSpec{ID: 1, Fields: []schema.PartitionField{
		{SourceID: 1, FieldID: 1000, Name: "id", Transform: schema.Identity},
		{SourceID: 1, FieldID: 1001, Name: "id_bucket", Transform: schema.Bucket(4)},
		{SourceID: 2, FieldID: 1002, Name: "day_day", Transform: schema.Day},
	}}

	v, err := parsePartitionValue(spec, sch, "id", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = parsePartitionValue(spec, sch, "id_bucket", "3")
	require.NoError(t, err)
	assert.Equal(t, int32(3), v)

	_, err = parsePartitionValue(spec, sch, "id", "x")
	assert.ErrorIs(t, err, iceberg.ErrValidation)

	v, err = parsePartitionValue(spec, sch, "other", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestPartitionFilterRejectsValueNoSpecHolds(t *testing.T) {
	sch := schema.NewSchema(0,
		schema.Field{ID: 1, Name: "id", Type: schema.Long},
		schema.Field{ID: 2, Name: "dept", Type: schema.String},
	)
	byID := &schema.PartitionSpec{ID: 1, Fields: []schema.PartitionField{
		{SourceID: 1, FieldID: 1000, Name: "key", Transform: schema.Identity},
	}}
	byDept := &schema.PartitionSpec{ID: 2, Fields: []schema.PartitionField{
		{SourceID: 2, FieldID: 1001, Name: "key", Transform: schema.Identity},
	}}

	_, err := partitionFilter([]*schema.PartitionSpec{byID}, sch, map[string]string{"key": "eng"})
	assert.ErrorIs(t, err, iceberg.ErrValidation)

	filter, err := partitionFilter([]*schema.PartitionSpec{byID, byDept}, sch, map[string]string{"key": "eng"})
	require.NoError(t, err)
	assert.False(t, filter(byID, iceberg.PartitionValues{int64(7)}))
	assert.True(t, filter(byDept, iceberg.PartitionValues{"eng"}))
	assert.False(t, filter(byDept, iceberg.PartitionValues{"ops"}))
	assert.True(t, filter(schema.Unpartitioned(), nil))

	filter, err = partitionFilter([]*schema.PartitionSpec{byID, byDept}, sch, map[string]string{"key": "7"})
	require.NoError(t, err)
	assert.True(t, filter(byID, iceberg.PartitionValues{int64(7)}))
	assert.True(t, filter(byID, iceberg.PartitionValues{int32(7)}))
	assert.False(t, filter(byDept, iceberg.PartitionValues{"eng"}))
}
