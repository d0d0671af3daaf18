package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"arctic-delta/commit"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/table"
)

type fieldView struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type schemaView struct {
	SchemaID int         `json:"schema-id"`
	Fields   []fieldView `json:"fields"`
}

func viewSchema(sch *schema.Schema) schemaView {
	v := schemaView{SchemaID: sch.ID, Fields: make([]fieldView, len(sch.Fields))}
	for i, f := range sch.Fields {
		v.Fields[i] = fieldView{ID: f.ID, Name: f.Name, Type: string(f.Type), Required: f.Required}
	}
	return v
}

type filesView struct {
	SnapshotID  int64                `json:"snapshot-id"`
	DataFiles   []iceberg.DataFile   `json:"data-files"`
	DeleteFiles []iceberg.DeleteFile `json:"delete-files"`
}

// commitRequest is the body of a row-delta commit.
type commitRequest struct {
	Base                int64                `json:"base"`
	AddedDataFiles      []iceberg.DataFile   `json:"added-data-files"`
	AddedDeleteFiles    []iceberg.DeleteFile `json:"added-delete-files"`
	RemovedDataFiles    []string             `json:"removed-data-files"`
	RemovedDeleteFiles  []string             `json:"removed-delete-files"`
	ReferencedDataFiles []string             `json:"referenced-data-files"`
}

type commitResponse struct {
	SnapshotID int64 `json:"snapshot-id"`
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	sch, err := t.Registry().CurrentSchema()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(viewSchema(sch)))
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, t *table.Table) (*iceberg.Snapshot, bool) {
	id, ok := s.parseSnapshotID(w, chi.URLParam(r, "id"))
	if !ok {
		return nil, false
	}
	var snap *iceberg.Snapshot
	var err error
	if id == 0 {
		snap, err = t.Current(r.Context())
	} else {
		snap, err = t.Snapshots().At(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if snap == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Table has no snapshot"))
		return nil, false
	}
	return snap, true
}

func (s *Server) handleCurrentSnapshot(w http.ResponseWriter, r *http.Request) {
	s.handleSnapshot(w, r)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	snap, ok := s.snapshot(w, r, t)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	snap, ok := s.snapshot(w, r, t)
	if !ok {
		return
	}
	history, err := t.Snapshots().Ancestors(r.Context(), snap.SnapshotID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(history))
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	snap, ok := s.snapshot(w, r, t)
	if !ok {
		return
	}
	live, err := t.Snapshots().LiveFiles(r.Context(), snap)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(filesView{
		SnapshotID:  snap.SnapshotID,
		DataFiles:   live.DataFiles,
		DeleteFiles: live.DeleteFiles,
	}))
}

// handleScan returns the merged rows of a snapshot keyed by column name.
// partition.<name>=<value> query parameters prune by partition.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	id, ok := s.parseSnapshotID(w, query.Get("snapshot"))
	if !ok {
		return
	}

	readSchema, err := t.Registry().CurrentSchema()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id != 0 {
		snap, err := t.Snapshots().At(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if readSchema, err = t.Registry().Schema(snap.SchemaID); err != nil {
			s.writeError(w, err)
			return
		}
	}

	var filter table.PartitionFilter
	raw := make(map[string]string)
	for key, values := range query {
		name, ok := strings.CutPrefix(key, partitionParamPrefix)
		if !ok || len(values) == 0 {
			continue
		}
		raw[name] = values[0]
	}
	if len(raw) > 0 {
		if filter, err = partitionFilter(t.Registry().Specs(), readSchema, raw); err != nil {
			s.writeError(w, err)
			return
		}
	}

	rows, err := t.Scan(r.Context(), id, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		named := make(map[string]any, len(readSchema.Fields))
		for _, f := range readSchema.Fields {
			named[f.Name] = row[f.ID]
		}
		out[i] = named
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(out))
}

// partitionFilter types each partition.<name> value with the spec of the file
// being pruned, since one name can map to different transforms across spec
// versions. A value no spec can hold is an error; a value only some specs
// cannot hold prunes the files of those specs.
func partitionFilter(specs []*schema.PartitionSpec, sch *schema.Schema, raw map[string]string) (table.PartitionFilter, error) {
	values := make(map[int]map[string]any, len(specs))
	rejected := make(map[int]bool)
	for name, value := range raw {
		var firstErr error
		accepted := false
		for _, spec := range specs {
			if _, _, ok := spec.FieldByName(name); !ok {
				continue
			}
			v, err := parsePartitionValue(spec, sch, name, value)
			switch {
			case errors.Is(err, iceberg.ErrUnknownField):
				// source column not in the read schema; files cannot be pruned on it
				accepted = true
			case err != nil:
				rejected[spec.ID] = true
				if firstErr == nil {
					firstErr = err
				}
			default:
				accepted = true
				if values[spec.ID] == nil {
					values[spec.ID] = make(map[string]any)
				}
				values[spec.ID][name] = v
			}
		}
		if !accepted && firstErr != nil {
			return nil, firstErr
		}
	}

	matchers := make(map[int]table.PartitionFilter, len(values))
	for id, v := range values {
		matchers[id] = table.MatchPartition(v)
	}
	return func(spec *schema.PartitionSpec, partition iceberg.PartitionValues) bool {
		if rejected[spec.ID] {
			return false
		}
		if match, ok := matchers[spec.ID]; ok {
			return match(spec, partition)
		}
		return true
	}, nil
}

// parsePartitionValue converts a query value into the type the partition
// field stores: the source type for identity and truncate, int otherwise.
func parsePartitionValue(spec *schema.PartitionSpec, sch *schema.Schema, name, raw string) (any, error) {
	pf, _, ok := spec.FieldByName(name)
	if !ok {
		return raw, nil
	}
	typ := schema.Int
	if pf.Transform.Name == "identity" || pf.Transform.Name == "truncate" {
		src, ok := sch.FieldByID(pf.SourceID)
		if !ok {
			return nil, &iceberg.FieldError{SchemaID: sch.ID, FieldID: pf.SourceID, Context: "partition " + name}
		}
		typ = src.Type
	}

	var v any = raw
	switch typ {
	case schema.Int, schema.Long:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: partition %s: %v", iceberg.ErrValidation, name, err)
		}
		v = n
	case schema.Float, schema.Double:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: partition %s: %v", iceberg.ErrValidation, name, err)
		}
		v = f
	case schema.Boolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: partition %s: %v", iceberg.ErrValidation, name, err)
		}
		v = b
	case schema.Date, schema.Timestamp:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			if ts, err = time.Parse(time.DateOnly, raw); err != nil {
				return nil, fmt.Errorf("%w: partition %s: %v", iceberg.ErrValidation, name, err)
			}
		}
		v = ts
	}
	return typ.Convert(v)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	t, ok := s.table(w, r)
	if !ok {
		return
	}

	var req commitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	id, err := t.CommitRowDelta(r.Context(), req.Base, commit.RowDelta{
		AddedDataFiles:      req.AddedDataFiles,
		AddedDeleteFiles:    req.AddedDeleteFiles,
		RemovedDataFiles:    req.RemovedDataFiles,
		RemovedDeleteFiles:  req.RemovedDeleteFiles,
		ReferencedDataFiles: req.ReferencedDataFiles,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("row delta committed", "table", t.Name(), "snapshot", id)
	s.writeJSON(w, http.StatusCreated, NewDataResponse(commitResponse{SnapshotID: id}))
}
