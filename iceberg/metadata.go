package iceberg

import "sort"

// PartitionSpec is the persisted form of a partition spec.
type PartitionSpec struct {
	SpecID int              `json:"spec-id"`
	Fields []PartitionField `json:"fields"`
}

type PartitionField struct {
	SourceID  int    `json:"source-id"` // ID from the schema
	FieldID   int    `json:"field-id"`  // Unique ID for partition field
	Name      string `json:"name"`
	Transform string `json:"transform"` // identity, bucket[N], truncate[W], year, month, day, hour, void
}

type TableMetadata struct {
	FormatVersion    int               `json:"format-version"`
	TableUUID        string            `json:"table-uuid"`
	Location         string            `json:"location"`
	LastUpdated      int64             `json:"last-updated-ms"`
	LastColumnID     int               `json:"last-column-id"`
	LastPartitionID  int               `json:"last-partition-id"`
	CurrentSchemaID  int               `json:"current-schema-id"`
	Schemas          []SchemaV2        `json:"schemas"`
	DefaultSpecID    int               `json:"default-spec-id"`
	PartitionSpecs   []PartitionSpec   `json:"partition-specs"`
	RetiredColumnIDs []int             `json:"retired-column-ids,omitempty"`
	Properties       map[string]string `json:"properties"`
}

type SchemaV2 struct {
	SchemaID int     `json:"schema-id"`
	Fields   []Field `json:"fields"`
}

type Field struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Snapshot is an immutable version of a table. The file set is stored as a
// delta against the parent; use the snapshot manager to obtain the live set.
type Snapshot struct {
	SnapshotID       int64             `json:"snapshot-id"`
	ParentSnapshotID *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64             `json:"sequence-number"`
	TimestampMs      int64             `json:"timestamp-ms"`
	SchemaID         int               `json:"schema-id"`
	SpecID           int               `json:"spec-id"`
	ManifestPath     string            `json:"manifest"`
	Summary          map[string]string `json:"summary"`

	AddedDataFiles     []DataFile   `json:"-"`
	AddedDeleteFiles   []DeleteFile `json:"-"`
	RemovedDataFiles   []string     `json:"-"`
	RemovedDeleteFiles []string     `json:"-"`
}

// ParentID returns the parent snapshot id, or 0 for a root snapshot.
func (s *Snapshot) ParentID() int64 {
	if s.ParentSnapshotID == nil {
		return 0
	}
	return *s.ParentSnapshotID
}

// ManifestEntries flattens the snapshot delta into manifest entries.
func (s *Snapshot) ManifestEntries() []ManifestEntry {
	entries := make([]ManifestEntry, 0,
		len(s.AddedDataFiles)+len(s.AddedDeleteFiles)+len(s.RemovedDataFiles)+len(s.RemovedDeleteFiles))
	for _, f := range s.AddedDataFiles {
		entries = append(entries, DataEntry(EntryAdded, s.SnapshotID, f))
	}
	for _, f := range s.AddedDeleteFiles {
		entries = append(entries, DeleteEntry(EntryAdded, s.SnapshotID, f))
	}
	for _, p := range s.RemovedDataFiles {
		entries = append(entries, DataEntry(EntryDeleted, s.SnapshotID, DataFile{Path: p}))
	}
	for _, p := range s.RemovedDeleteFiles {
		entries = append(entries, DeleteEntry(EntryDeleted, s.SnapshotID, DeleteFile{Kind: PositionalDeletes, Path: p}))
	}
	return entries
}

// ApplyManifest fills the snapshot delta from decoded manifest entries.
func (s *Snapshot) ApplyManifest(entries []ManifestEntry) {
	s.AddedDataFiles, s.AddedDeleteFiles = nil, nil
	s.RemovedDataFiles, s.RemovedDeleteFiles = nil, nil
	for _, e := range entries {
		switch {
		case e.Status == EntryAdded && e.Data != nil:
			s.AddedDataFiles = append(s.AddedDataFiles, *e.Data)
		case e.Status == EntryAdded && e.Delete != nil:
			s.AddedDeleteFiles = append(s.AddedDeleteFiles, *e.Delete)
		case e.Status == EntryDeleted && e.Data != nil:
			s.RemovedDataFiles = append(s.RemovedDataFiles, e.Data.Path)
		case e.Status == EntryDeleted && e.Delete != nil:
			s.RemovedDeleteFiles = append(s.RemovedDeleteFiles, e.Delete.Path)
		}
	}
}

// LiveFiles is the full set of files visible at one snapshot.
type LiveFiles struct {
	DataFiles   []DataFile
	DeleteFiles []DeleteFile
}

// DataFile looks up a live data file by path.
func (l *LiveFiles) DataFile(path string) (DataFile, bool) {
	for _, f := range l.DataFiles {
		if f.Path == path {
			return f, true
		}
	}
	return DataFile{}, false
}

// SortFiles orders both sets by sequence number, then path.
func (l *LiveFiles) SortFiles() {
	sort.Slice(l.DataFiles, func(i, j int) bool {
		a, b := l.DataFiles[i], l.DataFiles[j]
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.Path < b.Path
	})
	sort.Slice(l.DeleteFiles, func(i, j int) bool {
		a, b := l.DeleteFiles[i], l.DeleteFiles[j]
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.Path < b.Path
	})
}
