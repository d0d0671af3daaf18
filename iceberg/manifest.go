package iceberg

import (
	"fmt"
	"io"
	"strconv"

	"github.com/hamba/avro/v2"
	"github.com/hamba/avro/v2/ocf"
)

type FileFormat string

const ParquetFormat FileFormat = "PARQUET"

// FileContent is the kind of file a manifest entry refers to.
type FileContent int32

const (
	ContentData FileContent = iota
	ContentPositionDeletes
	ContentEqualityDeletes
)

type EntryStatus int32

const (
	EntryAdded   EntryStatus = 1
	EntryDeleted EntryStatus = 2
)

// DataFile is an immutable file of inserted rows. SequenceNumber is assigned
// when the file is committed.
type DataFile struct {
	Path           string          `json:"file-path"`
	Format         FileFormat      `json:"file-format"`
	Partition      PartitionValues `json:"partition"`
	RecordCount    int64           `json:"record-count"`
	FileSizeBytes  int64           `json:"file-size-in-bytes"`
	SpecID         int             `json:"spec-id"`
	SchemaID       int             `json:"schema-id"`
	SequenceNumber int64           `json:"sequence-number"`
}

// DeleteKind tags a delete file as value based or position based.
type DeleteKind int

const (
	PositionalDeletes DeleteKind = iota + 1
	EqualityDeletes
)

func (k DeleteKind) String() string {
	switch k {
	case PositionalDeletes:
		return "positional"
	case EqualityDeletes:
		return "equality"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

func (k DeleteKind) content() FileContent {
	if k == EqualityDeletes {
		return ContentEqualityDeletes
	}
	return ContentPositionDeletes
}

// DeleteFile is an immutable file of rows to suppress. Equality deletes carry
// the key field ids; positional deletes carry the data file they target.
type DeleteFile struct {
	Kind               DeleteKind      `json:"kind"`
	Path               string          `json:"file-path"`
	Format             FileFormat      `json:"file-format"`
	Partition          PartitionValues `json:"partition"`
	RecordCount        int64           `json:"record-count"`
	FileSizeBytes      int64           `json:"file-size-in-bytes"`
	SpecID             int             `json:"spec-id"`
	SchemaID           int             `json:"schema-id"`
	SequenceNumber     int64           `json:"sequence-number"`
	EqualityFieldIDs   []int           `json:"equality-ids,omitempty"`
	ReferencedDataFile string          `json:"referenced-data-file,omitempty"`
}

// IsGlobal reports whether the delete applies across all partitions.
func (d DeleteFile) IsGlobal() bool { return len(d.Partition) == 0 }

// ManifestEntry records one file added to or removed from a snapshot.
// Exactly one of Data and Delete is set.
type ManifestEntry struct {
	Status         EntryStatus
	SnapshotID     int64
	SequenceNumber int64
	Content        FileContent
	Data           *DataFile
	Delete         *DeleteFile
}

func (e ManifestEntry) Path() string {
	if e.Data != nil {
		return e.Data.Path
	}
	if e.Delete != nil {
		return e.Delete.Path
	}
	return ""
}

const manifestSchema = `{
  "type": "record",
  "name": "manifest_entry",
  "fields": [
    {"name": "status", "type": "int", "field-id": 0},
    {"name": "snapshot_id", "type": "long", "field-id": 1},
    {"name": "sequence_number", "type": "long", "field-id": 3},
    {"name": "content", "type": "int", "field-id": 134},
    {"name": "file_path", "type": "string", "field-id": 100},
    {"name": "file_format", "type": "string", "field-id": 101},
    {"name": "partition", "type": {"type": "array", "items": "string"}, "field-id": 102},
    {"name": "record_count", "type": "long", "field-id": 103},
    {"name": "file_size_in_bytes", "type": "long", "field-id": 104},
    {"name": "spec_id", "type": "int", "field-id": 141},
    {"name": "schema_id", "type": "int", "field-id": 142},
    {"name": "equality_ids", "type": {"type": "array", "items": "int"}, "field-id": 135},
    {"name": "referenced_data_file", "type": ["null", "string"], "default": null, "field-id": 143}
  ]
}`

var manifestAvroSchema = avro.MustParse(manifestSchema)

type manifestRecord struct {
	Status             int32    `avro:"status"`
	SnapshotID         int64    `avro:"snapshot_id"`
	SequenceNumber     int64    `avro:"sequence_number"`
	Content            int32    `avro:"content"`
	FilePath           string   `avro:"file_path"`
	FileFormat         string   `avro:"file_format"`
	Partition          []string `avro:"partition"`
	RecordCount        int64    `avro:"record_count"`
	FileSizeBytes      int64    `avro:"file_size_in_bytes"`
	SpecID             int32    `avro:"spec_id"`
	SchemaID           int32    `avro:"schema_id"`
	EqualityIDs        []int32  `avro:"equality_ids"`
	ReferencedDataFile *string  `avro:"referenced_data_file"`
}

func toRecord(e ManifestEntry) (manifestRecord, error) {
	rec := manifestRecord{
		Status:         int32(e.Status),
		SnapshotID:     e.SnapshotID,
		SequenceNumber: e.SequenceNumber,
		Content:        int32(e.Content),
		Partition:      []string{},
		EqualityIDs:    []int32{},
	}

	var partition PartitionValues
	switch {
	case e.Data != nil:
		rec.FilePath = e.Data.Path
		rec.FileFormat = string(e.Data.Format)
		rec.RecordCount = e.Data.RecordCount
		rec.FileSizeBytes = e.Data.FileSizeBytes
		rec.SpecID = int32(e.Data.SpecID)
		rec.SchemaID = int32(e.Data.SchemaID)
		partition = e.Data.Partition
	case e.Delete != nil:
		rec.FilePath = e.Delete.Path
		rec.FileFormat = string(e.Delete.Format)
		rec.RecordCount = e.Delete.RecordCount
		rec.FileSizeBytes = e.Delete.FileSizeBytes
		rec.SpecID = int32(e.Delete.SpecID)
		rec.SchemaID = int32(e.Delete.SchemaID)
		partition = e.Delete.Partition
		for _, id := range e.Delete.EqualityFieldIDs {
			rec.EqualityIDs = append(rec.EqualityIDs, int32(id))
		}
		if e.Delete.ReferencedDataFile != "" {
			ref := e.Delete.ReferencedDataFile
			rec.ReferencedDataFile = &ref
		}
	default:
		return rec, fmt.Errorf("%w: manifest entry without a file", ErrValidation)
	}

	enc, err := partition.Encode()
	if err != nil {
		return rec, err
	}
	rec.Partition = append(rec.Partition, enc...)
	return rec, nil
}

func fromRecord(rec manifestRecord) (ManifestEntry, error) {
	partition, err := DecodePartition(rec.Partition)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("decoding %s: %w", rec.FilePath, err)
	}

	e := ManifestEntry{
		Status:         EntryStatus(rec.Status),
		SnapshotID:     rec.SnapshotID,
		SequenceNumber: rec.SequenceNumber,
		Content:        FileContent(rec.Content),
	}

	switch e.Content {
	case ContentData:
		e.Data = &DataFile{
			Path:           rec.FilePath,
			Format:         FileFormat(rec.FileFormat),
			Partition:      partition,
			RecordCount:    rec.RecordCount,
			FileSizeBytes:  rec.FileSizeBytes,
			SpecID:         int(rec.SpecID),
			SchemaID:       int(rec.SchemaID),
			SequenceNumber: rec.SequenceNumber,
		}
	case ContentPositionDeletes, ContentEqualityDeletes:
		d := &DeleteFile{
			Kind:           PositionalDeletes,
			Path:           rec.FilePath,
			Format:         FileFormat(rec.FileFormat),
			Partition:      partition,
			RecordCount:    rec.RecordCount,
			FileSizeBytes:  rec.FileSizeBytes,
			SpecID:         int(rec.SpecID),
			SchemaID:       int(rec.SchemaID),
			SequenceNumber: rec.SequenceNumber,
		}
		if e.Content == ContentEqualityDeletes {
			d.Kind = EqualityDeletes
		}
		for _, id := range rec.EqualityIDs {
			d.EqualityFieldIDs = append(d.EqualityFieldIDs, int(id))
		}
		if rec.ReferencedDataFile != nil {
			d.ReferencedDataFile = *rec.ReferencedDataFile
		}
		e.Delete = d
	default:
		return ManifestEntry{}, fmt.Errorf("%w: unknown manifest content %d", ErrValidation, rec.Content)
	}
	return e, nil
}

// DataEntry builds a manifest entry for a data file.
func DataEntry(status EntryStatus, snapshotID int64, f DataFile) ManifestEntry {
	return ManifestEntry{
		Status:         status,
		SnapshotID:     snapshotID,
		SequenceNumber: f.SequenceNumber,
		Content:        ContentData,
		Data:           &f,
	}
}

// DeleteEntry builds a manifest entry for a delete file.
func DeleteEntry(status EntryStatus, snapshotID int64, f DeleteFile) ManifestEntry {
	return ManifestEntry{
		Status:         status,
		SnapshotID:     snapshotID,
		SequenceNumber: f.SequenceNumber,
		Content:        f.Kind.content(),
		Delete:         &f,
	}
}

// WriteManifest encodes entries as an avro object container file.
func WriteManifest(w io.Writer, snapshotID int64, entries []ManifestEntry) error {
	enc, err := ocf.NewEncoder(manifestAvroSchema.String(), w,
		ocf.WithMetadata(map[string][]byte{
			"format-version": []byte("2"),
			"snapshot-id":    []byte(strconv.FormatInt(snapshotID, 10)),
		}),
	)
	if err != nil {
		return fmt.Errorf("creating manifest encoder: %w", err)
	}

	for _, e := range entries {
		rec, err := toRecord(e)
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding manifest entry %s: %w", rec.FilePath, err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing manifest encoder: %w", err)
	}
	return nil
}

// ReadManifest decodes a manifest written by WriteManifest.
func ReadManifest(r io.Reader) ([]ManifestEntry, error) {
	dec, err := ocf.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("creating manifest decoder: %w", err)
	}

	var entries []ManifestEntry
	for dec.HasNext() {
		var rec manifestRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding manifest entry: %w", err)
		}
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := dec.Error(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return entries, nil
}
