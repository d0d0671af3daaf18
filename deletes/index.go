package deletes

import (
	"sort"

	"arctic-delta/iceberg"
)

// Index answers which delete files apply to a data file at one snapshot.
// It is built once per scan from the snapshot's live delete files and is
// safe for concurrent use.
type Index struct {
	positional  map[string][]iceberg.DeleteFile
	global      []iceberg.DeleteFile
	byPartition map[partitionKey][]iceberg.DeleteFile
}

type partitionKey struct {
	specID int
	values string
}

func NewIndex(deleteFiles []iceberg.DeleteFile) *Index {
	idx := &Index{
		positional:  make(map[string][]iceberg.DeleteFile),
		byPartition: make(map[partitionKey][]iceberg.DeleteFile),
	}
	for _, df := range deleteFiles {
		switch {
		case df.Kind == iceberg.PositionalDeletes:
			idx.positional[df.ReferencedDataFile] = append(idx.positional[df.ReferencedDataFile], df)
		case df.IsGlobal():
			idx.global = append(idx.global, df)
		default:
			key := partitionKey{specID: df.SpecID, values: df.Partition.Key()}
			idx.byPartition[key] = append(idx.byPartition[key], df)
		}
	}
	return idx
}

// ApplicableDeletes returns the deletes that apply to f: positional deletes
// targeting f first, then equality deletes, each ordered by sequence number
// and path. A delete only applies to data with a strictly lower sequence
// number.
func (idx *Index) ApplicableDeletes(f iceberg.DataFile) []iceberg.DeleteFile {
	var positional, equality []iceberg.DeleteFile

	for _, df := range idx.positional[f.Path] {
		if applies(df, f) {
			positional = append(positional, df)
		}
	}
	for _, df := range idx.global {
		if df.SequenceNumber > f.SequenceNumber {
			equality = append(equality, df)
		}
	}
	for _, df := range idx.byPartition[partitionKey{specID: f.SpecID, values: f.Partition.Key()}] {
		if applies(df, f) {
			equality = append(equality, df)
		}
	}

	sortDeletes(positional)
	sortDeletes(equality)
	return append(positional, equality...)
}

func applies(df iceberg.DeleteFile, f iceberg.DataFile) bool {
	if df.SequenceNumber <= f.SequenceNumber {
		return false
	}
	if df.IsGlobal() {
		return true
	}
	return df.SpecID == f.SpecID && df.Partition.Equal(f.Partition)
}

func sortDeletes(files []iceberg.DeleteFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].SequenceNumber != files[j].SequenceNumber {
			return files[i].SequenceNumber < files[j].SequenceNumber
		}
		return files[i].Path < files[j].Path
	})
}

// ApplicableDeletes is a one-shot lookup against a live file set.
func ApplicableDeletes(f iceberg.DataFile, live *iceberg.LiveFiles) []iceberg.DeleteFile {
	return NewIndex(live.DeleteFiles).ApplicableDeletes(f)
}
