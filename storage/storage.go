package storage

import (
	"context"
	"io"
)

// Storage is the object store that holds data, delete and metadata files.
// Paths are relative to the table warehouse root. Reading a path that does
// not exist returns an error matching iceberg.ErrMissingFile.
type Storage interface {
	Write(ctx context.Context, filepath string, data io.Reader) error
	Read(ctx context.Context, filepath string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, filepath string) (bool, error)
}

// ReadAll reads a whole object into memory.
func ReadAll(ctx context.Context, s Storage, filepath string) ([]byte, error) {
	rc, err := s.Read(ctx, filepath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
