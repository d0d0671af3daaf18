package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Buffer stages a file in memory until it is complete, then uploads it in a
// single Write. Files are never appended to once they reach storage.
type Buffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.buf.Len())
}

// FlushTo uploads the buffered bytes to path and returns the file size.
func (b *Buffer) FlushTo(ctx context.Context, s Storage, path string) (int64, error) {
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.buf.Reset()
	b.mu.Unlock()

	if err := s.Write(ctx, path, bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("uploading %s: %w", path, err)
	}
	return int64(len(data)), nil
}
