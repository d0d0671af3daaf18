package catalog

import (
	"context"
	"sync"
)

// Catalog stores the current snapshot pointer of each table. It is the only
// shared mutable state of the engine: advancing the pointer must be an atomic
// compare-and-swap. A snapshot id of 0 means the table has no snapshot yet.
type Catalog interface {
	LoadCurrent(ctx context.Context, table string) (int64, error)
	CASAdvance(ctx context.Context, table string, expected, next int64) (bool, error)
}

// MemoryCatalog is a process-local catalog.
type MemoryCatalog struct {
	mu      sync.Mutex
	current map[string]int64
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{current: make(map[string]int64)}
}

func (c *MemoryCatalog) LoadCurrent(ctx context.Context, table string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[table], nil
}

func (c *MemoryCatalog) CASAdvance(ctx context.Context, table string, expected, next int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current[table] != expected {
		return false, nil
	}
	c.current[table] = next
	return true, nil
}
