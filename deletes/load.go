package deletes

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"arctic-delta/iceberg"
	"arctic-delta/schema"
)

// Delete is a delete file materialized for merging. It is either a
// *PositionalDelete or an *EqualityDelete.
type Delete interface {
	deleteFile() iceberg.DeleteFile
}

// PositionalDelete holds the offsets one delete file removes from a single
// data file.
type PositionalDelete struct {
	File    iceberg.DeleteFile
	Offsets *roaring64.Bitmap
}

// EqualityDelete holds the key rows of one equality delete file. Schema is
// the schema the delete was written with; nil means the data file's types
// are used for comparison.
type EqualityDelete struct {
	File   iceberg.DeleteFile
	Schema *schema.Schema
	Rows   []iceberg.Row
}

func (d *PositionalDelete) deleteFile() iceberg.DeleteFile { return d.File }
func (d *EqualityDelete) deleteFile() iceberg.DeleteFile   { return d.File }

// Loader reads the contents of delete files.
type Loader interface {
	LoadPositions(ctx context.Context, df iceberg.DeleteFile, dataPath string) (*roaring64.Bitmap, error)
	LoadEqualityRows(ctx context.Context, df iceberg.DeleteFile, deleteSchema *schema.Schema) ([]iceberg.Row, error)
}

// SchemaSource resolves schema versions; *schema.Registry implements it.
type SchemaSource interface {
	Schema(id int) (*schema.Schema, error)
}

// Load materializes files for merging into the data file at dataPath,
// preserving their order.
func Load(ctx context.Context, loader Loader, schemas SchemaSource, dataPath string, files []iceberg.DeleteFile) ([]Delete, error) {
	out := make([]Delete, 0, len(files))
	for _, df := range files {
		switch df.Kind {
		case iceberg.PositionalDeletes:
			offsets, err := loader.LoadPositions(ctx, df, dataPath)
			if err != nil {
				return nil, fmt.Errorf("loading positional delete %s: %w", df.Path, err)
			}
			out = append(out, &PositionalDelete{File: df, Offsets: offsets})
		case iceberg.EqualityDeletes:
			sch, err := schemas.Schema(df.SchemaID)
			if err != nil {
				return nil, fmt.Errorf("loading equality delete %s: %w", df.Path, err)
			}
			rows, err := loader.LoadEqualityRows(ctx, df, sch)
			if err != nil {
				return nil, fmt.Errorf("loading equality delete %s: %w", df.Path, err)
			}
			out = append(out, &EqualityDelete{File: df, Schema: sch, Rows: rows})
		default:
			return nil, &iceberg.DeleteError{
				Kind:       iceberg.ErrMalformedDeleteFile,
				DeleteFile: df.Path,
				Reason:     "unknown delete kind " + df.Kind.String(),
			}
		}
	}
	return out, nil
}

// Cache memoizes equality delete rows by path. An equality delete usually
// applies to many data files of one scan; positional deletes target a single
// file and pass straight through.
type Cache struct {
	loader Loader

	mu       sync.Mutex
	equality map[string][]iceberg.Row
}

func NewCache(loader Loader) *Cache {
	return &Cache{loader: loader, equality: make(map[string][]iceberg.Row)}
}

func (c *Cache) LoadPositions(ctx context.Context, df iceberg.DeleteFile, dataPath string) (*roaring64.Bitmap, error) {
	return c.loader.LoadPositions(ctx, df, dataPath)
}

func (c *Cache) LoadEqualityRows(ctx context.Context, df iceberg.DeleteFile, deleteSchema *schema.Schema) ([]iceberg.Row, error) {
	c.mu.Lock()
	rows, ok := c.equality[df.Path]
	c.mu.Unlock()
	if ok {
		return rows, nil
	}

	rows, err := c.loader.LoadEqualityRows(ctx, df, deleteSchema)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.equality[df.Path] = rows
	c.mu.Unlock()
	return rows, nil
}
