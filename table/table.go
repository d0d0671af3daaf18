package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"arctic-delta/catalog"
	"arctic-delta/commit"
	"arctic-delta/fileio"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/snapshot"
	"arctic-delta/storage"
)

const defaultParallelism = 4

type Options struct {
	Storage     storage.Storage
	Catalog     catalog.Catalog
	Logger      *slog.Logger
	Location    string // defaults to the table name
	MaxAttempts int
	Parallelism int
}

// Table is an opened table: its schema registry, snapshot chain and commit
// coordinator. The current snapshot pointer lives in the catalog.
type Table struct {
	name     string
	location string
	storage  storage.Storage
	catalog  catalog.Catalog
	logger   *slog.Logger

	mu       sync.Mutex
	meta     iceberg.TableMetadata
	registry *schema.Registry

	snapshots   *snapshot.Manager
	committer   *commit.Coordinator
	reader      *fileio.Reader
	writer      *fileio.Writer
	parallelism int
}

// Open loads the table metadata from storage, creating an empty table when
// none exists yet.
func Open(ctx context.Context, name string, opts Options) (*Table, error) {
	if opts.Storage == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("%w: table %s needs storage and a catalog", iceberg.ErrValidation, name)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == "" {
		opts.Location = name
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = defaultParallelism
	}

	t := &Table{
		name:        name,
		location:    opts.Location,
		storage:     opts.Storage,
		catalog:     opts.Catalog,
		logger:      opts.Logger.With("table", name),
		reader:      fileio.NewReader(opts.Storage),
		writer:      fileio.NewWriter(opts.Storage, opts.Location),
		parallelism: opts.Parallelism,
	}

	if err := t.loadMetadata(ctx); err != nil {
		return nil, err
	}

	t.snapshots = snapshot.NewManager(name, t.location, t.storage, t.catalog, t.logger)
	t.committer = commit.NewCoordinator(name, t.snapshots, t.catalog, t.registry, commit.Options{
		MaxAttempts: opts.MaxAttempts,
		Logger:      t.logger,
	})
	return t, nil
}

func (t *Table) metadataPath() string {
	return path.Join(t.location, "metadata", "table.json")
}

func (t *Table) loadMetadata(ctx context.Context) error {
	data, err := storage.ReadAll(ctx, t.storage, t.metadataPath())
	if errors.Is(err, iceberg.ErrMissingFile) {
		t.meta = iceberg.TableMetadata{
			FormatVersion: 2,
			TableUUID:     uuid.NewString(),
			Location:      t.location,
			Properties:    map[string]string{},
		}
		t.registry = schema.NewRegistry()
		t.logger.Info("creating table", "uuid", t.meta.TableUUID)
		return t.persistMetadata(ctx)
	}
	if err != nil {
		return fmt.Errorf("reading metadata of %s: %w", t.name, err)
	}

	if err := json.Unmarshal(data, &t.meta); err != nil {
		return fmt.Errorf("decoding metadata of %s: %w", t.name, err)
	}
	registry, err := schema.LoadRegistry(t.meta)
	if err != nil {
		return fmt.Errorf("loading schemas of %s: %w", t.name, err)
	}
	t.registry = registry
	return nil
}

// persistMetadata writes the registry state to table.json. Callers hold mu
// or own t exclusively.
func (t *Table) persistMetadata(ctx context.Context) error {
	t.registry.Metadata(&t.meta)
	t.meta.LastUpdated = time.Now().UnixMilli()

	data, err := json.MarshalIndent(t.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := t.storage.Write(ctx, t.metadataPath(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (t *Table) Name() string                 { return t.name }
func (t *Table) Location() string             { return t.location }
func (t *Table) Registry() *schema.Registry   { return t.registry }
func (t *Table) Snapshots() *snapshot.Manager { return t.snapshots }
func (t *Table) Writer() *fileio.Writer       { return t.writer }
func (t *Table) Reader() *fileio.Reader       { return t.reader }

// Current returns the current snapshot, or nil for an empty table.
func (t *Table) Current(ctx context.Context) (*iceberg.Snapshot, error) {
	return t.snapshots.Current(ctx)
}

// RegisterSchema adds a schema version and makes it current.
func (t *Table) RegisterSchema(ctx context.Context, s *schema.Schema) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := t.registry.RegisterSchema(s)
	if err != nil {
		return 0, err
	}
	return id, t.persistMetadata(ctx)
}

// UpdateSchema evolves the current schema through fn and persists the result.
func (t *Table) UpdateSchema(ctx context.Context, fn func(*schema.Update) *schema.Update) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := fn(t.registry.UpdateSchema()).Commit()
	if err != nil {
		return 0, err
	}
	t.logger.Info("schema evolved", "schema_id", id)
	return id, t.persistMetadata(ctx)
}

// SetPartitionSpec registers spec as the default for new files. Existing
// files keep the spec they were written with.
func (t *Table) SetPartitionSpec(ctx context.Context, spec *schema.PartitionSpec) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := t.registry.RegisterSpec(spec)
	if err != nil {
		return 0, err
	}
	t.logger.Info("partition spec changed", "spec_id", id)
	return id, t.persistMetadata(ctx)
}

// CommitRowDelta publishes delta on top of the current snapshot.
func (t *Table) CommitRowDelta(ctx context.Context, base int64, delta commit.RowDelta) (int64, error) {
	return t.committer.Commit(ctx, base, delta)
}
