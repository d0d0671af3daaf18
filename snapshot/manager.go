package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"arctic-delta/catalog"
	"arctic-delta/iceberg"
	"arctic-delta/storage"
)

type snapshotLog = skipmap.FuncMap[int64, *iceberg.Snapshot]
type liveSets = skipmap.FuncMap[int64, *iceberg.LiveFiles]

func lessID(a, b int64) bool { return a < b }

// Manager keeps the append-only snapshot chain of one table. Snapshots are
// indexed by id; a snapshot can only enter the log once its parent is there,
// so the chain has no cycles.
type Manager struct {
	table    string
	location string
	storage  storage.Storage
	catalog  catalog.Catalog
	logger   *slog.Logger

	log  *snapshotLog
	live *liveSets
}

// NewManager logs through logger as given; callers scope it to the table.
func NewManager(table, location string, s storage.Storage, c catalog.Catalog, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		table:    table,
		location: location,
		storage:  s,
		catalog:  c,
		logger:   logger,
		log:      skipmap.NewFunc[int64, *iceberg.Snapshot](lessID),
		live:     skipmap.NewFunc[int64, *iceberg.LiveFiles](lessID),
	}
}

func (m *Manager) snapshotPath(id int64) string {
	return path.Join(m.location, "metadata", fmt.Sprintf("snap-%d.json", id))
}

// Current returns the snapshot the catalog points at, or nil for a table
// without commits.
func (m *Manager) Current(ctx context.Context) (*iceberg.Snapshot, error) {
	id, err := m.catalog.LoadCurrent(ctx, m.table)
	if err != nil {
		return nil, fmt.Errorf("loading current snapshot of %s: %w", m.table, err)
	}
	if id == 0 {
		return nil, nil
	}
	return m.At(ctx, id)
}

// At returns snapshot id, loading it and its ancestors from storage when
// another writer created them.
func (m *Manager) At(ctx context.Context, id int64) (*iceberg.Snapshot, error) {
	if snap, ok := m.log.Load(id); ok {
		return snap, nil
	}

	// collect the unknown part of the chain, then append it root first
	var pending []*iceberg.Snapshot
	seen := make(map[int64]bool)
	for next := id; next != 0; {
		if _, ok := m.log.Load(next); ok {
			break
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: snapshot %d is its own ancestor", iceberg.ErrValidation, next)
		}
		seen[next] = true
		snap, err := m.load(ctx, next)
		if err != nil {
			return nil, err
		}
		pending = append(pending, snap)
		next = snap.ParentID()
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if err := m.Append(ctx, pending[i]); err != nil {
			return nil, err
		}
	}

	snap, _ := m.log.Load(id)
	return snap, nil
}

func (m *Manager) load(ctx context.Context, id int64) (*iceberg.Snapshot, error) {
	data, err := storage.ReadAll(ctx, m.storage, m.snapshotPath(id))
	if errors.Is(err, iceberg.ErrMissingFile) {
		return nil, fmt.Errorf("%w: %d in table %s", iceberg.ErrSnapshotNotFound, id, m.table)
	}
	if err != nil {
		return nil, err
	}

	var snap iceberg.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %d: %w", id, err)
	}
	if snap.SnapshotID != id {
		return nil, fmt.Errorf("%w: snapshot file for %d holds %d", iceberg.ErrValidation, id, snap.SnapshotID)
	}

	manifest, err := m.storage.Read(ctx, snap.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest of snapshot %d: %w", id, err)
	}
	defer manifest.Close()

	entries, err := iceberg.ReadManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest of snapshot %d: %w", id, err)
	}
	snap.ApplyManifest(entries)

	m.logger.Debug("loaded snapshot from storage", "snapshot", id, "entries", len(entries))
	return &snap, nil
}

// Append adds snap to the in-memory log. Its parent must already be known.
func (m *Manager) Append(ctx context.Context, snap *iceberg.Snapshot) error {
	if snap.SnapshotID <= 0 {
		return fmt.Errorf("%w: snapshot id must be positive", iceberg.ErrValidation)
	}
	if parent := snap.ParentID(); parent != 0 {
		if _, ok := m.log.Load(parent); !ok {
			return fmt.Errorf("%w: parent %d of snapshot %d", iceberg.ErrSnapshotNotFound, parent, snap.SnapshotID)
		}
	}
	if existing, loaded := m.log.LoadOrStore(snap.SnapshotID, snap); loaded && existing != snap {
		if existing.ParentID() != snap.ParentID() || existing.SequenceNumber != snap.SequenceNumber {
			return fmt.Errorf("%w: snapshot %d already exists", iceberg.ErrValidation, snap.SnapshotID)
		}
	}
	return nil
}

// Persist writes the snapshot's manifest and record. It does not make the
// snapshot current; only the catalog swap does that.
func (m *Manager) Persist(ctx context.Context, snap *iceberg.Snapshot) error {
	buf := storage.NewBuffer()
	if err := iceberg.WriteManifest(buf, snap.SnapshotID, snap.ManifestEntries()); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	snap.ManifestPath = path.Join(m.location, "metadata", uuid.NewString()+"-m0.avro")
	if _, err := buf.FlushTo(ctx, m.storage, snap.ManifestPath); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot %d: %w", snap.SnapshotID, err)
	}
	if err := m.storage.Write(ctx, m.snapshotPath(snap.SnapshotID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing snapshot %d: %w", snap.SnapshotID, err)
	}
	return nil
}

// LiveFiles returns the data and delete files visible at snap. The result is
// shared and must not be modified.
func (m *Manager) LiveFiles(ctx context.Context, snap *iceberg.Snapshot) (*iceberg.LiveFiles, error) {
	if snap == nil {
		return &iceberg.LiveFiles{}, nil
	}
	if live, ok := m.live.Load(snap.SnapshotID); ok {
		return live, nil
	}

	var chain []*iceberg.Snapshot
	base := &iceberg.LiveFiles{}
	for cur := snap; ; {
		if live, ok := m.live.Load(cur.SnapshotID); ok {
			base = live
			break
		}
		chain = append(chain, cur)
		parent := cur.ParentID()
		if parent == 0 {
			break
		}
		next, err := m.At(ctx, parent)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	for i := len(chain) - 1; i >= 0; i-- {
		base = applyDelta(base, chain[i])
		m.live.Store(chain[i].SnapshotID, base)
	}
	return base, nil
}

func applyDelta(base *iceberg.LiveFiles, snap *iceberg.Snapshot) *iceberg.LiveFiles {
	removedData := make(map[string]bool, len(snap.RemovedDataFiles))
	for _, p := range snap.RemovedDataFiles {
		removedData[p] = true
	}
	removedDeletes := make(map[string]bool, len(snap.RemovedDeleteFiles))
	for _, p := range snap.RemovedDeleteFiles {
		removedDeletes[p] = true
	}

	next := &iceberg.LiveFiles{
		DataFiles:   make([]iceberg.DataFile, 0, len(base.DataFiles)+len(snap.AddedDataFiles)),
		DeleteFiles: make([]iceberg.DeleteFile, 0, len(base.DeleteFiles)+len(snap.AddedDeleteFiles)),
	}
	for _, f := range base.DataFiles {
		if !removedData[f.Path] {
			next.DataFiles = append(next.DataFiles, f)
		}
	}
	next.DataFiles = append(next.DataFiles, snap.AddedDataFiles...)
	for _, f := range base.DeleteFiles {
		if !removedDeletes[f.Path] {
			next.DeleteFiles = append(next.DeleteFiles, f)
		}
	}
	next.DeleteFiles = append(next.DeleteFiles, snap.AddedDeleteFiles...)
	next.SortFiles()
	return next
}

// Ancestors returns id and its ancestors, newest first.
func (m *Manager) Ancestors(ctx context.Context, id int64) ([]*iceberg.Snapshot, error) {
	var out []*iceberg.Snapshot
	for next := id; next != 0; {
		snap, err := m.At(ctx, next)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
		next = snap.ParentID()
	}
	return out, nil
}
