package commit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"arctic-delta/catalog"
	"arctic-delta/deletes"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/snapshot"
)

const DefaultMaxAttempts = 4

// State is the position of one commit attempt in its life cycle.
type State int

const (
	Proposed State = iota
	Validated
	Committed
	Conflicted
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Validated:
		return "validated"
	case Committed:
		return "committed"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// RowDelta is the set of file changes a writer wants to publish atomically.
// ReferencedDataFiles lists data files the writer's deletes were computed
// against; they must still be live when the commit lands.
type RowDelta struct {
	AddedDataFiles      []iceberg.DataFile
	AddedDeleteFiles    []iceberg.DeleteFile
	RemovedDataFiles    []string
	RemovedDeleteFiles  []string
	ReferencedDataFiles []string
}

func (d RowDelta) empty() bool {
	return len(d.AddedDataFiles) == 0 && len(d.AddedDeleteFiles) == 0 &&
		len(d.RemovedDataFiles) == 0 && len(d.RemovedDeleteFiles) == 0
}

type Options struct {
	MaxAttempts int
	Logger      *slog.Logger
}

// Coordinator publishes row deltas of one table with optimistic concurrency.
// The only synchronization is the catalog's compare-and-swap.
type Coordinator struct {
	table       string
	snapshots   *snapshot.Manager
	catalog     catalog.Catalog
	registry    *schema.Registry
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewCoordinator(table string, snapshots *snapshot.Manager, c catalog.Catalog, registry *schema.Registry, opts Options) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		table:       table,
		snapshots:   snapshots,
		catalog:     c,
		registry:    registry,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Commit publishes delta as a child of the table's current snapshot and
// returns the new snapshot id. When base is stale the delta is re-validated
// against the actual current snapshot; if a concurrent commit invalidated it
// the result is a *iceberg.ConflictError.
func (c *Coordinator) Commit(ctx context.Context, base int64, delta RowDelta) (int64, error) {
	if err := c.validateFiles(delta); err != nil {
		return 0, err
	}

	var observed int64
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		log := c.logger.With("attempt", attempt, "base", base)
		log.Debug("commit state", "state", Proposed)

		current, err := c.snapshots.Current(ctx)
		if err != nil {
			return 0, err
		}
		observed = snapshotID(current)
		if observed != base {
			log.Debug("base is stale, rebasing", "observed", observed)
		}

		if err := c.validateAgainst(ctx, base, current, delta); err != nil {
			log.Info("commit state", "state", Conflicted, "observed", observed, "reason", err)
			if observed == base {
				return 0, err
			}
			return 0, &iceberg.ConflictError{
				Table:    c.table,
				Base:     base,
				Observed: observed,
				Attempts: attempt,
				Reason:   err.Error(),
			}
		}
		log.Debug("commit state", "state", Validated, "observed", observed)

		snap := c.buildSnapshot(current, delta)
		if err := c.snapshots.Persist(ctx, snap); err != nil {
			return 0, fmt.Errorf("persisting snapshot %d: %w", snap.SnapshotID, err)
		}

		swapped, err := c.catalog.CASAdvance(ctx, c.table, observed, snap.SnapshotID)
		if err != nil {
			return 0, fmt.Errorf("advancing %s to snapshot %d: %w", c.table, snap.SnapshotID, err)
		}
		if !swapped {
			log.Debug("lost compare-and-swap, retrying", "observed", observed)
			continue
		}

		if err := c.snapshots.Append(ctx, snap); err != nil {
			return 0, err
		}
		log.Info("commit state", "state", Committed,
			"snapshot", snap.SnapshotID,
			"sequence", snap.SequenceNumber,
			"added_data_files", len(delta.AddedDataFiles),
			"added_delete_files", len(delta.AddedDeleteFiles),
		)
		return snap.SnapshotID, nil
	}

	c.logger.Warn("commit retries exhausted", "base", base, "attempts", c.maxAttempts)
	return 0, &iceberg.ConflictError{
		Table:    c.table,
		Base:     base,
		Observed: observed,
		Attempts: c.maxAttempts,
		Reason:   "current snapshot kept moving",
	}
}

// validateFiles checks the delta in isolation: files must name registered
// schema and spec versions and equality keys must exist in their schema.
func (c *Coordinator) validateFiles(delta RowDelta) error {
	if delta.empty() {
		return fmt.Errorf("%w: empty row delta", iceberg.ErrValidation)
	}

	seen := make(map[string]bool)
	checkPath := func(p string) error {
		if p == "" {
			return fmt.Errorf("%w: file without a path", iceberg.ErrValidation)
		}
		if seen[p] {
			return fmt.Errorf("%w: file %s added twice", iceberg.ErrValidation, p)
		}
		seen[p] = true
		return nil
	}

	for _, f := range delta.AddedDataFiles {
		if err := checkPath(f.Path); err != nil {
			return err
		}
		if err := c.checkBinding(f.Path, f.SchemaID, f.SpecID, f.Partition); err != nil {
			return err
		}
		if f.RecordCount < 0 {
			return fmt.Errorf("%w: negative record count for %s", iceberg.ErrValidation, f.Path)
		}
	}

	for _, f := range delta.AddedDeleteFiles {
		if err := checkPath(f.Path); err != nil {
			return err
		}
		if err := c.checkBinding(f.Path, f.SchemaID, f.SpecID, f.Partition); err != nil {
			return err
		}
		switch f.Kind {
		case iceberg.PositionalDeletes:
			if f.ReferencedDataFile == "" {
				return fmt.Errorf("%w: positional delete %s has no target", iceberg.ErrValidation, f.Path)
			}
		case iceberg.EqualityDeletes:
			if len(f.EqualityFieldIDs) == 0 {
				return fmt.Errorf("%w: equality delete %s has no key fields", iceberg.ErrValidation, f.Path)
			}
			sch, err := c.registry.Schema(f.SchemaID)
			if err != nil {
				return err
			}
			if _, err := sch.Types(f.EqualityFieldIDs); err != nil {
				return fmt.Errorf("equality delete %s: %w", f.Path, err)
			}
		default:
			return fmt.Errorf("%w: delete file %s has kind %s", iceberg.ErrValidation, f.Path, f.Kind)
		}
	}
	return nil
}

func (c *Coordinator) checkBinding(path string, schemaID, specID int, partition iceberg.PartitionValues) error {
	if _, err := c.registry.Schema(schemaID); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	spec, err := c.registry.Spec(specID)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if len(partition) != 0 && len(partition) != len(spec.Fields) {
		return fmt.Errorf("%w: %s has %d partition values, spec %d has %d fields",
			iceberg.ErrSchemaMismatch, path, len(partition), spec.ID, len(spec.Fields))
	}
	return nil
}

// validateAgainst checks the delta's assumptions about live files against
// the snapshot it would be committed on top of.
func (c *Coordinator) validateAgainst(ctx context.Context, base int64, current *iceberg.Snapshot, delta RowDelta) error {
	live, err := c.snapshots.LiveFiles(ctx, current)
	if err != nil {
		return err
	}
	liveData := make(map[string]iceberg.DataFile, len(live.DataFiles))
	for _, f := range live.DataFiles {
		liveData[f.Path] = f
	}
	liveDeletes := make(map[string]bool, len(live.DeleteFiles))
	for _, f := range live.DeleteFiles {
		liveDeletes[f.Path] = true
	}

	for _, f := range delta.AddedDataFiles {
		if _, ok := liveData[f.Path]; ok {
			return fmt.Errorf("%w: data file %s is already live", iceberg.ErrValidation, f.Path)
		}
	}
	for _, f := range delta.AddedDeleteFiles {
		if liveDeletes[f.Path] {
			return fmt.Errorf("%w: delete file %s is already live", iceberg.ErrValidation, f.Path)
		}
		if f.Kind != iceberg.PositionalDeletes {
			continue
		}
		if _, ok := liveData[f.ReferencedDataFile]; !ok {
			return fmt.Errorf("%w: positional delete %s targets %s, which is not live",
				iceberg.ErrCommitConflict, f.Path, f.ReferencedDataFile)
		}
	}
	for _, p := range delta.ReferencedDataFiles {
		if _, ok := liveData[p]; !ok {
			return fmt.Errorf("%w: referenced data file %s is not live", iceberg.ErrCommitConflict, p)
		}
	}
	for _, p := range delta.RemovedDataFiles {
		if _, ok := liveData[p]; !ok {
			return fmt.Errorf("%w: removed data file %s is not live", iceberg.ErrCommitConflict, p)
		}
	}
	for _, p := range delta.RemovedDeleteFiles {
		if !liveDeletes[p] {
			return fmt.Errorf("%w: removed delete file %s is not live", iceberg.ErrCommitConflict, p)
		}
	}

	observed := snapshotID(current)
	if observed == base || len(delta.RemovedDataFiles) == 0 {
		return nil
	}
	return c.validateNoNewDeletes(ctx, base, observed, liveData, delta.RemovedDataFiles)
}

// validateNoNewDeletes fails when a data file the delta removes received
// deletes after base; rewriting it would silently undo them.
func (c *Coordinator) validateNoNewDeletes(ctx context.Context, base, observed int64, liveData map[string]iceberg.DataFile, removed []string) error {
	var added []iceberg.DeleteFile
	found := base == 0
	for next := observed; next != 0 && next != base; {
		snap, err := c.snapshots.At(ctx, next)
		if err != nil {
			return err
		}
		added = append(added, snap.AddedDeleteFiles...)
		next = snap.ParentID()
		if next == base {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: base snapshot %d is not an ancestor of %d", iceberg.ErrCommitConflict, base, observed)
	}
	if len(added) == 0 {
		return nil
	}

	idx := deletes.NewIndex(added)
	for _, p := range removed {
		if applicable := idx.ApplicableDeletes(liveData[p]); len(applicable) > 0 {
			return fmt.Errorf("%w: data file %s received %d new delete files since snapshot %d",
				iceberg.ErrCommitConflict, p, len(applicable), base)
		}
	}
	return nil
}

func (c *Coordinator) buildSnapshot(parent *iceberg.Snapshot, delta RowDelta) *iceberg.Snapshot {
	snap := &iceberg.Snapshot{
		SnapshotID:     newSnapshotID(),
		SequenceNumber: 1,
		TimestampMs:    c.now().UnixMilli(),
		SpecID:         c.registry.DefaultSpec().ID,
	}
	if cur, err := c.registry.CurrentSchema(); err == nil {
		snap.SchemaID = cur.ID
	}
	if parent != nil {
		id := parent.SnapshotID
		snap.ParentSnapshotID = &id
		snap.SequenceNumber = parent.SequenceNumber + 1
	}

	var addedRecords, deletedRecords int64
	for _, f := range delta.AddedDataFiles {
		f.SequenceNumber = snap.SequenceNumber
		snap.AddedDataFiles = append(snap.AddedDataFiles, f)
		addedRecords += f.RecordCount
	}
	for _, f := range delta.AddedDeleteFiles {
		f.SequenceNumber = snap.SequenceNumber
		snap.AddedDeleteFiles = append(snap.AddedDeleteFiles, f)
		deletedRecords += f.RecordCount
	}
	snap.RemovedDataFiles = append([]string(nil), delta.RemovedDataFiles...)
	snap.RemovedDeleteFiles = append([]string(nil), delta.RemovedDeleteFiles...)

	snap.Summary = map[string]string{
		"operation":          operation(delta),
		"added-data-files":   strconv.Itoa(len(delta.AddedDataFiles)),
		"added-delete-files": strconv.Itoa(len(delta.AddedDeleteFiles)),
		"removed-data-files": strconv.Itoa(len(delta.RemovedDataFiles)),
		"added-records":      strconv.FormatInt(addedRecords, 10),
		"added-delete-rows":  strconv.FormatInt(deletedRecords, 10),
	}
	return snap
}

func operation(delta RowDelta) string {
	switch {
	case len(delta.RemovedDataFiles) > 0 || len(delta.RemovedDeleteFiles) > 0:
		return "overwrite"
	case len(delta.AddedDeleteFiles) == 0:
		return "append"
	case len(delta.AddedDataFiles) == 0:
		return "delete"
	default:
		return "overwrite"
	}
}

func snapshotID(s *iceberg.Snapshot) int64 {
	if s == nil {
		return 0
	}
	return s.SnapshotID
}

func newSnapshotID() int64 {
	u := uuid.New()
	id := int64((binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:])) & math.MaxInt64)
	if id == 0 {
		return 1
	}
	return id
}
