package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"arctic-delta/commit"
	"arctic-delta/iceberg"
	"arctic-delta/schema"
	"arctic-delta/table"
)

// TableOpener returns the warehouse table for a source table name.
type TableOpener func(ctx context.Context, name string) (*table.Table, error)

type pendingChanges struct {
	inserts []iceberg.Row
	deletes []iceberg.Row
	keyIDs  []int
}

// Sink turns decoded change events into row deltas. Changes are buffered
// per transaction and committed as one snapshot per touched table.
type Sink struct {
	open    TableOpener
	logger  *slog.Logger
	typeMap *pgtype.Map

	tables    map[string]*table.Table
	relations map[uint32]*relation
	pending   map[string]*pendingChanges
	order     []string
}

func NewSink(open TableOpener, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		open:      open,
		logger:    logger,
		typeMap:   pgtype.NewMap(),
		tables:    make(map[string]*table.Table),
		relations: make(map[uint32]*relation),
		pending:   make(map[string]*pendingChanges),
	}
}

func (s *Sink) table(ctx context.Context, name string) (*table.Table, error) {
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	t, err := s.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("opening table %s: %w", name, err)
	}
	s.tables[name] = t
	return t, nil
}

// Prepare evolves the warehouse schema of name to match columns and
// returns the resulting schema.
func (s *Sink) Prepare(ctx context.Context, name string, columns []column) (*schema.Schema, error) {
	t, err := s.table(ctx, name)
	if err != nil {
		return nil, err
	}

	current, err := t.Registry().CurrentSchema()
	if err != nil && !errors.Is(err, iceberg.ErrValidation) {
		return nil, err
	}
	if fn := evolve(current, columns); fn != nil {
		id, err := t.UpdateSchema(ctx, fn)
		if err != nil {
			return nil, fmt.Errorf("evolving schema of %s: %w", name, err)
		}
		s.logger.Info("schema updated from source", "table", name, "schema_id", id)
	}
	return t.Registry().CurrentSchema()
}

// Register prepares name and binds relationID to it.
func (s *Sink) Register(ctx context.Context, relationID uint32, name string, columns []column) error {
	current, err := s.Prepare(ctx, name, columns)
	if err != nil {
		return err
	}
	rel, err := bind(name, current, columns)
	if err != nil {
		return err
	}
	s.relations[relationID] = rel
	return nil
}

// Relation handles a pgoutput relation message.
func (s *Sink) Relation(ctx context.Context, msg *pglogrepl.RelationMessageV2) error {
	name := msg.Namespace + "." + msg.RelationName
	return s.Register(ctx, msg.RelationID, name, relationColumns(msg))
}

func (s *Sink) relation(id uint32) (*relation, error) {
	rel, ok := s.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", id)
	}
	return rel, nil
}

func (s *Sink) changes(rel *relation) *pendingChanges {
	p, ok := s.pending[rel.table]
	if !ok {
		p = &pendingChanges{}
		s.pending[rel.table] = p
		s.order = append(s.order, rel.table)
	}
	p.keyIDs = rel.keyIDs
	return p
}

func (s *Sink) Insert(relationID uint32, tuple *pglogrepl.TupleData) error {
	rel, err := s.relation(relationID)
	if err != nil {
		return err
	}
	row, err := rel.decodeTuple(s.typeMap, tuple)
	if err != nil {
		return err
	}
	p := s.changes(rel)
	p.inserts = append(p.inserts, row)
	return nil
}

// Delete records an equality delete on the replica identity of old. Rows
// inserted earlier in the same transaction are dropped from the buffer,
// since a delete never applies to rows committed with it.
func (s *Sink) Delete(relationID uint32, old *pglogrepl.TupleData) error {
	rel, err := s.relation(relationID)
	if err != nil {
		return err
	}
	row, err := rel.decodeTuple(s.typeMap, old)
	if err != nil {
		return err
	}
	return s.deleteKey(rel, row)
}

func (s *Sink) deleteKey(rel *relation, row iceberg.Row) error {
	if len(rel.keyIDs) == 0 {
		return fmt.Errorf("table %s has no replica identity columns", rel.table)
	}
	t := s.tables[rel.table]
	current, err := t.Registry().CurrentSchema()
	if err != nil {
		return err
	}
	types, err := current.Types(rel.keyIDs)
	if err != nil {
		return err
	}

	key := make(iceberg.Row, len(rel.keyIDs))
	for _, id := range rel.keyIDs {
		key[id] = row[id]
	}
	deleteKey, ok := schema.KeyOf(types, key.Project(rel.keyIDs))
	if !ok {
		return fmt.Errorf("delete on %s without a complete key", rel.table)
	}

	p := s.changes(rel)
	kept := p.inserts[:0]
	for _, ins := range p.inserts {
		if k, ok := schema.KeyOf(types, ins.Project(rel.keyIDs)); ok && k == deleteKey {
			continue
		}
		kept = append(kept, ins)
	}
	p.inserts = kept
	p.deletes = append(p.deletes, key)
	return nil
}

// Update is a delete of the old key followed by an insert of the new row.
// Without an old tuple the key did not change and is taken from the new row.
func (s *Sink) Update(relationID uint32, old, newTuple *pglogrepl.TupleData) error {
	rel, err := s.relation(relationID)
	if err != nil {
		return err
	}
	newRow, err := rel.decodeTuple(s.typeMap, newTuple)
	if err != nil {
		return err
	}
	keyRow := newRow
	if old != nil {
		if keyRow, err = rel.decodeTuple(s.typeMap, old); err != nil {
			return err
		}
	}
	if err := s.deleteKey(rel, keyRow); err != nil {
		return err
	}
	p := s.changes(rel)
	p.inserts = append(p.inserts, newRow)
	return nil
}

// Abort discards the buffered transaction.
func (s *Sink) Abort() {
	s.pending = make(map[string]*pendingChanges)
	s.order = nil
}

// Commit writes and commits the buffered changes of every touched table.
func (s *Sink) Commit(ctx context.Context) error {
	defer s.Abort()

	for _, name := range s.order {
		p := s.pending[name]
		t := s.tables[name]

		var delta commit.RowDelta
		var err error
		if delta.AddedDataFiles, err = t.WriteRows(ctx, p.inserts); err != nil {
			return fmt.Errorf("writing inserts of %s: %w", name, err)
		}
		if len(p.deletes) > 0 {
			if delta.AddedDeleteFiles, err = t.WriteEqualityDeletes(ctx, p.keyIDs, p.deletes); err != nil {
				return fmt.Errorf("writing deletes of %s: %w", name, err)
			}
		}
		if len(delta.AddedDataFiles) == 0 && len(delta.AddedDeleteFiles) == 0 {
			continue
		}

		current, err := t.Current(ctx)
		if err != nil {
			return err
		}
		var base int64
		if current != nil {
			base = current.SnapshotID
		}

		id, err := t.CommitRowDelta(ctx, base, delta)
		if err != nil {
			return fmt.Errorf("committing %s: %w", name, err)
		}
		s.logger.Debug("replicated transaction",
			"table", name,
			"snapshot", id,
			"inserts", len(p.inserts),
			"deletes", len(p.deletes),
		)
	}
	return nil
}
