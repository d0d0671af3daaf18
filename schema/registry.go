package schema

import (
	"fmt"
	"sort"
	"sync"

	"arctic-delta/iceberg"
)

const firstPartitionFieldID = 1000

// FieldRef addresses a field either by stable id or by its name in a given
// schema version.
type FieldRef struct {
	ID   int
	Name string
}

func ByID(id int) FieldRef        { return FieldRef{ID: id} }
func ByName(name string) FieldRef { return FieldRef{Name: name} }

// Registry holds every schema and partition spec version of a table.
// Field ids are never reused once assigned.
type Registry struct {
	mu              sync.RWMutex
	schemas         map[int]*Schema
	specs           map[int]*PartitionSpec
	currentSchemaID int
	defaultSpecID   int
	lastColumnID    int
	lastPartitionID int
	assigned        map[int]Field
	retired         map[int]bool
}

// NewRegistry returns a registry holding only the unpartitioned spec.
func NewRegistry() *Registry {
	return &Registry{
		schemas:         make(map[int]*Schema),
		specs:           map[int]*PartitionSpec{0: Unpartitioned()},
		currentSchemaID: -1,
		lastPartitionID: firstPartitionFieldID - 1,
		assigned:        make(map[int]Field),
		retired:         make(map[int]bool),
	}
}

// RegisterSchema validates s against every previous version and stores it
// under a new schema id, which becomes current.
func (r *Registry) RegisterSchema(s *Schema) (int, error) {
	if err := s.validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[int]bool, len(s.Fields))
	lastColumnID := r.lastColumnID
	for _, f := range s.Fields {
		next[f.ID] = true
		if r.retired[f.ID] {
			return 0, fmt.Errorf("%w: field id %d (%s) was retired and cannot be reused",
				iceberg.ErrSchemaMismatch, f.ID, f.Name)
		}
		prev, known := r.assigned[f.ID]
		if !known {
			if f.ID <= r.lastColumnID {
				return 0, fmt.Errorf("%w: field %s must use a fresh id above %d, got %d",
					iceberg.ErrSchemaMismatch, f.Name, r.lastColumnID, f.ID)
			}
			if f.ID > lastColumnID {
				lastColumnID = f.ID
			}
			continue
		}
		if !prev.Type.CanWidenTo(f.Type) {
			return 0, fmt.Errorf("%w: field %d cannot change type from %s to %s",
				iceberg.ErrSchemaMismatch, f.ID, prev.Type, f.Type)
		}
	}

	id := 0
	for existing := range r.schemas {
		if existing >= id {
			id = existing + 1
		}
	}

	stored := &Schema{ID: id, Fields: append([]Field(nil), s.Fields...)}
	for assignedID := range r.assigned {
		if !next[assignedID] {
			r.retired[assignedID] = true
		}
	}
	for _, f := range stored.Fields {
		r.assigned[f.ID] = f
	}
	r.schemas[id] = stored
	r.currentSchemaID = id
	r.lastColumnID = lastColumnID
	return id, nil
}

// RegisterSpec validates p against the current schema and stores it under a
// new spec id, which becomes the default for new files.
func (r *Registry) RegisterSpec(p *PartitionSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.schemas[r.currentSchemaID]
	if !ok && len(p.Fields) > 0 {
		return 0, fmt.Errorf("%w: no schema registered", iceberg.ErrValidation)
	}

	lastPartitionID := r.lastPartitionID
	names := make(map[string]bool, len(p.Fields))
	fields := make([]PartitionField, len(p.Fields))
	for i, pf := range p.Fields {
		src, ok := current.FieldByID(pf.SourceID)
		if !ok {
			return 0, &iceberg.FieldError{SchemaID: current.ID, FieldID: pf.SourceID, Context: "partition field " + pf.Name}
		}
		if !pf.Transform.CanApply(src.Type) {
			return 0, fmt.Errorf("%w: transform %s cannot be applied to %s column %s",
				iceberg.ErrSchemaMismatch, pf.Transform, src.Type, src.Name)
		}
		if pf.Name == "" {
			pf.Name = src.Name
			if pf.Transform.Name != "identity" {
				pf.Name = src.Name + "_" + pf.Transform.Name
			}
		}
		if names[pf.Name] {
			return 0, fmt.Errorf("%w: duplicate partition field %q", iceberg.ErrValidation, pf.Name)
		}
		names[pf.Name] = true
		if pf.FieldID == 0 {
			lastPartitionID++
			pf.FieldID = lastPartitionID
		}
		fields[i] = pf
	}

	id := 0
	for existing := range r.specs {
		if existing >= id {
			id = existing + 1
		}
	}
	r.specs[id] = &PartitionSpec{ID: id, Fields: fields}
	r.defaultSpecID = id
	r.lastPartitionID = lastPartitionID
	return id, nil
}

// ResolveField maps a field reference onto its stable id in schemaID.
func (r *Registry) ResolveField(schemaID int, ref FieldRef) (int, error) {
	s, err := r.Schema(schemaID)
	if err != nil {
		return 0, err
	}
	if ref.Name != "" {
		f, ok := s.FieldByName(ref.Name)
		if !ok {
			return 0, &iceberg.FieldError{SchemaID: schemaID, Name: ref.Name}
		}
		return f.ID, nil
	}
	if _, ok := s.FieldByID(ref.ID); !ok {
		return 0, &iceberg.FieldError{SchemaID: schemaID, FieldID: ref.ID}
	}
	return ref.ID, nil
}

func (r *Registry) Schema(id int) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	if !ok {
		return nil, fmt.Errorf("%w: schema %d not registered", iceberg.ErrSchemaMismatch, id)
	}
	return s, nil
}

func (r *Registry) Spec(id int) (*PartitionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.specs[id]
	if !ok {
		return nil, fmt.Errorf("%w: partition spec %d not registered", iceberg.ErrSchemaMismatch, id)
	}
	return p, nil
}

// Specs returns every registered partition spec ordered by id.
func (r *Registry) Specs() []*PartitionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PartitionSpec, 0, len(r.specs))
	for _, p := range r.specs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentSchema returns the latest schema, or an error if none exists yet.
func (r *Registry) CurrentSchema() (*Schema, error) {
	r.mu.RLock()
	id := r.currentSchemaID
	r.mu.RUnlock()
	if id < 0 {
		return nil, fmt.Errorf("%w: no schema registered", iceberg.ErrValidation)
	}
	return r.Schema(id)
}

func (r *Registry) DefaultSpec() *PartitionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[r.defaultSpecID]
}

func (r *Registry) LastColumnID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastColumnID
}

// IsRetired reports whether a field id was dropped by an earlier evolution.
func (r *Registry) IsRetired(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retired[id]
}

// Metadata exports the registry into the persisted table metadata fields.
func (r *Registry) Metadata(meta *iceberg.TableMetadata) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta.LastColumnID = r.lastColumnID
	meta.LastPartitionID = r.lastPartitionID
	meta.CurrentSchemaID = r.currentSchemaID
	meta.DefaultSpecID = r.defaultSpecID

	meta.Schemas = meta.Schemas[:0]
	for _, id := range sortedKeys(r.schemas) {
		meta.Schemas = append(meta.Schemas, r.schemas[id].toMetadata())
	}
	meta.PartitionSpecs = meta.PartitionSpecs[:0]
	for _, id := range sortedKeys(r.specs) {
		meta.PartitionSpecs = append(meta.PartitionSpecs, r.specs[id].toMetadata())
	}
	meta.RetiredColumnIDs = meta.RetiredColumnIDs[:0]
	for id := range r.retired {
		meta.RetiredColumnIDs = append(meta.RetiredColumnIDs, id)
	}
	sort.Ints(meta.RetiredColumnIDs)
}

// LoadRegistry rebuilds a registry from persisted table metadata.
func LoadRegistry(meta iceberg.TableMetadata) (*Registry, error) {
	r := NewRegistry()
	r.currentSchemaID = meta.CurrentSchemaID
	if len(meta.Schemas) == 0 {
		r.currentSchemaID = -1
	}
	r.defaultSpecID = meta.DefaultSpecID
	r.lastColumnID = meta.LastColumnID
	if meta.LastPartitionID >= firstPartitionFieldID {
		r.lastPartitionID = meta.LastPartitionID
	}

	for _, m := range meta.Schemas {
		s := schemaFromMetadata(m)
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("schema %d: %w", s.ID, err)
		}
		r.schemas[s.ID] = s
		for _, f := range s.Fields {
			r.assigned[f.ID] = f
		}
	}
	if cur, ok := r.schemas[r.currentSchemaID]; ok {
		for _, f := range cur.Fields {
			r.assigned[f.ID] = f
		}
	}
	for _, id := range meta.RetiredColumnIDs {
		r.retired[id] = true
	}
	for _, m := range meta.PartitionSpecs {
		p, err := specFromMetadata(m)
		if err != nil {
			return nil, err
		}
		r.specs[p.ID] = p
	}
	if _, ok := r.specs[r.defaultSpecID]; !ok {
		return nil, fmt.Errorf("%w: default spec %d missing", iceberg.ErrSchemaMismatch, r.defaultSpecID)
	}
	return r, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
