package schema

import (
	"fmt"

	"arctic-delta/iceberg"
)

type PartitionField struct {
	SourceID  int
	FieldID   int
	Name      string
	Transform Transform
}

// PartitionSpec is one version of the table's partitioning. Files stay bound
// to the spec id they were written with.
type PartitionSpec struct {
	ID     int
	Fields []PartitionField
}

// Unpartitioned is the spec every table starts with.
func Unpartitioned() *PartitionSpec {
	return &PartitionSpec{ID: 0}
}

func (p *PartitionSpec) IsUnpartitioned() bool {
	for _, f := range p.Fields {
		if f.Transform.Name != "void" {
			return false
		}
	}
	return true
}

// FieldByName finds a partition field by its partition name.
func (p *PartitionSpec) FieldByName(name string) (PartitionField, int, bool) {
	for i, f := range p.Fields {
		if f.Name == name {
			return f, i, true
		}
	}
	return PartitionField{}, -1, false
}

// Partition computes the partition tuple of a row written with schema s.
func (p *PartitionSpec) Partition(s *Schema, row iceberg.Row) (iceberg.PartitionValues, error) {
	if p.IsUnpartitioned() {
		return nil, nil
	}
	values := make(iceberg.PartitionValues, len(p.Fields))
	for i, pf := range p.Fields {
		src, ok := s.FieldByID(pf.SourceID)
		if !ok {
			return nil, &iceberg.FieldError{SchemaID: s.ID, FieldID: pf.SourceID, Context: "partition " + pf.Name}
		}
		v, err := pf.Transform.Apply(src.Type, row[pf.SourceID])
		if err != nil {
			return nil, fmt.Errorf("partition field %s: %w", pf.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func (p *PartitionSpec) toMetadata() iceberg.PartitionSpec {
	out := iceberg.PartitionSpec{SpecID: p.ID, Fields: make([]iceberg.PartitionField, len(p.Fields))}
	for i, f := range p.Fields {
		out.Fields[i] = iceberg.PartitionField{
			SourceID:  f.SourceID,
			FieldID:   f.FieldID,
			Name:      f.Name,
			Transform: f.Transform.String(),
		}
	}
	return out
}

func specFromMetadata(m iceberg.PartitionSpec) (*PartitionSpec, error) {
	p := &PartitionSpec{ID: m.SpecID, Fields: make([]PartitionField, len(m.Fields))}
	for i, f := range m.Fields {
		t, err := ParseTransform(f.Transform)
		if err != nil {
			return nil, fmt.Errorf("spec %d field %s: %w", m.SpecID, f.Name, err)
		}
		p.Fields[i] = PartitionField{SourceID: f.SourceID, FieldID: f.FieldID, Name: f.Name, Transform: t}
	}
	return p, nil
}
