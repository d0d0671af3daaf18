package iceberg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCommitConflict      = errors.New("arctic: commit conflict")
	ErrMissingFile         = errors.New("arctic: missing file")
	ErrSchemaMismatch      = errors.New("arctic: schema mismatch")
	ErrUnknownField        = errors.New("arctic: unknown field")
	ErrMalformedDeleteFile = errors.New("arctic: malformed delete file")
	ErrOrderingViolation   = errors.New("arctic: unstable row order")
	ErrSnapshotNotFound    = errors.New("arctic: snapshot not found")
	ErrValidation          = errors.New("arctic: invalid argument")
)

// FieldError reports a field reference that cannot be resolved in a schema
// version. It matches both ErrUnknownField and ErrSchemaMismatch.
type FieldError struct {
	SchemaID int
	FieldID  int    // 0 when the reference was by name
	Name     string // empty when the reference was by id
	Context  string
}

func (e *FieldError) Error() string {
	ref := e.Name
	if ref == "" {
		ref = fmt.Sprintf("id=%d", e.FieldID)
	}
	msg := fmt.Sprintf("unknown field %s in schema %d", ref, e.SchemaID)
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	return msg
}

func (e *FieldError) Unwrap() []error {
	return []error{ErrUnknownField, ErrSchemaMismatch}
}

// DeleteError describes why a delete file could not be applied to a data file.
type DeleteError struct {
	Kind       error
	DataFile   string
	DeleteFile string
	Reason     string
}

func (e *DeleteError) Error() string {
	var parts []string
	parts = append(parts, e.Kind.Error())
	if e.DeleteFile != "" {
		parts = append(parts, "delete="+e.DeleteFile)
	}
	if e.DataFile != "" {
		parts = append(parts, "data="+e.DataFile)
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return strings.Join(parts, " - ")
}

func (e *DeleteError) Unwrap() error { return e.Kind }

// ConflictError is returned when a row delta cannot be committed because a
// concurrent writer invalidated it or the retry budget ran out.
type ConflictError struct {
	Table    string
	Base     int64
	Observed int64
	Attempts int
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commit conflict on %s (base=%d observed=%d attempts=%d): %s",
		e.Table, e.Base, e.Observed, e.Attempts, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrCommitConflict }

// MissingFileError wraps ErrMissingFile with the offending path.
func MissingFileError(path string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMissingFile, path)
	}
	return fmt.Errorf("%w: %s: %v", ErrMissingFile, path, err)
}
