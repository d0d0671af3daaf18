package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"arctic-delta/iceberg"
)

// Transform derives a partition value from a source column value.
type Transform struct {
	Name  string // identity, bucket, truncate, year, month, day, hour, void
	Param int    // bucket count or truncate width
}

var (
	Identity = Transform{Name: "identity"}
	Year     = Transform{Name: "year"}
	Month    = Transform{Name: "month"}
	Day      = Transform{Name: "day"}
	Hour     = Transform{Name: "hour"}
	Void     = Transform{Name: "void"}
)

func Bucket(n int) Transform   { return Transform{Name: "bucket", Param: n} }
func Truncate(w int) Transform { return Transform{Name: "truncate", Param: w} }

func (t Transform) String() string {
	if t.Name == "bucket" || t.Name == "truncate" {
		return fmt.Sprintf("%s[%d]", t.Name, t.Param)
	}
	return t.Name
}

// ParseTransform reads the textual form produced by String.
func ParseTransform(s string) (Transform, error) {
	name, rest, hasParam := strings.Cut(s, "[")
	if !hasParam {
		switch name {
		case "identity", "year", "month", "day", "hour", "void":
			return Transform{Name: name}, nil
		}
		return Transform{}, fmt.Errorf("%w: unknown transform %q", iceberg.ErrValidation, s)
	}
	if name != "bucket" && name != "truncate" {
		return Transform{}, fmt.Errorf("%w: unknown transform %q", iceberg.ErrValidation, s)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(rest, "]"))
	if err != nil || n <= 0 {
		return Transform{}, fmt.Errorf("%w: bad transform parameter in %q", iceberg.ErrValidation, s)
	}
	return Transform{Name: name, Param: n}, nil
}

// CanApply reports whether the transform accepts source columns of type t.
func (t Transform) CanApply(src Type) bool {
	switch t.Name {
	case "identity", "void":
		return true
	case "bucket":
		return src != Boolean && src != Float && src != Double
	case "truncate":
		return src == Int || src == Long || src == String || src == Binary
	case "year", "month", "day":
		return src == Date || src == Timestamp
	case "hour":
		return src == Timestamp
	}
	return false
}

// Apply computes the partition value. Nulls stay null.
func (t Transform) Apply(src Type, v any) (any, error) {
	if v == nil || t.Name == "void" {
		return nil, nil
	}
	c, err := src.Convert(v)
	if err != nil {
		return nil, err
	}

	switch t.Name {
	case "identity":
		return c, nil
	case "bucket":
		enc, err := iceberg.EncodeValue(c)
		if err != nil {
			return nil, err
		}
		return int32(xxh3.HashString(enc) % uint64(t.Param)), nil
	case "truncate":
		return truncate(c, t.Param), nil
	case "year", "month", "day", "hour":
		ts, ok := c.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: %s cannot be applied to %s", iceberg.ErrSchemaMismatch, t, src)
		}
		switch t.Name {
		case "year":
			return int32(ts.Year() - 1970), nil
		case "month":
			return int32((ts.Year()-1970)*12 + int(ts.Month()) - 1), nil
		case "day":
			return int32(floorDiv(ts.Unix(), 86400)), nil
		default:
			return int32(floorDiv(ts.Unix(), 3600)), nil
		}
	}
	return nil, fmt.Errorf("%w: unknown transform %q", iceberg.ErrValidation, t.Name)
}

// floorDiv rounds toward negative infinity so instants before the epoch land
// in the preceding day or hour.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func truncate(v any, w int) any {
	switch x := v.(type) {
	case int32:
		return x - (((x % int32(w)) + int32(w)) % int32(w))
	case int64:
		return x - (((x % int64(w)) + int64(w)) % int64(w))
	case string:
		r := []rune(x)
		if len(r) > w {
			return string(r[:w])
		}
		return x
	case []byte:
		if len(x) > w {
			return x[:w]
		}
		return x
	}
	return v
}
