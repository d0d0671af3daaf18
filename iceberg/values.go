package iceberg

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Row is a single logical row keyed by stable field id.
type Row map[int]any

// PositionedRow is a row together with its zero-based offset in the read
// order of the data file it came from.
type PositionedRow struct {
	Offset int64
	Row    Row
}

// Project returns the values of the given field ids, in order. Missing fields
// project to nil.
func (r Row) Project(fieldIDs []int) []any {
	out := make([]any, len(fieldIDs))
	for i, id := range fieldIDs {
		out[i] = r[id]
	}
	return out
}

// Normalize maps Go values onto the canonical representation used for
// comparisons: integers become int64, floats float64 and times UTC.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrSchemaMismatch, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrSchemaMismatch, x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return x, nil
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrValidation, v)
	}
}

// EncodeValue renders a value as a type-tagged string. Two values encode to
// the same string only if they are equal under Normalize.
func EncodeValue(v any) (string, error) {
	n, err := Normalize(v)
	if err != nil {
		return "", err
	}
	switch x := n.(type) {
	case nil:
		return "n:", nil
	case bool:
		return "b:" + strconv.FormatBool(x), nil
	case int64:
		return "i:" + strconv.FormatInt(x, 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return "s:" + x, nil
	case []byte:
		return "x:" + hex.EncodeToString(x), nil
	case time.Time:
		return "t:" + strconv.FormatInt(x.UnixMicro(), 10), nil
	}
	return "", fmt.Errorf("%w: unsupported value type %T", ErrValidation, v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(s string) (any, error) {
	tag, body, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: malformed encoded value %q", ErrValidation, s)
	}
	switch tag {
	case "n":
		return nil, nil
	case "b":
		return strconv.ParseBool(body)
	case "i":
		return strconv.ParseInt(body, 10, 64)
	case "f":
		return strconv.ParseFloat(body, 64)
	case "s":
		return body, nil
	case "x":
		return hex.DecodeString(body)
	case "t":
		us, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.UnixMicro(us).UTC(), nil
	default:
		return nil, fmt.Errorf("%w: unknown value tag %q", ErrValidation, tag)
	}
}

// PartitionValues is the partition tuple of a file. An empty tuple marks an
// unpartitioned (global) file.
type PartitionValues []any

// Encode returns the type-tagged form of every value in the tuple.
func (p PartitionValues) Encode() ([]string, error) {
	out := make([]string, len(p))
	for i, v := range p {
		s, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding partition value %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// DecodePartition rebuilds a tuple from its encoded form.
func DecodePartition(encoded []string) (PartitionValues, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	out := make(PartitionValues, len(encoded))
	for i, s := range encoded {
		v, err := DecodeValue(s)
		if err != nil {
			return nil, fmt.Errorf("decoding partition value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Key is a comparable representation of the tuple. Values that cannot be
// encoded make the key unique to the tuple's printed form.
func (p PartitionValues) Key() string {
	enc, err := p.Encode()
	if err != nil {
		return fmt.Sprintf("invalid:%v", []any(p))
	}
	return strings.Join(enc, "\x00")
}

func (p PartitionValues) Equal(other PartitionValues) bool {
	return len(p) == len(other) && p.Key() == other.Key()
}

func (p PartitionValues) MarshalJSON() ([]byte, error) {
	enc, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

func (p *PartitionValues) UnmarshalJSON(data []byte) error {
	var enc []string
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	dec, err := DecodePartition(enc)
	if err != nil {
		return err
	}
	*p = dec
	return nil
}
