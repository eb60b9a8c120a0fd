// Package pkcodec implements the primary-key codec: a
// deterministic, type-preserving binary encoding of a tuple of scalar
// values, used as the meta table's opaque pk BLOB and inside payload rows.
//
// There is no grounded third-party tagged-tuple codec in the retrieval
// pack (no repo imports msgpack/cbor/protobuf for this shape of problem),
// so this component is intentionally standard-library only; see DESIGN.md.
package pkcodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

// Type tags, one byte each, written before every field's payload.
const (
	tagNull    byte = 0
	tagInteger byte = 1
	tagFloat   byte = 2
	tagText    byte = 3
	tagBlob    byte = 4
)

// MaxFields is the largest tuple arity the codec supports: a single leading
// byte holds the count.
const MaxFields = 127

// Field is one decoded value, handed to a caller-supplied visitor in
// Decode.
type Field struct {
	Index int
	Value any // nil, int64, float64, string, or []byte
}

// Encode serializes a tuple of scalar values into the self-describing
// binary form stored as a meta-table pk and carried in payload rows.
// Supported Go types: nil, bool (stored as integer 0/1), all signed/unsigned
// integer kinds (stored as int64), float32/float64 (stored as float64),
// string, []byte.
func Encode(values ...any) ([]byte, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("pkcodec: %w: empty tuple", csync.ErrMisuse)
	}
	if len(values) > MaxFields {
		return nil, fmt.Errorf("pkcodec: %w: tuple of %d exceeds max %d fields", csync.ErrMisuse, len(values), MaxFields)
	}

	buf := make([]byte, 0, 16*len(values)+1)
	buf = append(buf, byte(len(values)))

	for _, v := range values {
		var err error
		buf, err = appendField(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendField(buf []byte, v any) ([]byte, error) {
	switch tv := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		n := int64(0)
		if tv {
			n = 1
		}
		return appendInt(buf, n), nil
	case int:
		return appendInt(buf, int64(tv)), nil
	case int8:
		return appendInt(buf, int64(tv)), nil
	case int16:
		return appendInt(buf, int64(tv)), nil
	case int32:
		return appendInt(buf, int64(tv)), nil
	case int64:
		return appendInt(buf, tv), nil
	case uint:
		return appendInt(buf, int64(tv)), nil
	case uint8:
		return appendInt(buf, int64(tv)), nil
	case uint16:
		return appendInt(buf, int64(tv)), nil
	case uint32:
		return appendInt(buf, int64(tv)), nil
	case uint64:
		return appendInt(buf, int64(tv)), nil
	case float32:
		return appendFloat(buf, float64(tv)), nil
	case float64:
		return appendFloat(buf, tv), nil
	case string:
		return appendBytes(buf, tagText, []byte(tv)), nil
	case []byte:
		return appendBytes(buf, tagBlob, tv), nil
	default:
		return nil, fmt.Errorf("pkcodec: %w: unsupported field type %T", csync.ErrMisuse, v)
	}
}

func appendInt(buf []byte, n int64) []byte {
	buf = append(buf, tagInteger)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	return append(buf, tmp[:]...)
}

func appendFloat(buf []byte, f float64) []byte {
	buf = append(buf, tagFloat)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, tag byte, b []byte) []byte {
	buf = append(buf, tag)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf = append(buf, tmp[:n]...)
	return append(buf, b...)
}

// Visitor is called once per decoded field, in tuple order.
type Visitor func(f Field) error

// Decode parses a buffer produced by Encode and invokes visit once per
// field in order.
func Decode(buf []byte, visit Visitor) error {
	_, _, err := decodeTuple(buf, visit)
	return err
}

// decodeTuple walks one tuple starting at buf[0], invoking visit (if
// non-nil) per field, and returns the values alongside the number of
// bytes consumed so callers can pack multiple tuples back-to-back without
// any extra framing.
func decodeTuple(buf []byte, visit Visitor) ([]any, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("pkcodec: %w: empty buffer", csync.ErrFatal)
	}
	n := int(buf[0])
	pos := 1
	values := make([]any, 0, n)
	for i := 0; i < n; i++ {
		if pos >= len(buf) {
			return nil, 0, fmt.Errorf("pkcodec: %w: truncated buffer at field %d", csync.ErrFatal, i)
		}
		tag := buf[pos]
		pos++

		var value any
		switch tag {
		case tagNull:
			value = nil
		case tagInteger:
			if pos+8 > len(buf) {
				return nil, 0, fmt.Errorf("pkcodec: %w: truncated integer at field %d", csync.ErrFatal, i)
			}
			value = int64(binary.BigEndian.Uint64(buf[pos : pos+8]))
			pos += 8
		case tagFloat:
			if pos+8 > len(buf) {
				return nil, 0, fmt.Errorf("pkcodec: %w: truncated float at field %d", csync.ErrFatal, i)
			}
			value = math.Float64frombits(binary.BigEndian.Uint64(buf[pos : pos+8]))
			pos += 8
		case tagText, tagBlob:
			ulen, n := binary.Uvarint(buf[pos:])
			if n <= 0 {
				return nil, 0, fmt.Errorf("pkcodec: %w: truncated length at field %d", csync.ErrFatal, i)
			}
			length := int(ulen)
			pos += n
			if pos+length > len(buf) {
				return nil, 0, fmt.Errorf("pkcodec: %w: truncated payload at field %d", csync.ErrFatal, i)
			}
			raw := buf[pos : pos+length]
			pos += length
			if tag == tagText {
				value = string(raw)
			} else {
				cp := make([]byte, length)
				copy(cp, raw)
				value = cp
			}
		default:
			return nil, 0, fmt.Errorf("pkcodec: %w: unknown type tag %d at field %d", csync.ErrFatal, tag, i)
		}

		if visit != nil {
			if err := visit(Field{Index: i, Value: value}); err != nil {
				return nil, 0, err
			}
		}
		values = append(values, value)
	}
	return values, pos, nil
}

// DecodeValues decodes buf into a plain []any in tuple order, the common
// case when the caller doesn't need a streaming visitor.
func DecodeValues(buf []byte) ([]any, error) {
	values, _, err := decodeTuple(buf, nil)
	return values, err
}

// DecodeValuesPrefix decodes the single tuple starting at buf[0] and
// reports how many bytes it consumed, letting a caller frame several
// tuples consecutively in one buffer (the payload codec's one-tuple-per-row
// body) without any outer length prefix.
func DecodeValuesPrefix(buf []byte) (values []any, consumed int, err error) {
	return decodeTuple(buf, nil)
}

// BindArgs decodes buf into positional statement arguments, returning them
// in tuple order ready to bind at parameters 1..n.
func BindArgs(buf []byte) ([]any, error) {
	return DecodeValues(buf)
}

// Compare provides the typed ordering the merge engine needs for
// tie-breaking column writes: NULL < INTEGER < FLOAT < TEXT < BLOB, then natural
// ordering within a type, BLOBs compared by memcmp then length.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case []byte:
		bv := b.([]byte)
		n := len(av)
		if len(bv) < n {
			n = len(bv)
		}
		for i := 0; i < n; i++ {
			if av[i] != bv[i] {
				if av[i] < bv[i] {
					return -1
				}
				return 1
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []byte:
		return 4
	default:
		return 5
	}
}
