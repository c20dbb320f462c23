// Package rowcodec implements the row codec (C3): converting a
// column-name-keyed row map to and from the wire.Row (nulls bitmask plus
// ordered values) given an ordered column schema, with per-PG-type
// textual transcoding (§4.3).
package rowcodec

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/arve0/electric/internal/model"
	"github.com/arve0/electric/internal/wire"
)

// ErrInvalidRow is returned by Decode when a value fails per-type
// validation, or when the wire row violates the null/value framing
// invariant (§4.3, §4.6).
var ErrInvalidRow = errors.New("rowcodec: invalid row")

// Encode builds a wire.Row from a row map and an ordered column schema
// (§4.3, testable property 1 and 2). Absent or explicitly-nil values set
// the corresponding NULL bit and emit an empty byte-string; present,
// non-nil values (including the literal empty byte-string) clear the bit
// and carry the per-type encoded bytes.
func Encode(row model.RowMap, columns []model.Column) *wire.Row {
	nBytes := (len(columns) + 7) / 8
	bitmask := make([]byte, nBytes)
	values := make([][]byte, len(columns))

	for i, col := range columns {
		v, present := row[col.Name]
		if !present || v == nil {
			setNullBit(bitmask, i)
			values[i] = []byte{}
			continue
		}
		values[i] = encodeValue(col.PgType, v)
	}

	return &wire.Row{NullsBitmask: bitmask, Values: values}
}

// Decode recovers a row map from a wire.Row given the same ordered column
// schema used to encode it. Missing/nullable columns not present on the
// wire (short values slice) decode to NULL, matching testable property 1.
func Decode(r *wire.Row, columns []model.Column) (model.RowMap, error) {
	out := make(model.RowMap, len(columns))
	for i, col := range columns {
		if i >= len(r.Values) {
			out[col.Name] = nil
			continue
		}
		null := nullBitSet(r.NullsBitmask, i)
		raw := r.Values[i]
		if null {
			if len(raw) != 0 {
				return nil, fmt.Errorf("%w: column %q: non-empty value with null bit set", ErrInvalidRow, col.Name)
			}
			out[col.Name] = nil
			continue
		}
		decoded, err := decodeValue(col.PgType, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %w", ErrInvalidRow, col.Name, err)
		}
		out[col.Name] = decoded
	}
	return out, nil
}

// setNullBit sets bit i, MSB-first within its byte (§4.3, §9).
func setNullBit(bitmask []byte, i int) {
	byteIdx := i / 8
	bitInByte := i % 8
	bitmask[byteIdx] |= 1 << (7 - bitInByte)
}

func nullBitSet(bitmask []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmask) {
		return false
	}
	bitInByte := i % 8
	return bitmask[byteIdx]&(1<<(7-bitInByte)) != 0
}

func encodeValue(pgType string, v []byte) []byte {
	if pgType == "timestamptz" {
		return []byte(normalizeTimestamptz(string(v)))
	}
	return v
}

// shortTZOffset matches a trailing two-digit UTC offset with no minutes
// component, e.g. "-04" or "+09".
var shortTZOffset = regexp.MustCompile(`([+-][0-9]{2})$`)

// normalizeTimestamptz appends ":00" to a short "±HH" trailing offset;
// a "±HH:MM" offset is left as-is (§4.3, S6).
func normalizeTimestamptz(s string) string {
	if shortTZOffset.MatchString(s) {
		return s + ":00"
	}
	return s
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func decodeValue(pgType string, raw []byte) ([]byte, error) {
	switch pgType {
	case "int2":
		return raw, validateIntRange(raw, math.MinInt16, math.MaxInt16)
	case "int4", "integer":
		return raw, validateIntRange(raw, math.MinInt32, math.MaxInt32)
	case "int8", "bigint", "smallint":
		return raw, validateIntRange(raw, math.MinInt64, math.MaxInt64)
	case "float8":
		if _, err := strconv.ParseFloat(string(raw), 64); err != nil {
			return nil, fmt.Errorf("invalid float8: %w", err)
		}
		return raw, nil
	case "uuid":
		if !uuidPattern.Match(raw) {
			return nil, fmt.Errorf("invalid uuid: %q", raw)
		}
		return raw, nil
	default:
		return raw, nil
	}
}

func validateIntRange(raw []byte, min, max int64) error {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < min || n > max {
		return fmt.Errorf("integer %d out of range [%d, %d]", n, min, max)
	}
	return nil
}
