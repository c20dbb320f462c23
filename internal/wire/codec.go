package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Small field-tagged append/consume helpers shared by every message in
// this package. Each message type writes its own Marshal/Unmarshal by
// composing these the way a hand-written (non-generated) protobuf
// encoder would — no reflection, no generated code.

func appendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	return appendUint64Field(b, num, uint64(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendBytesFieldAlways writes the field even when v is empty, used where
// an empty byte-string must be distinguished from an absent field (e.g. a
// Row's bitmask and values, where each empty value still counts as a column).
func appendBytesFieldAlways(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// fieldVisitor is called once per field with its number, its wire type and
// the bytes that follow its tag, and returns how many of those bytes the
// field's value occupies.
type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error)

// walkFields repeatedly consumes tag+value pairs until b is exhausted,
// calling visit for each one. visit returns how many bytes of the value
// (not the tag) it consumed; walkFields advances past tag+value.
func walkFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: consume tag: %w", ErrMalformedFrame, protowire.ParseError(tagLen))
		}
		rest := b[tagLen:]
		valLen, err := visit(num, typ, rest)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		b = rest[valLen:]
	}
	return nil
}

func consumeVarintValue(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("wire: consume varint: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytesValue(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("wire: consume bytes: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeStringValue(b []byte) (string, int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, fmt.Errorf("wire: consume string: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

// skipField advances past a field value of the given wire type, used for
// forward-compatible ignoring of unknown field numbers.
func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("wire: skip field %d: %w", num, protowire.ParseError(n))
	}
	return n, nil
}
