package wire

import "google.golang.org/protobuf/encoding/protowire"

// Row is the wire representation of a row image: a NULL bitmask plus the
// ordered per-column values (§3, C3). Field 2 (values) is repeated and its
// entries are always tagged, even when empty, so the decoder can recover
// the exact column count independent of whether any individual value or
// the bitmask itself happens to be the empty byte-string.
type Row struct {
	NullsBitmask []byte
	Values       [][]byte
}

func (r *Row) Marshal() []byte {
	var b []byte
	b = appendBytesFieldAlways(b, 1, r.NullsBitmask)
	for _, v := range r.Values {
		b = appendBytesFieldAlways(b, 2, v)
	}
	return b
}

func UnmarshalRow(b []byte) (*Row, error) {
	r := &Row{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			r.NullsBitmask = v
			return n, nil
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			r.Values = append(r.Values, v)
			return n, nil
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
