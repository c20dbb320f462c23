package wire

import "google.golang.org/protobuf/encoding/protowire"

// Column mirrors the data-model Column (§3): one field of a Relation.
type Column struct {
	Name           string
	PgType         string
	Nullable       bool
	PartOfIdentity bool
}

func (c *Column) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, c.Name)
	b = appendStringField(b, 2, c.PgType)
	b = appendBoolField(b, 3, c.Nullable)
	b = appendBoolField(b, 4, c.PartOfIdentity)
	return b
}

func UnmarshalColumn(b []byte) (*Column, error) {
	c := &Column{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			c.Name = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			c.PgType = v
			return n, err
		case 3:
			v, n, err := consumeVarintValue(val)
			c.Nullable = protowire.DecodeBool(v)
			return n, err
		case 4:
			v, n, err := consumeVarintValue(val)
			c.PartOfIdentity = protowire.DecodeBool(v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Relation is the wire frame advertising a relation_id -> column layout
// mapping the first time either peer references it (C4).
type Relation struct {
	RelationID  uint32
	Schema      string
	Table       string
	Columns     []Column
	PrimaryKeys []string
}

func (r *Relation) Marshal() []byte {
	var b []byte
	b = appendUint32Field(b, 1, r.RelationID)
	b = appendStringField(b, 2, r.Schema)
	b = appendStringField(b, 3, r.Table)
	for i := range r.Columns {
		b = appendMessageField(b, 4, r.Columns[i].Marshal())
	}
	for _, pk := range r.PrimaryKeys {
		b = appendStringField(b, 5, pk)
	}
	return b
}

func UnmarshalRelation(b []byte) (*Relation, error) {
	r := &Relation{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarintValue(val)
			r.RelationID = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			r.Schema = v
			return n, err
		case 3:
			v, n, err := consumeStringValue(val)
			r.Table = v
			return n, err
		case 4:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			col, err := UnmarshalColumn(v)
			if err != nil {
				return 0, err
			}
			r.Columns = append(r.Columns, *col)
			return n, nil
		case 5:
			v, n, err := consumeStringValue(val)
			r.PrimaryKeys = append(r.PrimaryKeys, v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
