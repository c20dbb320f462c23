package wire

import "google.golang.org/protobuf/encoding/protowire"

// Begin opens a transaction's op sequence (§3, §4.5, §4.6).
type Begin struct {
	CommitTimestamp uint64
	TransID         string
	Lsn             []byte
	Origin          string
	IsMigration     bool
}

func (m *Begin) Marshal() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.CommitTimestamp)
	b = appendStringField(b, 2, m.TransID)
	b = appendBytesField(b, 3, m.Lsn)
	b = appendStringField(b, 4, m.Origin)
	b = appendBoolField(b, 5, m.IsMigration)
	return b
}

func unmarshalBegin(b []byte) (*Begin, error) {
	m := &Begin{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarintValue(val)
			m.CommitTimestamp = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.TransID = v
			return n, err
		case 3:
			v, n, err := consumeBytesValue(val)
			m.Lsn = v
			return n, err
		case 4:
			v, n, err := consumeStringValue(val)
			m.Origin = v
			return n, err
		case 5:
			v, n, err := consumeVarintValue(val)
			m.IsMigration = protowire.DecodeBool(v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Commit closes a transaction's op sequence (§3, §4.5, §4.6).
type Commit struct {
	CommitTimestamp uint64
	TransID         string
	Lsn             []byte
}

func (m *Commit) Marshal() []byte {
	var b []byte
	b = appendUint64Field(b, 1, m.CommitTimestamp)
	b = appendStringField(b, 2, m.TransID)
	b = appendBytesField(b, 3, m.Lsn)
	return b
}

func unmarshalCommit(b []byte) (*Commit, error) {
	m := &Commit{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarintValue(val)
			m.CommitTimestamp = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.TransID = v
			return n, err
		case 3:
			v, n, err := consumeBytesValue(val)
			m.Lsn = v
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Insert carries a new row image for a relation (§3).
type Insert struct {
	RelationID uint32
	Row        *Row
	Tags       []string
}

func (m *Insert) Marshal() []byte {
	var b []byte
	b = appendUint32Field(b, 1, m.RelationID)
	if m.Row != nil {
		b = appendMessageField(b, 2, m.Row.Marshal())
	}
	for _, t := range m.Tags {
		b = appendStringField(b, 3, t)
	}
	return b
}

func unmarshalInsert(b []byte) (*Insert, error) {
	m := &Insert{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarintValue(val)
			m.RelationID = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			row, err := UnmarshalRow(v)
			if err != nil {
				return 0, err
			}
			m.Row = row
			return n, nil
		case 3:
			v, n, err := consumeStringValue(val)
			m.Tags = append(m.Tags, v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Update carries the old (possibly absent) and new row images (§3, §4.6).
type Update struct {
	RelationID uint32
	OldRow     *Row // nil ⇒ no previous image
	NewRow     *Row
	Tags       []string
}

func (m *Update) Marshal() []byte {
	var b []byte
	b = appendUint32Field(b, 1, m.RelationID)
	if m.OldRow != nil {
		b = appendMessageField(b, 2, m.OldRow.Marshal())
	}
	if m.NewRow != nil {
		b = appendMessageField(b, 3, m.NewRow.Marshal())
	}
	for _, t := range m.Tags {
		b = appendStringField(b, 4, t)
	}
	return b
}

func unmarshalUpdate(b []byte) (*Update, error) {
	m := &Update{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarintValue(val)
			m.RelationID = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			row, err := UnmarshalRow(v)
			if err != nil {
				return 0, err
			}
			m.OldRow = row
			return n, nil
		case 3:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			row, err := UnmarshalRow(v)
			if err != nil {
				return 0, err
			}
			m.NewRow = row
			return n, nil
		case 4:
			v, n, err := consumeStringValue(val)
			m.Tags = append(m.Tags, v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Delete carries the old (possibly absent) row image (§3, §4.6).
type Delete struct {
	RelationID uint32
	OldRow     *Row // nil ⇒ no previous image
	Tags       []string
}

func (m *Delete) Marshal() []byte {
	var b []byte
	b = appendUint32Field(b, 1, m.RelationID)
	if m.OldRow != nil {
		b = appendMessageField(b, 2, m.OldRow.Marshal())
	}
	for _, t := range m.Tags {
		b = appendStringField(b, 3, t)
	}
	return b
}

func unmarshalDelete(b []byte) (*Delete, error) {
	m := &Delete{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarintValue(val)
			m.RelationID = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			row, err := UnmarshalRow(v)
			if err != nil {
				return 0, err
			}
			m.OldRow = row
			return n, nil
		case 3:
			v, n, err := consumeStringValue(val)
			m.Tags = append(m.Tags, v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MigrationStmt is one target-dialect DDL statement produced by the
// external migration translator (§4.5, §6).
type MigrationStmt struct {
	Type string
	Sql  string
}

func (m *MigrationStmt) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Type)
	b = appendStringField(b, 2, m.Sql)
	return b
}

func unmarshalMigrationStmt(b []byte) (*MigrationStmt, error) {
	m := &MigrationStmt{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.Type = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.Sql = v
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// TableDef is the resulting table descriptor attached to a Migrate op.
type TableDef struct {
	Name        string
	Columns     []Column
	PrimaryKeys []string
}

func (m *TableDef) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Name)
	for i := range m.Columns {
		b = appendMessageField(b, 2, m.Columns[i].Marshal())
	}
	for _, pk := range m.PrimaryKeys {
		b = appendStringField(b, 3, pk)
	}
	return b
}

func unmarshalTableDef(b []byte) (*TableDef, error) {
	m := &TableDef{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.Name = v
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			col, err := UnmarshalColumn(v)
			if err != nil {
				return 0, err
			}
			m.Columns = append(m.Columns, *col)
			return n, nil
		case 3:
			v, n, err := consumeStringValue(val)
			m.PrimaryKeys = append(m.PrimaryKeys, v)
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Migrate carries a translated schema migration (§3, §4.5, §6). The core
// never interprets ddl_sql itself — it forwards what the migration
// translator produced.
type Migrate struct {
	Version string
	Stmts   []MigrationStmt
	Table   *TableDef
}

func (m *Migrate) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Version)
	for i := range m.Stmts {
		b = appendMessageField(b, 2, m.Stmts[i].Marshal())
	}
	if m.Table != nil {
		b = appendMessageField(b, 3, m.Table.Marshal())
	}
	return b
}

func unmarshalMigrate(b []byte) (*Migrate, error) {
	m := &Migrate{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.Version = v
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			stmt, err := unmarshalMigrationStmt(v)
			if err != nil {
				return 0, err
			}
			m.Stmts = append(m.Stmts, *stmt)
			return n, nil
		case 3:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			table, err := unmarshalTableDef(v)
			if err != nil {
				return 0, err
			}
			m.Table = table
			return n, nil
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OpKind distinguishes which variant of Op is populated.
type OpKind int

const (
	OpBegin OpKind = iota + 1
	OpInsert
	OpUpdate
	OpDelete
	OpMigrate
	OpCommit
)

// Op is a tagged-union entry of an OpLog frame's op sequence. Exactly one
// field is set, selected by Kind.
type Op struct {
	Kind    OpKind
	Begin   *Begin
	Insert  *Insert
	Update  *Update
	Delete  *Delete
	Migrate *Migrate
	Commit  *Commit
}

func (op *Op) Marshal() []byte {
	var b []byte
	switch op.Kind {
	case OpBegin:
		b = appendMessageField(b, 1, op.Begin.Marshal())
	case OpInsert:
		b = appendMessageField(b, 2, op.Insert.Marshal())
	case OpUpdate:
		b = appendMessageField(b, 3, op.Update.Marshal())
	case OpDelete:
		b = appendMessageField(b, 4, op.Delete.Marshal())
	case OpMigrate:
		b = appendMessageField(b, 5, op.Migrate.Marshal())
	case OpCommit:
		b = appendMessageField(b, 6, op.Commit.Marshal())
	}
	return b
}

func unmarshalOp(b []byte) (*Op, error) {
	op := &Op{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		v, n, err := consumeBytesValue(val)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			m, err := unmarshalBegin(v)
			if err != nil {
				return 0, err
			}
			op.Kind, op.Begin = OpBegin, m
		case 2:
			m, err := unmarshalInsert(v)
			if err != nil {
				return 0, err
			}
			op.Kind, op.Insert = OpInsert, m
		case 3:
			m, err := unmarshalUpdate(v)
			if err != nil {
				return 0, err
			}
			op.Kind, op.Update = OpUpdate, m
		case 4:
			m, err := unmarshalDelete(v)
			if err != nil {
				return 0, err
			}
			op.Kind, op.Delete = OpDelete, m
		case 5:
			m, err := unmarshalMigrate(v)
			if err != nil {
				return 0, err
			}
			op.Kind, op.Migrate = OpMigrate, m
		case 6:
			m, err := unmarshalCommit(v)
			if err != nil {
				return 0, err
			}
			op.Kind, op.Commit = OpCommit, m
		default:
			return skipField(num, typ, val)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// OpLog is a framed op sequence: begin/commit for a transaction, or an
// unbounded run of bare Inserts for a subscription snapshot (§4.5-§4.7).
type OpLog struct {
	Ops []Op
}

func (m *OpLog) Marshal() []byte {
	var b []byte
	for i := range m.Ops {
		b = appendMessageField(b, 1, m.Ops[i].Marshal())
	}
	return b
}

func UnmarshalOpLog(b []byte) (*OpLog, error) {
	m := &OpLog{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			op, err := unmarshalOp(v)
			if err != nil {
				return 0, err
			}
			m.Ops = append(m.Ops, *op)
			return n, nil
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
