package txlog

import (
	"errors"
	"fmt"

	"github.com/arve0/electric/internal/model"
	"github.com/arve0/electric/internal/relation"
	"github.com/arve0/electric/internal/rowcodec"
	"github.com/arve0/electric/internal/wire"
)

// ErrProtocolViolation marks every fatal framing error from the
// deserializer (§4.6, §7): out-of-order Begin/Commit, an empty LSN on
// Begin, or a null row image on Insert.
var ErrProtocolViolation = errors.New("txlog: protocol violation")

// partial accumulates one in-progress transaction between Begin and
// Commit.
type partial struct {
	begin   *wire.Begin
	changes []model.Change
}

// Deserializer reassembles inbound OpLog frames into whole Transactions,
// enforcing Begin/Commit framing (C6, §4.6). It owns the "current partial
// transaction" slot the spec describes as externally maintained — one
// Deserializer per connection direction.
type Deserializer struct {
	reg     *relation.Registry
	current *partial
}

func NewDeserializer(reg *relation.Registry) *Deserializer {
	return &Deserializer{reg: reg}
}

// Feed processes one OpLog frame's ops in order, returning every
// Transaction completed as a result (zero or one, since a frame never
// spans more than one Commit in this protocol, but the signature stays a
// slice to mirror "zero or more" from §4.6).
func (d *Deserializer) Feed(oplog *wire.OpLog) ([]model.Transaction, error) {
	var completed []model.Transaction

	for _, op := range oplog.Ops {
		switch op.Kind {
		case wire.OpBegin:
			if d.current != nil {
				return completed, fmt.Errorf("%w: Begin while a transaction is already open", ErrProtocolViolation)
			}
			if len(op.Begin.Lsn) == 0 {
				return completed, fmt.Errorf("%w: Begin with empty lsn", ErrProtocolViolation)
			}
			d.current = &partial{begin: op.Begin}

		case wire.OpCommit:
			if d.current == nil {
				return completed, fmt.Errorf("%w: Commit with no open transaction", ErrProtocolViolation)
			}
			tx := model.Transaction{
				Changes:         d.current.changes,
				CommitTimestamp: op.Commit.CommitTimestamp,
				TransID:         op.Commit.TransID,
				Lsn:             op.Commit.Lsn,
				Origin:          d.current.begin.Origin,
				IsMigration:     d.current.begin.IsMigration,
			}
			d.current = nil
			completed = append(completed, tx)

		default:
			if d.current == nil {
				return completed, fmt.Errorf("%w: op outside Begin/Commit framing", ErrProtocolViolation)
			}
			ch, err := d.toChange(op)
			if err != nil {
				return completed, err
			}
			d.current.changes = append(d.current.changes, ch)
		}
	}

	return completed, nil
}

func (d *Deserializer) toChange(op wire.Op) (model.Change, error) {
	switch op.Kind {
	case wire.OpInsert:
		identity, cols, err := d.lookup(op.Insert.RelationID)
		if err != nil {
			return model.Change{}, err
		}
		if op.Insert.Row == nil {
			return model.Change{}, fmt.Errorf("%w: Insert with null row_data", ErrProtocolViolation)
		}
		row, err := rowcodec.Decode(op.Insert.Row, cols)
		if err != nil {
			return model.Change{}, err
		}
		return model.Change{Kind: model.ChangeInsert, Relation: identity, New: row, Tags: op.Insert.Tags}, nil

	case wire.OpUpdate:
		identity, cols, err := d.lookup(op.Update.RelationID)
		if err != nil {
			return model.Change{}, err
		}
		newRow, err := rowcodec.Decode(op.Update.NewRow, cols)
		if err != nil {
			return model.Change{}, err
		}
		var oldRow model.RowMap
		if op.Update.OldRow != nil {
			oldRow, err = rowcodec.Decode(op.Update.OldRow, cols)
			if err != nil {
				return model.Change{}, err
			}
		}
		return model.Change{Kind: model.ChangeUpdate, Relation: identity, New: newRow, Old: oldRow, Tags: op.Update.Tags}, nil

	case wire.OpDelete:
		identity, cols, err := d.lookup(op.Delete.RelationID)
		if err != nil {
			return model.Change{}, err
		}
		var oldRow model.RowMap
		if op.Delete.OldRow != nil {
			oldRow, err = rowcodec.Decode(op.Delete.OldRow, cols)
			if err != nil {
				return model.Change{}, err
			}
		}
		return model.Change{Kind: model.ChangeDelete, Relation: identity, Old: oldRow, Tags: op.Delete.Tags}, nil

	case wire.OpMigrate:
		var table *model.TableDef
		if op.Migrate.Table != nil {
			cols := make([]model.Column, len(op.Migrate.Table.Columns))
			for i, c := range op.Migrate.Table.Columns {
				cols[i] = model.Column{Name: c.Name, PgType: c.PgType, Nullable: c.Nullable, PartOfIdentity: c.PartOfIdentity}
			}
			table = &model.TableDef{Name: op.Migrate.Table.Name, Columns: cols, PrimaryKeys: op.Migrate.Table.PrimaryKeys}
		}
		stmts := make([]model.MigrationStmt, len(op.Migrate.Stmts))
		for i, s := range op.Migrate.Stmts {
			stmts[i] = model.MigrationStmt{Type: s.Type, Sql: s.Sql}
		}
		return model.Change{
			Kind:             model.ChangeMigrate,
			MigrationVersion: op.Migrate.Version,
			MigrationStmts:   stmts,
			MigrationTable:   table,
		}, nil

	default:
		return model.Change{}, fmt.Errorf("%w: unexpected op kind %v", ErrProtocolViolation, op.Kind)
	}
}

func (d *Deserializer) lookup(relationID uint32) (model.RelationIdentity, []model.Column, error) {
	cols, err := d.reg.Lookup(relationID)
	if err != nil {
		return model.RelationIdentity{}, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	identity, _ := d.reg.IdentityForID(relationID)
	return identity, cols, nil
}
