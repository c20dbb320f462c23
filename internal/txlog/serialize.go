// Package txlog implements the transaction serializer (C5, §4.5) and the
// transaction deserializer (C6, §4.6): the conversion between an internal
// Transaction and the framed op-log representation on the wire.
package txlog

import (
	"errors"
	"fmt"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/model"
	"github.com/arve0/electric/internal/relation"
	"github.com/arve0/electric/internal/rowcodec"
	"github.com/arve0/electric/internal/wire"
)

// extensionSchema is the internal catalog schema whose changes are
// infrastructure, not replicated data (§4.5 step 2).
const extensionSchema = "electric"

// ErrInvalidMigration is returned when a transaction's DDL rows disagree
// on their migration version (§4.5 step 3).
var ErrInvalidMigration = errors.New("txlog: invalid migration")

// Serialize converts tx into zero or more frames (a Relation frame per
// newly-referenced relation, followed by at most one OpLog frame), per
// §4.5. The registry is mutated in place as relations are resolved.
func Serialize(tx *model.Transaction, reg *relation.Registry, cache collab.SchemaCache, translator collab.MigrationTranslator) ([]wire.Frame, error) {
	var ddlChanges []model.Change
	var dmlChanges []model.Change

	for _, ch := range tx.Changes {
		if ch.Relation.Schema == extensionSchema {
			continue // infrastructure, not replicated (§4.5 step 2)
		}
		if ch.Kind == model.ChangeMigrate {
			ddlChanges = append(ddlChanges, ch)
		} else {
			dmlChanges = append(dmlChanges, ch)
		}
	}

	var frames []wire.Frame
	var ops []wire.Op
	isMigration := len(ddlChanges) > 0

	if isMigration {
		translated, err := translateDDL(ddlChanges, cache, translator)
		if err != nil {
			return nil, err
		}
		ops = append(ops, translated...)
	}

	for _, ch := range dmlChanges {
		op, newFrames, err := serializeDML(ch, reg, cache)
		if err != nil {
			return nil, err
		}
		frames = append(frames, newFrames...)
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return nil, nil // §4.5 step 4: nothing survives filtering, emit nothing
	}

	full := make([]wire.Op, 0, len(ops)+2)
	full = append(full, wire.Op{Kind: wire.OpBegin, Begin: &wire.Begin{
		CommitTimestamp: tx.CommitTimestamp,
		TransID:         tx.TransID,
		Lsn:             tx.Lsn,
		Origin:          tx.Origin,
		IsMigration:     isMigration,
	}})
	full = append(full, ops...)
	full = append(full, wire.Op{Kind: wire.OpCommit, Commit: &wire.Commit{
		CommitTimestamp: tx.CommitTimestamp,
		TransID:         tx.TransID,
		Lsn:             tx.Lsn,
	}})

	oplog := &wire.OpLog{Ops: full}
	frames = append(frames, wire.Frame{Type: wire.TypeOpLog, Payload: oplog.Marshal()})
	return frames, nil
}

func translateDDL(ddlChanges []model.Change, cache collab.SchemaCache, translator collab.MigrationTranslator) ([]wire.Op, error) {
	version := ddlChanges[0].MigrationVersion
	sqls := make([]string, 0, len(ddlChanges))
	for _, ch := range ddlChanges {
		if ch.MigrationVersion != version {
			return nil, fmt.Errorf("%w: mixed versions %q and %q in one transaction", ErrInvalidMigration, version, ch.MigrationVersion)
		}
		sqls = append(sqls, ch.RawSQL)
	}

	var schema *collab.Schema
	if cache != nil {
		s, err := cache.Load(ddlChanges[0].Relation.Schema, version)
		if err == nil {
			schema = s
		}
	}

	translated, _, err := translator.Translate(schema, version, sqls)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMigration, err)
	}

	ops := make([]wire.Op, 0, len(translated))
	for _, ch := range translated {
		stmts := make([]wire.MigrationStmt, len(ch.MigrationStmts))
		for i, s := range ch.MigrationStmts {
			stmts[i] = wire.MigrationStmt{Type: s.Type, Sql: s.Sql}
		}
		var table *wire.TableDef
		if ch.MigrationTable != nil {
			cols := make([]wire.Column, len(ch.MigrationTable.Columns))
			for i, c := range ch.MigrationTable.Columns {
				cols[i] = wire.Column{Name: c.Name, PgType: c.PgType, Nullable: c.Nullable, PartOfIdentity: c.PartOfIdentity}
			}
			table = &wire.TableDef{Name: ch.MigrationTable.Name, Columns: cols, PrimaryKeys: ch.MigrationTable.PrimaryKeys}
		}
		ops = append(ops, wire.Op{Kind: wire.OpMigrate, Migrate: &wire.Migrate{
			Version: ch.MigrationVersion,
			Stmts:   stmts,
			Table:   table,
		}})
	}
	return ops, nil
}

func serializeDML(ch model.Change, reg *relation.Registry, cache collab.SchemaCache) (wire.Op, []wire.Frame, error) {
	rel, err := cache.Relation(collab.RelationRef{Identity: &ch.Relation})
	if err != nil {
		return wire.Op{}, nil, fmt.Errorf("txlog: resolve relation %+v: %w", ch.Relation, err)
	}

	entry, isNew := reg.Resolve(ch.Relation, rel)

	var frames []wire.Frame
	if isNew {
		cols := make([]wire.Column, len(rel.Columns))
		for i, c := range rel.Columns {
			cols[i] = wire.Column{Name: c.Name, PgType: c.PgType, Nullable: c.Nullable, PartOfIdentity: c.PartOfIdentity}
		}
		pks := make([]string, 0, len(rel.PrimaryKeys))
		for pk := range rel.PrimaryKeys {
			pks = append(pks, pk)
		}
		relFrame := &wire.Relation{
			RelationID:  entry.ID,
			Schema:      ch.Relation.Schema,
			Table:       ch.Relation.Table,
			Columns:     cols,
			PrimaryKeys: pks,
		}
		frames = append(frames, wire.Frame{Type: wire.TypeRelation, Payload: relFrame.Marshal()})
	}

	switch ch.Kind {
	case model.ChangeInsert:
		return wire.Op{Kind: wire.OpInsert, Insert: &wire.Insert{
			RelationID: entry.ID,
			Row:        rowcodec.Encode(ch.New, entry.Columns),
			Tags:       ch.Tags,
		}}, frames, nil
	case model.ChangeUpdate:
		var oldRow *wire.Row
		if ch.Old != nil {
			oldRow = rowcodec.Encode(ch.Old, entry.Columns)
		}
		return wire.Op{Kind: wire.OpUpdate, Update: &wire.Update{
			RelationID: entry.ID,
			OldRow:     oldRow,
			NewRow:     rowcodec.Encode(ch.New, entry.Columns),
			Tags:       ch.Tags,
		}}, frames, nil
	case model.ChangeDelete:
		var oldRow *wire.Row
		if ch.Old != nil {
			oldRow = rowcodec.Encode(ch.Old, entry.Columns)
		}
		return wire.Op{Kind: wire.OpDelete, Delete: &wire.Delete{
			RelationID: entry.ID,
			OldRow:     oldRow,
			Tags:       ch.Tags,
		}}, frames, nil
	default:
		return wire.Op{}, nil, fmt.Errorf("txlog: unexpected change kind %v", ch.Kind)
	}
}
