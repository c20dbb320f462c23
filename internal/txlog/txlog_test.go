package txlog

import (
	"fmt"
	"testing"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/model"
	"github.com/arve0/electric/internal/relation"
	"github.com/arve0/electric/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	relations map[string]*model.Relation
}

func (f *fakeCache) Ready(string) bool { return true }

func (f *fakeCache) Relation(ref collab.RelationRef) (*model.Relation, error) {
	if ref.Identity == nil {
		return nil, fmt.Errorf("no identity")
	}
	rel, ok := f.relations[ref.Identity.Schema+"."+ref.Identity.Table]
	if !ok {
		return nil, fmt.Errorf("not found: %+v", *ref.Identity)
	}
	return rel, nil
}

func (f *fakeCache) ElectrifiedTables() ([]model.RelationIdentity, error) { return nil, nil }
func (f *fakeCache) Load(origin, version string) (*collab.Schema, error) {
	return &collab.Schema{Version: version}, nil
}

type fakeTranslator struct {
	ops []model.Change
	err error
}

func (f *fakeTranslator) Translate(schema *collab.Schema, version string, ddl []string) ([]model.Change, []model.Relation, error) {
	return f.ops, nil, f.err
}

func entriesCache() *fakeCache {
	return &fakeCache{relations: map[string]*model.Relation{
		"public.entries": {
			Identity:    model.RelationIdentity{Schema: "public", Table: "entries"},
			CanonicalID: 17,
			Columns:     []model.Column{{Name: "id", PgType: "text"}, {Name: "content", PgType: "text"}, {Name: "note", PgType: "text", Nullable: true}},
			PrimaryKeys: map[string]struct{}{"id": {}},
		},
	}}
}

func TestSerializeEmitsRelationThenOpLog(t *testing.T) {
	reg := relation.New()
	cache := entriesCache()
	tx := &model.Transaction{
		CommitTimestamp: 1686009600000000,
		TransID:         "t1",
		Lsn:             model.LSN{0x0A},
		Changes: []model.Change{
			{Kind: model.ChangeInsert, Relation: model.RelationIdentity{Schema: "public", Table: "entries"},
				New: model.RowMap{"id": []byte("u1"), "content": []byte("hello")}},
		},
	}

	frames, err := Serialize(tx, reg, cache, nil)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, wire.TypeRelation, frames[0].Type)
	require.Equal(t, wire.TypeOpLog, frames[1].Type)

	oplog, err := wire.UnmarshalOpLog(frames[1].Payload)
	require.NoError(t, err)
	require.Len(t, oplog.Ops, 3)
	require.Equal(t, wire.OpBegin, oplog.Ops[0].Kind)
	require.Equal(t, wire.OpInsert, oplog.Ops[1].Kind)
	require.Equal(t, wire.OpCommit, oplog.Ops[2].Kind)
	require.Equal(t, uint32(17), oplog.Ops[1].Insert.RelationID)
}

func TestSerializeDropsExtensionSchemaChanges(t *testing.T) {
	reg := relation.New()
	cache := entriesCache()
	tx := &model.Transaction{
		Changes: []model.Change{
			{Kind: model.ChangeInsert, Relation: model.RelationIdentity{Schema: "electric", Table: "migrations"}},
		},
	}
	frames, err := Serialize(tx, reg, cache, nil)
	require.NoError(t, err)
	require.Nil(t, frames)
}

func TestSerializeMigrationInterleaving(t *testing.T) {
	reg := relation.New()
	cache := entriesCache()
	translator := &fakeTranslator{ops: []model.Change{{
		Kind:             model.ChangeMigrate,
		MigrationVersion: "20230504114018",
		MigrationStmts:   []model.MigrationStmt{{Type: "CREATE_TABLE", Sql: `CREATE TABLE "mtable1" (...)`}},
		MigrationTable:   &model.TableDef{Name: "mtable1"},
	}}}
	tx := &model.Transaction{
		Changes: []model.Change{
			{Kind: model.ChangeMigrate, Relation: model.RelationIdentity{Schema: "public"}, MigrationVersion: "20230504114018", RawSQL: `CREATE TABLE mtable1 (...)`},
		},
	}

	frames, err := Serialize(tx, reg, cache, translator)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	oplog, err := wire.UnmarshalOpLog(frames[0].Payload)
	require.NoError(t, err)
	require.Len(t, oplog.Ops, 3)
	require.True(t, oplog.Ops[0].Begin.IsMigration)
	require.Equal(t, wire.OpMigrate, oplog.Ops[1].Kind)
}

func TestSerializeMixedMigrationVersionsFails(t *testing.T) {
	reg := relation.New()
	cache := entriesCache()
	tx := &model.Transaction{
		Changes: []model.Change{
			{Kind: model.ChangeMigrate, MigrationVersion: "v1", RawSQL: "a"},
			{Kind: model.ChangeMigrate, MigrationVersion: "v2", RawSQL: "b"},
		},
	}
	_, err := Serialize(tx, reg, cache, &fakeTranslator{})
	require.ErrorIs(t, err, ErrInvalidMigration)
}

func TestDeserializeRoundTripsSerializedTransaction(t *testing.T) {
	outReg := relation.New()
	cache := entriesCache()
	tx := &model.Transaction{
		CommitTimestamp: 42,
		TransID:         "t1",
		Lsn:             model.LSN{0x0A},
		Origin:          "pg",
		Changes: []model.Change{
			{Kind: model.ChangeInsert, Relation: model.RelationIdentity{Schema: "public", Table: "entries"},
				New: model.RowMap{"id": []byte("u1"), "content": []byte("hello")}},
		},
	}
	frames, err := Serialize(tx, outReg, cache, nil)
	require.NoError(t, err)

	inReg := relation.New()
	rf, err := wire.UnmarshalRelation(frames[0].Payload)
	require.NoError(t, err)
	inReg.Admit(model.RelationIdentity{Schema: rf.Schema, Table: rf.Table}, rf.RelationID, toModelColumns(rf.Columns))

	oplog, err := wire.UnmarshalOpLog(frames[1].Payload)
	require.NoError(t, err)

	d := NewDeserializer(inReg)
	txs, err := d.Feed(oplog)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, tx.TransID, txs[0].TransID)
	require.Equal(t, "pg", txs[0].Origin)
	require.Equal(t, []byte("u1"), txs[0].Changes[0].New["id"])
}

func toModelColumns(cols []wire.Column) []model.Column {
	out := make([]model.Column, len(cols))
	for i, c := range cols {
		out[i] = model.Column{Name: c.Name, PgType: c.PgType, Nullable: c.Nullable, PartOfIdentity: c.PartOfIdentity}
	}
	return out
}

func TestDeserializeRejectsDoubleBegin(t *testing.T) {
	reg := relation.New()
	d := NewDeserializer(reg)
	oplog := &wire.OpLog{Ops: []wire.Op{
		{Kind: wire.OpBegin, Begin: &wire.Begin{Lsn: []byte{1}}},
		{Kind: wire.OpBegin, Begin: &wire.Begin{Lsn: []byte{2}}},
	}}
	_, err := d.Feed(oplog)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDeserializeRejectsCommitWithoutBegin(t *testing.T) {
	reg := relation.New()
	d := NewDeserializer(reg)
	oplog := &wire.OpLog{Ops: []wire.Op{{Kind: wire.OpCommit, Commit: &wire.Commit{}}}}
	_, err := d.Feed(oplog)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDeserializeRejectsEmptyLsnOnBegin(t *testing.T) {
	reg := relation.New()
	d := NewDeserializer(reg)
	oplog := &wire.OpLog{Ops: []wire.Op{{Kind: wire.OpBegin, Begin: &wire.Begin{}}}}
	_, err := d.Feed(oplog)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDeserializeRejectsNullInsertRow(t *testing.T) {
	reg := relation.New()
	reg.Admit(model.RelationIdentity{Schema: "public", Table: "t"}, 1, []model.Column{{Name: "id"}})
	d := NewDeserializer(reg)
	oplog := &wire.OpLog{Ops: []wire.Op{
		{Kind: wire.OpBegin, Begin: &wire.Begin{Lsn: []byte{1}}},
		{Kind: wire.OpInsert, Insert: &wire.Insert{RelationID: 1, Row: nil}},
	}}
	_, err := d.Feed(oplog)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDeserializeAllowsEmptyOldRowSentinel(t *testing.T) {
	reg := relation.New()
	reg.Admit(model.RelationIdentity{Schema: "public", Table: "t"}, 1, []model.Column{{Name: "id"}})
	d := NewDeserializer(reg)
	oplog := &wire.OpLog{Ops: []wire.Op{
		{Kind: wire.OpBegin, Begin: &wire.Begin{Lsn: []byte{1}}},
		{Kind: wire.OpUpdate, Update: &wire.Update{RelationID: 1, NewRow: &wire.Row{Values: [][]byte{[]byte("x")}}}},
		{Kind: wire.OpCommit, Commit: &wire.Commit{}},
	}}
	txs, err := d.Feed(oplog)
	require.NoError(t, err)
	require.Nil(t, txs[0].Changes[0].Old)
}
