package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3}
	raw := EncodeFrame(TypeRelation, payload)
	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, TypeRelation, f.Type)
	require.Equal(t, payload, f.Payload)
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte{0xFF, 1, 2})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeFrameRejectsEmpty(t *testing.T) {
	_, err := DecodeFrame(nil)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestRowRoundTrip(t *testing.T) {
	r := &Row{
		NullsBitmask: []byte{0b10000000},
		Values:       [][]byte{{}, []byte("hello")},
	}
	got, err := UnmarshalRow(r.Marshal())
	require.NoError(t, err)
	require.Equal(t, r.NullsBitmask, got.NullsBitmask)
	require.Equal(t, r.Values, got.Values)
}

func TestRelationRoundTrip(t *testing.T) {
	r := &Relation{
		RelationID: 17,
		Schema:     "public",
		Table:      "entries",
		Columns: []Column{
			{Name: "id", PgType: "text", Nullable: false, PartOfIdentity: true},
			{Name: "content", PgType: "text", Nullable: true},
		},
		PrimaryKeys: []string{"id"},
	}
	got, err := UnmarshalRelation(r.Marshal())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestRpcRequestResponseRoundTrip(t *testing.T) {
	req := &RpcRequest{Method: "authenticate", RequestID: 1, Payload: []byte("p")}
	gotReq, err := UnmarshalRpcRequest(req.Marshal())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	resp := &RpcResponse{Method: "authenticate", RequestID: 1, Ok: false, ErrCode: "AUTH_FAILED", ErrMessage: "bad token"}
	gotResp, err := UnmarshalRpcResponse(resp.Marshal())
	require.NoError(t, err)
	require.Equal(t, resp, gotResp)
}

func TestOpLogBeginInsertCommitRoundTrip(t *testing.T) {
	ol := &OpLog{
		Ops: []Op{
			{Kind: OpBegin, Begin: &Begin{CommitTimestamp: 1686009600000000, TransID: "t1", Lsn: []byte{0x0A}}},
			{Kind: OpInsert, Insert: &Insert{
				RelationID: 17,
				Row:        &Row{NullsBitmask: []byte{0}, Values: [][]byte{[]byte("u1"), []byte("hello"), {}}},
				Tags:       []string{"pg@1686009600000000"},
			}},
			{Kind: OpCommit, Commit: &Commit{CommitTimestamp: 1686009600000000, TransID: "t1", Lsn: []byte{0x0A}}},
		},
	}
	got, err := UnmarshalOpLog(ol.Marshal())
	require.NoError(t, err)
	require.Equal(t, ol, got)
}

func TestOpLogMigrateRoundTrip(t *testing.T) {
	ol := &OpLog{
		Ops: []Op{
			{Kind: OpBegin, Begin: &Begin{IsMigration: true}},
			{Kind: OpMigrate, Migrate: &Migrate{
				Version: "20230504114018",
				Stmts:   []MigrationStmt{{Type: "CREATE_TABLE", Sql: `CREATE TABLE "mtable1" (...)`}},
				Table:   &TableDef{Name: "mtable1", Columns: []Column{{Name: "id", PgType: "text"}}},
			}},
			{Kind: OpCommit, Commit: &Commit{}},
		},
	}
	got, err := UnmarshalOpLog(ol.Marshal())
	require.NoError(t, err)
	require.Equal(t, ol, got)
}

func TestUpdateOldRowAbsentSentinel(t *testing.T) {
	u := &Update{RelationID: 3, NewRow: &Row{Values: [][]byte{[]byte("x")}}}
	ol := &OpLog{Ops: []Op{{Kind: OpUpdate, Update: u}}}
	got, err := UnmarshalOpLog(ol.Marshal())
	require.NoError(t, err)
	require.Nil(t, got.Ops[0].Update.OldRow)
}

func TestSubsDataLifecycleRoundTrip(t *testing.T) {
	begin := &SubsDataBegin{SubscriptionID: "s1", Lsn: []byte{0x0B}}
	gotBegin, err := UnmarshalSubsDataBegin(begin.Marshal())
	require.NoError(t, err)
	require.Equal(t, begin, gotBegin)

	shapeBegin := &ShapeDataBegin{RequestID: "r1", UUID: "abc-123"}
	gotShapeBegin, err := UnmarshalShapeDataBegin(shapeBegin.Marshal())
	require.NoError(t, err)
	require.Equal(t, shapeBegin, gotShapeBegin)

	derr := &SubsDataError{
		Code:           "SHAPE_DELIVERY_ERROR",
		SubscriptionID: "s1",
		ShapeErrors:    []ShapeFieldError{{RequestID: "r1", Code: "SHAPE_SIZE_LIMIT_EXCEEDED"}},
	}
	gotErr, err := UnmarshalSubsDataError(derr.Marshal())
	require.NoError(t, err)
	require.Equal(t, derr, gotErr)
}
