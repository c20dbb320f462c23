// Package walsource is the pglogrepl-backed reference implementation of
// collab.WalSource: it opens a PostgreSQL logical replication connection
// against a publication/slot pair, decodes the protocol-2 stream, and
// republishes it as model.Transaction values ordered by LSN (§6.1).
package walsource

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/model"
)

const standbyMessageTimeout = 10 * time.Second

// Source replicates from a single PostgreSQL publication via the pgoutput
// protocol-2 plugin. It satisfies collab.WalSource.
type Source struct {
	connString  string
	slotName    string
	publication string
	log         zerolog.Logger

	// mu and subs are not used by Subscribe: concurrent Subscribe calls
	// on one Source are not rejected and share one slot.
	mu   sync.Mutex
	subs int
}

func New(connString, slotName, publication string, log zerolog.Logger) *Source {
	return &Source{connString: connString, slotName: slotName, publication: publication, log: log}
}

// SerializePosition renders a pglogrepl.LSN (or its string form) as the
// opaque model.LSN the core carries around: the fixed-width big-endian
// encoding pglogrepl itself uses for wire transmission.
func (s *Source) SerializePosition(opaque any) model.LSN {
	switch v := opaque.(type) {
	case pglogrepl.LSN:
		return lsnToModel(v)
	case string:
		parsed, err := pglogrepl.ParseLSN(v)
		if err != nil {
			return nil
		}
		return lsnToModel(parsed)
	default:
		return nil
	}
}

func lsnToModel(l pglogrepl.LSN) model.LSN {
	b := make([]byte, 8)
	u := uint64(l)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func modelToLSN(m model.LSN) (pglogrepl.LSN, error) {
	if len(m) != 8 {
		return 0, collab.ErrMalformedLSN
	}
	var u uint64
	for _, b := range m {
		u = u<<8 | uint64(b)
	}
	return pglogrepl.LSN(u), nil
}

// Compare orders two serialized LSNs as plain big-endian integers.
func (s *Source) Compare(a, b model.LSN) collab.Ordering {
	la, errA := modelToLSN(a)
	lb, errB := modelToLSN(b)
	if errA != nil || errB != nil {
		// Malformed input has no ordering; treat as equal rather than panic,
		// the caller (cursor.Start) only uses this to reject forward jumps.
		return collab.Equal
	}
	switch {
	case la < lb:
		return collab.Less
	case la > lb:
		return collab.Greater
	default:
		return collab.Equal
	}
}

// Subscribe opens the replication connection and streams decoded
// transactions strictly ordered by commit LSN, starting after from.
func (s *Source) Subscribe(ctx context.Context, from model.LSN) (<-chan model.Transaction, error) {
	startLSN, err := s.resolveStart(from)
	if err != nil {
		return nil, err
	}

	conn, err := pgconn.Connect(ctx, s.connString+"?replication=database")
	if err != nil {
		return nil, fmt.Errorf("walsource: connect: %w", err)
	}

	if err := s.ensureSlot(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, err
	}

	pluginArgs := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", s.publication),
		"messages 'true'",
	}
	if err := pglogrepl.StartReplication(ctx, conn, s.slotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("walsource: start replication: %w", err)
	}

	out := make(chan model.Transaction, 16)
	go s.pump(ctx, conn, startLSN, out)
	return out, nil
}

func (s *Source) resolveStart(from model.LSN) (pglogrepl.LSN, error) {
	if len(from) == 0 {
		return 0, nil
	}
	return modelToLSN(from)
}

func (s *Source) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.slotName, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Temporary: false,
		Mode:      pglogrepl.LogicalReplication,
	})
	if err != nil {
		// ERRCODE 42710 is duplicate_object; the slot already existing is
		// the expected steady-state case, not a failure.
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("walsource: create slot: %w", err)
	}
	return nil
}

type decodeState struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
	inStream  bool

	txID    string
	lsn     pglogrepl.LSN
	commits int64
	changes []model.Change
}

func (s *Source) pump(ctx context.Context, conn *pgconn.PgConn, from pglogrepl.LSN, out chan<- model.Transaction) {
	defer close(out)
	defer conn.Close(context.Background())

	state := &decodeState{relations: map[uint32]*pglogrepl.RelationMessageV2{}}
	lastWritten := from
	nextStandby := time.Now().Add(standbyMessageTimeout)

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Now().After(nextStandby) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: lastWritten + 1,
				WALFlushPosition: lastWritten + 1,
				WALApplyPosition: lastWritten + 1,
			}); err != nil {
				s.log.Error().Err(err).Msg("walsource: standby status update failed")
				return
			}
			nextStandby = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			s.log.Error().Err(err).Msg("walsource: receive message failed")
			return
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				s.log.Error().Err(err).Msg("walsource: parse keepalive failed")
				return
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				s.log.Error().Err(err).Msg("walsource: parse xlogdata failed")
				return
			}
			tx, emitted, err := s.applyMessage(state, xld)
			if err != nil {
				s.log.Error().Err(err).Msg("walsource: decode logical message failed")
				return
			}
			if emitted {
				lastWritten = state.lsn
				select {
				case out <- tx:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Source) applyMessage(state *decodeState, xld pglogrepl.XLogData) (model.Transaction, bool, error) {
	logicalMsg, err := pglogrepl.ParseV2(xld.WALData, state.inStream)
	if err != nil {
		return model.Transaction{}, false, err
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		state.relations[m.RelationID] = m
	case *pglogrepl.StreamStartMessageV2:
		state.inStream = true
	case *pglogrepl.StreamStopMessageV2:
		state.inStream = false
	case *pglogrepl.BeginMessage:
		state.lsn = m.FinalLSN
		state.txID = strconv.FormatUint(uint64(m.Xid), 10)
		state.changes = nil
	case *pglogrepl.InsertMessageV2:
		rel, ok := state.relations[m.RelationID]
		if !ok {
			return model.Transaction{}, false, fmt.Errorf("walsource: unknown relation id %d", m.RelationID)
		}
		state.changes = append(state.changes, model.Change{
			Kind:     model.ChangeInsert,
			Relation: model.RelationIdentity{Schema: rel.Namespace, Table: rel.RelationName},
			New:      tupleToRowMap(rel, m.Tuple),
		})
	case *pglogrepl.UpdateMessageV2:
		rel, ok := state.relations[m.RelationID]
		if !ok {
			return model.Transaction{}, false, fmt.Errorf("walsource: unknown relation id %d", m.RelationID)
		}
		var old model.RowMap
		if m.OldTuple != nil {
			old = tupleToRowMap(rel, m.OldTuple)
		}
		state.changes = append(state.changes, model.Change{
			Kind:     model.ChangeUpdate,
			Relation: model.RelationIdentity{Schema: rel.Namespace, Table: rel.RelationName},
			New:      tupleToRowMap(rel, m.NewTuple),
			Old:      old,
		})
	case *pglogrepl.DeleteMessageV2:
		rel, ok := state.relations[m.RelationID]
		if !ok {
			return model.Transaction{}, false, fmt.Errorf("walsource: unknown relation id %d", m.RelationID)
		}
		var old model.RowMap
		if m.OldTuple != nil {
			old = tupleToRowMap(rel, m.OldTuple)
		}
		state.changes = append(state.changes, model.Change{
			Kind:     model.ChangeDelete,
			Relation: model.RelationIdentity{Schema: rel.Namespace, Table: rel.RelationName},
			Old:      old,
		})
	case *pglogrepl.CommitMessage:
		tx := model.Transaction{
			TransID:         state.txID,
			Lsn:             lsnToModel(state.lsn),
			CommitTimestamp: commitMicros(m.CommitTime),
			Changes:         state.changes,
		}
		state.changes = nil
		return tx, true, nil
	}
	return model.Transaction{}, false, nil
}

func commitMicros(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}

func tupleToRowMap(rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) model.RowMap {
	row := make(model.RowMap, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			continue
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			row[name] = nil
		case 'u':
			// TOAST-unchanged column; omit rather than claim NULL.
			continue
		default:
			row[name] = col.Data
		}
	}
	return row
}
