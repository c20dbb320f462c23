// Package subscription implements the subscription/shape manager (C7,
// §4.7): subscribe/unsubscribe bookkeeping and the initial-snapshot
// delivery protocol interleaved with live replication.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/errs"
	"github.com/arve0/electric/internal/model"
	"github.com/arve0/electric/internal/relation"
	"github.com/arve0/electric/internal/rowcodec"
	"github.com/arve0/electric/internal/wire"
	"github.com/google/uuid"
)

// ShapeRequest is one shape-request line of a subscribe RPC payload.
type ShapeRequest struct {
	RequestID string
	TableName string
}

// Manager owns one connection's subscription store: the set of named,
// resumable selections the client has asked for (§3, §4.7).
type Manager struct {
	mu    sync.Mutex
	subs  map[string]*model.Subscription
	cache collab.SchemaCache
}

func New(cache collab.SchemaCache) *Manager {
	return &Manager{subs: make(map[string]*model.Subscription), cache: cache}
}

// Subscribe validates and admits a new subscription, returning the
// SHAPE_REQUEST_ERROR or DuplicateId failures named by §4.7's op table.
func (m *Manager) Subscribe(id string, shapeReqs []ShapeRequest) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[id]; exists {
		return nil, errs.New(errs.SubscriptionIDAlreadyExists, fmt.Sprintf("subscription %q already exists", id))
	}

	if len(shapeReqs) == 0 {
		return nil, errs.New(errs.ShapeRequestError, "shape_requests must not be empty")
	}

	seenTables := make(map[string]struct{}, len(shapeReqs))
	shapes := make([]model.Shape, 0, len(shapeReqs))
	for _, sr := range shapeReqs {
		if sr.TableName == "" {
			return nil, errs.NewShapeRequestError(sr.RequestID, errs.EmptyShapeDefinition, "")
		}
		if _, dup := seenTables[sr.TableName]; dup {
			return nil, errs.NewShapeRequestError(sr.RequestID, errs.DuplicateTableInShapeDefinition, "")
		}
		seenTables[sr.TableName] = struct{}{}

		if m.cache != nil {
			if err := m.tableExists(sr.TableName); err != nil {
				return nil, errs.NewShapeRequestError(sr.RequestID, errs.TableNotFound, err.Error())
			}
		}

		shapes = append(shapes, model.Shape{RequestID: sr.RequestID, Selects: []model.ShapeSelect{{TableName: sr.TableName}}})
	}

	sub := &model.Subscription{ID: id, Shapes: shapes, Status: model.SubscriptionRequested}
	m.subs[id] = sub
	return sub, nil
}

func (m *Manager) tableExists(table string) error {
	tables, err := m.cache.ElectrifiedTables()
	if err != nil {
		return err
	}
	for _, t := range tables {
		if t.Table == table {
			return nil
		}
	}
	return fmt.Errorf("table %q is not electrified", table)
}

// Unsubscribe cancels the named subscriptions. Unknown ids are silently
// tolerated; calling it again with the same ids changes nothing
// (§8 invariant 8).
func (m *Manager) Unsubscribe(ids []string) {
	for _, id := range ids {
		m.Cancel(id)
	}
}

// Known reports whether id names a subscription this manager has ever
// admitted (cancelled or not) — satisfies cursor.SubscriptionLookup.
func (m *Manager) Known(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok
}

// Active reports whether id names a subscription currently contributing
// to the filtered replication stream.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	return ok && sub.Status != model.SubscriptionCancelled
}

// Activate marks a subscription as actively contributing to the
// filtered replication stream, once its snapshot delivery has begun.
func (m *Manager) Activate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.Status = model.SubscriptionActive
	}
}

// Cancel marks a subscription as cancelled, whether from an explicit
// unsubscribe or a failed snapshot delivery (§4.7).
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.Status = model.SubscriptionCancelled
	}
}

// Emit sends one already-encoded frame to the peer.
type Emit func(wire.Frame) error

// Deliver runs the full initial-snapshot protocol for sub (§4.7 steps
// 1-3): SubsDataBegin, then per shape ShapeDataBegin/Inserts/ShapeDataEnd
// in request order, then SubsDataEnd. Live OpLog frames may legitimately
// be emitted by other goroutines on the same connection while this runs
// — Deliver only ever appends its own frames via emit, which the caller
// must serialize against concurrent writers.
func Deliver(ctx context.Context, mgr *Manager, sub *model.Subscription, source collab.SubscriptionDataSource, reg *relation.Registry, cache collab.SchemaCache, emit Emit) error {
	mgr.Activate(sub.ID)

	atLSN, snapshots, err := source.Snapshot(ctx, sub.ID, sub.Shapes)
	if err != nil {
		mgr.Cancel(sub.ID)
		return deliveryFailed(sub.ID, sub.Shapes, emit, err)
	}

	begin := &wire.SubsDataBegin{SubscriptionID: sub.ID, Lsn: atLSN}
	if err := emit(wire.Frame{Type: wire.TypeSubsDataBegin, Payload: begin.Marshal()}); err != nil {
		return fmt.Errorf("subscription: emit SubsDataBegin: %w", err)
	}

	for _, snap := range snapshots {
		if err := deliverShape(ctx, snap, reg, cache, emit); err != nil {
			mgr.Cancel(sub.ID)
			return deliveryFailed(sub.ID, sub.Shapes, emit, err)
		}
	}

	end := &wire.SubsDataEnd{}
	if err := emit(wire.Frame{Type: wire.TypeSubsDataEnd, Payload: end.Marshal()}); err != nil {
		return fmt.Errorf("subscription: emit SubsDataEnd: %w", err)
	}
	return nil
}

func deliverShape(ctx context.Context, snap collab.ShapeSnapshot, reg *relation.Registry, cache collab.SchemaCache, emit Emit) error {
	id := snap.UUID
	if id == "" {
		id = uuid.NewString()
	}
	begin := &wire.ShapeDataBegin{RequestID: snap.RequestID, UUID: id}
	if err := emit(wire.Frame{Type: wire.TypeShapeDataBegin, Payload: begin.Marshal()}); err != nil {
		return err
	}

	for {
		var row collab.ShapeRow
		var ok bool
		select {
		case row, ok = <-snap.Rows:
			if !ok {
				return emit(wire.Frame{Type: wire.TypeShapeDataEnd, Payload: (&wire.ShapeDataEnd{}).Marshal()})
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		rel, err := cache.Relation(collab.RelationRef{Identity: &row.Relation})
		if err != nil {
			return fmt.Errorf("subscription: resolve relation %+v: %w", row.Relation, err)
		}
		entry, isNew := reg.Resolve(row.Relation, rel)
		if isNew {
			cols := make([]wire.Column, len(rel.Columns))
			for i, c := range rel.Columns {
				cols[i] = wire.Column{Name: c.Name, PgType: c.PgType, Nullable: c.Nullable, PartOfIdentity: c.PartOfIdentity}
			}
			relFrame := &wire.Relation{RelationID: entry.ID, Schema: row.Relation.Schema, Table: row.Relation.Table, Columns: cols}
			if err := emit(wire.Frame{Type: wire.TypeRelation, Payload: relFrame.Marshal()}); err != nil {
				return err
			}
		}

		op := wire.Op{Kind: wire.OpInsert, Insert: &wire.Insert{
			RelationID: entry.ID,
			Row:        rowcodec.Encode(row.Row, entry.Columns),
		}}
		oplog := &wire.OpLog{Ops: []wire.Op{op}}
		if err := emit(wire.Frame{Type: wire.TypeOpLog, Payload: oplog.Marshal()}); err != nil {
			return err
		}
	}
}

func deliveryFailed(subscriptionID string, shapes []model.Shape, emit Emit, cause error) error {
	fieldErrs := make([]wire.ShapeFieldError, len(shapes))
	for i, s := range shapes {
		fieldErrs[i] = wire.ShapeFieldError{RequestID: s.RequestID, Code: string(errs.ShapeDeliveryError), Message: cause.Error()}
	}
	msg := &wire.SubsDataError{Code: string(errs.ShapeDeliveryError), SubscriptionID: subscriptionID, ShapeErrors: fieldErrs}
	if err := emit(wire.Frame{Type: wire.TypeSubsDataError, Payload: msg.Marshal()}); err != nil {
		return fmt.Errorf("subscription: emit SubsDataError after %v: %w", cause, err)
	}
	return fmt.Errorf("subscription: snapshot delivery failed: %w", cause)
}
