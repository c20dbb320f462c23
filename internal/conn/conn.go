// Package conn implements the per-connection state machine (C9, §4.9):
// it wires the frame codec (wire), the RPC multiplexer (rpc), the
// transaction serializer/deserializer (txlog), the subscription manager
// (subscription), and the replication cursor (cursor) around one
// Satellite connection's lifecycle.
package conn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arve0/electric/internal/collab"
	"github.com/arve0/electric/internal/cursor"
	"github.com/arve0/electric/internal/errs"
	"github.com/arve0/electric/internal/model"
	"github.com/arve0/electric/internal/relation"
	"github.com/arve0/electric/internal/rpc"
	"github.com/arve0/electric/internal/subscription"
	"github.com/arve0/electric/internal/txlog"
	"github.com/arve0/electric/internal/wire"
	"github.com/rs/zerolog"
)

// State is one node of the connection state machine (§4.9).
type State int

const (
	StateConnected State = iota + 1
	StateAuthenticated
	StateReplicating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateAuthenticated:
		return "Authenticated"
	case StateReplicating:
		return "Replicating"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Sender transmits one already-framed message to the peer. Conn never
// writes to the transport concurrently without going through emit, which
// serializes callers of Sender onto one goroutine's worth of ordering.
type Sender func(wire.Frame) error

// Collaborators bundles the external dependencies a Conn is wired to
// (§6); every field is an interface from package collab. The schema
// cache is also handed directly to txlog and subscription.
type Collaborators struct {
	Auth       collab.AuthVerifier
	Wal        collab.WalSource
	Cache      collab.SchemaCache
	Translator collab.MigrationTranslator
	DataSource collab.SubscriptionDataSource
	WriteSink  collab.WriteSink // optional: nil disables applying client writes
}

// Conn is one Satellite connection's worth of protocol state.
type Conn struct {
	log    zerolog.Logger
	send   Sender
	collab Collaborators
	mux    *rpc.Multiplexer
	subs   *subscription.Manager
	cur    *cursor.Cursor
	outReg *relation.Registry
	inReg  *relation.Registry
	deser  *txlog.Deserializer

	sendMu sync.Mutex

	connCtx    context.Context
	cancelConn context.CancelFunc
	background sync.WaitGroup

	mu                sync.Mutex
	state             State
	identity          string
	cancelReplicate   context.CancelFunc
	closeAfterRespond bool
}

// New constructs a Conn in StateConnected and registers its RPC method
// handlers. send is invoked for every outbound frame, including RPC
// responses; callers typically wire it to a websocket write.
func New(send Sender, deps Collaborators, log zerolog.Logger) *Conn {
	connCtx, cancelConn := context.WithCancel(context.Background())
	c := &Conn{
		log:        log,
		send:       send,
		collab:     deps,
		outReg:     relation.New(),
		inReg:      relation.New(),
		state:      StateConnected,
		connCtx:    connCtx,
		cancelConn: cancelConn,
	}
	c.subs = subscription.New(deps.Cache)
	c.cur = cursor.New(deps.Wal, c.subs)
	c.deser = txlog.NewDeserializer(c.inReg)
	c.mux = rpc.New(c.emit, log)

	requireAuth := func(h rpc.Handler) rpc.Handler {
		return func(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
			if c.State() == StateConnected {
				return nil, errs.New(errs.AuthRequired, "")
			}
			return h(ctx, req)
		}
	}

	c.mux.HandleFunc("authenticate", c.handleAuthenticate)
	c.mux.HandleFunc("startReplication", c.handleStartReplication)
	c.mux.HandleFunc("stopReplication", requireAuth(c.handleStopReplication))
	c.mux.HandleFunc("subscribe", requireAuth(c.handleSubscribe))
	c.mux.HandleFunc("unsubscribe", requireAuth(c.handleUnsubscribe))
	return c
}

func (c *Conn) emit(f wire.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send(f)
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleInbound decodes and routes one inbound transport message. A
// malformed frame or an out-of-band message type is a protocol
// violation: it's reported and the connection is closed (§7).
func (c *Conn) HandleInbound(ctx context.Context, raw []byte) error {
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		c.Close()
		return fmt.Errorf("conn: %w", err)
	}

	switch frame.Type {
	case wire.TypeRpcRequest:
		req, err := wire.UnmarshalRpcRequest(frame.Payload)
		if err != nil {
			c.Close()
			return fmt.Errorf("conn: decode RpcRequest: %w", err)
		}
		c.mux.DispatchRequest(ctx, req)
		c.mu.Lock()
		shouldClose := c.closeAfterRespond
		c.closeAfterRespond = false
		c.mu.Unlock()
		if shouldClose {
			c.Close()
		}
		return nil

	case wire.TypeRpcResponse:
		resp, err := wire.UnmarshalRpcResponse(frame.Payload)
		if err != nil {
			c.Close()
			return fmt.Errorf("conn: decode RpcResponse: %w", err)
		}
		c.mux.DispatchResponse(resp)
		return nil

	case wire.TypeOpLog:
		return c.handleInboundOpLog(ctx, frame.Payload)

	default:
		c.Close()
		return fmt.Errorf("%w: unexpected inbound message type %s", errs.New(errs.Internal, ""), frame.Type)
	}
}

func (c *Conn) handleInboundOpLog(ctx context.Context, payload []byte) error {
	oplog, err := wire.UnmarshalOpLog(payload)
	if err != nil {
		c.Close()
		return fmt.Errorf("conn: decode inbound OpLog: %w", err)
	}
	txs, err := c.deser.Feed(oplog)
	if err != nil {
		c.Close()
		return fmt.Errorf("conn: %w", err)
	}
	if c.collab.WriteSink == nil {
		return nil
	}
	for _, tx := range txs {
		if err := c.collab.WriteSink.Apply(ctx, tx); err != nil {
			c.log.Error().Err(err).Msg("conn: write sink rejected inbound transaction")
		}
	}
	return nil
}

func (c *Conn) handleAuthenticate(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, errs.New(errs.AuthRequired, "already authenticated")
	}
	c.mu.Unlock()

	payload, err := wire.UnmarshalAuthRequest(req.Payload)
	if err != nil {
		return nil, errs.New(errs.InvalidRequest, err.Error())
	}

	headers := make(map[string]string, len(payload.Headers))
	for _, h := range payload.Headers {
		headers[h.Key] = h.Value
	}

	identity, err := c.collab.Auth.Verify(ctx, payload.ID, payload.Token, headers)
	if err != nil {
		c.mu.Lock()
		c.closeAfterRespond = true
		c.mu.Unlock()
		return nil, errs.New(errs.AuthFailed, err.Error())
	}

	c.mu.Lock()
	c.identity = identity
	c.state = StateAuthenticated
	c.mu.Unlock()

	resp := &wire.AuthResponse{ID: identity}
	return resp.Marshal(), nil
}

func (c *Conn) handleStartReplication(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateConnected {
		return nil, errs.New(errs.AuthRequired, "")
	}
	if state == StateReplicating {
		return nil, errs.New(errs.InvalidRequest, "replication already started")
	}

	payload, err := wire.UnmarshalStartReplicationRequest(req.Payload)
	if err != nil {
		return nil, errs.New(errs.InvalidRequest, err.Error())
	}

	if payload.SchemaVersion != "" && c.collab.Cache != nil {
		if _, err := c.collab.Cache.Load(c.identity, payload.SchemaVersion); err != nil {
			if errors.Is(err, collab.ErrUnknownSchemaVersion) {
				return nil, errs.New(errs.UnknownSchemaVsn, payload.SchemaVersion)
			}
			return nil, errs.New(errs.Internal, "")
		}
	}

	startLSN, err := c.cur.Start(cursor.StartRequest{
		LSN:             payload.Lsn,
		SubscriptionIDs: payload.SubscriptionIDs,
		SchemaVersion:   payload.SchemaVersion,
	})
	if err != nil {
		return nil, err
	}

	txCh, err := c.collab.Wal.Subscribe(ctx, startLSN)
	if err != nil {
		return nil, cursor.ValidateResume(err)
	}

	replicateCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.state = StateReplicating
	c.cancelReplicate = cancel
	c.mu.Unlock()

	go c.replicationLoop(replicateCtx, txCh)

	return nil, nil
}

func (c *Conn) replicationLoop(ctx context.Context, txCh <-chan model.Transaction) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-txCh:
			if !ok {
				return
			}
			frames, err := txlog.Serialize(&tx, c.outReg, c.collab.Cache, c.collab.Translator)
			if err != nil {
				c.log.Error().Err(err).Msg("conn: serialize transaction failed")
				continue
			}
			for _, f := range frames {
				if err := c.emit(f); err != nil {
					c.log.Error().Err(err).Msg("conn: emit frame failed, closing")
					c.Close()
					return
				}
			}
			if len(tx.Lsn) > 0 {
				c.cur.Advance(tx.Lsn)
			}
		}
	}
}

func (c *Conn) handleStopReplication(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
	c.mu.Lock()
	if c.state != StateReplicating {
		c.mu.Unlock()
		return nil, errs.New(errs.InvalidRequest, "replication not in progress")
	}
	cancel := c.cancelReplicate
	c.cancelReplicate = nil
	c.state = StateAuthenticated
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil, nil
}

func (c *Conn) handleSubscribe(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReplicating {
		return nil, errs.New(errs.InvalidRequest, "subscribe requires active replication")
	}

	payload, err := wire.UnmarshalSubscribeRequest(req.Payload)
	if err != nil {
		return nil, errs.New(errs.InvalidRequest, err.Error())
	}

	shapeReqs := make([]subscription.ShapeRequest, len(payload.ShapeRequests))
	for i, sr := range payload.ShapeRequests {
		shapeReqs[i] = subscription.ShapeRequest{RequestID: sr.RequestID, TableName: sr.TableName}
	}

	sub, err := c.subs.Subscribe(payload.SubscriptionID, shapeReqs)
	if err != nil {
		return nil, err
	}

	if c.collab.DataSource != nil {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			if err := subscription.Deliver(c.connCtx, c.subs, sub, c.collab.DataSource, c.outReg, c.collab.Cache, c.emit); err != nil {
				c.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("conn: snapshot delivery failed")
			}
		}()
	}

	return []byte(sub.ID), nil
}

func (c *Conn) handleUnsubscribe(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
	payload, err := wire.UnmarshalUnsubscribeRequest(req.Payload)
	if err != nil {
		return nil, errs.New(errs.InvalidRequest, err.Error())
	}
	c.subs.Unsubscribe(payload.SubscriptionIDs)
	return nil, nil
}

// Close transitions the connection to Closed, cancels any in-flight
// replication loop and snapshot-delivery tasks, waits for them to unwind,
// and fails every pending RPC call (§5 "a disconnected transport cancels
// the connection task; all pending RPCs fail, all in-flight snapshot tasks
// for that connection are aborted").
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	cancel := c.cancelReplicate
	c.cancelReplicate = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.cancelConn()
	c.background.Wait()
	c.mux.Close(fmt.Errorf("conn: closed"))
}

// subprotocolPrefix is the fixed prefix of the negotiated transport
// subprotocol string (§4.9, §6): "electric.<major>.<minor>".
const subprotocolPrefix = "electric."

// NegotiateSubprotocol picks the offered subprotocol matching
// supportedMajor exactly and the highest supportedMinor-or-lower minor
// version, per §4.9. It returns ProtoVsnMismatch when no offer matches.
func NegotiateSubprotocol(offered []string, supportedMajor, supportedMinor int) (string, error) {
	best := -1
	var bestOffer string
	for _, o := range offered {
		major, minor, ok := parseSubprotocol(o)
		if !ok || major != supportedMajor || minor > supportedMinor {
			continue
		}
		if minor > best {
			best = minor
			bestOffer = o
		}
	}
	if best < 0 {
		return "", errs.New(errs.ProtoVsnMismatch, fmt.Sprintf("no offered subprotocol matches electric.%d.x", supportedMajor))
	}
	return bestOffer, nil
}

func parseSubprotocol(s string) (major, minor int, ok bool) {
	if !strings.HasPrefix(s, subprotocolPrefix) {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimPrefix(s, subprotocolPrefix), ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}
