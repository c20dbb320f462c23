// Package rpc implements the bidirectional RPC multiplexer (C2, §4.2):
// request/response correlation over the single duplex frame stream shared
// with every other message type. Either peer may be the caller or the
// callee for a given method, so one Multiplexer handles both directions.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/arve0/electric/internal/errs"
	"github.com/arve0/electric/internal/wire"
	"github.com/rs/zerolog"
)

// Handler answers one inbound RpcRequest. Returning an *errs.Error sets
// the response's error code and message; any other error is reported as
// errs.Internal with its message suppressed from the wire.
type Handler func(ctx context.Context, req *wire.RpcRequest) (result []byte, err error)

// Sender transmits one frame to the peer. The multiplexer never buffers
// or reorders frames itself — that's the connection layer's job.
type Sender func(wire.Frame) error

type callKey struct {
	method    string
	requestID uint32
}

type pendingCall struct {
	resp chan *wire.RpcResponse
	err  chan error
}

// Multiplexer correlates outbound calls with their responses by
// (method, request_id) and dispatches inbound calls to registered
// handlers, mirroring the symmetric peer design of §4.2.
type Multiplexer struct {
	send Sender
	log  zerolog.Logger

	mu       sync.Mutex
	pending  map[callKey]*pendingCall
	handlers map[string]Handler
}

func New(send Sender, log zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		send:     send,
		log:      log,
		pending:  make(map[callKey]*pendingCall),
		handlers: make(map[string]Handler),
	}
}

// HandleFunc registers the handler invoked for inbound requests naming
// method. Registering twice for the same method replaces the handler.
func (m *Multiplexer) HandleFunc(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// ErrDuplicateRequestID is returned by Call when (method, requestID) is
// already outstanding (§4.2: "duplicates on the same key before a
// response is an error").
var ErrDuplicateRequestID = fmt.Errorf("rpc: duplicate outstanding request id")

// Call sends method/requestID/payload as an RpcRequest and blocks until a
// matching RpcResponse arrives, ctx is cancelled, or the multiplexer is
// torn down via Close.
func (m *Multiplexer) Call(ctx context.Context, method string, requestID uint32, payload []byte) (*wire.RpcResponse, error) {
	key := callKey{method, requestID}

	m.mu.Lock()
	if _, exists := m.pending[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: method=%s request_id=%d", ErrDuplicateRequestID, method, requestID)
	}
	call := &pendingCall{resp: make(chan *wire.RpcResponse, 1), err: make(chan error, 1)}
	m.pending[key] = call
	m.mu.Unlock()

	req := &wire.RpcRequest{Method: method, RequestID: requestID, Payload: payload}
	if err := m.send(wire.Frame{Type: wire.TypeRpcRequest, Payload: req.Marshal()}); err != nil {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("rpc: send request: %w", err)
	}

	select {
	case resp := <-call.resp:
		return resp, nil
	case err := <-call.err:
		return nil, err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// DispatchRequest routes an inbound RpcRequest to its registered handler
// and sends the resulting RpcResponse. An unregistered method answers
// with InvalidRequest rather than hanging the caller.
func (m *Multiplexer) DispatchRequest(ctx context.Context, req *wire.RpcRequest) {
	m.mu.Lock()
	h, ok := m.handlers[req.Method]
	m.mu.Unlock()

	resp := &wire.RpcResponse{Method: req.Method, RequestID: req.RequestID}
	if !ok {
		resp.ErrCode = string(errs.InvalidRequest)
		resp.ErrMessage = fmt.Sprintf("unknown method %q", req.Method)
	} else {
		result, err := h(ctx, req)
		if err != nil {
			var e *errs.Error
			if as, ok := err.(*errs.Error); ok {
				e = as
			} else {
				e = errs.New(errs.Internal, "")
			}
			resp.ErrCode = string(e.Code)
			resp.ErrMessage = e.Message
		} else {
			resp.Ok = true
			resp.Result = result
		}
	}

	if err := m.send(wire.Frame{Type: wire.TypeRpcResponse, Payload: resp.Marshal()}); err != nil {
		m.log.Error().Err(err).Str("method", req.Method).Msg("rpc: send response failed")
	}
}

// DispatchResponse delivers an inbound RpcResponse to the Call waiting on
// its (method, request_id), or drops and logs it when nothing matches
// (§4.2: "responses whose key is unknown are dropped and logged").
func (m *Multiplexer) DispatchResponse(resp *wire.RpcResponse) {
	key := callKey{resp.Method, resp.RequestID}

	m.mu.Lock()
	call, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn().Str("method", resp.Method).Uint32("request_id", resp.RequestID).Msg("rpc: dropping unmatched response")
		return
	}
	call.resp <- resp
}

// Close fails every outstanding call with err, releasing any goroutine
// blocked in Call. Used when the underlying connection is torn down.
func (m *Multiplexer) Close(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[callKey]*pendingCall)
	m.mu.Unlock()

	for _, call := range pending {
		call.err <- err
	}
}
