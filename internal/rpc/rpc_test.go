package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arve0/electric/internal/errs"
	"github.com/arve0/electric/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// loopback wires two multiplexers together as if they were opposite ends
// of one connection, without any real transport in between.
func loopback(t *testing.T) (client, server *Multiplexer) {
	t.Helper()
	log := zerolog.Nop()
	client = New(func(f wire.Frame) error {
		route(server, f)
		return nil
	}, log)
	server = New(func(f wire.Frame) error {
		route(client, f)
		return nil
	}, log)
	return client, server
}

func route(to *Multiplexer, f wire.Frame) {
	switch f.Type {
	case wire.TypeRpcRequest:
		req, err := wire.UnmarshalRpcRequest(f.Payload)
		if err != nil {
			panic(err)
		}
		go to.DispatchRequest(context.Background(), req)
	case wire.TypeRpcResponse:
		resp, err := wire.UnmarshalRpcResponse(f.Payload)
		if err != nil {
			panic(err)
		}
		to.DispatchResponse(resp)
	}
}

func TestCallRoundTripsThroughHandler(t *testing.T) {
	client, server := loopback(t)
	server.HandleFunc("echo", func(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
		return req.Payload, nil
	})

	resp, err := client.Call(context.Background(), "echo", 1, []byte("hi"))
	require.NoError(t, err)
	require.True(t, resp.Ok)
	require.Equal(t, []byte("hi"), resp.Result)
}

func TestCallReturnsTypedErrorCode(t *testing.T) {
	client, server := loopback(t)
	server.HandleFunc("authenticate", func(ctx context.Context, req *wire.RpcRequest) ([]byte, error) {
		return nil, errs.New(errs.AuthFailed, "bad token")
	})

	resp, err := client.Call(context.Background(), "authenticate", 1, nil)
	require.NoError(t, err)
	require.False(t, resp.Ok)
	require.Equal(t, string(errs.AuthFailed), resp.ErrCode)
}

func TestUnknownMethodAnswersInvalidRequest(t *testing.T) {
	client, _ := loopback(t)
	resp, err := client.Call(context.Background(), "nope", 1, nil)
	require.NoError(t, err)
	require.False(t, resp.Ok)
	require.Equal(t, string(errs.InvalidRequest), resp.ErrCode)
}

func TestDuplicateRequestIDBeforeResponseErrors(t *testing.T) {
	log := zerolog.Nop()
	blocked := make(chan struct{})
	var client *Multiplexer
	client = New(func(f wire.Frame) error {
		<-blocked // never respond, simulating an in-flight call
		return nil
	}, log)

	go client.Call(context.Background(), "subscribe", 7, nil)
	time.Sleep(10 * time.Millisecond)

	_, err := client.Call(context.Background(), "subscribe", 7, nil)
	require.ErrorIs(t, err, ErrDuplicateRequestID)
	close(blocked)
}

func TestUnmatchedResponseIsDroppedNotPanicked(t *testing.T) {
	log := zerolog.Nop()
	m := New(func(f wire.Frame) error { return nil }, log)
	m.DispatchResponse(&wire.RpcResponse{Method: "ghost", RequestID: 99, Ok: true})
}

func TestCloseFailsPendingCallWithGivenError(t *testing.T) {
	log := zerolog.Nop()
	m := New(func(f wire.Frame) error { return nil }, log) // never routed to a peer

	resultCh := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), "subscribe", 1, nil)
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	closeErr := errors.New("connection torn down")
	m.Close(closeErr)

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, closeErr)
	case <-time.After(time.Second):
		t.Fatal("Call did not return after Close")
	}
}

func TestCallTimesOutOnContextCancellation(t *testing.T) {
	log := zerolog.Nop()
	m := New(func(f wire.Frame) error { return nil }, log) // never routed to a peer
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Call(ctx, "subscribe", 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
