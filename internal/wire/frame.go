// Package wire implements the frame codec (C1) and the protocol message
// catalog. Every message that crosses the Satellite connection is a
// <type:u8><payload:bytes> frame; the transport (a WebSocket connection,
// see internal/server) already delivers whole payload-sized frames, so this
// package never does its own length-prefixing — only field-tagged encoding
// of the payload itself, using the protobuf wire format's low-level
// primitives (google.golang.org/protobuf/encoding/protowire).
package wire

import "fmt"

// MessageType is the closed enumeration of top-level message kinds (§4.1).
type MessageType byte

const (
	TypeRpcRequest MessageType = iota + 1
	TypeRpcResponse
	TypeOpLog
	TypeRelation
	TypeSubsDataBegin
	TypeSubsDataEnd
	TypeShapeDataBegin
	TypeShapeDataEnd
	TypeSubsDataError
)

func (t MessageType) String() string {
	switch t {
	case TypeRpcRequest:
		return "RpcRequest"
	case TypeRpcResponse:
		return "RpcResponse"
	case TypeOpLog:
		return "OpLog"
	case TypeRelation:
		return "Relation"
	case TypeSubsDataBegin:
		return "SubsDataBegin"
	case TypeSubsDataEnd:
		return "SubsDataEnd"
	case TypeShapeDataBegin:
		return "ShapeDataBegin"
	case TypeShapeDataEnd:
		return "ShapeDataEnd"
	case TypeSubsDataError:
		return "SubsDataError"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

func (t MessageType) valid() bool {
	return t >= TypeRpcRequest && t <= TypeSubsDataError
}

// ErrMalformedFrame is returned for an unknown type byte or a truncated
// payload — both are fatal protocol violations for the connection (§7).
var ErrMalformedFrame = fmt.Errorf("wire: malformed frame")

// Frame is a decoded top-level message: a type tag plus its raw,
// still-encoded payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// EncodeFrame prepends the type byte to an already-encoded payload.
func EncodeFrame(t MessageType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// DecodeFrame splits a raw transport message into its type tag and
// payload. It does not decode the payload itself.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	t := MessageType(b[0])
	if !t.valid() {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, b[0])
	}
	return Frame{Type: t, Payload: b[1:]}, nil
}
