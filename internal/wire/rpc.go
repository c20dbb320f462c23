package wire

import "google.golang.org/protobuf/encoding/protowire"

// RpcRequest is a method call from either peer (§4.2, C2).
type RpcRequest struct {
	Method    string
	RequestID uint32
	Payload   []byte
}

func (m *RpcRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Method)
	b = appendUint32Field(b, 2, m.RequestID)
	b = appendBytesField(b, 3, m.Payload)
	return b
}

func UnmarshalRpcRequest(b []byte) (*RpcRequest, error) {
	m := &RpcRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.Method = v
			return n, err
		case 2:
			v, n, err := consumeVarintValue(val)
			m.RequestID = uint32(v)
			return n, err
		case 3:
			v, n, err := consumeBytesValue(val)
			m.Payload = v
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RpcResponse echoes the originating method and request id, carrying
// either a success payload or a typed error code (§4.2).
type RpcResponse struct {
	Method     string
	RequestID  uint32
	Ok         bool
	Result     []byte
	ErrCode    string
	ErrMessage string
}

func (m *RpcResponse) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Method)
	b = appendUint32Field(b, 2, m.RequestID)
	b = appendBoolField(b, 3, m.Ok)
	if m.Ok {
		b = appendBytesField(b, 4, m.Result)
	} else {
		b = appendStringField(b, 5, m.ErrCode)
		b = appendStringField(b, 6, m.ErrMessage)
	}
	return b
}

func UnmarshalRpcResponse(b []byte) (*RpcResponse, error) {
	m := &RpcResponse{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.Method = v
			return n, err
		case 2:
			v, n, err := consumeVarintValue(val)
			m.RequestID = uint32(v)
			return n, err
		case 3:
			v, n, err := consumeVarintValue(val)
			m.Ok = protowire.DecodeBool(v)
			return n, err
		case 4:
			v, n, err := consumeBytesValue(val)
			m.Result = v
			return n, err
		case 5:
			v, n, err := consumeStringValue(val)
			m.ErrCode = v
			return n, err
		case 6:
			v, n, err := consumeStringValue(val)
			m.ErrMessage = v
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
