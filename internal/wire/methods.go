package wire

import "google.golang.org/protobuf/encoding/protowire"

// HeaderField is one key/value pair of an AuthRequest's headers (§6.4).
type HeaderField struct {
	Key   string
	Value string
}

func (h *HeaderField) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, h.Key)
	b = appendStringField(b, 2, h.Value)
	return b
}

func unmarshalHeaderField(b []byte) (*HeaderField, error) {
	h := &HeaderField{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			h.Key = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			h.Value = v
			return n, err
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AuthRequest is the payload of an "authenticate" RpcRequest (§6.4).
type AuthRequest struct {
	ID      string
	Token   string
	Headers []HeaderField
}

func (m *AuthRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.ID)
	b = appendStringField(b, 2, m.Token)
	for i := range m.Headers {
		b = appendMessageField(b, 3, m.Headers[i].Marshal())
	}
	return b
}

func UnmarshalAuthRequest(b []byte) (*AuthRequest, error) {
	m := &AuthRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.ID = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.Token = v
			return n, err
		case 3:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			h, err := unmarshalHeaderField(v)
			if err != nil {
				return 0, err
			}
			m.Headers = append(m.Headers, *h)
			return n, nil
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AuthResponse is the success payload of an "authenticate" RpcResponse.
type AuthResponse struct {
	ID string
}

func (m *AuthResponse) Marshal() []byte {
	return appendStringField(nil, 1, m.ID)
}

func UnmarshalAuthResponse(b []byte) (*AuthResponse, error) {
	m := &AuthResponse{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.ID = v
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

// StartReplicationRequest is the payload of a "startReplication"
// RpcRequest (§4.8).
type StartReplicationRequest struct {
	Lsn             []byte
	SubscriptionIDs []string
	SchemaVersion   string
}

func (m *StartReplicationRequest) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Lsn)
	for _, id := range m.SubscriptionIDs {
		b = appendStringField(b, 2, id)
	}
	b = appendStringField(b, 3, m.SchemaVersion)
	return b
}

func UnmarshalStartReplicationRequest(b []byte) (*StartReplicationRequest, error) {
	m := &StartReplicationRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytesValue(val)
			m.Lsn = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.SubscriptionIDs = append(m.SubscriptionIDs, v)
			return n, err
		case 3:
			v, n, err := consumeStringValue(val)
			m.SchemaVersion = v
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

// ShapeSelectRequest is one table selection within a subscribe request.
type ShapeSelectRequest struct {
	RequestID string
	TableName string
}

func (m *ShapeSelectRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.RequestID)
	b = appendStringField(b, 2, m.TableName)
	return b
}

func unmarshalShapeSelectRequest(b []byte) (*ShapeSelectRequest, error) {
	m := &ShapeSelectRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.RequestID = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.TableName = v
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

// SubscribeRequest is the payload of a "subscribe" RpcRequest (§4.7).
type SubscribeRequest struct {
	SubscriptionID string
	ShapeRequests  []ShapeSelectRequest
}

func (m *SubscribeRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.SubscriptionID)
	for i := range m.ShapeRequests {
		b = appendMessageField(b, 2, m.ShapeRequests[i].Marshal())
	}
	return b
}

func UnmarshalSubscribeRequest(b []byte) (*SubscribeRequest, error) {
	m := &SubscribeRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.SubscriptionID = v
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			sr, err := unmarshalShapeSelectRequest(v)
			if err != nil {
				return 0, err
			}
			m.ShapeRequests = append(m.ShapeRequests, *sr)
			return n, nil
		default:
			return skipField(num, typ, val)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UnsubscribeRequest is the payload of an "unsubscribe" RpcRequest (§4.7).
type UnsubscribeRequest struct {
	SubscriptionIDs []string
}

func (m *UnsubscribeRequest) Marshal() []byte {
	var b []byte
	for _, id := range m.SubscriptionIDs {
		b = appendStringField(b, 1, id)
	}
	return b
}

func UnmarshalUnsubscribeRequest(b []byte) (*UnsubscribeRequest, error) {
	m := &UnsubscribeRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.SubscriptionIDs = append(m.SubscriptionIDs, v)
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
