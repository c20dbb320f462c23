package wire

import "google.golang.org/protobuf/encoding/protowire"

// SubsDataBegin opens the initial-snapshot bracket for a subscription
// (§4.7 step 1). Lsn is the position the snapshot is consistent at; it may
// duplicate an immediately preceding transaction's LSN.
type SubsDataBegin struct {
	SubscriptionID string
	Lsn            []byte
}

func (m *SubsDataBegin) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.SubscriptionID)
	b = appendBytesField(b, 2, m.Lsn)
	return b
}

func UnmarshalSubsDataBegin(b []byte) (*SubsDataBegin, error) {
	m := &SubsDataBegin{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.SubscriptionID = v
			return n, err
		case 2:
			v, n, err := consumeBytesValue(val)
			m.Lsn = v
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

// SubsDataEnd closes a successful initial-snapshot bracket. It carries no
// fields.
type SubsDataEnd struct{}

func (m *SubsDataEnd) Marshal() []byte { return nil }

func UnmarshalSubsDataEnd(b []byte) (*SubsDataEnd, error) {
	return &SubsDataEnd{}, nil
}

// ShapeDataBegin opens one shape's row run within a subscription snapshot
// (§4.7 step 2).
type ShapeDataBegin struct {
	RequestID string
	UUID      string
}

func (m *ShapeDataBegin) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.RequestID)
	b = appendStringField(b, 2, m.UUID)
	return b
}

func UnmarshalShapeDataBegin(b []byte) (*ShapeDataBegin, error) {
	m := &ShapeDataBegin{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.RequestID = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.UUID = v
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

// ShapeDataEnd closes one shape's row run. It carries no fields.
type ShapeDataEnd struct{}

func (m *ShapeDataEnd) Marshal() []byte { return nil }

func UnmarshalShapeDataEnd(b []byte) (*ShapeDataEnd, error) {
	return &ShapeDataEnd{}, nil
}

// ShapeFieldError describes one failed shape within a stream-embedded
// SHAPE_DELIVERY_ERROR (§6). Subscribe-time SHAPE_REQUEST_ERRORs do not
// use it; they travel in the RpcResponse error message.
type ShapeFieldError struct {
	RequestID string
	Code      string
	Message   string
}

func (m *ShapeFieldError) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.RequestID)
	b = appendStringField(b, 2, m.Code)
	b = appendStringField(b, 3, m.Message)
	return b
}

func unmarshalShapeFieldError(b []byte) (*ShapeFieldError, error) {
	m := &ShapeFieldError{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.RequestID = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.Code = v
			return n, err
		case 3:
			v, n, err := consumeStringValue(val)
			m.Message = v
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

// SubsDataError replaces SubsDataEnd when snapshot delivery fails (§4.7,
// §7). The subscription transitions to Cancelled on receipt.
type SubsDataError struct {
	Code            string
	SubscriptionID  string
	ShapeErrors     []ShapeFieldError
}

func (m *SubsDataError) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Code)
	b = appendStringField(b, 2, m.SubscriptionID)
	for i := range m.ShapeErrors {
		b = appendMessageField(b, 3, m.ShapeErrors[i].Marshal())
	}
	return b
}

func UnmarshalSubsDataError(b []byte) (*SubsDataError, error) {
	m := &SubsDataError{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeStringValue(val)
			m.Code = v
			return n, err
		case 2:
			v, n, err := consumeStringValue(val)
			m.SubscriptionID = v
			return n, err
		case 3:
			v, n, err := consumeBytesValue(val)
			if err != nil {
				return 0, err
			}
			fe, err := unmarshalShapeFieldError(v)
			if err != nil {
				return 0, err
			}
			m.ShapeErrors = append(m.ShapeErrors, *fe)
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
