package transport

import (
	"encoding/json"
)

// ManagementOp identifies an operation carried in port 0 port_data.
type ManagementOp uint8

const (
	OpStatus ManagementOp = iota
	OpEcho
	OpTimeSync
	OpMeta
)

const requestResponseBit uint16 = 1 << 15

// packPortData encodes an 8-bit operation code plus a request/response bit
// into port 0's 16-bit port_data field, so a response can be told apart
// from the request that triggered it without a separate port.
func packPortData(op ManagementOp, isResponse bool) uint16 {
	v := uint16(op)
	if isResponse {
		v |= requestResponseBit
	}
	return v
}

func unpackPortData(portData uint16) (op ManagementOp, isResponse bool) {
	return ManagementOp(portData &^ requestResponseBit), portData&requestResponseBit != 0
}

// StatusReport is the payload of an OpStatus response.
type StatusReport struct {
	State       string `json:"state"`
	Retransmits uint64 `json:"retransmits"`
	Disconnects uint64 `json:"disconnects"`
}

// PortMeta is one entry of an OpMeta enumeration response.
type PortMeta struct {
	PortID uint8  `json:"port_id"`
	Meta   string `json:"meta"`
}

// ManagementHandler answers port 0 requests. StatusFn, TimeNowMs and
// ListPorts are each optional; a nil function yields an empty response of the
// right shape rather than an error, since absent introspection data is not
// itself a protocol failure.
type ManagementHandler struct {
	t *Transport

	StatusFn   func() StatusReport
	TimeNowMs  func() uint32
	ListPorts  func() []PortMeta
}

// NewManagementHandler registers itself on port 0 of t and returns the
// handler so its Fn fields can be filled in by the caller.
func NewManagementHandler(t *Transport) (*ManagementHandler, error) {
	m := &ManagementHandler{t: t}
	h := &Handler{
		MetaJSON: `{"name":"management"}`,
		OnRecv:   m.handle,
	}
	if err := t.Register(managementPort, h); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ManagementHandler) handle(portData uint16, payload []byte) {
	op, isResponse := unpackPortData(portData)
	if isResponse {
		return // responses are not re-answered
	}

	switch op {
	case OpStatus:
		var report StatusReport
		if m.StatusFn != nil {
			report = m.StatusFn()
		}
		m.respond(OpStatus, report)
	case OpEcho:
		m.t.Send(managementPort, packPortData(OpEcho, true), payload)
	case OpTimeSync:
		var now uint32
		if m.TimeNowMs != nil {
			now = m.TimeNowMs()
		}
		buf := []byte{byte(now), byte(now >> 8), byte(now >> 16), byte(now >> 24)}
		m.t.Send(managementPort, packPortData(OpTimeSync, true), buf)
	case OpMeta:
		ports := []PortMeta{}
		if m.ListPorts != nil {
			ports = m.ListPorts()
		}
		m.respond(OpMeta, ports)
	}
}

func (m *ManagementHandler) respond(op ManagementOp, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.t.Send(managementPort, packPortData(op, true), buf)
}

// ListPorts is a convenience ListPorts implementation reading registered
// handlers' MetaJSON directly off t.
func (t *Transport) ListPorts() []PortMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PortMeta
	for i, h := range t.handlers {
		if h == nil {
			continue
		}
		out = append(out, PortMeta{PortID: uint8(i), Meta: h.MetaJSON})
	}
	return out
}
