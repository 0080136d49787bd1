// Package transport multiplexes a single datalink.Link across 32 logical
// ports, segmenting messages over 256 bytes into START/MIDDLE/STOP frames
// and reassembling them on receipt.
package transport

import (
	"sync"

	"github.com/tinymesh/linkstack/pkg/datalink"
	"github.com/tinymesh/linkstack/pkg/framer"
	"github.com/tinymesh/linkstack/pkg/linkerr"
)

const (
	numPorts       = 32
	managementPort = 0
	maxFrameLoad   = 256
)

// Handler is installed on a port via Register.
type Handler struct {
	// MetaJSON describes this port's purpose; advertised by the port 0
	// META operation.
	MetaJSON string
	// OnEvent reports reassembly failures local to this port (out-of-order
	// segment sequences, mismatched port_data mid-message).
	OnEvent func(err error)
	// OnRecv delivers one fully reassembled message.
	OnRecv func(portData uint16, payload []byte)
}

type scratchState uint8

const (
	scratchEmpty scratchState = iota
	scratchCollecting
)

type scratch struct {
	state    scratchState
	portData uint16
	buf      []byte
}

// Transport multiplexes ports over one Link. Feed, Register and ListPorts
// take the Transport's own mutex, which is separate from any Locker given to
// the Link via datalink.WithLocker; Send takes no lock of its own.
type Transport struct {
	mu   sync.Mutex
	link Link

	handlers [numPorts]*Handler
	rx       [numPorts]scratch
}

// Link is the subset of *datalink.Link that Transport drives; satisfied by
// *datalink.Link directly.
type Link interface {
	Send(metadata uint32, payload []byte) error
}

// New constructs a Transport driving link. Wire link.OnRecv to Feed before
// use so incoming frames reach port handlers.
func New(link Link) *Transport {
	t := &Transport{link: link}
	return t
}

// Feed is wired as the underlying datalink.Link's OnRecv callback.
func (t *Transport) Feed(metadata uint32, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	portID, seq, portData := datalink.UnpackMetadata(metadata)
	if portID >= numPorts {
		return
	}
	t.reassemble(portID, seq, portData, payload)
}

// Register installs h on portID, replacing any existing handler.
func (t *Transport) Register(portID uint8, h *Handler) error {
	if portID >= numPorts {
		return linkerr.ErrParameterInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[portID] = h
	t.rx[portID] = scratch{}
	return nil
}

// Send transmits payload on portID under portData, segmenting it into
// START/MIDDLE/STOP frames when it exceeds the single-frame payload limit.
func (t *Transport) Send(portID uint8, portData uint16, payload []byte) error {
	if portID >= numPorts {
		return linkerr.ErrParameterInvalid
	}
	if len(payload) == 0 {
		return linkerr.ErrParameterInvalid
	}

	if len(payload) <= maxFrameLoad {
		meta := datalink.PackMetadata(portID, framer.SeqSingle, portData)
		return t.link.Send(meta, payload)
	}

	for off := 0; off < len(payload); off += maxFrameLoad {
		end := off + maxFrameLoad
		if end > len(payload) {
			end = len(payload)
		}
		var seq framer.Seq
		switch {
		case off == 0:
			seq = framer.SeqStart
		case end == len(payload):
			seq = framer.SeqStop
		default:
			seq = framer.SeqMiddle
		}
		meta := datalink.PackMetadata(portID, seq, portData)
		if err := t.link.Send(meta, payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) reassemble(portID uint8, seq framer.Seq, portData uint16, payload []byte) {
	h := t.handlers[portID]
	s := &t.rx[portID]

	switch seq {
	case framer.SeqSingle:
		*s = scratch{}
		t.deliver(h, portData, payload)
	case framer.SeqStart:
		buf := make([]byte, len(payload))
		copy(buf, payload)
		*s = scratch{state: scratchCollecting, portData: portData, buf: buf}
	case framer.SeqMiddle:
		if s.state != scratchCollecting || s.portData != portData {
			*s = scratch{}
			t.raiseError(h, linkerr.ErrSequence)
			return
		}
		s.buf = append(s.buf, payload...)
	case framer.SeqStop:
		if s.state != scratchCollecting || s.portData != portData {
			*s = scratch{}
			t.raiseError(h, linkerr.ErrSequence)
			return
		}
		s.buf = append(s.buf, payload...)
		buf := s.buf
		*s = scratch{}
		t.deliver(h, portData, buf)
	}
}

func (t *Transport) deliver(h *Handler, portData uint16, payload []byte) {
	if h == nil || h.OnRecv == nil {
		return
	}
	h.OnRecv(portData, payload)
}

func (t *Transport) raiseError(h *Handler, err error) {
	if h == nil || h.OnEvent == nil {
		return
	}
	h.OnEvent(err)
}
