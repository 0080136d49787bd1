// Package framer implements the SOF-delimited wire format: DATA frames
// carrying a 32-bit CRC payload, and ACK/NACK control frames carrying an
// 8-bit CRC. It is the bottom layer of the stack — pure encode/decode plus
// byte-by-byte resynchronization, with no notion of windows or retries.
//
// Wire format (bit-exact), little-endian throughout:
//
//	DATA:  SOF | hdr(7B) | payload(1..256B) | CRC32
//	       hdr[0] = type(3)=000 | seq(2) | frame_id_hi(3)
//	       hdr[1] = frame_id_lo
//	       hdr[2] = payload_length - 1
//	       hdr[3] = reserved(3) | port_id(5)
//	       hdr[4] = message_id
//	       hdr[5] = port_data_lo
//	       hdr[6] = port_data_hi
//	       CRC32 is computed over every byte after SOF except the footer.
//	ACK:   SOF | 0x98|frame_id_hi | frame_id_lo | CRC8
//	NACK:  SOF | 0xD8|frame_id_hi | frame_id_lo | cause_bit|cause_frame_id_hi | cause_frame_id_lo | CRC8
//	       CRC8 is the low byte of the same CRC-32 computed over the header
//	       bytes (everything between SOF and the CRC byte).
//
// The field layout above is authoritative and round-trips exactly; treat it
// as the source of truth over any prose description elsewhere.
package framer

import (
	"encoding/binary"

	"github.com/tinymesh/linkstack/internal/crc"
	"github.com/tinymesh/linkstack/pkg/linkerr"
)

// SOF marks the first byte of every framed unit.
const SOF byte = 0x55

// Seq tags a DATA frame's place in a segmented message.
type Seq uint8

const (
	SeqMiddle Seq = 0
	SeqStop   Seq = 1
	SeqStart  Seq = 2
	SeqSingle Seq = 3
)

func (s Seq) String() string {
	switch s {
	case SeqMiddle:
		return "MIDDLE"
	case SeqStop:
		return "STOP"
	case SeqStart:
		return "START"
	case SeqSingle:
		return "SINGLE"
	default:
		return "INVALID"
	}
}

// Cause explains why a NACK was raised.
type Cause uint8

const (
	CauseFrameError   Cause = 0
	CauseOutOfWindow  Cause = 1
)

// CauseFrameIDReset is the sentinel cause_frame_id value carried on a NACK
// with CauseOutOfWindow that represents a reset indication rather than an
// ordinary out-of-window complaint. cause_frame_id is a 15-bit wire field
// (7 bits alongside the cause bit, plus a low byte); this is that field's
// all-ones value, approximating the reference design's informal "0xFFFF"
// sentinel within the bits actually available on the wire.
const CauseFrameIDReset uint16 = 0x7FFF

const (
	maxFrameID      = 1 << 11 // frame_id wraps mod 2048
	maxPortID       = 1 << 5
	maxCauseFrameID = 1 << 15
	minPayloadLen   = 1
	maxPayloadLen   = 256

	dataHeaderLen = 7 // bytes after SOF, before payload
	ackLen        = 4 // SOF + 2 header bytes + CRC8
	nackLen       = 6 // SOF + 4 header bytes + CRC8

	ackTypeBits  = 0x98 // 1001 1xxx
	nackTypeBits = 0xD8 // 1101 1xxx
)

// DataFrame is a decoded DATA frame.
type DataFrame struct {
	FrameID   uint16 // 11 bits, mod 2048
	Seq       Seq
	PortID    uint8 // 5 bits, 0..31
	PortData  uint16
	MessageID uint8
	Payload   []byte // 1..256 bytes
}

// NackFrame is a decoded NACK frame.
type NackFrame struct {
	FrameID      uint16
	Cause        Cause
	CauseFrameID uint16 // 15 bits
}

func normalizeFrameID(id uint16) uint16 { return id % maxFrameID }

// EncodeData renders f as a DATA frame. It fails with linkerr.ErrTooBig if
// the payload is empty or exceeds 256 bytes, and linkerr.ErrParameterInvalid
// if port_id exceeds 5 bits.
func EncodeData(f DataFrame) ([]byte, error) {
	n := len(f.Payload)
	if n < minPayloadLen || n > maxPayloadLen {
		return nil, linkerr.ErrTooBig
	}
	if f.PortID >= maxPortID {
		return nil, linkerr.ErrParameterInvalid
	}

	id := normalizeFrameID(f.FrameID)
	out := make([]byte, 1+dataHeaderLen+n+4)
	out[0] = SOF
	out[1] = byte(f.Seq)<<3 | byte(id>>8)
	out[2] = byte(id)
	out[3] = byte(n - 1)
	out[4] = f.PortID
	out[5] = f.MessageID
	binary.LittleEndian.PutUint16(out[6:8], f.PortData)
	copy(out[8:8+n], f.Payload)

	sum := crc.Checksum32(out[1 : 8+n])
	binary.LittleEndian.PutUint32(out[8+n:8+n+4], sum)
	return out, nil
}

// EncodeAck renders an ACK frame acknowledging frameID.
func EncodeAck(frameID uint16) []byte {
	id := normalizeFrameID(frameID)
	out := make([]byte, ackLen)
	out[0] = SOF
	out[1] = ackTypeBits | byte(id>>8)
	out[2] = byte(id)
	out[3] = crc.Checksum8(out[1:3])
	return out
}

// EncodeNack renders a NACK frame for frameID with the given cause.
func EncodeNack(frameID uint16, cause Cause, causeFrameID uint16) ([]byte, error) {
	if causeFrameID >= maxCauseFrameID {
		return nil, linkerr.ErrParameterInvalid
	}
	id := normalizeFrameID(frameID)
	out := make([]byte, nackLen)
	out[0] = SOF
	out[1] = nackTypeBits | byte(id>>8)
	out[2] = byte(id)
	out[3] = byte(cause)<<7 | byte(causeFrameID>>8)
	out[4] = byte(causeFrameID)
	out[5] = crc.Checksum8(out[1:5])
	return out, nil
}
