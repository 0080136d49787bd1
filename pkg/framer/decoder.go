package framer

import (
	"encoding/binary"

	"github.com/tinymesh/linkstack/internal/crc"
	"github.com/tinymesh/linkstack/pkg/linkerr"
)

// Decoder is a byte-at-a-time state machine: one state advanced per Feed
// call, with an internal buffer that grows a frame at a time rather than
// copying into a handful of named fields. Rather than dropping the whole
// buffer and restarting from scratch on any error, this decoder re-searches
// the already-buffered bytes for the next SOF before giving up — so a valid
// frame that starts inside a run of garbage bytes is still found without
// waiting for fresh input.
//
// States (SEARCH_SOF / SEARCH_FRAME_TYPE / STORE_HEADER / STORE_REMAINDER /
// dispatch) are implicit in buf's length rather than named fields, since
// each call to tryParse simply re-derives "how much do we need" from
// len(buf).
type Decoder struct {
	buf    []byte
	inSync bool

	// Exactly one of these fires per accepted frame or resync event.
	OnFrame      func(DataFrame)
	OnAck        func(frameID uint16)
	OnNack       func(NackFrame)
	OnFrameError func(reason error)
}

// NewDecoder returns a Decoder ready to receive bytes via Feed.
func NewDecoder() *Decoder {
	return &Decoder{inSync: true}
}

// InSync reports whether the last input produced a clean parse (true) or is
// still recovering from a framing/CRC error (false).
func (d *Decoder) InSync() bool { return d.inSync }

// Feed processes one received byte, synchronously invoking any callbacks it
// causes. Usually that is at most one; a resync that finds complete frames
// among the already-buffered bytes fires OnFrameError and then one callback
// per recovered frame within the same call.
func (d *Decoder) Feed(b byte) {
	if len(d.buf) == 0 {
		if b != SOF {
			d.raiseError(linkerr.ErrSyncLost)
			return
		}
		d.buf = append(d.buf, b)
		return
	}
	d.buf = append(d.buf, b)
	d.tryParse()
}

// frameKind classifies the top bits of a DATA/ACK/NACK header's first byte.
type frameKind uint8

const (
	kindUnknown frameKind = iota
	kindData
	kindAck
	kindNack
)

func classify(hdr0 byte) frameKind {
	switch {
	case hdr0&0xE0 == 0x00:
		return kindData
	case hdr0&0xF8 == ackTypeBits:
		return kindAck
	case hdr0&0xF8 == nackTypeBits:
		return kindNack
	default:
		return kindUnknown
	}
}

// tryParse attempts to complete a frame from d.buf, which always starts
// with SOF when non-empty. It may consume the buffer (dispatch), wait for
// more bytes (return with buf untouched), or resync (discard a garbage
// prefix and retry).
func (d *Decoder) tryParse() {
	if len(d.buf) < 2 {
		return
	}

	// Two SOF bytes back-to-back: the first was padding, not an error.
	// The second begins a fresh frame attempt.
	if d.buf[1] == SOF {
		d.buf = append(d.buf[:0], d.buf[1:]...)
		d.tryParse()
		return
	}

	switch classify(d.buf[1]) {
	case kindAck:
		d.tryParseAck()
	case kindNack:
		d.tryParseNack()
	case kindData:
		d.tryParseData()
	default:
		d.resync(linkerr.ErrSequence)
	}
}

func (d *Decoder) tryParseAck() {
	if len(d.buf) < ackLen {
		return
	}
	sum := crc.Checksum8(d.buf[1:3])
	if sum != d.buf[3] {
		d.resync(linkerr.ErrMessageIntegrity)
		return
	}
	frameID := uint16(d.buf[1]&0x07)<<8 | uint16(d.buf[2])
	d.consume(ackLen)
	if d.OnAck != nil {
		d.OnAck(frameID)
	}
}

func (d *Decoder) tryParseNack() {
	if len(d.buf) < nackLen {
		return
	}
	sum := crc.Checksum8(d.buf[1:5])
	if sum != d.buf[5] {
		d.resync(linkerr.ErrMessageIntegrity)
		return
	}
	frameID := uint16(d.buf[1]&0x07)<<8 | uint16(d.buf[2])
	cause := Cause(d.buf[3] >> 7)
	causeFrameID := uint16(d.buf[3]&0x7F)<<8 | uint16(d.buf[4])
	d.consume(nackLen)
	if d.OnNack != nil {
		d.OnNack(NackFrame{FrameID: frameID, Cause: cause, CauseFrameID: causeFrameID})
	}
}

func (d *Decoder) tryParseData() {
	if len(d.buf) < 4 {
		return
	}
	payloadLen := int(d.buf[3]) + 1
	total := 1 + dataHeaderLen + payloadLen + 4
	if len(d.buf) < total {
		return
	}

	sum := crc.Checksum32(d.buf[1 : 1+dataHeaderLen+payloadLen])
	want := binary.LittleEndian.Uint32(d.buf[1+dataHeaderLen+payloadLen : total])
	if sum != want {
		d.resync(linkerr.ErrMessageIntegrity)
		return
	}

	frameID := uint16(d.buf[1]&0x07)<<8 | uint16(d.buf[2])
	seq := Seq(d.buf[1] >> 3 & 0x03)
	portID := d.buf[4] & 0x1F
	messageID := d.buf[5]
	portData := binary.LittleEndian.Uint16(d.buf[6:8])
	payload := make([]byte, payloadLen)
	copy(payload, d.buf[8:8+payloadLen])

	d.consume(total)
	if d.OnFrame != nil {
		d.OnFrame(DataFrame{
			FrameID:   frameID,
			Seq:       seq,
			PortID:    portID,
			PortData:  portData,
			MessageID: messageID,
			Payload:   payload,
		})
	}
}

// consume marks a frame as successfully decoded: it drops the consumed
// bytes, resets the error-run tracking, and leaves any trailing bytes
// (already-arrived start of the next frame) in the buffer.
func (d *Decoder) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
	d.inSync = true
}

// raiseError fires OnFrameError at most once per contiguous bad run.
func (d *Decoder) raiseError(reason error) {
	if d.inSync {
		d.inSync = false
		if d.OnFrameError != nil {
			d.OnFrameError(reason)
		}
	}
}

// resync discards the unparseable frame attempt and re-scans the buffered
// bytes for the next SOF, so a valid frame embedded in a garbage run is
// still recovered without needing fresh bytes.
func (d *Decoder) resync(reason error) {
	d.raiseError(reason)

	idx := -1
	for i := 1; i < len(d.buf); i++ {
		if d.buf[i] == SOF {
			idx = i
			break
		}
	}
	if idx == -1 {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[idx:]...)
	d.tryParse()
}
