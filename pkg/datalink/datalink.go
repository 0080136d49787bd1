// Package datalink implements the Go-Back-N style selective-retransmission
// layer riding on top of the framer: a transmit window with timer-driven
// retransmission, a receive reorder window, cumulative ACKs, and an explicit
// reset/connect handshake. It is driven synchronously by its caller (Feed
// for received bytes, Process for timers) rather than by internal
// goroutines, per this stack's single-threaded cooperative core model.
package datalink

import (
	"sync"
	"time"

	"github.com/tinymesh/linkstack/pkg/framer"
	"github.com/tinymesh/linkstack/pkg/linkerr"
)

// Sink is the lower-layer byte transport a Link writes encoded frames to.
type Sink interface {
	Send(b []byte) (int, error)
}

// AvailableSink is an optional capability a Sink can implement to report how
// much buffer space it currently has free. When present, Link consults it
// before handing over a new DATA frame so a constrained transport (a UART
// with a small hardware FIFO, say) isn't handed more than it can accept
// without blocking. Control frames (ACK/NACK) always bypass this check,
// since holding those back would stall the peer's own retransmit logic.
type AvailableSink interface {
	Sink
	SendAvailable() int
}

// Event is an asynchronous upper-layer notification raised by a Link.
type Event uint8

const (
	EventRXResetRequest Event = iota
	EventTXDisconnected
	EventTXConnected
)

func (e Event) String() string {
	switch e {
	case EventRXResetRequest:
		return "RX_RESET_REQUEST"
	case EventTXDisconnected:
		return "TX_DISCONNECTED"
	case EventTXConnected:
		return "TX_CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type state uint8

const (
	stateDisconnected state = iota
	stateResetWait
	stateConnected
)

const frameIDSpace = 1 << 11 // 11-bit frame_id space, matches framer.

// frameIDDelta returns a-b as a signed value in the wrapped 11-bit space,
// positive when a is ahead of b.
func frameIDDelta(a, b uint16) int {
	d := int(a) - int(b)
	if d > frameIDSpace/2 {
		d -= frameIDSpace
	} else if d <= -frameIDSpace/2 {
		d += frameIDSpace
	}
	return d
}

func wrapFrameID(id int) uint16 {
	id %= frameIDSpace
	if id < 0 {
		id += frameIDSpace
	}
	return uint16(id)
}

// PackMetadata packs the transport-facing port addressing fields into the
// 24-bit metadata word carried across the DL/Transport boundary:
// [port_data:16 | seq:2 | port_id:5 | reserved:1].
func PackMetadata(portID uint8, seq framer.Seq, portData uint16) uint32 {
	return uint32(portData) | uint32(seq)<<16 | uint32(portID&0x1F)<<18
}

// UnpackMetadata reverses PackMetadata.
func UnpackMetadata(metadata uint32) (portID uint8, seq framer.Seq, portData uint16) {
	portData = uint16(metadata & 0xFFFF)
	seq = framer.Seq((metadata >> 16) & 0x3)
	portID = uint8((metadata >> 18) & 0x1F)
	return
}

type txSlotState uint8

const (
	txEmpty txSlotState = iota
	txSent
)

type txSlot struct {
	state    txSlotState
	frameID  uint16
	metadata uint32
	payload  []byte
	lastSend time.Time
	retries  uint
}

type rxSlot struct {
	received bool
	frameID  uint16
	metadata uint32
	payload  []byte
}

// Stats tallies local failure counters. Framing and CRC errors are purely
// local to this side of the link: the peer never learns about them, so they
// are only ever visible here, not as a wire event.
type Stats struct {
	FramingErrors  uint64
	Retransmits    uint64
	Disconnects    uint64
	DroppedFrames  uint64 // duplicates / behind-window frames silently dropped
}

// Link is one end of a Go-Back-N data link riding on a Sink and a Framer
// decoder. All exported methods are guarded by the optional Locker supplied
// via WithLocker (a no-op by default), so a caller wiring several layers
// together can share one coarse lock across all of them instead of taking
// one per layer.
type Link struct {
	mu   sync.Locker
	opts Options

	sink Sink
	dec  *framer.Decoder

	st state

	nextTxFrameID uint16
	txBase        uint16
	txSlots       []txSlot

	nextRxFrameID uint16
	rxSlots       []rxSlot

	Stats Stats

	// OnEvent and OnRecv are invoked synchronously, with the Link's lock
	// held if one was supplied.
	OnEvent func(Event)
	OnRecv  func(metadata uint32, payload []byte)
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// NewLink constructs a Link writing encoded frames to sink. Defaults come
// from defaultOptions and are overridden by opts in order.
func NewLink(sink Sink, opts ...Option) *Link {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	locker := o.locker
	if locker == nil {
		locker = noopLocker{}
	}
	l := &Link{
		mu:      locker,
		opts:    o,
		sink:    sink,
		txSlots: make([]txSlot, o.TxWindowSize),
		rxSlots: make([]rxSlot, o.RxWindowSize),
	}
	l.dec = framer.NewDecoder()
	l.dec.OnFrame = l.handleFrame
	l.dec.OnAck = l.handleAck
	l.dec.OnNack = l.handleNack
	l.dec.OnFrameError = l.handleFrameError
	return l
}

// WithLocker overrides the coarse lock used to guard every public entry
// point. Pass the same Locker to every layer in a Stack to share it.
func WithLocker(mu sync.Locker) Option {
	return func(o *Options) { o.locker = mu }
}

// Feed delivers one received byte to the framer decoder. Any OnRecv/OnEvent
// calls it causes run synchronously before it returns; a frame that fills a
// gap in the RX window invokes OnRecv once for it and once for each buffered
// successor it releases.
func (l *Link) Feed(b byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dec.Feed(b)
}

// Send encodes payload under the given 24-bit metadata word and writes it to
// the sink, copying it into the next free TX slot for retransmission.
func (l *Link) Send(metadata uint32, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(payload) == 0 || len(payload) > 256 {
		return linkerr.ErrTooBig
	}
	if l.st == stateDisconnected {
		return linkerr.ErrNotConnected
	}

	idx := l.nextTxFrameID % l.opts.TxWindowSize
	if l.txSlots[idx].state == txSent {
		return linkerr.ErrFull
	}
	if l.opts.TxBufferSize > 0 && l.txBufferedBytes()+len(payload) > l.opts.TxBufferSize {
		return linkerr.ErrFull
	}
	if l.opts.TxLinkSize > 0 {
		if as, ok := l.sink.(AvailableSink); ok && as.SendAvailable() < l.opts.TxLinkSize {
			return linkerr.ErrBusy
		}
	}

	portID, seq, portData := UnpackMetadata(metadata)
	frameID := l.nextTxFrameID
	enc, err := framer.EncodeData(framer.DataFrame{
		FrameID:   frameID,
		Seq:       seq,
		PortID:    portID,
		PortData:  portData,
		MessageID: byte(frameID),
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.txSlots[idx] = txSlot{
		state:    txSent,
		frameID:  frameID,
		metadata: metadata,
		payload:  buf,
		lastSend: l.now(),
	}
	if _, err := l.sink.Send(enc); err != nil {
		return err
	}
	l.nextTxFrameID = wrapFrameID(int(l.nextTxFrameID) + 1)
	return nil
}

// Process drives the TX retransmit timer. It must be called periodically
// (e.g. from an outer event loop tick) with the current time.
func (l *Link) Process(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < int(l.opts.TxWindowSize); i++ {
		frameID := wrapFrameID(int(l.txBase) + i)
		if frameIDDelta(frameID, l.nextTxFrameID) >= 0 {
			break
		}
		idx := frameID % l.opts.TxWindowSize
		slot := &l.txSlots[idx]
		if slot.state != txSent || slot.frameID != frameID {
			continue
		}
		if now.Sub(slot.lastSend) < l.opts.TxTimeout {
			continue
		}
		l.retransmit(slot, now)
		if l.st == stateDisconnected {
			return
		}
	}
}

func (l *Link) retransmit(slot *txSlot, now time.Time) {
	portID, seq, portData := UnpackMetadata(slot.metadata)
	enc, err := framer.EncodeData(framer.DataFrame{
		FrameID:   slot.frameID,
		Seq:       seq,
		PortID:    portID,
		PortData:  portData,
		MessageID: byte(slot.frameID),
		Payload:   slot.payload,
	})
	if err != nil {
		return
	}
	slot.retries++
	slot.lastSend = now
	l.Stats.Retransmits++
	if slot.retries > l.opts.MaxRetries {
		l.disconnect()
		return
	}
	l.sink.Send(enc)
}

// txBufferedBytes sums the payload bytes currently held across all occupied
// TX slots, used to enforce TxBufferSize independent of slot count.
func (l *Link) txBufferedBytes() int {
	n := 0
	for i := range l.txSlots {
		if l.txSlots[i].state == txSent {
			n += len(l.txSlots[i].payload)
		}
	}
	return n
}

func (l *Link) now() time.Time {
	if l.opts.Clock != nil {
		return l.opts.Clock()
	}
	return time.Now()
}

// Reset emits a reset indication to the peer, clears the TX window, and
// enters RESET_WAIT.
func (l *Link) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetLocked()
}

func (l *Link) resetLocked() error {
	enc, err := framer.EncodeNack(0, framer.CauseOutOfWindow, framer.CauseFrameIDReset)
	if err != nil {
		return err
	}
	l.nextTxFrameID = 0
	l.txBase = 0
	for i := range l.txSlots {
		l.txSlots[i] = txSlot{}
	}
	l.st = stateResetWait
	_, err = l.sink.Send(enc)
	return err
}

func (l *Link) disconnect() {
	if l.st == stateDisconnected {
		return
	}
	l.st = stateDisconnected
	l.nextTxFrameID = 0
	l.txBase = 0
	for i := range l.txSlots {
		l.txSlots[i] = txSlot{}
	}
	l.Stats.Disconnects++
	if l.OnEvent != nil {
		l.OnEvent(EventTXDisconnected)
	}
}

func (l *Link) handleAck(frameID uint16) {
	wasResetWait := l.st == stateResetWait
	for frameIDDelta(l.txBase, frameID) <= 0 {
		idx := l.txBase % l.opts.TxWindowSize
		if l.txSlots[idx].state == txSent && l.txSlots[idx].frameID == l.txBase {
			l.txSlots[idx] = txSlot{}
		}
		if l.txBase == frameID {
			l.txBase = wrapFrameID(int(l.txBase) + 1)
			break
		}
		l.txBase = wrapFrameID(int(l.txBase) + 1)
	}
	if wasResetWait {
		l.st = stateConnected
		if l.OnEvent != nil {
			l.OnEvent(EventTXConnected)
		}
	}
}

func (l *Link) handleNack(n framer.NackFrame) {
	switch n.Cause {
	case framer.CauseFrameError:
		idx := n.CauseFrameID % l.opts.TxWindowSize
		slot := &l.txSlots[idx]
		if slot.state == txSent && slot.frameID == n.CauseFrameID && frameIDDelta(n.CauseFrameID, l.txBase) >= 0 {
			l.retransmit(slot, l.now())
		}
	case framer.CauseOutOfWindow:
		if n.CauseFrameID == framer.CauseFrameIDReset {
			l.handleResetIndication()
			return
		}
		l.disconnect()
	}
}

func (l *Link) handleResetIndication() {
	l.nextRxFrameID = 0
	for i := range l.rxSlots {
		l.rxSlots[i] = rxSlot{}
	}
	if l.OnEvent != nil {
		l.OnEvent(EventRXResetRequest)
	}
	// Only answer with our own reset if we are not already resetting;
	// otherwise two client-role peers would volley reset frames forever.
	if l.opts.Role == RoleClient && l.st != stateResetWait {
		l.resetLocked()
	}
}

func (l *Link) handleFrameError(error) {
	l.Stats.FramingErrors++
}

func (l *Link) handleFrame(f framer.DataFrame) {
	meta := PackMetadata(f.PortID, f.Seq, f.PortData)
	delta := frameIDDelta(f.FrameID, l.nextRxFrameID)

	switch {
	case delta == 0:
		l.deliver(f.FrameID, meta, f.Payload)
		l.drainBuffered()
		l.ackCumulative()
	case delta > 0 && delta < int(l.opts.RxWindowSize):
		idx := f.FrameID % l.opts.RxWindowSize
		if l.rxSlots[idx].received && l.rxSlots[idx].frameID == f.FrameID {
			l.Stats.DroppedFrames++
		} else {
			buf := make([]byte, len(f.Payload))
			copy(buf, f.Payload)
			l.rxSlots[idx] = rxSlot{received: true, frameID: f.FrameID, metadata: meta, payload: buf}
		}
		l.sendNack(framer.CauseFrameError, l.nextRxFrameID)
	case delta < 0:
		l.Stats.DroppedFrames++
		l.sendAck(wrapFrameID(int(l.nextRxFrameID) - 1))
	default:
		l.sendNack(framer.CauseOutOfWindow, f.FrameID)
	}
}

func (l *Link) deliver(frameID uint16, metadata uint32, payload []byte) {
	l.nextRxFrameID = wrapFrameID(int(frameID) + 1)
	if l.OnRecv != nil {
		l.OnRecv(metadata, payload)
	}
}

func (l *Link) drainBuffered() {
	for {
		idx := l.nextRxFrameID % l.opts.RxWindowSize
		slot := &l.rxSlots[idx]
		if !slot.received || slot.frameID != l.nextRxFrameID {
			return
		}
		payload := slot.payload
		metadata := slot.metadata
		frameID := slot.frameID
		*slot = rxSlot{}
		l.deliver(frameID, metadata, payload)
	}
}

func (l *Link) ackCumulative() {
	l.sendAck(wrapFrameID(int(l.nextRxFrameID) - 1))
}

func (l *Link) sendAck(frameID uint16) {
	l.sink.Send(framer.EncodeAck(frameID))
}

func (l *Link) sendNack(cause framer.Cause, causeFrameID uint16) {
	enc, err := framer.EncodeNack(l.nextRxFrameID, cause, causeFrameID)
	if err != nil {
		return
	}
	l.sink.Send(enc)
}

// Connect forces the link into CONNECTED without a handshake, for tests and
// for sides that do not require an explicit reset before first use.
func (l *Link) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st = stateConnected
}

// State reports the current connect/reset state for diagnostics.
func (l *Link) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.st {
	case stateDisconnected:
		return "DISCONNECTED"
	case stateResetWait:
		return "RESET_WAIT"
	case stateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}
