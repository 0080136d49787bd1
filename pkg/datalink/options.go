package datalink

import (
	"sync"
	"time"
)

// Role distinguishes the two ends of a reset handshake: a client answers a
// peer's reset indication by resetting its own TX side; a server leaves that
// decision to the application.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// Options configures a Link's window sizes and timers. Construct one with
// NewLink(sink, opts...); the zero value of Options is never used
// directly — defaultOptions is always applied first and overridden by any
// Option passed in.
type Options struct {
	TxWindowSize uint16
	RxWindowSize uint16

	// TxBufferSize caps the total bytes of payload data held across all
	// in-flight TX slots at once, independent of TxWindowSize. Zero means
	// no byte budget is enforced beyond the slot count itself.
	TxBufferSize int

	// TxLinkSize is the minimum free space a Sink must report via
	// SendAvailable (if it implements AvailableSink) before Send will hand
	// it a new DATA frame. Control frames (ACK/NACK) are never held back
	// by this check, so the link can always clear its RX side even while
	// new outbound data is being throttled. Zero disables the check.
	TxLinkSize int

	TxTimeout  time.Duration
	MaxRetries uint

	Role Role

	// Clock supplies the current time for Send's TX slot timestamps.
	// Defaults to time.Now.
	Clock func() time.Time

	// locker, when set via WithLocker, guards every public Link entry
	// point. Defaults to a no-op.
	locker sync.Locker
}

var defaultOptions = Options{
	TxWindowSize: 8,
	RxWindowSize: 8,
	TxTimeout:    500 * time.Millisecond,
	MaxRetries:   4,
	Role:         RoleClient,
}

// Option mutates an Options value at construction time.
type Option func(*Options)

// WithTxWindowSize sets the number of outstanding unacknowledged DATA frames
// the TX side may have in flight at once.
func WithTxWindowSize(n uint16) Option {
	return func(o *Options) { o.TxWindowSize = n }
}

// WithRxWindowSize sets the reorder depth the RX side will buffer ahead of
// next_rx_frame_id before raising an out-of-window NACK.
func WithRxWindowSize(n uint16) Option {
	return func(o *Options) { o.RxWindowSize = n }
}

// WithTxBufferSize bounds the total payload bytes Send will hold across all
// in-flight TX slots at once. Useful when the window is sized for latency
// but the underlying sink has a tighter byte budget than TxWindowSize *
// max-payload would imply.
func WithTxBufferSize(n int) Option {
	return func(o *Options) { o.TxBufferSize = n }
}

// WithTxLinkSize sets the free-space threshold checked against a Sink's
// SendAvailable before Send will push a new DATA frame to it. Has no effect
// if the Sink does not implement AvailableSink.
func WithTxLinkSize(n int) Option {
	return func(o *Options) { o.TxLinkSize = n }
}

// WithTxTimeout sets how long a sent-but-unacked slot waits before process
// retransmits it.
func WithTxTimeout(d time.Duration) Option {
	return func(o *Options) { o.TxTimeout = d }
}

// WithMaxRetries sets how many retransmits a slot tolerates before the link
// is declared disconnected.
func WithMaxRetries(n uint) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithRole sets how the link answers a peer-initiated reset indication.
func WithRole(r Role) Option {
	return func(o *Options) { o.Role = r }
}
