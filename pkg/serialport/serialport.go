// Package serialport adapts a UART device to the byte-oriented Sink/Feed
// contract the framer and data link layers expect: a plain transparent byte
// pipe, with all framing handled by pkg/framer rather than the serial
// driver itself.
package serialport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Config holds the fields needed to open a UART: 8N1 at a fixed baud rate,
// no flow control.
type Config struct {
	Device   string
	BaudRate int

	// OutputBufferBytes sizes the software model of the UART's output FIFO
	// used by SendAvailable. With zero, SendAvailable always reports no free
	// space, so datalink's TxLinkSize gate (when enabled) rejects every new
	// DATA frame; set it whenever a caller wires up TxLinkSize.
	OutputBufferBytes int
}

// Port wraps an open UART and serializes writes, since more than one
// goroutine may call Send concurrently.
type Port struct {
	port        serial.Port
	mu          sync.Mutex
	bufSize     int
	bufUsed     int
	lastSend    time.Time
	bytesPerSec float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens cfg.Device at cfg.BaudRate with 8N1 framing and no
// parity, the UART settings expected by the nRF52 link on the other end.
func Open(cfg Config) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &Port{
		port:        p,
		bufSize:     cfg.OutputBufferBytes,
		bytesPerSec: float64(cfg.BaudRate) / 10, // 8N1: 10 bit-times per byte on the wire
		stopCh:      make(chan struct{}),
	}, nil
}

// Send implements datalink.Sink, writing b to the UART in a single call so
// that the peer never observes a frame split across unrelated writes.
func (p *Port) Send(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
	p.bufUsed += len(b)
	return p.port.Write(b)
}

// SendAvailable implements datalink.AvailableSink, estimating free space in
// the UART's output FIFO from OutputBufferBytes minus what earlier Send
// calls have queued, draining that estimate over time at the configured
// baud rate. It's a software model, not a hardware query: go.bug.st/serial
// has no portable way to ask the OS driver how much of its output buffer is
// still occupied.
func (p *Port) SendAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
	avail := p.bufSize - p.bufUsed
	if avail < 0 {
		return 0
	}
	return avail
}

func (p *Port) drainLocked() {
	if p.lastSend.IsZero() {
		p.lastSend = time.Now()
		return
	}
	now := time.Now()
	elapsed := now.Sub(p.lastSend).Seconds()
	p.lastSend = now
	drained := int(elapsed * p.bytesPerSec)
	p.bufUsed -= drained
	if p.bufUsed < 0 {
		p.bufUsed = 0
	}
}

// Run reads from the UART until Close is called, handing every byte read to
// feed. It is meant to run on its own goroutine, with feed typically being
// a framer.Decoder's Feed method.
func (p *Port) Run(feed func(byte)) error {
	p.wg.Add(1)
	defer p.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-p.stopCh:
			return nil
		default:
		}

		n, err := p.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			select {
			case <-p.stopCh:
				return nil
			default:
				return fmt.Errorf("serial read failed: %w", err)
			}
		}
		for i := 0; i < n; i++ {
			feed(buf[i])
		}
	}
}

// Close stops Run and closes the underlying UART.
func (p *Port) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return p.port.Close()
}
