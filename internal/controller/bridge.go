package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/blemodbus/internal/frame"
	"github.com/srg/blemodbus/internal/gatt"
	"github.com/srg/blemodbus/internal/profile"
)

const (
	// writeRetryAttempts bounds retries of a characteristic write rejected
	// with the platform's busy class.
	writeRetryAttempts = 3
	writeRetryDelay    = 20 * time.Millisecond

	// rxBufferSize sizes the ring buffer behind Conn. When the buffer is
	// full incoming payloads are dropped; a stalled reader must not stall
	// the BLE notification path.
	rxBufferSize = 4096
)

// TransportBridge tunnels Modbus payloads over the transparent UART
// service: outbound payloads are framed, chunked to the characteristic
// write size, and written with a bounded busy-retry; inbound notifications
// are decoded per notification and fanned out as data events plus an
// io.Reader view for stream consumers.
type TransportBridge struct {
	tr      gatt.Transport
	insp    *Inspection
	emitter *Emitter
	logger  *logrus.Logger

	chunkSize int

	mu       sync.Mutex
	nextTxID uint16
	closed   bool

	rx *ringbuffer.RingBuffer
}

// NewTransportBridge wires a bridge over an inspected session. chunkSize
// <= 0 falls back to the model's characteristic write size.
func NewTransportBridge(tr gatt.Transport, insp *Inspection, emitter *Emitter, chunkSize int, logger *logrus.Logger) *TransportBridge {
	if logger == nil {
		logger = logrus.New()
	}
	if chunkSize <= 0 {
		chunkSize = insp.Descriptor.Limits.WriteChunkSize
	}
	return &TransportBridge{
		tr:        tr,
		insp:      insp,
		emitter:   emitter,
		logger:    logger,
		chunkSize: chunkSize,
		rx:        ringbuffer.New(rxBufferSize).SetBlocking(true),
	}
}

// Write frames one Modbus payload and sends it through the UART tx
// characteristic. The transaction id is assigned here and returned so the
// caller can correlate a later response frame.
func (b *TransportBridge) Write(ctx context.Context, payload []byte) (uint16, error) {
	svcUUID, charUUID, err := b.insp.Char(profile.ServiceUART, profile.CharUARTTx)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrNotOpen
	}
	txID := b.nextTxID
	b.nextTxID++
	b.mu.Unlock()

	buf, err := frame.Encode(txID, frame.ProtocolModbus, payload)
	if err != nil {
		return 0, err
	}

	for _, chunk := range frame.Chunk(buf, b.chunkSize) {
		if err := b.writeChunk(ctx, svcUUID, charUUID, chunk); err != nil {
			return 0, fmt.Errorf("uart write failed (txID %d): %w", txID, err)
		}
	}

	b.logger.WithFields(logrus.Fields{
		"txID": txID,
		"len":  len(payload),
	}).Debug("UART frame written")
	b.emitter.Emit(Event{Kind: EventWrite, Payload: append([]byte(nil), payload...)})
	return txID, nil
}

// writeChunk performs one characteristic write, retrying the busy class a
// bounded number of times.
func (b *TransportBridge) writeChunk(ctx context.Context, svcUUID, charUUID string, chunk []byte) error {
	var err error
	for attempt := 0; attempt < writeRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(writeRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = b.tr.Write(ctx, svcUUID, charUUID, chunk, false)
		if err == nil {
			return nil
		}
		if !errors.Is(gatt.NormalizeError(err), gatt.ErrBusy) {
			return err
		}
		b.logger.WithField("attempt", attempt+1).Debug("UART write busy, retrying")
	}
	return err
}

// WriteControl writes raw bytes to the UART control characteristic.
func (b *TransportBridge) WriteControl(ctx context.Context, data []byte) error {
	svcUUID, charUUID, err := b.insp.Char(profile.ServiceUART, profile.CharUARTControl)
	if err != nil {
		return err
	}
	return b.tr.Write(ctx, svcUUID, charUUID, data, true)
}

// HandleRx consumes one UART rx notification. Each notification must carry
// one complete frame; partial frames are dropped with a warning, there is
// no cross-notification reassembly.
func (b *TransportBridge) HandleRx(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		b.logger.WithError(err).WithField("len", len(data)).Warn("Dropping malformed UART frame")
		return
	}

	b.logger.WithFields(logrus.Fields{
		"txID": f.TransactionID,
		"len":  len(f.Payload),
	}).Debug("UART frame received")

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		if _, err := b.rx.TryWrite(f.Payload); err != nil {
			b.logger.WithError(err).Warn("UART rx buffer full, payload dropped")
		}
	}

	b.emitter.Emit(Event{Kind: EventData, Payload: FrameData{TransactionID: f.TransactionID, Payload: f.Payload}})
}

// HandleControl consumes one UART control notification.
func (b *TransportBridge) HandleControl(data []byte) {
	b.logger.WithField("len", len(data)).Debug("UART control notification")
	b.emitter.Emit(Event{Kind: EventData, Payload: ControlData{Data: append([]byte(nil), data...)}})
}

// Conn returns a stream view of the bridge: reads deliver decoded rx
// payloads in arrival order, writes frame and send one payload each. Used
// to pump a PTY or any other byte-stream consumer.
func (b *TransportBridge) Conn() io.ReadWriteCloser {
	return &bridgeConn{bridge: b}
}

// Close releases the rx buffer, unblocking any pending Conn reads with EOF.
func (b *TransportBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.rx.CloseWriter()
	return nil
}

// FrameData is the payload of data events originating from UART rx frames.
type FrameData struct {
	TransactionID uint16
	Payload       []byte
}

// ControlData is the payload of data events originating from UART control
// notifications.
type ControlData struct {
	Data []byte
}

type bridgeConn struct {
	bridge *TransportBridge
}

func (c *bridgeConn) Read(p []byte) (int, error) {
	return c.bridge.rx.Read(p)
}

func (c *bridgeConn) Write(p []byte) (int, error) {
	if _, err := c.bridge.Write(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *bridgeConn) Close() error {
	return c.bridge.Close()
}
