// Package frame implements the UART tunneling codec used by the bridge
// dongle: a 6-byte big-endian header (transaction id, protocol id, payload
// length) followed by the payload, plus the fixed-size chunking required to
// push outgoing buffers through GATT characteristic writes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLength is the fixed size of the frame header in bytes.
	HeaderLength = 6

	// DefaultChunkSize is the characteristic write size negotiated by most
	// peripherals (the classic 20-byte ATT default).
	DefaultChunkSize = 20

	// ProtocolModbus identifies a Modbus PDU payload.
	ProtocolModbus uint16 = 0x0000

	// MinModbusPayload is the smallest semantically valid Modbus payload
	// (unit id + function code). Shorter payloads still encode; the
	// peripheral rejects them.
	MinModbusPayload = 2

	// MaxPayload is the largest payload accepted by every observed firmware
	// revision. Firmwares differ (120..250 bytes) and an oversize payload is
	// silently discarded by the peripheral, so the codec rejects anything
	// above the conservative bound locally.
	MaxPayload = 120
)

var (
	// ErrIncomplete indicates the buffer does not yet hold a full frame.
	// Each notification is decoded independently; the codec does not buffer
	// partial frames across notifications.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrPayloadTooLarge indicates the payload exceeds MaxPayload. The
	// peripheral would drop such a frame without any error response, so the
	// codec fails fast instead.
	ErrPayloadTooLarge = errors.New("payload exceeds peripheral maximum")
)

// Frame is one transaction unit of the tunneling protocol.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16
	Payload       []byte
}

// Encode assembles the header and payload into wire bytes.
func Encode(transactionID, protocolID uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	buf := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], transactionID)
	binary.BigEndian.PutUint16(buf[2:4], protocolID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[HeaderLength:], payload)

	return buf, nil
}

// Decode parses a frame out of buf. It returns ErrIncomplete when fewer than
// HeaderLength bytes are present or the declared payload length exceeds the
// available bytes. Trailing bytes beyond the declared length are ignored.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderLength {
		return Frame{}, fmt.Errorf("%w: %d of %d header bytes", ErrIncomplete, len(buf), HeaderLength)
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
	if len(buf) < HeaderLength+payloadLen {
		return Frame{}, fmt.Errorf("%w: payload %d declared, %d available",
			ErrIncomplete, payloadLen, len(buf)-HeaderLength)
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderLength:HeaderLength+payloadLen])

	return Frame{
		TransactionID: binary.BigEndian.Uint16(buf[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(buf[2:4]),
		Payload:       payload,
	}, nil
}

// Chunk splits buf into size-byte pieces, preserving order. The final chunk
// may be shorter. Chunks alias buf; callers must not retain them past the
// write they feed. size values below 1 fall back to DefaultChunkSize.
func Chunk(buf []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(buf) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(buf)+size-1)/size)
	for len(buf) > size {
		chunks = append(chunks, buf[:size])
		buf = buf[size:]
	}
	return append(chunks, buf)
}
