// Package gatt defines the transport boundary between the driver core and
// the platform BLE stack. The core only ever talks to the Transport
// interface; the go-ble binding lives in the goble subpackage and tests
// substitute recording fakes.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Properties is the subset of characteristic properties the driver cares
// about.
type Properties struct {
	Read                 bool
	Write                bool
	WriteWithoutResponse bool
	Notify               bool
	Indicate             bool
}

// CharacteristicInfo describes one discovered characteristic.
type CharacteristicInfo struct {
	UUID  string
	Props Properties
}

// ServiceInfo describes one discovered primary service.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// ConnectOptions configures Transport.Connect.
type ConnectOptions struct {
	Address        string
	ConnectTimeout time.Duration
}

// NotificationHandler receives notification payloads. The data slice is only
// valid for the duration of the call; handlers must copy what they retain.
type NotificationHandler func(data []byte)

// Transport is an exclusive session with one connected peripheral. All
// methods taking a context may suspend at the underlying I/O boundary;
// implementations must be safe for concurrent use.
type Transport interface {
	Connect(ctx context.Context, opts *ConnectOptions) error
	// Discover enumerates primary services and their characteristics.
	Discover(ctx context.Context) ([]ServiceInfo, error)
	Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error)
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error
	Subscribe(serviceUUID, charUUID string, handler NotificationHandler) error
	Unsubscribe(serviceUUID, charUUID string) error
	IsConnected() bool
	Close() error
}

// Connection state errors, comparable with errors.Is.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	// ErrUnavailable means the local radio is off or unsupported.
	ErrUnavailable = errors.New("bluetooth transport unavailable")
	// ErrBusy means the platform rejected an operation because another one
	// is still in progress. The UART write path retries this class.
	ErrBusy = errors.New("operation already in progress")
)

// NormalizeUUID converts a UUID string to the canonical lookup form
// (lowercase, no dashes). Both 16-bit short and 128-bit forms pass through.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeError maps known platform BLE error strings onto the sentinel
// errors above so callers can match with errors.Is regardless of the
// underlying stack's wording. Unrecognized errors pass through unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "powered off"),
		strings.Contains(msg, "invalid state"),
		strings.Contains(msg, "unsupported"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "in progress"),
		strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	default:
		return err
	}
}
