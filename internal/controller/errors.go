package controller

import (
	"errors"
	"fmt"

	"github.com/srg/blemodbus/internal/profile"
)

// Sentinel errors for the failure classes that carry no extra context.
var (
	// ErrNotOpen is returned by every operation on a session that has not
	// completed Open (or has been closed). A fresh inspection is mandatory
	// after reconnecting; no capability state survives a close.
	ErrNotOpen = errors.New("session not open")

	// ErrAlreadyOpen is returned by Open on an open session.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrNoPeripheralSelected means no device address was configured.
	ErrNoPeripheralSelected = errors.New("no peripheral selected")

	// ErrCommandTimeout means the peripheral did not answer a management
	// command within its window. The queue advances; no retry is performed
	// at this layer.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrDisconnected is propagated to every in-flight command when the
	// connection is lost or the session closes.
	ErrDisconnected = errors.New("disconnected")

	// ErrNotImplemented means the capability is absent from the model's
	// descriptor entirely.
	ErrNotImplemented = errors.New("not implemented on this model")
)

// MissingCapabilityError reports a required GATT item absent from the
// peripheral. Fatal to inspection.
type MissingCapabilityError struct {
	Service        string // service key, e.g. "controller"
	Characteristic string // characteristic key, empty for a whole service
	UUID           string
}

func (e *MissingCapabilityError) Error() string {
	if e.Characteristic == "" {
		return fmt.Sprintf("missing capability: service %q (uuid %s)", e.Service, e.UUID)
	}
	return fmt.Sprintf("missing capability: characteristic %q in service %q (uuid %s)",
		e.Characteristic, e.Service, e.UUID)
}

// InvalidSlotError reports a watcher slot outside the discovered capacity.
type InvalidSlotError struct {
	Slot     int
	Capacity int
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("invalid watcher slot %d: device capacity is %d", e.Slot, e.Capacity)
}

// WatchLengthError reports a watch read length above the model maximum.
type WatchLengthError struct {
	Length int
	Max    int
}

func (e *WatchLengthError) Error() string {
	return fmt.Sprintf("watch length %d exceeds maximum %d", e.Length, e.Max)
}

// FirmwareError reports a command rejected before any I/O because the
// device's reported software revision does not satisfy the command's
// precondition.
type FirmwareError struct {
	Command  string
	Required profile.Version
	Actual   profile.Version
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("%s not supported on this firmware: requires %s, device reports %s",
		e.Command, e.Required, e.Actual)
}

// DeviceCommandError wraps a failure of a device-side management command
// (timeout, write failure, disconnect) with the command key for diagnosis.
type DeviceCommandError struct {
	Command string
	Err     error
}

func (e *DeviceCommandError) Error() string {
	return fmt.Sprintf("device command %q failed: %v", e.Command, e.Err)
}

func (e *DeviceCommandError) Unwrap() error {
	return e.Err
}
