// Package profile holds the declarative capability descriptors for the
// known bridge dongle models: which GATT services and characteristics each
// model exposes, which management commands it understands, and the limits
// and firmware preconditions attached to them. Descriptors are immutable;
// the inspection phase annotates a session-local view, never this data.
package profile

import (
	"errors"
	"fmt"
)

// Service keys used by descriptors and the inspector.
const (
	ServiceController = "controller"
	ServiceUART       = "uart"
	ServiceDeviceInfo = "deviceInformation"
)

// Characteristic keys within the controller service.
const (
	CharProduct      = "product"
	CharSerial       = "serial"
	CharFault        = "fault"
	CharCommand      = "command"
	CharResponse     = "response"
	CharSuperWatcher = "superWatcher"
)

// Characteristic keys within the transparent UART service.
const (
	CharUARTTx      = "tx"
	CharUARTRx      = "rx"
	CharUARTControl = "control"
)

// Characteristic keys within the Device Information service. All of these
// are optional: several platforms blocklist Device Information reads at the
// GATT layer.
const (
	CharManufacturerName = "manufacturerName"
	CharModelNumber      = "modelNumber"
	CharHardwareRevision = "hardwareRevision"
	CharSoftwareRevision = "softwareRevision"
)

// Command keys.
const (
	CommandWatch           = "watch"
	CommandUnwatch         = "unwatch"
	CommandGetWatchers     = "getWatchers"
	CommandSuperWatch      = "superWatch"
	CommandGetSuperWatcher = "getSuperWatcher"
	CommandConfigure       = "configure"
	CommandKeyswitch       = "keyswitch"
)

// StatusCharKey returns the characteristic key for watcher slot (0-based).
func StatusCharKey(slot int) string {
	return fmt.Sprintf("status%d", slot+1)
}

// ErrUnknownModel is returned by ForModel for unrecognized models.
var ErrUnknownModel = errors.New("unknown device model")

// CharacteristicSpec describes one expected characteristic.
type CharacteristicSpec struct {
	UUID string
	// Optional characteristics may be absent without failing inspection;
	// later access to them fails gracefully instead.
	Optional bool
	// Notify marks characteristics the inspector must subscribe to.
	Notify bool
}

// ServiceSpec describes one expected GATT service.
type ServiceSpec struct {
	UUID            string
	Optional        bool
	Characteristics map[string]CharacteristicSpec
}

// CommandSpec describes one management command opcode.
type CommandSpec struct {
	OpCode byte
	// MinSoftwareRev gates the command on the device's reported software
	// revision. The zero version means no precondition.
	MinSoftwareRev Version
}

// Limits holds per-model numeric bounds.
type Limits struct {
	// MaxWatchSlots is the nominal slot count; the effective capacity is
	// derived from the statusN characteristics actually discovered.
	MaxWatchSlots int
	// MaxWatchLength bounds the read length of a single watcher.
	MaxWatchLength int
	// MaxSuperWatchAddresses bounds the address list of a super-watcher.
	MaxSuperWatchAddresses int
	// WriteChunkSize is the characteristic write size for UART payloads.
	WriteChunkSize int
}

// Descriptor is the immutable capability map of one device model.
type Descriptor struct {
	Model           Model
	LocalNamePrefix string
	Services        map[string]ServiceSpec
	Commands        map[string]CommandSpec
	Limits          Limits
}

// Service returns the spec for a service key.
func (d *Descriptor) Service(key string) (ServiceSpec, bool) {
	s, ok := d.Services[key]
	return s, ok
}

// Characteristic returns the spec for a service/characteristic key pair.
func (d *Descriptor) Characteristic(serviceKey, charKey string) (CharacteristicSpec, bool) {
	svc, ok := d.Services[serviceKey]
	if !ok {
		return CharacteristicSpec{}, false
	}
	c, ok := svc.Characteristics[charKey]
	return c, ok
}

// Command returns the spec for a command key.
func (d *Descriptor) Command(key string) (CommandSpec, bool) {
	c, ok := d.Commands[key]
	return c, ok
}
