package profile

import (
	"fmt"
	"strings"
)

// Model identifies a known dongle variant.
type Model int

const (
	ModelUnknown Model = iota
	// ModelMk1 is the first-generation dongle: 4 watcher slots, no
	// super-watcher, no watcher readback.
	ModelMk1
	// ModelMk2 is the second-generation dongle: 8 watcher slots plus a
	// super-watcher and watcher readback on firmware 1.2.0 and later.
	ModelMk2
)

func (m Model) String() string {
	switch m {
	case ModelMk1:
		return "mk1"
	case ModelMk2:
		return "mk2"
	default:
		return "unknown"
	}
}

// ParseModel maps a model name to its Model value.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mk1":
		return ModelMk1, nil
	case "mk2":
		return ModelMk2, nil
	default:
		return ModelUnknown, fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
}

// Vendor 128-bit UUID base, xxxx slots at offset 4.
const (
	ControllerServiceUUID = "7a5c1000-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidProduct           = "7a5c1001-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidSerial            = "7a5c1002-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidFault             = "7a5c1003-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidCommand           = "7a5c1004-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidResponse          = "7a5c1005-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidSuperWatcher      = "7a5c1020-42f4-4e3b-9d71-c9b2e0a4f310"

	UARTServiceUUID = "7a5c2000-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidUARTTx      = "7a5c2001-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidUARTRx      = "7a5c2002-42f4-4e3b-9d71-c9b2e0a4f310"
	uuidUARTControl = "7a5c2003-42f4-4e3b-9d71-c9b2e0a4f310"

	deviceInfoServiceUUID = "180a"
	uuidManufacturerName  = "2a29"
	uuidModelNumber       = "2a24"
	uuidHardwareRevision  = "2a27"
	uuidSoftwareRevision  = "2a28"
)

// statusUUID returns the UUID of the statusN characteristic for a 0-based
// slot. Slots occupy 7a5c1011..7a5c1018.
func statusUUID(slot int) string {
	return fmt.Sprintf("7a5c10%02x-42f4-4e3b-9d71-c9b2e0a4f310", 0x11+slot)
}

func controllerService(slots int, superWatcher bool) ServiceSpec {
	chars := map[string]CharacteristicSpec{
		CharProduct:  {UUID: uuidProduct},
		CharSerial:   {UUID: uuidSerial},
		CharFault:    {UUID: uuidFault, Notify: true},
		CharCommand:  {UUID: uuidCommand},
		CharResponse: {UUID: uuidResponse, Notify: true},
	}
	// statusN characteristics are optional individually: the effective
	// watcher capacity is however many the peripheral actually exposes.
	for slot := 0; slot < slots; slot++ {
		chars[StatusCharKey(slot)] = CharacteristicSpec{UUID: statusUUID(slot), Optional: true, Notify: true}
	}
	if superWatcher {
		chars[CharSuperWatcher] = CharacteristicSpec{UUID: uuidSuperWatcher, Optional: true, Notify: true}
	}
	return ServiceSpec{UUID: ControllerServiceUUID, Characteristics: chars}
}

func uartService() ServiceSpec {
	return ServiceSpec{
		UUID: UARTServiceUUID,
		Characteristics: map[string]CharacteristicSpec{
			CharUARTTx:      {UUID: uuidUARTTx},
			CharUARTRx:      {UUID: uuidUARTRx, Notify: true},
			CharUARTControl: {UUID: uuidUARTControl, Optional: true, Notify: true},
		},
	}
}

func deviceInfoService() ServiceSpec {
	// Everything here is optional: several platform GATT stacks blocklist
	// Device Information characteristics from third-party access.
	return ServiceSpec{
		UUID:     deviceInfoServiceUUID,
		Optional: true,
		Characteristics: map[string]CharacteristicSpec{
			CharManufacturerName: {UUID: uuidManufacturerName, Optional: true},
			CharModelNumber:      {UUID: uuidModelNumber, Optional: true},
			CharHardwareRevision: {UUID: uuidHardwareRevision, Optional: true},
			CharSoftwareRevision: {UUID: uuidSoftwareRevision, Optional: true},
		},
	}
}

var mk1Descriptor = &Descriptor{
	Model:           ModelMk1,
	LocalNamePrefix: "MBB-1",
	Services: map[string]ServiceSpec{
		ServiceController: controllerService(4, false),
		ServiceUART:       uartService(),
		ServiceDeviceInfo: deviceInfoService(),
	},
	Commands: map[string]CommandSpec{
		CommandWatch:     {OpCode: 0x10},
		CommandUnwatch:   {OpCode: 0x11},
		CommandConfigure: {OpCode: 0x20},
		CommandKeyswitch: {OpCode: 0x21},
	},
	Limits: Limits{
		MaxWatchSlots:  4,
		MaxWatchLength: 8,
		WriteChunkSize: 20,
	},
}

var mk2Descriptor = &Descriptor{
	Model:           ModelMk2,
	LocalNamePrefix: "MBB-2",
	Services: map[string]ServiceSpec{
		ServiceController: controllerService(8, true),
		ServiceUART:       uartService(),
		ServiceDeviceInfo: deviceInfoService(),
	},
	Commands: map[string]CommandSpec{
		CommandWatch:           {OpCode: 0x10},
		CommandUnwatch:         {OpCode: 0x11},
		CommandGetWatchers:     {OpCode: 0x12, MinSoftwareRev: MustVersion("1.2.0")},
		CommandSuperWatch:      {OpCode: 0x13, MinSoftwareRev: MustVersion("1.2.0")},
		CommandGetSuperWatcher: {OpCode: 0x14, MinSoftwareRev: MustVersion("1.2.0")},
		CommandConfigure:       {OpCode: 0x20},
		CommandKeyswitch:       {OpCode: 0x21},
	},
	Limits: Limits{
		MaxWatchSlots:          8,
		MaxWatchLength:         16,
		MaxSuperWatchAddresses: 16,
		WriteChunkSize:         20,
	},
}

// ForModel returns the immutable capability descriptor for a model.
func ForModel(m Model) (*Descriptor, error) {
	switch m {
	case ModelMk1:
		return mk1Descriptor, nil
	case ModelMk2:
		return mk2Descriptor, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownModel, m)
	}
}

// Detect guesses the model from an advertised local name. Unrecognized
// names yield ModelUnknown; callers must treat that as "not a dongle".
func Detect(localName string) Model {
	name := strings.ToUpper(strings.TrimSpace(localName))
	switch {
	case strings.HasPrefix(name, mk2Descriptor.LocalNamePrefix):
		return ModelMk2
	case strings.HasPrefix(name, mk1Descriptor.LocalNamePrefix):
		return ModelMk1
	default:
		return ModelUnknown
	}
}
