package controller

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemodbus/internal/gatt"
	"github.com/srg/blemodbus/internal/profile"
)

// Identity holds the values read from the peripheral's identity
// characteristics during inspection.
type Identity struct {
	Product      string
	Serial       string
	Fault        []byte
	Manufacturer string
	ModelNumber  string
	HardwareRev  string
	SoftwareRev  profile.Version
	// SoftwareRevRaw preserves the characteristic bytes verbatim for
	// diagnostics when parsing fails.
	SoftwareRevRaw string
}

// binding records where a descriptor entry was found on the wire.
type binding struct {
	serviceUUID string
	charUUID    string
	found       bool
	optional    bool
	props       gatt.Properties
}

// Inspection is the operative runtime capability map of one session: the
// descriptor entries bound to discovered UUIDs, the identity values, and the
// watcher capacity derived from the statusN characteristics actually
// present. It is produced by Inspect and discarded on close.
type Inspection struct {
	Descriptor      *profile.Descriptor
	Identity        Identity
	WatcherCapacity int

	bindings map[string]map[string]*binding // serviceKey → charKey
}

// Char resolves a descriptor entry to its discovered service/characteristic
// UUID pair. Entries that were absent (allowed only for optional ones)
// yield a MissingCapabilityError so callers fail gracefully instead of
// touching the transport.
func (i *Inspection) Char(serviceKey, charKey string) (serviceUUID, charUUID string, err error) {
	svc, ok := i.bindings[serviceKey]
	if !ok {
		return "", "", fmt.Errorf("%w: service %q", ErrNotImplemented, serviceKey)
	}
	b, ok := svc[charKey]
	if !ok {
		return "", "", fmt.Errorf("%w: characteristic %q in service %q", ErrNotImplemented, charKey, serviceKey)
	}
	if !b.found {
		return "", "", &MissingCapabilityError{Service: serviceKey, Characteristic: charKey, UUID: b.charUUID}
	}
	return b.serviceUUID, b.charUUID, nil
}

// Has reports whether a descriptor entry was bound during inspection.
func (i *Inspection) Has(serviceKey, charKey string) bool {
	svc, ok := i.bindings[serviceKey]
	if !ok {
		return false
	}
	b, ok := svc[charKey]
	return ok && b.found
}

// Props returns the discovered properties of a bound characteristic.
func (i *Inspection) Props(serviceKey, charKey string) (gatt.Properties, bool) {
	svc, ok := i.bindings[serviceKey]
	if !ok {
		return gatt.Properties{}, false
	}
	b, ok := svc[charKey]
	if !ok || !b.found {
		return gatt.Properties{}, false
	}
	return b.props, true
}

// Sinks carries the notification handlers the inspector wires up. Response
// is mandatory; the rest may be nil, in which case the matching
// subscriptions deliver into no-ops.
type Sinks struct {
	Response     func(data []byte)
	Fault        func(data []byte)
	Status       func(slot int, data []byte)
	SuperWatcher func(data []byte)
	UARTData     func(data []byte)
	UARTControl  func(data []byte)
}

func (s *Sinks) handlerFor(serviceKey, charKey string) gatt.NotificationHandler {
	nop := func([]byte) {}

	pick := func(fn func([]byte)) gatt.NotificationHandler {
		if fn == nil {
			return nop
		}
		return fn
	}

	if serviceKey == profile.ServiceUART {
		switch charKey {
		case profile.CharUARTRx:
			return pick(s.UARTData)
		case profile.CharUARTControl:
			return pick(s.UARTControl)
		}
		return nop
	}

	switch charKey {
	case profile.CharResponse:
		return pick(s.Response)
	case profile.CharFault:
		return pick(s.Fault)
	case profile.CharSuperWatcher:
		return pick(s.SuperWatcher)
	}

	if slot, ok := statusSlot(charKey); ok {
		if s.Status == nil {
			return nop
		}
		return func(data []byte) { s.Status(slot, data) }
	}
	return nop
}

// statusSlot maps a "statusN" characteristic key to its 0-based slot.
func statusSlot(charKey string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(charKey, "status%d", &n); err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}

// Inspect drives capability discovery against a connected transport:
// enumerate services, bind every descriptor entry by UUID, fail on any
// missing required item, read identity characteristics (tolerating failures
// on optional ones only), and establish the mandatory notification
// subscriptions. Any required miss or subscribe failure aborts the whole
// inspection; the caller must treat the device as unusable, not partially
// ready.
func Inspect(ctx context.Context, tr gatt.Transport, desc *profile.Descriptor, sinks *Sinks, logger *logrus.Logger) (*Inspection, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if sinks == nil {
		sinks = &Sinks{}
	}

	services, err := tr.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("service discovery failed: %w", err)
	}

	discovered := make(map[string]map[string]gatt.CharacteristicInfo, len(services))
	for _, svc := range services {
		chars := make(map[string]gatt.CharacteristicInfo, len(svc.Characteristics))
		for _, char := range svc.Characteristics {
			chars[gatt.NormalizeUUID(char.UUID)] = char
		}
		discovered[gatt.NormalizeUUID(svc.UUID)] = chars
	}

	insp := &Inspection{
		Descriptor: desc,
		bindings:   make(map[string]map[string]*binding, len(desc.Services)),
	}

	for serviceKey, svcSpec := range desc.Services {
		svcUUID := gatt.NormalizeUUID(svcSpec.UUID)
		chars, svcFound := discovered[svcUUID]

		if !svcFound && !svcSpec.Optional {
			return nil, &MissingCapabilityError{Service: serviceKey, UUID: svcSpec.UUID}
		}

		bound := make(map[string]*binding, len(svcSpec.Characteristics))
		insp.bindings[serviceKey] = bound

		for charKey, charSpec := range svcSpec.Characteristics {
			charUUID := gatt.NormalizeUUID(charSpec.UUID)
			b := &binding{serviceUUID: svcUUID, charUUID: charUUID, optional: charSpec.Optional}
			bound[charKey] = b

			info, ok := chars[charUUID]
			if !ok {
				if !charSpec.Optional && !svcSpec.Optional {
					return nil, &MissingCapabilityError{Service: serviceKey, Characteristic: charKey, UUID: charSpec.UUID}
				}
				logger.WithFields(logrus.Fields{
					"service": serviceKey,
					"char":    charKey,
				}).Debug("Optional characteristic absent")
				continue
			}
			b.found = true
			b.props = info.Props
		}
	}

	// Watcher capacity is whatever the peripheral actually exposes, not the
	// nominal model maximum.
	for slot := 0; slot < desc.Limits.MaxWatchSlots; slot++ {
		if insp.Has(profile.ServiceController, profile.StatusCharKey(slot)) {
			insp.WatcherCapacity++
		}
	}

	if err := readIdentity(ctx, tr, insp, logger); err != nil {
		return nil, err
	}

	if err := subscribeNotifications(tr, desc, insp, sinks, logger); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"model":    desc.Model.String(),
		"product":  insp.Identity.Product,
		"serial":   insp.Identity.Serial,
		"sw_rev":   insp.Identity.SoftwareRev.String(),
		"capacity": insp.WatcherCapacity,
	}).Info("Device inspection complete")

	return insp, nil
}

// readIdentity populates the identity fields. Controller identity
// characteristics are required: a failed read there fails inspection.
// Device Information reads are optional and individually tolerated.
func readIdentity(ctx context.Context, tr gatt.Transport, insp *Inspection, logger *logrus.Logger) error {
	readRequired := func(charKey string) (string, error) {
		svcUUID, charUUID, err := insp.Char(profile.ServiceController, charKey)
		if err != nil {
			return "", err
		}
		data, err := tr.Read(ctx, svcUUID, charUUID)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", charKey, err)
		}
		return string(data), nil
	}

	var err error
	if insp.Identity.Product, err = readRequired(profile.CharProduct); err != nil {
		return err
	}
	if insp.Identity.Serial, err = readRequired(profile.CharSerial); err != nil {
		return err
	}

	svcUUID, charUUID, err := insp.Char(profile.ServiceController, profile.CharFault)
	if err != nil {
		return err
	}
	fault, err := tr.Read(ctx, svcUUID, charUUID)
	if err != nil {
		return fmt.Errorf("failed to read fault: %w", err)
	}
	insp.Identity.Fault = fault

	readOptional := func(charKey string) string {
		svcUUID, charUUID, err := insp.Char(profile.ServiceDeviceInfo, charKey)
		if err != nil {
			return ""
		}
		data, err := tr.Read(ctx, svcUUID, charUUID)
		if err != nil {
			// Partial success: platform GATT restrictions commonly block
			// individual Device Information reads.
			logger.WithError(err).WithField("char", charKey).Debug("Optional identity read failed")
			return ""
		}
		return string(data)
	}

	insp.Identity.Manufacturer = readOptional(profile.CharManufacturerName)
	insp.Identity.ModelNumber = readOptional(profile.CharModelNumber)
	insp.Identity.HardwareRev = readOptional(profile.CharHardwareRevision)
	insp.Identity.SoftwareRevRaw = readOptional(profile.CharSoftwareRevision)

	if insp.Identity.SoftwareRevRaw != "" {
		v, err := profile.ParseVersion(insp.Identity.SoftwareRevRaw)
		if err != nil {
			logger.WithError(err).WithField("raw", insp.Identity.SoftwareRevRaw).
				Warn("Unparseable software revision, version gates will fail")
		} else {
			insp.Identity.SoftwareRev = v
		}
	}

	return nil
}

// subscribeNotifications establishes every mandatory subscription. A
// failure on any bound Notify characteristic aborts inspection.
func subscribeNotifications(tr gatt.Transport, desc *profile.Descriptor, insp *Inspection, sinks *Sinks, logger *logrus.Logger) error {
	for serviceKey, svcSpec := range desc.Services {
		for charKey, charSpec := range svcSpec.Characteristics {
			if !charSpec.Notify || !insp.Has(serviceKey, charKey) {
				continue
			}
			svcUUID, charUUID, err := insp.Char(serviceKey, charKey)
			if err != nil {
				return err
			}
			if err := tr.Subscribe(svcUUID, charUUID, sinks.handlerFor(serviceKey, charKey)); err != nil {
				return fmt.Errorf("failed to subscribe to %s/%s: %w", serviceKey, charKey, err)
			}
			logger.WithFields(logrus.Fields{
				"service": serviceKey,
				"char":    charKey,
			}).Debug("Subscribed")
		}
	}
	return nil
}
