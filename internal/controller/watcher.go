package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemodbus/internal/gatt"
	"github.com/srg/blemodbus/internal/profile"
)

// SuperWatcherSlot is the reserved pseudo-slot addressing the aggregated
// super-watcher instead of a numbered slot.
const SuperWatcherSlot = 0xFF

// watcherRecordLen is the wire size of one watcher readback record:
// [slot, deviceID, addrHi, addrLo, length].
const watcherRecordLen = 5

// SuperWatcherState is the host-side view of the aggregated watcher.
type SuperWatcherState struct {
	DeviceID  byte
	Addresses []uint16
}

// WatcherManager owns the watcher slot bookkeeping of one session: slot
// validation against the discovered capacity, the arm/disarm command
// exchanges, and the matching status subscriptions. All device I/O goes
// through the sequencer; the local state mirrors what the last successful
// command established.
type WatcherManager struct {
	mu    sync.Mutex
	slots []*WatchBinding
	super *SuperWatcherState

	insp    *Inspection
	seq     *Sequencer
	tr      gatt.Transport
	emitter *Emitter
	logger  *logrus.Logger
}

// NewWatcherManager returns a manager with every slot empty. Slot count is
// the inspection's discovered capacity, not the model maximum.
func NewWatcherManager(insp *Inspection, seq *Sequencer, tr gatt.Transport, emitter *Emitter, logger *logrus.Logger) *WatcherManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &WatcherManager{
		slots:   make([]*WatchBinding, insp.WatcherCapacity),
		insp:    insp,
		seq:     seq,
		tr:      tr,
		emitter: emitter,
		logger:  logger,
	}
}

// Capacity returns the number of usable watcher slots.
func (m *WatcherManager) Capacity() int {
	return len(m.slots)
}

// command validates a command against the descriptor and the device's
// reported firmware before any I/O happens.
func (m *WatcherManager) command(key string) (profile.CommandSpec, error) {
	spec, ok := m.insp.Descriptor.Command(key)
	if !ok {
		return profile.CommandSpec{}, fmt.Errorf("%w: command %q", ErrNotImplemented, key)
	}
	if !spec.MinSoftwareRev.IsZero() && !m.insp.Identity.SoftwareRev.AtLeast(spec.MinSoftwareRev) {
		return profile.CommandSpec{}, &FirmwareError{
			Command:  key,
			Required: spec.MinSoftwareRev,
			Actual:   m.insp.Identity.SoftwareRev,
		}
	}
	return spec, nil
}

// execute runs one management command and strips the response envelope,
// returning only the data bytes after [seq, status].
func (m *WatcherManager) execute(ctx context.Context, key string, spec profile.CommandSpec, params []byte) ([]byte, error) {
	resp, err := m.seq.Execute(ctx, spec.OpCode, params, 0)
	if err != nil {
		return nil, &DeviceCommandError{Command: key, Err: err}
	}
	if resp[1] != 0 {
		return nil, &DeviceCommandError{Command: key, Err: fmt.Errorf("device status 0x%02x", resp[1])}
	}
	return resp[2:], nil
}

// Watch arms one watcher slot against a register window. An occupied slot
// is silently replaced; the peripheral treats a watch on a live slot as a
// rebind. Validation happens before any device I/O.
func (m *WatcherManager) Watch(ctx context.Context, slot int, deviceID byte, address uint16, length int) error {
	if slot < 0 || slot >= len(m.slots) {
		return &InvalidSlotError{Slot: slot, Capacity: len(m.slots)}
	}
	if length < 1 || length > m.insp.Descriptor.Limits.MaxWatchLength {
		return &WatchLengthError{Length: length, Max: m.insp.Descriptor.Limits.MaxWatchLength}
	}
	spec, err := m.command(profile.CommandWatch)
	if err != nil {
		return err
	}
	svcUUID, charUUID, err := m.insp.Char(profile.ServiceController, profile.StatusCharKey(slot))
	if err != nil {
		return err
	}

	// Drop the status subscription before rebinding so notifications from
	// the old window cannot land under the new one's identity.
	if err := m.tr.Unsubscribe(svcUUID, charUUID); err != nil {
		m.logger.WithError(err).WithField("slot", slot).Warn("Status unsubscribe failed")
	}

	params := []byte{byte(slot), deviceID, byte(address >> 8), byte(address), byte(length)}
	if _, err := m.execute(ctx, profile.CommandWatch, spec, params); err != nil {
		return err
	}

	if err := m.tr.Subscribe(svcUUID, charUUID, m.statusHandler(slot)); err != nil {
		return fmt.Errorf("failed to subscribe to status slot %d: %w", slot, err)
	}

	binding := WatchBinding{Slot: slot, DeviceID: deviceID, Address: address, Length: length}
	m.mu.Lock()
	m.slots[slot] = &binding
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"slot":    slot,
		"device":  deviceID,
		"address": address,
		"length":  length,
	}).Info("Watcher armed")
	m.emitter.Emit(Event{Kind: EventWatch, Payload: binding})
	return nil
}

// Unwatch disarms a slot. The local subscription is dropped first and the
// disarm command is always sent, even for a slot the host believes empty,
// so a desynced peripheral still gets cleaned up.
func (m *WatcherManager) Unwatch(ctx context.Context, slot int) error {
	if slot == SuperWatcherSlot {
		return m.unwatchSuper(ctx)
	}
	if slot < 0 || slot >= len(m.slots) {
		return &InvalidSlotError{Slot: slot, Capacity: len(m.slots)}
	}
	spec, err := m.command(profile.CommandUnwatch)
	if err != nil {
		return err
	}

	if svcUUID, charUUID, err := m.insp.Char(profile.ServiceController, profile.StatusCharKey(slot)); err == nil {
		if err := m.tr.Unsubscribe(svcUUID, charUUID); err != nil {
			m.logger.WithError(err).WithField("slot", slot).Warn("Status unsubscribe failed")
		}
	}

	if _, err := m.execute(ctx, profile.CommandUnwatch, spec, []byte{byte(slot)}); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.slots[slot]
	m.slots[slot] = nil
	m.mu.Unlock()

	binding := WatchBinding{Slot: slot}
	if prev != nil {
		binding = *prev
	}
	m.logger.WithField("slot", slot).Info("Watcher disarmed")
	m.emitter.Emit(Event{Kind: EventUnwatch, Payload: binding})
	return nil
}

// UnwatchAll disarms every slot the host believes armed, plus the
// super-watcher. The first failure aborts.
func (m *WatcherManager) UnwatchAll(ctx context.Context) error {
	m.mu.Lock()
	armed := make([]int, 0, len(m.slots))
	for slot, b := range m.slots {
		if b != nil {
			armed = append(armed, slot)
		}
	}
	hasSuper := m.super != nil
	m.mu.Unlock()

	for _, slot := range armed {
		if err := m.Unwatch(ctx, slot); err != nil {
			return err
		}
	}
	if hasSuper {
		return m.unwatchSuper(ctx)
	}
	return nil
}

// SuperWatch arms the aggregated watcher over a set of register addresses.
func (m *WatcherManager) SuperWatch(ctx context.Context, deviceID byte, addresses []uint16) error {
	spec, err := m.command(profile.CommandSuperWatch)
	if err != nil {
		return err
	}
	max := m.insp.Descriptor.Limits.MaxSuperWatchAddresses
	if len(addresses) < 1 || len(addresses) > max {
		return fmt.Errorf("super-watcher address count %d out of range 1..%d", len(addresses), max)
	}
	svcUUID, charUUID, err := m.insp.Char(profile.ServiceController, profile.CharSuperWatcher)
	if err != nil {
		return err
	}

	if err := m.tr.Unsubscribe(svcUUID, charUUID); err != nil {
		m.logger.WithError(err).Warn("Super-watcher unsubscribe failed")
	}

	params := make([]byte, 0, 3+2*len(addresses))
	params = append(params, SuperWatcherSlot, deviceID, byte(len(addresses)))
	for _, addr := range addresses {
		params = append(params, byte(addr>>8), byte(addr))
	}
	if _, err := m.execute(ctx, profile.CommandSuperWatch, spec, params); err != nil {
		return err
	}

	if err := m.tr.Subscribe(svcUUID, charUUID, m.superHandler()); err != nil {
		return fmt.Errorf("failed to subscribe to super-watcher: %w", err)
	}

	m.mu.Lock()
	m.super = &SuperWatcherState{DeviceID: deviceID, Addresses: append([]uint16(nil), addresses...)}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":    deviceID,
		"addresses": len(addresses),
	}).Info("Super-watcher armed")
	m.emitter.Emit(Event{Kind: EventWatch, Payload: WatchBinding{Slot: SuperWatcherSlot, DeviceID: deviceID, Length: len(addresses)}})
	return nil
}

func (m *WatcherManager) unwatchSuper(ctx context.Context) error {
	spec, err := m.command(profile.CommandUnwatch)
	if err != nil {
		return err
	}

	if svcUUID, charUUID, err := m.insp.Char(profile.ServiceController, profile.CharSuperWatcher); err == nil {
		if err := m.tr.Unsubscribe(svcUUID, charUUID); err != nil {
			m.logger.WithError(err).Warn("Super-watcher unsubscribe failed")
		}
	}

	if _, err := m.execute(ctx, profile.CommandUnwatch, spec, []byte{SuperWatcherSlot}); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.super
	m.super = nil
	m.mu.Unlock()

	binding := WatchBinding{Slot: SuperWatcherSlot}
	if prev != nil {
		binding.DeviceID = prev.DeviceID
		binding.Length = len(prev.Addresses)
	}
	m.logger.Info("Super-watcher disarmed")
	m.emitter.Emit(Event{Kind: EventUnwatch, Payload: binding})
	return nil
}

// Watchers returns the armed slot bindings. When the firmware supports
// watcher readback the device is authoritative; otherwise the host-side
// mirror is returned.
func (m *WatcherManager) Watchers(ctx context.Context) ([]WatchBinding, error) {
	spec, err := m.command(profile.CommandGetWatchers)
	if err != nil {
		// Older firmware has no readback command; the host mirror is the
		// best available answer.
		return m.localWatchers(), nil
	}
	data, err := m.execute(ctx, profile.CommandGetWatchers, spec, nil)
	if err != nil {
		return nil, err
	}
	return ParseWatcherRecords(data)
}

func (m *WatcherManager) localWatchers() []WatchBinding {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WatchBinding, 0, len(m.slots))
	for _, b := range m.slots {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// SuperWatcher reads the aggregated watcher configuration back from the
// device.
func (m *WatcherManager) SuperWatcher(ctx context.Context) (*SuperWatcherState, error) {
	spec, err := m.command(profile.CommandGetSuperWatcher)
	if err != nil {
		return nil, err
	}
	data, err := m.execute(ctx, profile.CommandGetSuperWatcher, spec, nil)
	if err != nil {
		return nil, err
	}
	return ParseSuperWatcherRecord(data)
}

func (m *WatcherManager) statusHandler(slot int) gatt.NotificationHandler {
	return func(data []byte) {
		m.emitter.Emit(Event{Kind: EventData, Payload: StatusUpdate{Slot: slot, Data: append([]byte(nil), data...)}})
	}
}

func (m *WatcherManager) superHandler() gatt.NotificationHandler {
	return func(data []byte) {
		m.emitter.Emit(Event{Kind: EventData, Payload: StatusUpdate{Slot: SuperWatcherSlot, Data: append([]byte(nil), data...)}})
	}
}

// StatusUpdate is the payload of data events originating from watcher
// status notifications.
type StatusUpdate struct {
	Slot int
	Data []byte
}

// ParseWatcherRecords decodes a watcher readback buffer: a sequence of
// 5-byte records [slot, deviceID, addrHi, addrLo, length]. Records with a
// zero length byte mark empty slots and are skipped.
func ParseWatcherRecords(data []byte) ([]WatchBinding, error) {
	if len(data)%watcherRecordLen != 0 {
		return nil, fmt.Errorf("malformed watcher record buffer: %d bytes is not a multiple of %d", len(data), watcherRecordLen)
	}
	out := make([]WatchBinding, 0, len(data)/watcherRecordLen)
	for i := 0; i < len(data); i += watcherRecordLen {
		rec := data[i : i+watcherRecordLen]
		if rec[4] == 0 {
			continue
		}
		out = append(out, WatchBinding{
			Slot:     int(rec[0]),
			DeviceID: rec[1],
			Address:  uint16(rec[2])<<8 | uint16(rec[3]),
			Length:   int(rec[4]),
		})
	}
	return out, nil
}

// ParseSuperWatcherRecord decodes a super-watcher readback buffer:
// [slot, deviceID, count, addrHi, addrLo, ...].
func ParseSuperWatcherRecord(data []byte) (*SuperWatcherState, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("malformed super-watcher record: %d bytes", len(data))
	}
	count := int(data[2])
	if len(data) < 3+2*count {
		return nil, fmt.Errorf("malformed super-watcher record: %d addresses declared, %d bytes present", count, len(data)-3)
	}
	state := &SuperWatcherState{
		DeviceID:  data[1],
		Addresses: make([]uint16, 0, count),
	}
	for i := 0; i < count; i++ {
		off := 3 + 2*i
		state.Addresses = append(state.Addresses, uint16(data[off])<<8|uint16(data[off+1]))
	}
	return state, nil
}
