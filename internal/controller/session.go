// Package controller implements the driver core for the bridge dongle: the
// session lifecycle, capability inspection, the management command
// sequencer, watcher slot management, and the transparent UART bridge.
package controller

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemodbus/internal/gatt"
	"github.com/srg/blemodbus/internal/profile"
)

// Options configures a session.
type Options struct {
	// Address of the peripheral to connect to. Mandatory.
	Address string
	// Model selects the capability descriptor.
	Model profile.Model
	// ConnectTimeout bounds the connection attempt. Zero means the
	// transport default.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each management command. Zero means one second.
	CommandTimeout time.Duration
	// ChunkSize overrides the UART characteristic write size. Zero means
	// the model default.
	ChunkSize int
}

// Session is one exclusive connection to a dongle. All exported methods are
// safe for concurrent use. A session holds no capability state between
// Open/Close cycles; every Open re-inspects the device from scratch.
type Session struct {
	tr     gatt.Transport
	opts   Options
	logger *logrus.Logger

	emitter *Emitter

	mu       sync.RWMutex
	open     bool
	insp     *Inspection
	seq      *Sequencer
	watchers *WatcherManager
	bridge   *TransportBridge
}

// Info is the identity snapshot returned by Session.Info.
type Info struct {
	Address         string
	Model           profile.Model
	Identity        Identity
	WatcherCapacity int
}

// NewSession wraps a transport. The transport must not be shared between
// sessions.
func NewSession(tr gatt.Transport, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		tr:      tr,
		opts:    opts,
		logger:  logger,
		emitter: NewEmitter(),
	}
}

// On registers an event handler; the returned id removes it via Off.
func (s *Session) On(kind EventKind, fn func(Event)) int {
	return s.emitter.On(kind, fn)
}

// Off removes an event handler.
func (s *Session) Off(id int) {
	s.emitter.Off(id)
}

// IsOpen reports whether the session completed Open and was not closed.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Open connects, inspects the device, and brings the session to the ready
// state. Any failure tears the connection down completely; a half-open
// session never survives.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.mu.Unlock()

	if s.opts.Address == "" {
		return ErrNoPeripheralSelected
	}
	desc, err := profile.ForModel(s.opts.Model)
	if err != nil {
		return err
	}

	s.emitter.Emit(Event{Kind: EventConnecting})
	if err := s.tr.Connect(ctx, &gatt.ConnectOptions{
		Address:        s.opts.Address,
		ConnectTimeout: s.opts.ConnectTimeout,
	}); err != nil {
		return err
	}
	s.emitter.Emit(Event{Kind: EventConnected})

	s.emitter.Emit(Event{Kind: EventInspecting})
	insp, err := Inspect(ctx, s.tr, desc, s.sinks(), s.logger)
	if err != nil {
		s.teardown()
		return err
	}
	s.emitter.Emit(Event{Kind: EventInspected, Payload: insp.Identity})

	seq := NewSequencer(s.commandWriter(insp), s.opts.CommandTimeout, s.logger)

	s.mu.Lock()
	s.insp = insp
	s.seq = seq
	s.watchers = NewWatcherManager(insp, seq, s.tr, s.emitter, s.logger)
	s.bridge = NewTransportBridge(s.tr, insp, s.emitter, s.opts.ChunkSize, s.logger)
	s.open = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.opts.Address,
		"model":   desc.Model.String(),
	}).Info("Session ready")
	s.emitter.Emit(Event{Kind: EventReady})
	return nil
}

// sinks builds the notification handlers installed at inspection time. The
// downstream components do not exist yet when inspection subscribes, so
// every handler resolves them at delivery time.
func (s *Session) sinks() *Sinks {
	return &Sinks{
		Response: func(data []byte) {
			if seq := s.sequencer(); seq != nil {
				seq.HandleResponse(append([]byte(nil), data...))
			}
		},
		Fault: func(data []byte) {
			s.emitter.Emit(Event{Kind: EventFault, Payload: append([]byte(nil), data...)})
		},
		Status: func(slot int, data []byte) {
			s.emitter.Emit(Event{Kind: EventData, Payload: StatusUpdate{Slot: slot, Data: append([]byte(nil), data...)}})
		},
		SuperWatcher: func(data []byte) {
			s.emitter.Emit(Event{Kind: EventData, Payload: StatusUpdate{Slot: SuperWatcherSlot, Data: append([]byte(nil), data...)}})
		},
		UARTData: func(data []byte) {
			if b := s.transportBridge(); b != nil {
				b.HandleRx(data)
			}
		},
		UARTControl: func(data []byte) {
			if b := s.transportBridge(); b != nil {
				b.HandleControl(data)
			}
		},
	}
}

// commandWriter returns the sequencer's write function, bound to the
// command characteristic resolved by this inspection.
func (s *Session) commandWriter(insp *Inspection) WriteFunc {
	return func(data []byte) error {
		svcUUID, charUUID, err := insp.Char(profile.ServiceController, profile.CharCommand)
		if err != nil {
			return err
		}
		return s.tr.Write(context.Background(), svcUUID, charUUID, data, true)
	}
}

func (s *Session) sequencer() *Sequencer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Session) transportBridge() *TransportBridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridge
}

// components snapshots the open-session state or fails with ErrNotOpen.
func (s *Session) components() (*Inspection, *Sequencer, *WatcherManager, *TransportBridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, nil, nil, nil, ErrNotOpen
	}
	return s.insp, s.seq, s.watchers, s.bridge, nil
}

// Close tears the session down: drains the command queue, clears all
// watcher bookkeeping, and disconnects. Safe to call on a closed session.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	seq, bridge := s.seq, s.bridge
	s.insp = nil
	s.seq = nil
	s.watchers = nil
	s.bridge = nil
	s.mu.Unlock()

	s.emitter.Emit(Event{Kind: EventDisconnecting})
	seq.Close(ErrDisconnected)
	_ = bridge.Close()
	err := s.tr.Close()
	s.emitter.Emit(Event{Kind: EventDisconnected})
	s.logger.WithField("address", s.opts.Address).Info("Session closed")
	return err
}

// teardown reverts a partially opened session without emitting the
// disconnecting half of the close sequence.
func (s *Session) teardown() {
	_ = s.tr.Close()
	s.emitter.Emit(Event{Kind: EventDisconnected})
}

// Info returns the identity snapshot captured at inspection.
func (s *Session) Info() (Info, error) {
	insp, _, _, _, err := s.components()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Address:         s.opts.Address,
		Model:           insp.Descriptor.Model,
		Identity:        insp.Identity,
		WatcherCapacity: insp.WatcherCapacity,
	}, nil
}

// Inspection exposes the capability map of the open session.
func (s *Session) Inspection() (*Inspection, error) {
	insp, _, _, _, err := s.components()
	return insp, err
}

// Write tunnels one Modbus payload through the UART bridge and returns the
// assigned transaction id.
func (s *Session) Write(ctx context.Context, payload []byte) (uint16, error) {
	_, _, _, bridge, err := s.components()
	if err != nil {
		return 0, err
	}
	return bridge.Write(ctx, payload)
}

// Conn returns the stream view of the UART bridge.
func (s *Session) Conn() (io.ReadWriteCloser, error) {
	_, _, _, bridge, err := s.components()
	if err != nil {
		return nil, err
	}
	return bridge.Conn(), nil
}

// Watch arms a watcher slot.
func (s *Session) Watch(ctx context.Context, slot int, deviceID byte, address uint16, length int) error {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return err
	}
	return watchers.Watch(ctx, slot, deviceID, address, length)
}

// Unwatch disarms a watcher slot (SuperWatcherSlot disarms the
// super-watcher).
func (s *Session) Unwatch(ctx context.Context, slot int) error {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return err
	}
	return watchers.Unwatch(ctx, slot)
}

// UnwatchAll disarms every armed watcher.
func (s *Session) UnwatchAll(ctx context.Context) error {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return err
	}
	return watchers.UnwatchAll(ctx)
}

// SuperWatch arms the aggregated watcher.
func (s *Session) SuperWatch(ctx context.Context, deviceID byte, addresses []uint16) error {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return err
	}
	return watchers.SuperWatch(ctx, deviceID, addresses)
}

// Watchers returns the armed watcher bindings.
func (s *Session) Watchers(ctx context.Context) ([]WatchBinding, error) {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return watchers.Watchers(ctx)
}

// SuperWatcher reads back the aggregated watcher configuration.
func (s *Session) SuperWatcher(ctx context.Context) (*SuperWatcherState, error) {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return watchers.SuperWatcher(ctx)
}

// Configure sends a device configuration command with opaque parameters.
func (s *Session) Configure(ctx context.Context, params []byte) error {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return err
	}
	spec, err := watchers.command(profile.CommandConfigure)
	if err != nil {
		return err
	}
	_, err = watchers.execute(ctx, profile.CommandConfigure, spec, params)
	return err
}

// Keyswitch toggles the device keyswitch output.
func (s *Session) Keyswitch(ctx context.Context, on bool) error {
	_, _, watchers, _, err := s.components()
	if err != nil {
		return err
	}
	spec, err := watchers.command(profile.CommandKeyswitch)
	if err != nil {
		return err
	}
	var state byte
	if on {
		state = 1
	}
	_, err = watchers.execute(ctx, profile.CommandKeyswitch, spec, []byte{state})
	return err
}
