package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blemodbus/internal/profile"
)

// watcherHarness is an inspected session core against a fake peripheral
// whose command responses are scripted per test.
type watcherHarness struct {
	tr      *fakeTransport
	insp    *Inspection
	seq     *Sequencer
	emitter *Emitter
	wm      *WatcherManager

	// respond maps a written command buffer to the peripheral's response
	// notification. Returning nil suppresses the response (timeout path).
	respond func(cmd []byte) []byte
}

func ackResponder(cmd []byte) []byte {
	return []byte{cmd[0], 0x00}
}

func newWatcherHarness(t *testing.T, builder *peripheralBuilder) *watcherHarness {
	t.Helper()

	h := &watcherHarness{tr: builder.build(), respond: ackResponder}

	insp, err := Inspect(context.Background(), h.tr, builder.desc, nil, newTestLogger())
	require.NoError(t, err)
	h.insp = insp

	write := func(data []byte) error {
		if err := h.tr.Write(context.Background(), "", uuidCommandTest, data, true); err != nil {
			return err
		}
		if resp := h.respond(data); resp != nil {
			go h.seq.HandleResponse(resp)
		}
		return nil
	}
	h.seq = NewSequencer(write, 200*time.Millisecond, newTestLogger())
	h.emitter = NewEmitter()
	h.wm = NewWatcherManager(insp, h.seq, h.tr, h.emitter, newTestLogger())
	t.Cleanup(func() { h.seq.Close(nil) })
	return h
}

func (h *watcherHarness) commandWrites() [][]byte {
	return h.tr.writesTo(uuidCommandTest)
}

type WatcherSuite struct {
	suite.Suite
	ctx context.Context
}

func TestWatcherSuite(t *testing.T) {
	suite.Run(t, new(WatcherSuite))
}

func (s *WatcherSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *WatcherSuite) TestWatchRejectsInvalidSlotWithoutIO() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	before := h.tr.opCount()

	err := h.wm.Watch(s.ctx, 8, 1, 0x0100, 4)
	var slotErr *InvalidSlotError
	s.Require().ErrorAs(err, &slotErr)
	s.Equal(8, slotErr.Slot)
	s.Equal(8, slotErr.Capacity)

	err = h.wm.Watch(s.ctx, -1, 1, 0x0100, 4)
	s.Require().ErrorAs(err, &slotErr)

	s.Equal(before, h.tr.opCount(), "validation failures must not touch the transport")
}

func (s *WatcherSuite) TestWatchRejectsOversizeLengthWithoutIO() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	before := h.tr.opCount()

	err := h.wm.Watch(s.ctx, 0, 1, 0x0100, 17)
	var lenErr *WatchLengthError
	s.Require().ErrorAs(err, &lenErr)
	s.Equal(17, lenErr.Length)
	s.Equal(16, lenErr.Max)
	s.Equal(before, h.tr.opCount())
}

func (s *WatcherSuite) TestWatchArmsSlot() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))

	var got WatchBinding
	h.emitter.On(EventWatch, func(ev Event) { got = ev.Payload.(WatchBinding) })

	before := h.tr.opCount()
	s.Require().NoError(h.wm.Watch(s.ctx, 2, 0x11, 0x1234, 6))

	cmds := h.commandWrites()
	s.Require().Len(cmds, 1)
	// [seq, opcode, slot, deviceID, addrHi, addrLo, length]
	s.Equal([]byte{0x00, 0x10, 0x02, 0x11, 0x12, 0x34, 0x06}, cmds[0])

	// Unsubscribe precedes the command write, the fresh subscription follows.
	h.tr.mu.Lock()
	ops := append([]string(nil), h.tr.ops[before:]...)
	h.tr.mu.Unlock()
	statusUUID := "7a5c1013-42f4-4e3b-9d71-c9b2e0a4f310"
	s.Equal([]string{
		"unsubscribe:" + normalized(statusUUID),
		"write:" + normalized(uuidCommandTest),
		"subscribe:" + normalized(statusUUID),
	}, ops)

	s.Equal(WatchBinding{Slot: 2, DeviceID: 0x11, Address: 0x1234, Length: 6}, got)
}

func (s *WatcherSuite) TestUnwatchDropsSubscriptionBeforeCommand() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	s.Require().NoError(h.wm.Watch(s.ctx, 1, 1, 0x0010, 2))

	var got WatchBinding
	h.emitter.On(EventUnwatch, func(ev Event) { got = ev.Payload.(WatchBinding) })

	before := h.tr.opCount()
	s.Require().NoError(h.wm.Unwatch(s.ctx, 1))

	h.tr.mu.Lock()
	ops := append([]string(nil), h.tr.ops[before:]...)
	h.tr.mu.Unlock()
	statusUUID := "7a5c1012-42f4-4e3b-9d71-c9b2e0a4f310"
	s.Equal([]string{
		"unsubscribe:" + normalized(statusUUID),
		"write:" + normalized(uuidCommandTest),
	}, ops)

	cmds := h.commandWrites()
	s.Equal([]byte{0x01, 0x11, 0x01}, cmds[len(cmds)-1])
	s.Equal(WatchBinding{Slot: 1, DeviceID: 1, Address: 0x0010, Length: 2}, got)
}

func (s *WatcherSuite) TestUnwatchEmptySlotStillSendsCommand() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))

	s.Require().NoError(h.wm.Unwatch(s.ctx, 5))

	cmds := h.commandWrites()
	s.Require().Len(cmds, 1)
	s.Equal([]byte{0x00, 0x11, 0x05}, cmds[0])
}

func (s *WatcherSuite) TestDeviceErrorStatusSurfaces() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	h.respond = func(cmd []byte) []byte { return []byte{cmd[0], 0x05} }

	err := h.wm.Watch(s.ctx, 0, 1, 0x0100, 4)
	var devErr *DeviceCommandError
	s.Require().ErrorAs(err, &devErr)
	s.Equal(profile.CommandWatch, devErr.Command)
	s.ErrorContains(err, "0x05")
}

func (s *WatcherSuite) TestCommandTimeoutSurfaces() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	h.respond = func(cmd []byte) []byte { return nil }

	err := h.wm.Watch(s.ctx, 0, 1, 0x0100, 4)
	s.Require().Error(err)
	s.ErrorIs(err, ErrCommandTimeout)
	var devErr *DeviceCommandError
	s.ErrorAs(err, &devErr)
}

func (s *WatcherSuite) TestSuperWatchNotImplementedOnMk1() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk1))
	before := h.tr.opCount()

	err := h.wm.SuperWatch(s.ctx, 1, []uint16{0x0100})
	s.ErrorIs(err, ErrNotImplemented)
	s.Equal(before, h.tr.opCount())
}

func (s *WatcherSuite) TestSuperWatchGatedOnFirmware() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2).withSoftwareRev("1.1.3"))
	before := h.tr.opCount()

	err := h.wm.SuperWatch(s.ctx, 1, []uint16{0x0100})
	var fwErr *FirmwareError
	s.Require().ErrorAs(err, &fwErr)
	s.Equal(profile.CommandSuperWatch, fwErr.Command)
	s.Equal("1.2.0", fwErr.Required.String())
	s.Equal("1.1.3", fwErr.Actual.String())
	s.Equal(before, h.tr.opCount())
}

func (s *WatcherSuite) TestSuperWatchArms() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))

	s.Require().NoError(h.wm.SuperWatch(s.ctx, 0x07, []uint16{0x0100, 0x0203}))

	cmds := h.commandWrites()
	s.Require().Len(cmds, 1)
	s.Equal([]byte{0x00, 0x13, 0xFF, 0x07, 0x02, 0x01, 0x00, 0x02, 0x03}, cmds[0])

	subs := h.tr.opsMatching("subscribe:" + normalized(uuidSuperWatcherTest))
	s.Len(subs, 2, "inspection plus the re-arm subscription")
}

func (s *WatcherSuite) TestSuperWatchRejectsTooManyAddresses() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	before := h.tr.opCount()

	addrs := make([]uint16, 17)
	err := h.wm.SuperWatch(s.ctx, 1, addrs)
	s.Require().Error(err)
	s.ErrorContains(err, "out of range")
	s.Equal(before, h.tr.opCount())
}

func (s *WatcherSuite) TestWatchersReadback() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	h.respond = func(cmd []byte) []byte {
		if cmd[1] == 0x12 {
			return []byte{cmd[0], 0x00,
				0x00, 0x01, 0x01, 0x00, 0x04,
				0x03, 0x02, 0x00, 0x10, 0x00, // empty slot, skipped
				0x05, 0x01, 0x02, 0x00, 0x08,
			}
		}
		return ackResponder(cmd)
	}

	got, err := h.wm.Watchers(s.ctx)
	s.Require().NoError(err)
	s.Equal([]WatchBinding{
		{Slot: 0, DeviceID: 1, Address: 0x0100, Length: 4},
		{Slot: 5, DeviceID: 1, Address: 0x0200, Length: 8},
	}, got)
}

func (s *WatcherSuite) TestWatchersFallsBackToLocalMirrorOnMk1() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk1))
	s.Require().NoError(h.wm.Watch(s.ctx, 0, 1, 0x0040, 2))

	cmdsBefore := len(h.commandWrites())
	got, err := h.wm.Watchers(s.ctx)
	s.Require().NoError(err)
	s.Equal([]WatchBinding{{Slot: 0, DeviceID: 1, Address: 0x0040, Length: 2}}, got)
	s.Len(h.commandWrites(), cmdsBefore, "no readback command exists on this model")
}

func (s *WatcherSuite) TestSuperWatcherReadback() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	h.respond = func(cmd []byte) []byte {
		if cmd[1] == 0x14 {
			return []byte{cmd[0], 0x00, 0xFF, 0x07, 0x02, 0x01, 0x00, 0x02, 0x03}
		}
		return ackResponder(cmd)
	}

	got, err := h.wm.SuperWatcher(s.ctx)
	s.Require().NoError(err)
	s.Equal(byte(0x07), got.DeviceID)
	s.Equal([]uint16{0x0100, 0x0203}, got.Addresses)
}

func (s *WatcherSuite) TestUnwatchAll() {
	h := newWatcherHarness(s.T(), newPeripheral(profile.ModelMk2))
	s.Require().NoError(h.wm.Watch(s.ctx, 0, 1, 0x0010, 2))
	s.Require().NoError(h.wm.Watch(s.ctx, 3, 1, 0x0020, 2))
	s.Require().NoError(h.wm.SuperWatch(s.ctx, 1, []uint16{0x0030}))

	s.Require().NoError(h.wm.UnwatchAll(s.ctx))

	cmds := h.commandWrites()
	// 3 arms plus 3 disarms.
	s.Require().Len(cmds, 6)
	s.Equal([]byte{0x00}, cmds[3][2:3])
	s.Equal([]byte{0x03}, cmds[4][2:3])
	s.Equal(byte(0xFF), cmds[5][2])
	s.Empty(h.wm.localWatchers())
}

func TestParseWatcherRecords(t *testing.T) {
	t.Run("malformed length", func(t *testing.T) {
		_, err := ParseWatcherRecords([]byte{0x00, 0x01, 0x02})
		require.Error(t, err)
	})
	t.Run("empty buffer", func(t *testing.T) {
		got, err := ParseWatcherRecords(nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestParseSuperWatcherRecord(t *testing.T) {
	t.Run("truncated header", func(t *testing.T) {
		_, err := ParseSuperWatcherRecord([]byte{0xFF, 0x01})
		require.Error(t, err)
	})
	t.Run("truncated addresses", func(t *testing.T) {
		_, err := ParseSuperWatcherRecord([]byte{0xFF, 0x01, 0x02, 0x01, 0x00})
		require.Error(t, err)
	})
}
