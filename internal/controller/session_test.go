package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blemodbus/internal/profile"
)

type SessionSuite struct {
	suite.Suite
	ctx context.Context
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
}

// autoAck makes the fake peripheral acknowledge every management command
// with a zero status, delivered through the response characteristic like
// the real device would.
func autoAck(tr *fakeTransport) {
	tr.onWrite = func(charUUID string, data []byte) {
		if charUUID != normalized(uuidCommandTest) {
			return
		}
		resp := []byte{data[0], 0x00}
		go tr.notify(uuidResponseTest, resp)
	}
}

func (s *SessionSuite) newOpenSession(builder *peripheralBuilder) (*Session, *fakeTransport) {
	tr := builder.build()
	autoAck(tr)
	sess := NewSession(tr, Options{
		Address:        "aa:bb:cc:dd:ee:ff",
		Model:          builder.desc.Model,
		CommandTimeout: 200 * time.Millisecond,
	}, newTestLogger())
	s.Require().NoError(sess.Open(s.ctx))
	return sess, tr
}

type eventLog struct {
	mu    sync.Mutex
	kinds []EventKind
}

func (l *eventLog) record(kind EventKind) func(Event) {
	return func(Event) {
		l.mu.Lock()
		l.kinds = append(l.kinds, kind)
		l.mu.Unlock()
	}
}

func (l *eventLog) snapshot() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventKind(nil), l.kinds...)
}

func (s *SessionSuite) TestOpenEmitsLifecycleEvents() {
	tr := newPeripheral(profile.ModelMk2).build()
	autoAck(tr)
	sess := NewSession(tr, Options{Address: "aa:bb", Model: profile.ModelMk2}, newTestLogger())

	log := &eventLog{}
	for _, kind := range []EventKind{
		EventConnecting, EventConnected, EventInspecting, EventInspected, EventReady,
	} {
		sess.On(kind, log.record(kind))
	}

	s.Require().NoError(sess.Open(s.ctx))
	defer sess.Close()

	s.True(sess.IsOpen())
	s.Equal([]EventKind{
		EventConnecting, EventConnected, EventInspecting, EventInspected, EventReady,
	}, log.snapshot())
}

func (s *SessionSuite) TestOpenRequiresAddress() {
	sess := NewSession(newFakeTransport(), Options{Model: profile.ModelMk2}, newTestLogger())
	s.ErrorIs(sess.Open(s.ctx), ErrNoPeripheralSelected)
	s.False(sess.IsOpen())
}

func (s *SessionSuite) TestOpenRejectsUnknownModel() {
	sess := NewSession(newFakeTransport(), Options{Address: "aa:bb"}, newTestLogger())
	s.ErrorIs(sess.Open(s.ctx), profile.ErrUnknownModel)
}

func (s *SessionSuite) TestOpenTwiceFails() {
	sess, _ := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()
	s.ErrorIs(sess.Open(s.ctx), ErrAlreadyOpen)
}

func (s *SessionSuite) TestFailedInspectionTearsDown() {
	tr := newPeripheral(profile.ModelMk2).
		without(profile.ServiceController, profile.CharResponse).
		build()
	sess := NewSession(tr, Options{Address: "aa:bb", Model: profile.ModelMk2}, newTestLogger())

	log := &eventLog{}
	sess.On(EventDisconnected, log.record(EventDisconnected))

	err := sess.Open(s.ctx)
	var missing *MissingCapabilityError
	s.Require().ErrorAs(err, &missing)
	s.False(sess.IsOpen())
	s.False(tr.IsConnected())
	s.Equal([]EventKind{EventDisconnected}, log.snapshot())
}

func (s *SessionSuite) TestOperationsBeforeOpenFail() {
	sess := NewSession(newFakeTransport(), Options{Address: "aa:bb", Model: profile.ModelMk2}, newTestLogger())

	s.ErrorIs(sess.Watch(s.ctx, 0, 1, 0x0100, 2), ErrNotOpen)
	_, err := sess.Write(s.ctx, []byte{0x03})
	s.ErrorIs(err, ErrNotOpen)
	_, err = sess.Info()
	s.ErrorIs(err, ErrNotOpen)
	_, err = sess.Watchers(s.ctx)
	s.ErrorIs(err, ErrNotOpen)
	s.ErrorIs(sess.Keyswitch(s.ctx, true), ErrNotOpen)
}

func (s *SessionSuite) TestCloseClearsAllState() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	s.Require().NoError(sess.Watch(s.ctx, 0, 1, 0x0100, 2))

	log := &eventLog{}
	sess.On(EventDisconnecting, log.record(EventDisconnecting))
	sess.On(EventDisconnected, log.record(EventDisconnected))

	s.Require().NoError(sess.Close())
	s.False(sess.IsOpen())
	s.False(tr.IsConnected())
	s.Equal([]EventKind{EventDisconnecting, EventDisconnected}, log.snapshot())

	// No capability state survives a close.
	s.ErrorIs(sess.Watch(s.ctx, 0, 1, 0x0100, 2), ErrNotOpen)
	_, err := sess.Watchers(s.ctx)
	s.ErrorIs(err, ErrNotOpen)

	s.Require().NoError(sess.Close(), "close is idempotent")
}

func (s *SessionSuite) TestCloseFailsInFlightCommands() {
	builder := newPeripheral(profile.ModelMk2)
	tr := builder.build()
	// No responder: commands hang until the session closes.
	sess := NewSession(tr, Options{
		Address:        "aa:bb",
		Model:          profile.ModelMk2,
		CommandTimeout: 10 * time.Second,
	}, newTestLogger())
	s.Require().NoError(sess.Open(s.ctx))

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Watch(s.ctx, 0, 1, 0x0100, 2)
	}()

	// Let the watch reach the in-flight state before closing.
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(sess.Close())

	select {
	case err := <-errCh:
		s.ErrorIs(err, ErrDisconnected)
	case <-time.After(time.Second):
		s.Fail("in-flight command not failed by close")
	}
}

func (s *SessionSuite) TestInfoSnapshot() {
	sess, _ := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	info, err := sess.Info()
	s.Require().NoError(err)
	s.Equal("aa:bb:cc:dd:ee:ff", info.Address)
	s.Equal(profile.ModelMk2, info.Model)
	s.Equal("BRIDGE", info.Identity.Product)
	s.Equal("SN-0001", info.Identity.Serial)
	s.Equal(8, info.WatcherCapacity)
}

func (s *SessionSuite) TestWatchRoundTrip() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	var got WatchBinding
	var mu sync.Mutex
	sess.On(EventWatch, func(ev Event) {
		mu.Lock()
		got = ev.Payload.(WatchBinding)
		mu.Unlock()
	})

	s.Require().NoError(sess.Watch(s.ctx, 1, 0x22, 0x0040, 4))

	cmds := tr.writesTo(uuidCommandTest)
	s.Require().Len(cmds, 1)
	s.Equal([]byte{0x00, 0x10, 0x01, 0x22, 0x00, 0x40, 0x04}, cmds[0])

	mu.Lock()
	defer mu.Unlock()
	s.Equal(WatchBinding{Slot: 1, DeviceID: 0x22, Address: 0x0040, Length: 4}, got)
}

func (s *SessionSuite) TestStatusNotificationsFlowAsDataEvents() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	var mu sync.Mutex
	var got StatusUpdate
	sess.On(EventData, func(ev Event) {
		if su, ok := ev.Payload.(StatusUpdate); ok {
			mu.Lock()
			got = su
			mu.Unlock()
		}
	})

	s.True(tr.notify(uuidStatus1Test, []byte{0x00, 0x2A}))

	mu.Lock()
	defer mu.Unlock()
	s.Equal(0, got.Slot)
	s.Equal([]byte{0x00, 0x2A}, got.Data)
}

func (s *SessionSuite) TestFaultNotificationsFlowAsFaultEvents() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	var mu sync.Mutex
	var got []byte
	sess.On(EventFault, func(ev Event) {
		mu.Lock()
		got = ev.Payload.([]byte)
		mu.Unlock()
	})

	s.True(tr.notify(uuidFaultTest, []byte{0x42}))

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]byte{0x42}, got)
}

func (s *SessionSuite) TestWriteTunnelsThroughUART() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	txID, err := sess.Write(s.ctx, []byte{0x03, 0x00, 0x10, 0x00, 0x01})
	s.Require().NoError(err)
	s.Equal(uint16(0), txID)
	s.NotEmpty(tr.writesTo(uuidUARTTxTest))
}

func (s *SessionSuite) TestKeyswitchCommand() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	s.Require().NoError(sess.Keyswitch(s.ctx, true))
	s.Require().NoError(sess.Keyswitch(s.ctx, false))

	cmds := tr.writesTo(uuidCommandTest)
	s.Require().Len(cmds, 2)
	s.Equal([]byte{0x00, 0x21, 0x01}, cmds[0])
	s.Equal([]byte{0x01, 0x21, 0x00}, cmds[1])
}

func (s *SessionSuite) TestConfigureCommand() {
	sess, tr := s.newOpenSession(newPeripheral(profile.ModelMk2))
	defer sess.Close()

	s.Require().NoError(sess.Configure(s.ctx, []byte{0x01, 0x02}))

	cmds := tr.writesTo(uuidCommandTest)
	s.Require().Len(cmds, 1)
	s.Equal([]byte{0x00, 0x20, 0x01, 0x02}, cmds[0])
}

func (s *SessionSuite) TestSuperWatchGateFlowsThroughSession() {
	sess, _ := s.newOpenSession(newPeripheral(profile.ModelMk2).withSoftwareRev("1.0.0"))
	defer sess.Close()

	err := sess.SuperWatch(s.ctx, 1, []uint16{0x0100})
	var fwErr *FirmwareError
	s.ErrorAs(err, &fwErr)
}

func (s *SessionSuite) TestReopenAfterClose() {
	sess, _ := s.newOpenSession(newPeripheral(profile.ModelMk2))
	s.Require().NoError(sess.Close())

	s.Require().NoError(sess.Open(s.ctx))
	defer sess.Close()
	s.True(sess.IsOpen())

	info, err := sess.Info()
	s.Require().NoError(err)
	s.Equal("BRIDGE", info.Identity.Product)
}
