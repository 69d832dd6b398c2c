package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemodbus/internal/gatt"
	"github.com/srg/blemodbus/internal/profile"
)

func normalized(uuid string) string {
	return gatt.NormalizeUUID(uuid)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(io.Discard)
	return logger
}

// fakeTransport is a scriptable in-memory gatt.Transport. It records every
// operation in order so tests can assert both what happened and in what
// sequence, and lets tests inject notifications as a peripheral would.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	services  []gatt.ServiceInfo
	reads     map[string][]byte
	readErrs  map[string]error
	writeErrs map[string]*scriptedWriteErr
	subErrs   map[string]error
	handlers  map[string]gatt.NotificationHandler

	// onWrite, when set, runs after every successful write with the
	// characteristic UUID and payload. Used to script peripheral reactions.
	onWrite func(charUUID string, data []byte)

	// ops is the ordered operation log: "read:<char>", "write:<char>",
	// "subscribe:<char>", "unsubscribe:<char>".
	ops []string
	// writes records write payloads per characteristic UUID.
	writes map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:     make(map[string][]byte),
		readErrs:  make(map[string]error),
		writeErrs: make(map[string]*scriptedWriteErr),
		subErrs:   make(map[string]error),
		handlers:  make(map[string]gatt.NotificationHandler),
		writes:    make(map[string][][]byte),
	}
}

func (f *fakeTransport) key(serviceUUID, charUUID string) string {
	return gatt.NormalizeUUID(charUUID)
}

func (f *fakeTransport) Connect(ctx context.Context, opts *gatt.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return gatt.ErrAlreadyConnected
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Discover(ctx context.Context) ([]gatt.ServiceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services, nil
}

func (f *fakeTransport) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(serviceUUID, charUUID)
	f.ops = append(f.ops, "read:"+k)
	if err, ok := f.readErrs[k]; ok {
		return nil, err
	}
	data, ok := f.reads[k]
	if !ok {
		return nil, fmt.Errorf("no scripted read for %s", k)
	}
	return data, nil
}

func (f *fakeTransport) Write(ctx context.Context, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	f.mu.Lock()
	k := f.key(serviceUUID, charUUID)
	f.ops = append(f.ops, "write:"+k)
	if scripted, ok := f.writeErrs[k]; ok && scripted.times != 0 {
		if scripted.times > 0 {
			scripted.times--
		}
		f.mu.Unlock()
		return scripted.err
	}
	f.writes[k] = append(f.writes[k], append([]byte(nil), data...))
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(k, data)
	}
	return nil
}

// scriptedWriteErr fails writes err for times attempts; times < 0 means
// every attempt.
type scriptedWriteErr struct {
	err   error
	times int
}

func (f *fakeTransport) Subscribe(serviceUUID, charUUID string, handler gatt.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(serviceUUID, charUUID)
	f.ops = append(f.ops, "subscribe:"+k)
	if err, ok := f.subErrs[k]; ok {
		return err
	}
	f.handlers[k] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(serviceUUID, charUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(serviceUUID, charUUID)
	f.ops = append(f.ops, "unsubscribe:"+k)
	delete(f.handlers, k)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.handlers = make(map[string]gatt.NotificationHandler)
	return nil
}

// notify delivers a notification to the subscribed handler, if any.
func (f *fakeTransport) notify(charUUID string, data []byte) bool {
	f.mu.Lock()
	h, ok := f.handlers[gatt.NormalizeUUID(charUUID)]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// opsMatching filters the operation log by prefix.
func (f *fakeTransport) opsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ops))
	for _, op := range f.ops {
		if strings.HasPrefix(op, prefix) {
			out = append(out, op)
		}
	}
	return out
}

func (f *fakeTransport) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

func (f *fakeTransport) writesTo(charUUID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[gatt.NormalizeUUID(charUUID)]
}

// scriptRead scripts a characteristic read value.
func (f *fakeTransport) scriptRead(charUUID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[gatt.NormalizeUUID(charUUID)] = data
}

func (f *fakeTransport) scriptReadErr(charUUID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErrs[gatt.NormalizeUUID(charUUID)] = err
}

func (f *fakeTransport) scriptWriteErr(charUUID string, err error) {
	f.scriptWriteErrTimes(charUUID, err, -1)
}

func (f *fakeTransport) scriptWriteErrTimes(charUUID string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErrs[gatt.NormalizeUUID(charUUID)] = &scriptedWriteErr{err: err, times: times}
}

func (f *fakeTransport) scriptSubErr(charUUID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErrs[gatt.NormalizeUUID(charUUID)] = err
}

// peripheralBuilder assembles a fakeTransport advertising the GATT layout
// of a given model, with identity reads pre-scripted.
type peripheralBuilder struct {
	desc *profile.Descriptor
	omit map[string]bool
	tr   *fakeTransport
}

func newPeripheral(model profile.Model) *peripheralBuilder {
	desc, err := profile.ForModel(model)
	if err != nil {
		panic(err)
	}
	b := &peripheralBuilder{
		desc: desc,
		omit: make(map[string]bool),
		tr:   newFakeTransport(),
	}
	b.tr.scriptRead("7a5c1001-42f4-4e3b-9d71-c9b2e0a4f310", []byte("BRIDGE"))
	b.tr.scriptRead("7a5c1002-42f4-4e3b-9d71-c9b2e0a4f310", []byte("SN-0001"))
	b.tr.scriptRead("7a5c1003-42f4-4e3b-9d71-c9b2e0a4f310", []byte{0x00})
	b.tr.scriptRead("2a29", []byte("ACME"))
	b.tr.scriptRead("2a24", []byte("MB-2"))
	b.tr.scriptRead("2a27", []byte("rev-c"))
	b.tr.scriptRead("2a28", []byte("1.2.0"))
	return b
}

// without drops a characteristic (by service/char key) from the advertised
// layout.
func (b *peripheralBuilder) without(serviceKey, charKey string) *peripheralBuilder {
	b.omit[serviceKey+"/"+charKey] = true
	return b
}

// withoutService drops a whole service from the advertised layout.
func (b *peripheralBuilder) withoutService(serviceKey string) *peripheralBuilder {
	b.omit[serviceKey] = true
	return b
}

// withSoftwareRev overrides the advertised software revision string.
func (b *peripheralBuilder) withSoftwareRev(rev string) *peripheralBuilder {
	b.tr.scriptRead("2a28", []byte(rev))
	return b
}

func (b *peripheralBuilder) build() *fakeTransport {
	services := make([]gatt.ServiceInfo, 0, len(b.desc.Services))
	for serviceKey, svcSpec := range b.desc.Services {
		if b.omit[serviceKey] {
			continue
		}
		svc := gatt.ServiceInfo{UUID: svcSpec.UUID}
		for charKey, charSpec := range svcSpec.Characteristics {
			if b.omit[serviceKey+"/"+charKey] {
				continue
			}
			svc.Characteristics = append(svc.Characteristics, gatt.CharacteristicInfo{
				UUID: charSpec.UUID,
				Props: gatt.Properties{
					Read:   true,
					Write:  true,
					Notify: charSpec.Notify,
				},
			})
		}
		services = append(services, svc)
	}
	b.tr.services = services
	return b.tr
}
