package controller

import "sync"

// EventKind names are part of the external interface and must be preserved
// verbatim for compatibility with existing consumers.
type EventKind string

const (
	EventConnecting    EventKind = "connecting"
	EventConnected     EventKind = "connected"
	EventReady         EventKind = "ready"
	EventDisconnecting EventKind = "disconnecting"
	EventDisconnected  EventKind = "disconnected"
	EventInspecting    EventKind = "inspecting"
	EventInspected     EventKind = "inspected"
	EventFault         EventKind = "fault"
	EventData          EventKind = "data"
	EventWrite         EventKind = "write"
	EventWatch         EventKind = "watch"
	EventUnwatch       EventKind = "unwatch"
)

// Event is one session notification. Payload depends on the kind: raw bytes
// for fault/data/write, a WatchBinding for watch/unwatch, nil otherwise.
type Event struct {
	Kind    EventKind
	Payload interface{}
}

// WatchBinding is the payload of watch/unwatch events.
type WatchBinding struct {
	Slot     int
	DeviceID byte
	Address  uint16
	Length   int
}

type handlerEntry struct {
	kind EventKind
	fn   func(Event)
}

// Emitter is a minimal observer registry. Handlers run synchronously on the
// emitting goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]handlerEntry
}

// NewEmitter returns an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[int]handlerEntry)}
}

// On registers a handler for one event kind and returns its subscription id.
func (e *Emitter) On(kind EventKind, fn func(Event)) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.handlers[e.nextID] = handlerEntry{kind: kind, fn: fn}
	return e.nextID
}

// Off removes a subscription. Unknown ids are ignored.
func (e *Emitter) Off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, id)
}

// Emit delivers an event to every handler registered for its kind.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.handlers))
	for _, entry := range e.handlers {
		if entry.kind == ev.Kind {
			fns = append(fns, entry.fn)
		}
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
