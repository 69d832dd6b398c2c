// Package ringchan provides a bounded event channel with drop-oldest
// semantics, used to fan scan and session events out to consumers that may
// lag behind the BLE callbacks producing them.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel so producers never block: when the
// buffer is full the oldest element is discarded to make room.
type RingChannel[T any] struct {
	ch      chan T
	sent    int64
	dropped int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers range over it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered one if needed. It
// never blocks indefinitely. Reports whether something was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.sent, 1)
		return false
	default:
	}

	dropped := false
	select {
	case <-rc.ch:
		atomic.AddInt64(&rc.dropped, 1)
		dropped = true
	default:
	}
	rc.ch <- v
	atomic.AddInt64(&rc.sent, 1)
	return dropped
}

// TrySend inserts without blocking or dropping; reports success.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.sent, 1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Dropped returns how many elements were discarded to make room.
func (rc *RingChannel[T]) Dropped() int64 {
	return atomic.LoadInt64(&rc.dropped)
}

// Close closes the channel. Sending after Close panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
