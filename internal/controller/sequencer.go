package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCommandTimeout bounds a management command's wait for its response
// notification when the caller does not specify one.
const DefaultCommandTimeout = time.Second

// WriteFunc writes one command buffer to the command characteristic.
type WriteFunc func(data []byte) error

// command is one queued management command. States: queued (sent=false) →
// sent (awaiting response or timer) → completed/timed out/failed. At most
// one command per sequencer is ever in the sent state.
type command struct {
	seq     byte
	payload []byte
	timeout time.Duration
	done    func(resp []byte, err error)
	timer   *time.Timer
	sent    bool
}

// Sequencer serializes management commands over the single command/response
// characteristic pair: strict FIFO, one in-flight command, responses matched
// by the echoed sequence byte, timeout-driven queue advancement.
//
// Sequence numbers wrap modulo 256. With 256 commands queued against a
// peripheral that never answers, a wrapped number could collide with the
// in-flight one; that case is not guarded.
type Sequencer struct {
	mu             sync.Mutex
	queue          []*command
	nextSeq        byte
	closed         bool
	write          WriteFunc
	defaultTimeout time.Duration
	logger         *logrus.Logger
}

// NewSequencer returns an idle sequencer writing through write.
func NewSequencer(write WriteFunc, defaultTimeout time.Duration, logger *logrus.Logger) *Sequencer {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Sequencer{
		write:          write,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Enqueue appends a command built as [seq, opcode, params...] and triggers a
// send if the queue was idle. done is invoked exactly once: with the full
// response buffer, or with ErrCommandTimeout / ErrDisconnected / the write
// error.
func (s *Sequencer) Enqueue(opcode byte, params []byte, timeout time.Duration, done func([]byte, error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done(nil, ErrDisconnected)
		return
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	seq := s.nextSeq
	s.nextSeq++ // byte arithmetic wraps mod 256

	payload := make([]byte, 0, 2+len(params))
	payload = append(payload, seq, opcode)
	payload = append(payload, params...)

	s.queue = append(s.queue, &command{
		seq:     seq,
		payload: payload,
		timeout: timeout,
		done:    done,
	})
	wasIdle := len(s.queue) == 1
	s.mu.Unlock()

	if wasIdle {
		// Scheduled rather than called inline so a write failure inside
		// advance never grows the caller's stack.
		go s.advance()
	}
}

// Execute runs one command synchronously.
func (s *Sequencer) Execute(ctx context.Context, opcode byte, params []byte, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)

	s.Enqueue(opcode, params, timeout, func(data []byte, err error) {
		ch <- result{data: data, err: err}
	})

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// advance sends the head command, iterating past write failures. The loop
// (not recursion) bounds advancement to the queue length per pass.
func (s *Sequencer) advance() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		head := s.queue[0]
		if head.sent {
			s.mu.Unlock()
			return
		}
		head.sent = true
		payload := head.payload
		s.mu.Unlock()

		err := s.write(payload)

		s.mu.Lock()
		if s.closed || len(s.queue) == 0 || s.queue[0] != head {
			// Closed (or drained) while the write was in flight; Close
			// already failed the callback.
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.logger.WithError(err).WithField("seq", head.seq).Warn("Command write failed")
			head.done(nil, fmt.Errorf("command write failed: %w", err))
			continue
		}

		seq := head.seq
		head.timer = time.AfterFunc(head.timeout, func() { s.expire(seq) })
		s.mu.Unlock()
		return
	}
}

// expire fails the head command on timeout and advances the queue.
func (s *Sequencer) expire(seq byte) {
	s.mu.Lock()
	if s.closed || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	head := s.queue[0]
	if !head.sent || head.seq != seq {
		s.mu.Unlock()
		return
	}
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.logger.WithField("seq", seq).Warn("Command timed out")
	head.done(nil, fmt.Errorf("seq %d: %w", seq, ErrCommandTimeout))
	s.advance()
}

// HandleResponse consumes one response notification: [seq, statusOrOpcode,
// data...]. Responses with no pending command, or whose sequence does not
// match the in-flight head (a late answer to an already-failed command),
// are logged and dropped; completing the wrong command would corrupt the
// correlation. The matching callback always runs before the next command
// is written.
func (s *Sequencer) HandleResponse(data []byte) {
	if len(data) < 2 {
		s.logger.WithField("len", len(data)).Warn("Short command response, ignoring")
		return
	}
	seq := data[0]

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		s.logger.WithField("seq", seq).Debug("Response with no command pending, ignoring")
		return
	}
	head := s.queue[0]
	if !head.sent || head.seq != seq {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"seq":      seq,
			"expected": head.seq,
		}).Warn("Stale response sequence, ignoring")
		return
	}
	if head.timer != nil {
		head.timer.Stop()
	}
	s.queue = s.queue[1:]
	s.mu.Unlock()

	head.done(data, nil)
	s.advance()
}

// Len returns the number of commands queued or in flight.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close drains the queue, failing every pending callback. A nil cause means
// ErrDisconnected. Close is idempotent.
func (s *Sequencer) Close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if cause == nil {
		cause = ErrDisconnected
	}
	for _, cmd := range pending {
		if cmd.timer != nil {
			cmd.timer.Stop()
		}
		cmd.done(nil, cause)
	}
}
