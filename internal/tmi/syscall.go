package tmi

import (
	"fmt"

	"github.com/aoikida/sei-go/internal/waitress"
)

// SyscallFunc is a wrapped system call: a named, effectful operation
// (socket, bind, send, close, ...) the application routes through tmi
// instead of calling directly.
type SyscallFunc func(args ...any) (result any, err error)

// Syscalls wraps effectful calls in one of spec.md §4.10's two patterns:
// idempotent observations (socket, bind) use record-replay identically to
// Mutex's RecordReplay mode; effectful calls (send, close) are deferred
// onto the waitress queue and executed exactly once at commit.
type Syscalls struct {
	queue *waitress.Queue
	phase int

	idempotent []idempotentRecord
	cursor     int
}

type idempotentRecord struct {
	tag    string
	result any
	err    error
}

// NewSyscalls creates a Syscalls wrapper for one transaction, deferring
// effectful calls onto queue.
func NewSyscalls(queue *waitress.Queue) *Syscalls {
	return &Syscalls{queue: queue}
}

// SetPhase tells Syscalls which phase is executing, for the idempotent
// record-replay path.
func (s *Syscalls) SetPhase(phase int) {
	if phase == 0 {
		s.cursor = 0
	}

	s.phase = phase
}

// Idempotent wraps a call that only observes state (socket, bind): phase 0
// actually performs it and records the outcome; later phases replay the
// recorded outcome without calling fn again.
func (s *Syscalls) Idempotent(tag string, fn func() (any, error)) (any, error) {
	if s.phase == 0 {
		result, err := fn()
		s.idempotent = append(s.idempotent, idempotentRecord{tag: tag, result: result, err: err})

		return result, err
	}

	if s.cursor >= len(s.idempotent) {
		return nil, fmt.Errorf("tmi: phase %d replayed %q past phase 0's recorded calls", s.phase, tag)
	}

	rec := s.idempotent[s.cursor]
	s.cursor++

	return rec.result, rec.err
}

// Defer queues an effectful call (send, close) to run exactly once at
// commit, after cross-phase verification that every phase produced the
// same call with the same arguments.
func (s *Syscalls) Defer(tag string, args ...any) {
	s.queue.Push(s.phase, tag, args...)
}

// Clean resets record-replay state for reuse by the next transaction.
func (s *Syscalls) Clean() {
	s.idempotent = s.idempotent[:0]
	s.cursor = 0
	s.phase = 0
}
