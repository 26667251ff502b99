// Package ibuf implements the input buffer: the transaction's CRC-checked
// view of the message it was invoked with, verified unmodified (or
// modified in a reproducible way) across every redundant phase.
package ibuf

import "github.com/aoikida/sei-go/internal/crc"

// Mode selects how Correct interprets the buffer at commit time.
type Mode uint8

const (
	// ReadOnly requires the buffer to be byte-identical at commit to what
	// Prepare validated.
	ReadOnly Mode = iota

	// ReadWrite permits in-place modification during phase 0, requiring
	// only that the buffer matches the CRC snapshot taken at Switch.
	ReadWrite
)

// State is one transaction's input buffer state.
type State struct {
	ptr  []byte
	mode Mode

	prepared bool
	original uint32 // CRC passed to Prepare
	snapshot uint32 // CRC captured at Switch (end of phase 0)
}

// New creates an empty State.
func New() *State {
	return &State{}
}

// Prepare validates ptr against crc (an empty/nil ptr is always accepted,
// matching spec.md §4.5's empty-message case) and records the mode to be
// used at Correct.
func (s *State) Prepare(ptr []byte, want uint32, mode Mode) bool {
	s.ptr = ptr
	s.mode = mode

	s.original = want

	if ptr == nil {
		s.prepared = true
		return true
	}

	if crc.Compute(ptr) != want {
		s.prepared = false
		return false
	}

	s.prepared = true

	return true
}

// Switch snapshots the buffer's current CRC at the end of phase 0, for
// ReadWrite mode's later comparison.
func (s *State) Switch() {
	if s.ptr != nil {
		s.snapshot = crc.Compute(s.ptr)
	}
}

// Correct reports, at commit, whether the input buffer is in the state the
// transaction is allowed to have left it in: unmodified in ReadOnly mode,
// or matching the phase-0 snapshot in ReadWrite mode.
func (s *State) Correct() bool {
	if !s.prepared {
		return false
	}

	if s.ptr == nil {
		return true
	}

	cur := crc.Compute(s.ptr)

	if s.mode == ReadOnly {
		return cur == s.original
	}

	return cur == s.snapshot
}
