// Package tbin implements the trash bin: a deferred-free collector that
// records pointers freed during each phase and, at flush, verifies every
// phase produced the identical sequence of frees before actually freeing
// anything.
package tbin

import (
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/aoikida/sei-go/internal/arena"
)

// ErrMismatch is returned by Flush when two phases disagree on which (or
// how many) pointers were freed.
var ErrMismatch = errors.New("tbin: phase mismatch")

// Bin is one transaction's trash bin: items[phase] is the ordered list of
// pointers that phase recorded as freed.
type Bin struct {
	arena       *arena.Arena
	defaultSize int // fallback block size for Add, for arena.Free
	items       [][]uintptr
	sizes       [][]int // sizes[phase][i] is the byte size freed at items[phase][i]
}

// New creates a Bin for a transaction with the given redundancy and
// default block size. a may be nil, in which case Flush releases pointers
// via the plain garbage collector instead of an arena (pass-through
// allocation mode).
func New(a *arena.Arena, blockSize int, phases int) *Bin {
	return &Bin{
		arena:       a,
		defaultSize: blockSize,
		items:       make([][]uintptr, phases),
		sizes:       make([][]int, phases),
	}
}

// Add appends ptr to the given phase's list at the Bin's default block
// size, growing geometrically like cow.Buffer.
func (b *Bin) Add(ptr uintptr, phase int) {
	b.AddSized(ptr, b.defaultSize, phase)
}

// AddSized is Add with an explicit per-pointer size, for a trash bin whose
// entries are not all the same size (the engine's traversal allocator
// hands out allocations of whatever size the caller requested).
func (b *Bin) AddSized(ptr uintptr, size int, phase int) {
	b.items[phase] = append(b.items[phase], ptr)
	b.sizes[phase] = append(b.sizes[phase], size)
}

// Flush verifies every phase recorded the same number of pointers, and
// that the pointer at each index agrees across phases, then frees each
// pointer exactly once (via the owning arena, or the runtime allocator if
// the bin has no arena).
func (b *Bin) Flush() error {
	if len(b.items) == 0 {
		return nil
	}

	ref := b.items[0]

	for phase := 1; phase < len(b.items); phase++ {
		other := b.items[phase]

		if len(other) != len(ref) {
			return fmt.Errorf("%w: phase 0 freed %d pointers, phase %d freed %d", ErrMismatch, len(ref), phase, len(other))
		}

		for i := range ref {
			if ref[i] != other[i] {
				return fmt.Errorf("%w at index %d: %s", ErrMismatch, i, cmp.Diff(ref[i], other[i]))
			}
		}
	}

	refSizes := b.sizes[0]

	for i, ptr := range ref {
		if b.arena != nil {
			if err := b.arena.Free(ptr, refSizes[i]); err != nil {
				return fmt.Errorf("tbin: free %#x: %w", ptr, err)
			}
		}
	}

	return nil
}

// Len reports how many pointers phase 0 has recorded so far.
func (b *Bin) Len() int {
	if len(b.items) == 0 {
		return 0
	}

	return len(b.items[0])
}

// Clean resets the bin for reuse by a new transaction.
func (b *Bin) Clean() {
	for i := range b.items {
		b.items[i] = b.items[i][:0]
		b.sizes[i] = b.sizes[i][:0]
	}
}
