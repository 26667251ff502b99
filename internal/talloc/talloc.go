// Package talloc implements the traversal allocator: it makes heap
// allocations reproducible across a transaction's redundant phases by
// performing the real allocation only in phase 0 and replaying the same
// address in every later phase.
package talloc

import (
	"errors"
	"fmt"

	"github.com/aoikida/sei-go/internal/arena"
)

// ErrAllocCount is returned by Clean when a later phase requested a
// different number of allocations than phase 0 recorded.
var ErrAllocCount = errors.New("talloc: allocation count mismatch across phases")

// Allocator is one transaction's traversal allocator. It is backed by an
// arena.Arena, which itself provides pass-through allocation when
// constructed with size 0.
type Allocator struct {
	arena *arena.Arena

	phase    int
	recorded []uintptr // addresses phase 0 allocated, in call order
	counts   []int     // per-phase count of Alloc calls, for Clean's check
	cursor   int       // index into recorded, for phases >= 1
}

// New creates an Allocator bound to an arena for a transaction of the
// given redundancy.
func New(a *arena.Arena, phases int) *Allocator {
	return &Allocator{
		arena:  a,
		counts: make([]int, phases),
	}
}

// Alloc returns an address for an n-byte allocation. In phase 0 it performs
// a real allocation and records the address; in later phases it returns the
// address phase 0 recorded at the same call position, without allocating.
func (t *Allocator) Alloc(n int) (uintptr, error) {
	t.counts[t.phase]++

	if t.phase == 0 {
		ptr, err := t.arena.Malloc(n)
		if err != nil {
			return 0, err
		}

		t.recorded = append(t.recorded, ptr)

		return ptr, nil
	}

	if t.cursor >= len(t.recorded) {
		return 0, fmt.Errorf("talloc: phase %d requested allocation %d but phase 0 only recorded %d", t.phase, t.cursor, len(t.recorded))
	}

	ptr := t.recorded[t.cursor]
	t.cursor++

	return ptr, nil
}

// Switch advances to the next phase, resetting the replay cursor.
func (t *Allocator) Switch() {
	t.phase++
	t.cursor = 0
}

// Clean verifies every phase recorded the same number of allocations, then
// resets the allocator for reuse by a new transaction.
func (t *Allocator) Clean() error {
	for phase := 1; phase < len(t.counts); phase++ {
		if t.counts[phase] != t.counts[0] {
			return fmt.Errorf("%w: phase 0 allocated %d times, phase %d allocated %d times", ErrAllocCount, t.counts[0], phase, t.counts[phase])
		}
	}

	t.Reset()

	return nil
}

// Reset unconditionally resets the allocator for reuse, without verifying
// the per-phase allocation counts agreed. Used on the rollback path, where
// the mismatch that triggered the retry may itself be the count mismatch.
func (t *Allocator) Reset() {
	t.phase = 0
	t.cursor = 0
	t.recorded = t.recorded[:0]

	for i := range t.counts {
		t.counts[i] = 0
	}
}
