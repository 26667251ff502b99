package cow

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
)

// Cmp performs strict, entry-by-entry equality comparison of two buffers.
// It is used where entries are known to be non-duplicated (e.g. comparing
// a freshly pushed buffer against itself in a unit test); callers dealing
// with possibly-duplicated heap writes should use CmpHeap instead.
func Cmp(a, b *Buffer) bool {
	if len(a.entries) != len(b.entries) {
		return false
	}

	for i := range a.entries {
		if a.entries[i] != b.entries[i] {
			return false
		}
	}

	return true
}

// reduce collapses a buffer's entries to their last-write-wins value per
// address, since only the final value at each address is meaningful once a
// phase has finished executing.
func reduce(b *Buffer) map[uintptr]Entry {
	out := make(map[uintptr]Entry, len(b.entries))

	for _, e := range b.entries {
		out[e.Addr] = e
	}

	return out
}

// CmpHeap performs a duplicate-write-tolerant comparison of two buffers:
// entries are first reduced to their last value per address, then the
// reduced maps are compared. A later entry addressing the same location as
// an earlier one never causes a spurious mismatch, matching spec.md §4.7's
// "duplicate-write tolerance" contract. The conflict bound itself
// (MAX_CONFLICTS) is enforced at push time by Buffer.pushRaw; CmpHeap only
// explains divergence once it has conclusively been found.
func CmpHeap(a, b *Buffer) (bool, error) {
	ra, rb := reduce(a), reduce(b)

	if len(ra) != len(rb) {
		return false, fmt.Errorf("%w: %d distinct addresses vs %d", ErrMemoryDiverged, len(ra), len(rb))
	}

	for addr, ea := range ra {
		eb, ok := rb[addr]
		if !ok || ea.Size != eb.Size || ea.Value != eb.Value {
			return false, fmt.Errorf("%w at addr %#x: %s", ErrMemoryDiverged, addr, cmp.Diff(ea, eb))
		}
	}

	return true, nil
}

// CmpHeapNWay generalizes CmpHeap to N phases, using buffers[0] (phase 0)
// as the reference every other phase's buffer must match.
func CmpHeapNWay(buffers []*Buffer) (bool, error) {
	if len(buffers) == 0 {
		return true, nil
	}

	ref := reduce(buffers[0])

	for phase := 1; phase < len(buffers); phase++ {
		other := reduce(buffers[phase])

		if len(ref) != len(other) {
			return false, fmt.Errorf("%w: phase 0 has %d distinct addresses, phase %d has %d", ErrMemoryDiverged, len(ref), phase, len(other))
		}

		for addr, ea := range ref {
			eb, ok := other[addr]
			if !ok || ea.Size != eb.Size || ea.Value != eb.Value {
				return false, fmt.Errorf("%w at addr %#x between phase 0 and phase %d: %s", ErrMemoryDiverged, addr, phase, cmp.Diff(ea, eb))
			}
		}
	}

	return true, nil
}

// TryCmp and TryCmpHeap are non-destructive variants returning only a
// boolean, for use by the phase engine's retry loop where the detailed
// error would just be discarded anyway.
func TryCmp(a, b *Buffer) bool { return Cmp(a, b) }

func TryCmpHeap(a, b *Buffer) bool {
	ok, _ := CmpHeap(a, b)
	return ok
}

func TryCmpHeapNWay(buffers []*Buffer) bool {
	ok, _ := CmpHeapNWay(buffers)
	return ok
}
