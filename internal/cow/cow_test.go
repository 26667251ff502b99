package cow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/cow"
)

func TestPush32WriteThroughUpdatesMemoryImmediately(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 1)

	mem.Write32(8, 0x11111111)

	require.NoError(t, buf.Push32(mem, 8, 0xDEADBEEF))
	require.Equal(t, uint32(0xDEADBEEF), mem.Read32(8))

	// The entry records the pre-write value, not the new one, so Restore
	// can unwind it.
	got, ok := buf.Pop32(8)
	require.True(t, ok)
	require.Equal(t, uint32(0x11111111), got)
}

func TestPushRejectsUnalignedAddress(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 1)

	err := buf.Push32(mem, 7, 0x1)
	require.ErrorIs(t, err, cow.ErrUnaligned)
}

func TestStaticBufferRejectsOverflow(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(1, true, 8)

	require.NoError(t, buf.Push8(mem, 0, 1))

	err := buf.Push8(mem, 8, 2)
	require.ErrorIs(t, err, cow.ErrCapacityExceeded)
}

// TestDuplicateWriteToleranceWithinConflictBudget mirrors spec.md §8's
// "write-through determinism" scenario: writing 0xDEADBEEF then
// 0xCAFEBABE to the same address within one phase is tolerated as long as
// MAX_CONFLICTS allows at least one conflicting address, and the buffer
// records both entries in order.
func TestDuplicateWriteToleranceWithinConflictBudget(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 1)

	require.NoError(t, buf.Push32(mem, 16, 0xDEADBEEF))
	require.NoError(t, buf.Push32(mem, 16, 0xCAFEBABE))

	require.Equal(t, 2, buf.Len())
	require.Equal(t, uint32(0xCAFEBABE), mem.Read32(16))

	// The last entry records the value just before the second write, not
	// either written value directly; Swap is what surfaces the final
	// written value for comparison.
	got, ok := buf.Pop32(16)
	require.True(t, ok)
	require.Equal(t, uint32(0xDEADBEEF), got)
}

func TestConflictBudgetExceededIsFatal(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 1)

	require.NoError(t, buf.Push32(mem, 0, 1))
	require.NoError(t, buf.Push32(mem, 0, 2)) // first conflicting address, within budget

	err := buf.Push32(mem, 8, 3)
	require.NoError(t, err) // a second, distinct address is not yet a conflict

	err = buf.Push32(mem, 8, 4) // second conflicting address exceeds MaxConflicts=1
	require.ErrorIs(t, err, cow.ErrCapacityExceeded)
}

func TestSwapUnwindsDuplicateWritesToOldestValue(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 2)

	mem.Write32(24, 0x00000000)

	require.NoError(t, buf.Push32(mem, 24, 0xDEADBEEF))
	require.NoError(t, buf.Push32(mem, 24, 0xCAFEBABE))
	require.Equal(t, uint32(0xCAFEBABE), mem.Read32(24))

	buf.Swap(mem)

	// Memory must unwind all the way back to the value present before the
	// transaction began, ready for the next phase's re-execution.
	require.Equal(t, uint32(0x00000000), mem.Read32(24))

	// The last entry for the address must now hold the phase's final
	// written value, for cross-phase comparison.
	entries := buf.Entries()
	require.Len(t, entries, 2)
	last, ok := buf.Pop32(24)
	require.True(t, ok)
	require.Equal(t, uint32(0xCAFEBABE), last)
}

func TestRestoreRollsBackEveryEntry(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 8)

	mem.Write32(0, 0xAAAAAAAA)
	mem.Write32(32, 0xBBBBBBBB)

	require.NoError(t, buf.Push32(mem, 0, 1))
	require.NoError(t, buf.Push32(mem, 32, 2))

	buf.Restore(mem)

	require.Equal(t, uint32(0xAAAAAAAA), mem.Read32(0))
	require.Equal(t, uint32(0xBBBBBBBB), mem.Read32(32))
}

func TestCleanResetsBufferForReuse(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	buf := cow.New(8, false, 8)

	require.NoError(t, buf.Push32(mem, 0, 1))
	require.Equal(t, 1, buf.Len())

	buf.Clean()
	require.Equal(t, 0, buf.Len())

	_, ok := buf.Pop32(0)
	require.False(t, ok)
}

// The CmpHeap family compares each phase's final written values — the
// values Swap would surface in WriteThrough mode. WriteBack buffers record
// that final value directly on Push, so these tests use WriteBack to
// exercise the comparison logic without needing a Swap round-trip first.
func newWriteBackBuffer(capacity, maxConflicts int) *cow.Buffer {
	b := cow.New(capacity, false, maxConflicts)
	b.Mode = cow.WriteBack

	return b
}

func TestCmpHeapToleratesDifferentDuplicateHistoriesSameFinalValue(t *testing.T) {
	memA := cow.NewSliceMemory(64)
	memB := cow.NewSliceMemory(64)

	a := newWriteBackBuffer(8, 8)
	b := newWriteBackBuffer(8, 8)

	// Phase A writes once; phase B writes twice to the same address but
	// lands on the same final value. CmpHeap must consider these equal.
	require.NoError(t, a.Push32(memA, 40, 0xCAFEBABE))

	require.NoError(t, b.Push32(memB, 40, 0x11111111))
	require.NoError(t, b.Push32(memB, 40, 0xCAFEBABE))

	ok, err := cow.CmpHeap(a, b)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCmpHeapDetectsDivergence(t *testing.T) {
	memA := cow.NewSliceMemory(64)
	memB := cow.NewSliceMemory(64)

	a := newWriteBackBuffer(8, 8)
	b := newWriteBackBuffer(8, 8)

	require.NoError(t, a.Push32(memA, 48, 0xDEADBEEF))
	require.NoError(t, b.Push32(memB, 48, 0xFFFFFFFF))

	ok, err := cow.CmpHeap(a, b)
	require.False(t, ok)
	require.ErrorIs(t, err, cow.ErrMemoryDiverged)
	require.False(t, cow.TryCmpHeap(a, b))
}

func TestCmpHeapDetectsAddressSetMismatch(t *testing.T) {
	memA := cow.NewSliceMemory(64)
	memB := cow.NewSliceMemory(64)

	a := newWriteBackBuffer(8, 8)
	b := newWriteBackBuffer(8, 8)

	require.NoError(t, a.Push32(memA, 0, 1))
	require.NoError(t, b.Push32(memB, 0, 1))
	require.NoError(t, b.Push32(memB, 8, 2))

	ok, err := cow.CmpHeap(a, b)
	require.False(t, ok)
	require.ErrorIs(t, err, cow.ErrMemoryDiverged)
}

func TestCmpHeapNWayComparesEveryPhaseAgainstPhaseZero(t *testing.T) {
	mems := make([]*cow.SliceMemory, 3)
	buffers := make([]*cow.Buffer, 3)

	for i := range buffers {
		mems[i] = cow.NewSliceMemory(64)
		buffers[i] = newWriteBackBuffer(8, 8)
		require.NoError(t, buffers[i].Push32(mems[i], 56, 0x42424242))
	}

	ok, err := cow.CmpHeapNWay(buffers)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cow.TryCmpHeapNWay(buffers))

	// Corrupt phase 2's result; CmpHeapNWay must catch it against phase 0.
	require.NoError(t, buffers[2].Push32(mems[2], 56, 0x99999999))

	ok, err = cow.CmpHeapNWay(buffers)
	require.False(t, ok)
	require.ErrorIs(t, err, cow.ErrMemoryDiverged)
}

func TestCmpStrictComparisonRequiresSameOrder(t *testing.T) {
	memA := cow.NewSliceMemory(64)
	memB := cow.NewSliceMemory(64)

	a := newWriteBackBuffer(8, 8)
	b := newWriteBackBuffer(8, 8)

	require.NoError(t, a.Push32(memA, 0, 1))
	require.NoError(t, a.Push32(memA, 8, 2))

	require.NoError(t, b.Push32(memB, 8, 2))
	require.NoError(t, b.Push32(memB, 0, 1))

	require.False(t, cow.Cmp(a, b), "Cmp is order-sensitive, unlike CmpHeap")

	ok, err := cow.CmpHeap(a, b)
	require.NoError(t, err)
	require.True(t, ok)
}
