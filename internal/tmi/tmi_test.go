package tmi_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/cow"
	"github.com/aoikida/sei-go/internal/tmi"
	"github.com/aoikida/sei-go/internal/waitress"
)

type fakeEngine struct {
	mem        *cow.SliceMemory
	mallocNext uintptr
}

func (f *fakeEngine) ReadU8(addr uintptr) uint8   { return f.mem.Read8(addr) }
func (f *fakeEngine) ReadU16(addr uintptr) uint16 { return f.mem.Read16(addr) }
func (f *fakeEngine) ReadU32(addr uintptr) uint32 { return f.mem.Read32(addr) }
func (f *fakeEngine) ReadU64(addr uintptr) uint64 { return f.mem.Read64(addr) }
func (f *fakeEngine) WriteU8(addr uintptr, v uint8)   { f.mem.Write8(addr, v) }
func (f *fakeEngine) WriteU16(addr uintptr, v uint16) { f.mem.Write16(addr, v) }
func (f *fakeEngine) WriteU32(addr uintptr, v uint32) { f.mem.Write32(addr, v) }
func (f *fakeEngine) WriteU64(addr uintptr, v uint64) { f.mem.Write64(addr, v) }
func (f *fakeEngine) Malloc(n int) (uintptr, error) {
	ptr := f.mallocNext
	f.mallocNext += uintptr(n)
	return ptr, nil
}
func (f *fakeEngine) Free(ptr uintptr, n int) error { return nil }
func (f *fakeEngine) Phase() int                    { return 0 }

func TestStackRangeBypassesEngine(t *testing.T) {
	mem := cow.NewSliceMemory(256)
	engine := &fakeEngine{mem: cow.NewSliceMemory(256)}
	shim := tmi.New(engine, mem)

	shim.SetStackRange(128, 256)

	shim.W32(128, 0xCAFEBABE)
	require.Equal(t, uint32(0xCAFEBABE), mem.Read32(128))
	require.Equal(t, uint32(0), engine.mem.Read32(128), "stack writes must not reach the engine")
}

func TestIgnoreRangeBypassesEngine(t *testing.T) {
	mem := cow.NewSliceMemory(256)
	engine := &fakeEngine{mem: cow.NewSliceMemory(256)}
	shim := tmi.New(engine, mem)

	shim.IgnoreRange(64, 96)

	shim.W32(64, 42)
	require.Equal(t, uint32(42), mem.Read32(64))
	require.Equal(t, uint32(0), engine.mem.Read32(64))
}

func TestUntrackedAddressDelegatesToEngine(t *testing.T) {
	mem := cow.NewSliceMemory(256)
	engine := &fakeEngine{mem: cow.NewSliceMemory(256)}
	shim := tmi.New(engine, mem)

	shim.W32(8, 7)
	require.Equal(t, uint32(7), engine.mem.Read32(8))
}

func TestR128W128BuildsFromTwo64BitOps(t *testing.T) {
	mem := cow.NewSliceMemory(256)
	engine := &fakeEngine{mem: cow.NewSliceMemory(256)}
	shim := tmi.New(engine, mem)
	shim.SetStackRange(0, 256)

	shim.W128(0, 0x1111111111111111, 0x2222222222222222)
	lo, hi := shim.R128(0)
	require.Equal(t, uint64(0x1111111111111111), lo)
	require.Equal(t, uint64(0x2222222222222222), hi)
}

func TestCallocZeroesAllocatedMemory(t *testing.T) {
	mem := cow.NewSliceMemory(256)
	engine := &fakeEngine{mem: mem}
	shim := tmi.New(engine, mem)
	shim.SetStackRange(0, 0) // force every access through the engine path

	for i := 0; i < 16; i++ {
		mem.Write8(uintptr(i), 0xFF)
	}

	ptr, err := shim.Calloc(16)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		require.Equal(t, uint8(0), mem.Read8(ptr+uintptr(i)))
	}
}

func TestMutexRecordReplayReplaysPhaseZeroOutcome(t *testing.T) {
	var real sync.Mutex
	m := tmi.NewMutex(&real, tmi.RecordReplay)

	m.SetPhase(0)
	m.Lock()
	m.Unlock()

	m.SetPhase(1)
	m.Lock() // must not attempt to acquire the real lock again
	m.Unlock()
}

func TestMutexTwoPhaseLockingHoldsAcrossPhases(t *testing.T) {
	var real sync.Mutex
	m := tmi.NewMutex(&real, tmi.TwoPhaseLocking)

	m.SetPhase(0)
	m.Lock()
	m.Unlock() // no-op: release deferred to commit

	require.False(t, real.TryLock(), "lock must still be held across phases")

	m.SetPhase(1)
	m.Lock() // already held, no-op

	m.CommitRelease()
	require.True(t, real.TryLock())
	real.Unlock()
}

func TestMiniTraversalLockCommitsBeforeAndRestartsAfter(t *testing.T) {
	var real sync.Mutex
	var order []string

	err := tmi.MiniTraversalLock(&real,
		func() error { order = append(order, "commit"); return nil },
		func() error { order = append(order, "restart"); return nil },
		func() error { order = append(order, "body"); return nil },
	)

	require.NoError(t, err)
	require.Equal(t, []string{"commit", "body", "restart"}, order)
}

func TestSyscallsIdempotentReplaysPhaseZero(t *testing.T) {
	q := waitress.New(2)
	calls := 0

	s := tmi.NewSyscalls(q)
	s.SetPhase(0)
	result, err := s.Idempotent("socket", func() (any, error) {
		calls++
		return 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, result)

	s.SetPhase(1)
	result, err = s.Idempotent("socket", func() (any, error) {
		calls++
		return -1, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, result, "phase 1 must replay phase 0's recorded result")
	require.Equal(t, 1, calls, "fn must only run once, in phase 0")
}

func TestSyscallsDeferQueuesOntoWaitress(t *testing.T) {
	q := waitress.New(2)
	s := tmi.NewSyscalls(q)

	s.SetPhase(0)
	s.Defer("send", "fd:3", []byte("hi"))
	s.SetPhase(1)
	s.Defer("send", "fd:3", []byte("hi"))

	var executed []string
	err := q.Flush(func(tag string, args []any) error {
		executed = append(executed, tag)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"send"}, executed)
}
