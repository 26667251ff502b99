package sei

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/config"
	"github.com/aoikida/sei-go/internal/cow"
	"github.com/aoikida/sei-go/internal/crc"
	"github.com/aoikida/sei-go/internal/ibuf"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.COWSize = 16
	cfg.OBufSize = 16
	cfg.MaxConflicts = 8

	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()

	e, err := New(cfg, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestRunCommitsWhenPhasesAgree(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	addr, err := e.Malloc(4)
	require.NoError(t, err)

	err = e.Run(func() error {
		e.WriteU32(addr, 0xC0FFEE)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, uint32(0xC0FFEE), e.mem.Read32(addr))
	require.Equal(t, -1, e.Phase())
}

func TestRunDetectsDivergenceWithoutCPUIsolation(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	addr, err := e.Malloc(4)
	require.NoError(t, err)

	err = e.Run(func() error {
		// A phase-dependent value is exactly the SDC this engine exists to
		// catch: the redundant executions must compute the same result.
		if e.Phase() == 0 {
			e.WriteU32(addr, 0x1111)
		} else {
			e.WriteU32(addr, 0x2222)
		}

		return nil
	})

	require.ErrorIs(t, err, cow.ErrMemoryDiverged)
}

func TestRunRetriesAndCommitsAfterRollbackWhenCPUIsolationEnabled(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("needs at least 2 CPUs to exercise migration")
	}

	cfg := testConfig()
	cfg.CPUIsolation = true

	e := newTestEngine(t, cfg)
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	addr, err := e.Malloc(4)
	require.NoError(t, err)

	attempt := 0

	err = e.Run(func() error {
		if e.Phase() == 0 {
			attempt++
		}

		// Diverge only on the first attempt; phase 0 always agrees with
		// itself across retries, so the second attempt commits cleanly.
		if attempt == 1 && e.Phase() != 0 {
			e.WriteU32(addr, 0xBAD)
		} else {
			e.WriteU32(addr, 0x600D)
		}

		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, attempt)
	require.Equal(t, uint32(0x600D), e.mem.Read32(addr))
}

func TestPrepareRejectsBadCRC(t *testing.T) {
	e := newTestEngine(t, testConfig())

	msg := []byte("hello")
	require.False(t, e.Prepare(msg, crc.Compute(msg)+1, ibuf.ReadOnly))
}

func TestPrepareNMRejectsOutOfRangeRedundancy(t *testing.T) {
	e := newTestEngine(t, testConfig())

	require.False(t, e.PrepareNM(nil, 0, ibuf.ReadOnly, 1))
	require.False(t, e.PrepareNM(nil, 0, ibuf.ReadOnly, 11))
}

func TestOutputStreamsCrossCheckedAtNext(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	payload := []byte("result")

	err := e.Run(func() error {
		e.OutputAppend(payload)
		return e.OutputDone()
	})
	require.NoError(t, err)

	got, err := e.OutputNext()
	require.NoError(t, err)
	require.Equal(t, crc.Compute(payload), got)
}

func TestShiftCreatesAndSelectsAdditionalStream(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	handle, err := e.Shift(-1)
	require.NoError(t, err)
	require.Equal(t, 1, handle)

	back, err := e.Shift(0)
	require.NoError(t, err)
	require.Equal(t, 0, back)

	_, err = e.Shift(99)
	require.Error(t, err)
}

func TestMallocReplaysSamePhaseZeroAddressAcrossPhases(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.PrepareNM(nil, 0, ibuf.ReadOnly, 3))

	seen := make(map[int]uintptr)

	err := e.Run(func() error {
		ptr, err := e.Malloc(8)
		if err != nil {
			return err
		}

		seen[e.Phase()] = ptr

		return nil
	})
	require.NoError(t, err)

	require.Equal(t, seen[0], seen[1])
	require.Equal(t, seen[0], seen[2])
}

func TestFreeDefersToCommitTrashBin(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	err := e.Run(func() error {
		ptr, err := e.Malloc(8)
		if err != nil {
			return err
		}

		return e.Free(ptr, 8)
	})
	require.NoError(t, err)
}

func TestRollbackRestoresMemoryAndClearsPhase(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.True(t, e.Prepare(nil, 0, ibuf.ReadOnly))

	addr, err := e.Malloc(4)
	require.NoError(t, err)
	e.mem.Write32(addr, 0xBEF04E)

	err = e.Run(func() error {
		if e.Phase() == 0 {
			e.WriteU32(addr, 0x1111)
		} else {
			e.WriteU32(addr, 0x2222)
		}

		return nil
	})
	require.ErrorIs(t, err, cow.ErrMemoryDiverged)

	// Commit's verify() already left the transaction mid-failure (phase
	// still at the final index); Rollback can be driven directly from
	// there to confirm it restores memory to what it held before phase 0.
	require.NoError(t, e.Rollback())
	require.Equal(t, uint32(0xBEF04E), e.mem.Read32(addr))
	require.Equal(t, -1, e.Phase())
}
