package sdc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/cow"
	"github.com/aoikida/sei-go/internal/sdc"
)

func TestInjectorPassesThroughAtZeroRate(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	inj := sdc.New(mem, 1, sdc.Config{})

	inj.Write32(0, 0xCAFEBABE)
	require.Equal(t, uint32(0xCAFEBABE), inj.Read32(0))
	require.Equal(t, sdc.Stats{}, inj.Stats())
}

func TestInjectorAlwaysFlipsWriteAtFullRate(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	inj := sdc.New(mem, 7, sdc.Config{WriteFlipRate: 1.0})

	inj.Write32(0, 0xCAFEBABE)

	got := mem.Read32(0)
	require.NotEqual(t, uint32(0xCAFEBABE), got)
	require.Equal(t, int64(1), inj.Stats().WriteFlips)

	// A single bit flip differs from the original in exactly one bit.
	diff := got ^ 0xCAFEBABE
	require.Equal(t, 1, popcount32(diff))
}

func TestInjectorAlwaysFlipsReadAtFullRate(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	mem.Write32(0, 0xCAFEBABE)

	inj := sdc.New(mem, 7, sdc.Config{ReadFlipRate: 1.0})

	got := inj.Read32(0)
	require.NotEqual(t, uint32(0xCAFEBABE), got)
	require.Equal(t, uint32(0xCAFEBABE), mem.Read32(0), "a read flip must not corrupt the backing store")
	require.Equal(t, int64(1), inj.Stats().ReadFlips)
}

func TestInjectorModeNoOpDisablesInjection(t *testing.T) {
	mem := cow.NewSliceMemory(64)
	inj := sdc.New(mem, 7, sdc.Config{WriteFlipRate: 1.0})
	inj.SetMode(sdc.ModeNoOp)

	inj.Write32(0, 0xCAFEBABE)
	require.Equal(t, uint32(0xCAFEBABE), inj.Read32(0))
	require.Equal(t, int64(0), inj.Stats().WriteFlips)
}

func TestInjectorPhaseOfRestrictsCorruptionToTargetedPhases(t *testing.T) {
	mem := cow.NewSliceMemory(64)

	phase := 0
	inj := sdc.New(mem, 7, sdc.Config{WriteFlipRate: 1.0})
	inj.PhaseOf = func() int { return phase }
	inj.Phases = map[int]bool{1: true}

	phase = 0
	inj.Write32(0, 0x1111)
	require.Equal(t, uint32(0x1111), mem.Read32(0), "phase 0 is not targeted, so it must write through untouched")

	phase = 1
	inj.Write32(4, 0x2222)
	require.NotEqual(t, uint32(0x2222), mem.Read32(4), "phase 1 is targeted, so the write must be corrupted")
}

func popcount32(v uint32) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}

	return n
}
