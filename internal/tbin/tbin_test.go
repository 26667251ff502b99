package tbin_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/arena"
	"github.com/aoikida/sei-go/internal/tbin"
)

func TestFlushFreesMatchingPointersOnce(t *testing.T) {
	a, err := arena.New(0)
	require.NoError(t, err)

	ptr, err := a.Malloc(32)
	require.NoError(t, err)

	bin := tbin.New(a, 32, 2)
	bin.Add(ptr, 0)
	bin.Add(ptr, 1)

	require.NoError(t, bin.Flush())
	require.False(t, a.In(ptr))
}

func TestFlushDetectsLengthMismatch(t *testing.T) {
	a, err := arena.New(0)
	require.NoError(t, err)

	ptr, err := a.Malloc(32)
	require.NoError(t, err)

	bin := tbin.New(a, 32, 2)
	bin.Add(ptr, 0)

	err = bin.Flush()
	require.ErrorIs(t, err, tbin.ErrMismatch)
}

func TestFlushDetectsPointerMismatch(t *testing.T) {
	a, err := arena.New(0)
	require.NoError(t, err)

	ptrA, err := a.Malloc(32)
	require.NoError(t, err)

	ptrB, err := a.Malloc(32)
	require.NoError(t, err)

	bin := tbin.New(a, 32, 2)
	bin.Add(ptrA, 0)
	bin.Add(ptrB, 1)

	err = bin.Flush()
	require.ErrorIs(t, err, tbin.ErrMismatch)
}

func TestCleanResetsAllPhases(t *testing.T) {
	a, err := arena.New(0)
	require.NoError(t, err)

	ptr, err := a.Malloc(32)
	require.NoError(t, err)

	bin := tbin.New(a, 32, 2)
	bin.Add(ptr, 0)
	bin.Add(ptr, 1)
	require.Equal(t, 1, bin.Len())

	bin.Clean()
	require.Equal(t, 0, bin.Len())
}
