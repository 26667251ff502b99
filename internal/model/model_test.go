package model_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/config"
	"github.com/aoikida/sei-go/internal/ibuf"
	"github.com/aoikida/sei-go/internal/model"
	"github.com/aoikida/sei-go/internal/sei"
)

func newEngine(t *testing.T, n int) *sei.Engine {
	t.Helper()

	cfg := config.Default()
	cfg.COWSize = 32
	cfg.OBufSize = 32
	cfg.MaxConflicts = 8

	e, err := sei.New(cfg, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	require.True(t, e.PrepareNM(nil, 0, ibuf.ReadOnly, n))

	return e
}

func scripts() []model.Script {
	return []model.Script{
		{
			Widths: []int{4},
			Ops: []model.Op{
				{Kind: model.OpWrite, Slot: 0, Value: 0xAAAAAAAA},
			},
		},
		{
			Widths: []int{1, 2, 4, 8},
			Ops: []model.Op{
				{Kind: model.OpWrite, Slot: 0, Value: 0x7F},
				{Kind: model.OpWrite, Slot: 1, Value: 0xBEEF},
				{Kind: model.OpWrite, Slot: 2, Value: 0xCAFEBABE},
				{Kind: model.OpWrite, Slot: 3, Value: 0x0102030405060708},
				{Kind: model.OpRead, Slot: 2},
				// A duplicate write to the same slot: the final value must
				// be the later one, on both sides.
				{Kind: model.OpWrite, Slot: 0, Value: 0x01},
			},
		},
		{
			Widths: []int{4},
			Ops: []model.Op{
				{Kind: model.OpWrite, Slot: 0, Value: 1},
				{Kind: model.OpOutput, Bytes: []byte("first")},
				{Kind: model.OpOutput, Bytes: []byte("-second")},
			},
		},
	}
}

func TestEngineAgreesWithReferenceAcrossRedundancyLevels(t *testing.T) {
	for _, n := range []int{2, 3, 5} {
		for i, s := range scripts() {
			wantFinal, wantCRC := model.Reference(s)

			e := newEngine(t, n)

			gotFinal, gotCRC, err := model.RunEngine(e, s)
			require.NoErrorf(t, err, "redundancy=%d script=%d", n, i)

			if diff := cmp.Diff(wantFinal, gotFinal); diff != "" {
				t.Errorf("redundancy=%d script=%d: final memory mismatch (-want +got):\n%s", n, i, diff)
			}

			require.Equalf(t, wantCRC, gotCRC, "redundancy=%d script=%d: output CRC mismatch", n, i)
		}
	}
}

func TestEngineAgreesWithReferenceInWriteBackMode(t *testing.T) {
	cfg := config.Default()
	cfg.COWSize = 32
	cfg.OBufSize = 32
	cfg.MaxConflicts = 8
	cfg.WriteBack = true

	e, err := sei.New(cfg, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })
	require.True(t, e.PrepareNM(nil, 0, ibuf.ReadOnly, 4))

	s := scripts()[1]
	wantFinal, wantCRC := model.Reference(s)

	gotFinal, gotCRC, err := model.RunEngine(e, s)
	require.NoError(t, err)
	require.Equal(t, wantFinal, gotFinal)
	require.Equal(t, wantCRC, gotCRC)
}
