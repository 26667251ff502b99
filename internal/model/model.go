// Package model is a reference-model property harness: it runs the same
// transaction script against a trivial single-pass memory (no redundancy,
// no shadow buffer — the ground truth of "what should this computation
// produce") and against a real internal/sei.Engine, so tests can assert the
// two agree on final memory state and output CRC regardless of how many
// redundant phases the engine ran.
//
// Grounded in the teacher's model-based test harness: a small scripted
// sequence of operations replayed against two independently built
// implementations of the same contract, diffed with go-cmp.
package model

import (
	"github.com/aoikida/sei-go/internal/cow"
	"github.com/aoikida/sei-go/internal/crc"
	"github.com/aoikida/sei-go/internal/sei"
)

// OpKind identifies what a Script's Op does.
type OpKind int

const (
	// OpWrite stores Value into the slot at the op's configured width.
	OpWrite OpKind = iota

	// OpRead loads the slot's current value and discards it. Reference
	// ignores these; RunEngine still issues them, to exercise the engine's
	// read path (including WriteBack mode's read-after-write check)
	// without affecting either side's comparable state.
	OpRead

	// OpOutput appends Bytes to the transaction's single output message.
	OpOutput
)

// Op is one instruction in a Script.
type Op struct {
	Kind  OpKind
	Slot  int
	Value uint64
	Bytes []byte
}

// Script is a transaction: Widths declares one memory slot per element (its
// byte width — 1, 2, 4, or 8 — doubling as both the slot's allocation size
// and the width every op against it uses), and Ops is the sequence of
// reads, writes, and output appends to run against those slots.
type Script struct {
	Widths []int
	Ops    []Op
}

func hasOutput(s Script) bool {
	for _, op := range s.Ops {
		if op.Kind == OpOutput {
			return true
		}
	}

	return false
}

func slotOffsets(widths []int) []uintptr {
	offsets := make([]uintptr, len(widths))

	var next uintptr

	for i, w := range widths {
		offsets[i] = next
		next += uintptr(w)
	}

	return offsets
}

func writeAt(mem cow.Memory, addr uintptr, width int, v uint64) {
	switch width {
	case 1:
		mem.Write8(addr, uint8(v))
	case 2:
		mem.Write16(addr, uint16(v))
	case 4:
		mem.Write32(addr, uint32(v))
	case 8:
		mem.Write64(addr, v)
	default:
		panic("model: unsupported width")
	}
}

func readAt(mem cow.Memory, addr uintptr, width int) uint64 {
	switch width {
	case 1:
		return uint64(mem.Read8(addr))
	case 2:
		return uint64(mem.Read16(addr))
	case 4:
		return uint64(mem.Read32(addr))
	case 8:
		return mem.Read64(addr)
	default:
		panic("model: unsupported width")
	}
}

// Reference runs script against a flat, unshadowed SliceMemory: one pass,
// no redundancy, no divergence detection. It is the value RunEngine's
// result must match for every script the engine is expected to execute
// correctly.
func Reference(s Script) (final []uint64, outputCRC uint32) {
	total := 0
	for _, w := range s.Widths {
		total += w
	}

	mem := cow.NewSliceMemory(total)
	offsets := slotOffsets(s.Widths)

	var output []byte

	for _, op := range s.Ops {
		switch op.Kind {
		case OpWrite:
			writeAt(mem, offsets[op.Slot], s.Widths[op.Slot], op.Value)
		case OpRead:
			// Reads don't change state; nothing to record.
		case OpOutput:
			output = append(output, op.Bytes...)
		}
	}

	final = make([]uint64, len(s.Widths))
	for slot, off := range offsets {
		final[slot] = readAt(mem, off, s.Widths[slot])
	}

	if !hasOutput(s) {
		return final, 0
	}

	return final, crc.Compute(output)
}

// RunEngine runs script against a real engine: one Malloc per slot (in
// phase 0, replayed in every later phase), the same op sequence executed
// once per redundant phase, and one OutputDone/OutputNext round-trip if the
// script produces output. Engine must already be Prepared.
func RunEngine(e *sei.Engine, s Script) (final []uint64, outputCRC uint32, err error) {
	addrs := make([]uintptr, len(s.Widths))

	runErr := e.Run(func() error {
		for slot, w := range s.Widths {
			addr, aerr := e.Malloc(w)
			if aerr != nil {
				return aerr
			}

			addrs[slot] = addr
		}

		for _, op := range s.Ops {
			switch op.Kind {
			case OpWrite:
				writeEngine(e, addrs[op.Slot], s.Widths[op.Slot], op.Value)
			case OpRead:
				readEngine(e, addrs[op.Slot], s.Widths[op.Slot])
			case OpOutput:
				e.OutputAppend(op.Bytes)
			}
		}

		if hasOutput(s) {
			return e.OutputDone()
		}

		return nil
	})
	if runErr != nil {
		return nil, 0, runErr
	}

	final = make([]uint64, len(s.Widths))
	for slot, addr := range addrs {
		final[slot] = readEngine(e, addr, s.Widths[slot])
	}

	if !hasOutput(s) {
		return final, 0, nil
	}

	outputCRC, err = e.OutputNext()

	return final, outputCRC, err
}

func writeEngine(e *sei.Engine, addr uintptr, width int, v uint64) {
	switch width {
	case 1:
		e.WriteU8(addr, uint8(v))
	case 2:
		e.WriteU16(addr, uint16(v))
	case 4:
		e.WriteU32(addr, uint32(v))
	case 8:
		e.WriteU64(addr, v)
	default:
		panic("model: unsupported width")
	}
}

func readEngine(e *sei.Engine, addr uintptr, width int) uint64 {
	switch width {
	case 1:
		return uint64(e.ReadU8(addr))
	case 2:
		return uint64(e.ReadU16(addr))
	case 4:
		return uint64(e.ReadU32(addr))
	case 8:
		return e.ReadU64(addr)
	default:
		panic("model: unsupported width")
	}
}
