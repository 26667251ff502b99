package sei

import (
	"fmt"

	"github.com/aoikida/sei-go/internal/obuf"
)

// Shift selects which output-buffer handle OutputAppend/OutputDone act on.
// handle == -1 creates a new handle (stashed for the lifetime of the
// engine — "stable across begin/commit" per spec.md) and switches to it,
// returning its index; any other value switches to that existing handle,
// returning it unchanged. Handles are assigned monotonically starting at
// 0, the default stream every transaction begins on.
func (e *Engine) Shift(handle int) (int, error) {
	if handle == -1 {
		e.streams = append(e.streams, obuf.New(e.redundancy, e.cfg.OBufSize))
		e.active = len(e.streams) - 1

		return e.active, nil
	}

	if handle < 0 || handle >= len(e.streams) {
		return 0, fmt.Errorf("sei: shift to unknown output handle %d", handle)
	}

	e.active = handle

	return handle, nil
}

// OutputAppend extends the active output stream's current message with b.
func (e *Engine) OutputAppend(b []byte) {
	e.streams[e.active].Append(b)
}

// OutputDone closes the active output stream's current message.
func (e *Engine) OutputDone() error {
	return e.streams[e.active].Done()
}

// OutputNext pops the active output stream's oldest completed message,
// cross-checked across every phase. Called after Commit, from outside the
// transaction, per spec.md §4's application-facing surface.
func (e *Engine) OutputNext() (uint32, error) {
	return e.streams[e.active].Pop()
}
