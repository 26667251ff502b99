package sei

// ReadU8/16/32/64 and WriteU8/16/32/64 satisfy tmi.Engine: they are what
// tmi.Shim delegates to for every address not covered by a registered
// stack range or ignore range.
//
// Reads are direct on memory in WriteThrough mode (Push already applied
// the write there); in WriteBack mode a read must first check the current
// phase's shadow buffer for a not-yet-published value, since memory won't
// see it until commit.
func (e *Engine) ReadU8(addr uintptr) uint8 {
	if e.cfg.WriteBack && e.phase >= 0 {
		if v, ok := e.buffers[e.phase].Pop8(addr); ok {
			return v
		}
	}

	return e.mem.Read8(addr)
}

func (e *Engine) ReadU16(addr uintptr) uint16 {
	if e.cfg.WriteBack && e.phase >= 0 {
		if v, ok := e.buffers[e.phase].Pop16(addr); ok {
			return v
		}
	}

	return e.mem.Read16(addr)
}

func (e *Engine) ReadU32(addr uintptr) uint32 {
	if e.cfg.WriteBack && e.phase >= 0 {
		if v, ok := e.buffers[e.phase].Pop32(addr); ok {
			return v
		}
	}

	return e.mem.Read32(addr)
}

func (e *Engine) ReadU64(addr uintptr) uint64 {
	if e.cfg.WriteBack && e.phase >= 0 {
		if v, ok := e.buffers[e.phase].Pop64(addr); ok {
			return v
		}
	}

	return e.mem.Read64(addr)
}

func (e *Engine) WriteU8(addr uintptr, v uint8) {
	_ = e.buffers[e.phase].Push8(e.mem, addr, v)
}

func (e *Engine) WriteU16(addr uintptr, v uint16) {
	_ = e.buffers[e.phase].Push16(e.mem, addr, v)
}

func (e *Engine) WriteU32(addr uintptr, v uint32) {
	_ = e.buffers[e.phase].Push32(e.mem, addr, v)
}

func (e *Engine) WriteU64(addr uintptr, v uint64) {
	_ = e.buffers[e.phase].Push64(e.mem, addr, v)
}

// Malloc allocates n bytes through the traversal allocator: phase 0
// performs the real allocation, later phases replay its address. Outside a
// transaction it is a plain arena allocation that no phase replays.
func (e *Engine) Malloc(n int) (uintptr, error) {
	if e.phase < 0 {
		return e.arena.Malloc(n)
	}

	return e.alloc.Alloc(n)
}

// Free records ptr as freed by the current phase. The actual release is
// deferred to Commit's trash-bin flush, which first verifies every phase
// agreed on exactly the same frees.
func (e *Engine) Free(ptr uintptr, n int) error {
	e.bin.AddSized(ptr, n, e.phase)
	return nil
}
