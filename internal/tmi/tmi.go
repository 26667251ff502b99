// Package tmi is the transactional-memory ABI shim application code calls
// directly. In the original system a compiler pass rewrites every heap
// load/store into a call here; this is a from-scratch Go rendition with no
// such pass (see SPEC_FULL.md's REDESIGN FLAGS R1), so tmi is a library an
// instrumented function calls explicitly: tmi.R32(addr) instead of an
// injected call.
//
// Each read/write first checks whether addr falls in the calling
// transaction's registered stack range (inherently per-phase-safe, so
// accessed directly), then the ignore-list (ranges the application marked
// untracked), and only then delegates to the owning Engine.
package tmi

// Engine is the subset of sei.Engine that tmi needs. It is declared here,
// not imported from package sei, because sei.Engine itself embeds a *tmi
// shim instance — defining the interface on this side avoids a import
// cycle between the two packages.
type Engine interface {
	ReadU8(addr uintptr) uint8
	ReadU16(addr uintptr) uint16
	ReadU32(addr uintptr) uint32
	ReadU64(addr uintptr) uint64
	WriteU8(addr uintptr, v uint8)
	WriteU16(addr uintptr, v uint16)
	WriteU32(addr uintptr, v uint32)
	WriteU64(addr uintptr, v uint64)
	Malloc(n int) (uintptr, error)
	Free(ptr uintptr, n int) error
	Phase() int
}

// Range is a [Low, High) half-open address range.
type Range struct {
	Low  uintptr
	High uintptr
}

func (r Range) contains(addr uintptr) bool {
	return addr >= r.Low && addr < r.High
}

// Shim is one transaction's ABI entry point: it binds an Engine, a stack
// range, and an ignore-list together so every R/W call can classify an
// address before deciding where it is serviced.
type Shim struct {
	engine      Engine
	stackRange  Range
	hasStack    bool
	ignoreRanges []Range
	mem         directMemory
}

// directMemory is the engine's flat backing memory, used for the direct
// (untracked) access paths. It is optional: a Shim created without one
// can still delegate to Engine for every access.
type directMemory interface {
	Read8(addr uintptr) uint8
	Read16(addr uintptr) uint16
	Read32(addr uintptr) uint32
	Read64(addr uintptr) uint64
	Write8(addr uintptr, v uint8)
	Write16(addr uintptr, v uint16)
	Write32(addr uintptr, v uint32)
	Write64(addr uintptr, v uint64)
}

// New creates a Shim bound to engine. mem may be nil if direct-access
// ranges are never used (stack range and ignore-list stay empty).
func New(engine Engine, mem directMemory) *Shim {
	return &Shim{engine: engine, mem: mem}
}

// SetStackRange registers the calling goroutine's stack bounds. Nothing
// calls it automatically (the engine's Begin does not capture a stack
// range); until it is called no address is treated as stack. Addresses in this range
// are accessed directly, since stack memory is inherently per-phase-safe
// (each phase gets its own goroutine stack).
func (s *Shim) SetStackRange(low, high uintptr) {
	s.stackRange = Range{Low: low, High: high}
	s.hasStack = true
}

// IgnoreRange marks [low, high) as untracked scratch memory: accesses in
// this range bypass the engine entirely.
func (s *Shim) IgnoreRange(low, high uintptr) {
	s.ignoreRanges = append(s.ignoreRanges, Range{Low: low, High: high})
}

func (s *Shim) classify(addr uintptr) (direct bool) {
	if s.hasStack && s.stackRange.contains(addr) {
		return true
	}

	for _, r := range s.ignoreRanges {
		if r.contains(addr) {
			return true
		}
	}

	return false
}

func (s *Shim) R8(addr uintptr) uint8 {
	if s.classify(addr) {
		return s.mem.Read8(addr)
	}

	return s.engine.ReadU8(addr)
}

func (s *Shim) R16(addr uintptr) uint16 {
	if s.classify(addr) {
		return s.mem.Read16(addr)
	}

	return s.engine.ReadU16(addr)
}

func (s *Shim) R32(addr uintptr) uint32 {
	if s.classify(addr) {
		return s.mem.Read32(addr)
	}

	return s.engine.ReadU32(addr)
}

func (s *Shim) R64(addr uintptr) uint64 {
	if s.classify(addr) {
		return s.mem.Read64(addr)
	}

	return s.engine.ReadU64(addr)
}

func (s *Shim) W8(addr uintptr, v uint8) {
	if s.classify(addr) {
		s.mem.Write8(addr, v)
		return
	}

	s.engine.WriteU8(addr, v)
}

func (s *Shim) W16(addr uintptr, v uint16) {
	if s.classify(addr) {
		s.mem.Write16(addr, v)
		return
	}

	s.engine.WriteU16(addr, v)
}

func (s *Shim) W32(addr uintptr, v uint32) {
	if s.classify(addr) {
		s.mem.Write32(addr, v)
		return
	}

	s.engine.WriteU32(addr, v)
}

func (s *Shim) W64(addr uintptr, v uint64) {
	if s.classify(addr) {
		s.mem.Write64(addr, v)
		return
	}

	s.engine.WriteU64(addr, v)
}

// R128/W128 are built from two 64-bit operations, as spec.md §4.10
// prescribes, since no native 128-bit memory access exists.
func (s *Shim) R128(addr uintptr) (lo, hi uint64) {
	return s.R64(addr), s.R64(addr + 8)
}

func (s *Shim) W128(addr uintptr, lo, hi uint64) {
	s.W64(addr, lo)
	s.W64(addr+8, hi)
}

// MemcpyRtWt copies n bytes from src to dst one 64-bit word (falling back
// to bytes for the remainder), routing every access through the shim so
// the shadow buffer sees each touched word.
func (s *Shim) MemcpyRtWt(dst, src uintptr, n int) {
	s.memmoveForward(dst, src, n)
}

// MemmoveRtWt is MemcpyRtWt's overlap-safe counterpart: it chooses a copy
// direction based on whether dst precedes src, exactly as libc's memmove
// does, so an overlapping transactional copy is correct either way.
func (s *Shim) MemmoveRtWt(dst, src uintptr, n int) {
	if dst <= src || dst >= src+uintptr(n) {
		s.memmoveForward(dst, src, n)
		return
	}

	s.memmoveBackward(dst, src, n)
}

func (s *Shim) memmoveForward(dst, src uintptr, n int) {
	i := 0
	for ; i+8 <= n; i += 8 {
		s.W64(dst+uintptr(i), s.R64(src+uintptr(i)))
	}
	for ; i < n; i++ {
		s.W8(dst+uintptr(i), s.R8(src+uintptr(i)))
	}
}

func (s *Shim) memmoveBackward(dst, src uintptr, n int) {
	i := n
	for i > 0 {
		i--
		s.W8(dst+uintptr(i), s.R8(src+uintptr(i)))
	}
}

// MemsetW fills n bytes at dst with v, one byte at a time through the
// shim so each touched address is individually tracked.
func (s *Shim) MemsetW(dst uintptr, v uint8, n int) {
	for i := 0; i < n; i++ {
		s.W8(dst+uintptr(i), v)
	}
}

// Malloc/Free/Calloc delegate to the owning Engine's traversal allocator.
// Calloc is supported (resolving spec.md §9's Open Question in favor of
// support): it allocates then zeroes through MemsetW so the zero-fill
// itself is shadow-tracked like any other transactional write.
func (s *Shim) Malloc(n int) (uintptr, error) {
	return s.engine.Malloc(n)
}

func (s *Shim) Free(ptr uintptr, n int) error {
	return s.engine.Free(ptr, n)
}

func (s *Shim) Calloc(n int) (uintptr, error) {
	ptr, err := s.engine.Malloc(n)
	if err != nil {
		return 0, err
	}

	s.MemsetW(ptr, 0, n)

	return ptr, nil
}
