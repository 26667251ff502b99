package arena

import "unsafe"

// sliceAddr returns the address of a slice's backing array. It is the one
// place this package reaches for unsafe: translating between Go slices and
// the raw uintptr addresses the transactional-memory ABI deals in.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&b[0])) //nolint:gosec // required to expose raw addresses to the ABI shim
}

// Memory adapts an *Arena to cow.Memory: addresses allocated by Malloc are
// genuine process addresses (from make() in pass-through mode, or into the
// mmap'd region in fixed mode), so reads and writes dereference them
// directly rather than going through Bytes' slower owned-range lookup.
type Memory struct{}

func (Memory) Read8(addr uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(addr)) //nolint:gosec // addr is a live allocation from this arena
}

func (Memory) Read16(addr uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(addr)) //nolint:gosec
}

func (Memory) Read32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr)) //nolint:gosec
}

func (Memory) Read64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr)) //nolint:gosec
}

func (Memory) Write8(addr uintptr, v uint8) {
	*(*uint8)(unsafe.Pointer(addr)) = v //nolint:gosec
}

func (Memory) Write16(addr uintptr, v uint16) {
	*(*uint16)(unsafe.Pointer(addr)) = v //nolint:gosec
}

func (Memory) Write32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v //nolint:gosec
}

func (Memory) Write64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v //nolint:gosec
}
