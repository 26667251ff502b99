package cow

// Memory is the byte-addressable space a shadow buffer reads from and
// writes to. It is the seam internal/sdc decorates to inject Silent Data
// Corruption for tests, and the seam internal/arena's Memory type
// satisfies for production use.
type Memory interface {
	Read8(addr uintptr) uint8
	Read16(addr uintptr) uint16
	Read32(addr uintptr) uint32
	Read64(addr uintptr) uint64
	Write8(addr uintptr, v uint8)
	Write16(addr uintptr, v uint16)
	Write32(addr uintptr, v uint32)
	Write64(addr uintptr, v uint64)
}

// SliceMemory is a Memory backed by a single flat byte slice, addressed as
// if addr 0 were the slice's first byte. It is the simplest Memory
// implementation and is what the engine's tests and the reference model in
// internal/model use.
type SliceMemory struct {
	Bytes []byte
}

func NewSliceMemory(size int) *SliceMemory {
	return &SliceMemory{Bytes: make([]byte, size)}
}

func (m *SliceMemory) Read8(addr uintptr) uint8 { return m.Bytes[addr] }

func (m *SliceMemory) Read16(addr uintptr) uint16 {
	return uint16(m.Bytes[addr]) | uint16(m.Bytes[addr+1])<<8
}

func (m *SliceMemory) Read32(addr uintptr) uint32 {
	var v uint32
	for i := range uint32(4) {
		v |= uint32(m.Bytes[addr+uintptr(i)]) << (8 * i)
	}

	return v
}

func (m *SliceMemory) Read64(addr uintptr) uint64 {
	var v uint64
	for i := range uint64(8) {
		v |= uint64(m.Bytes[addr+uintptr(i)]) << (8 * i)
	}

	return v
}

func (m *SliceMemory) Write8(addr uintptr, v uint8) { m.Bytes[addr] = v }

func (m *SliceMemory) Write16(addr uintptr, v uint16) {
	m.Bytes[addr] = byte(v)
	m.Bytes[addr+1] = byte(v >> 8)
}

func (m *SliceMemory) Write32(addr uintptr, v uint32) {
	for i := range uint32(4) {
		m.Bytes[addr+uintptr(i)] = byte(v >> (8 * i))
	}
}

func (m *SliceMemory) Write64(addr uintptr, v uint64) {
	for i := range uint64(8) {
		m.Bytes[addr+uintptr(i)] = byte(v >> (8 * i))
	}
}
