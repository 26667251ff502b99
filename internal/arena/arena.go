// Package arena implements the optional preallocated, page-aligned heap
// backing a transaction's malloc/free calls.
//
// size == 0 makes the Arena a pass-through over the system allocator: Malloc
// delegates to make([]byte, n) (padded to at least 16 bytes) and keeps the
// slice in a tracking map, Free drops it from that map, In reports whether
// an address is still tracked, and Rel/Get are unused. size > 0
// preallocates a single mmap'd region and serves allocations from
// power-of-two size-class free lists, carving fresh space from the region
// when a class's free list is empty.
package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"syscall"
)

// ErrExhausted is returned when a fixed-size arena has no room left for an
// allocation of the requested size.
var ErrExhausted = errors.New("arena: exhausted")

// ErrNotOwned is returned by Rel when the address was not allocated from
// this arena.
var ErrNotOwned = errors.New("arena: address not owned by this arena")

const (
	minClassShift = 4  // 16 bytes
	maxClassShift = 11 // 2048 bytes
	numClasses    = maxClassShift - minClassShift + 1
)

// Arena is a per-thread preallocated heap with size-class free lists. The
// zero value is not usable; construct with New.
type Arena struct {
	mu sync.Mutex

	region   []byte // nil when pass-through (size == 0)
	cursor   int    // next unused byte in region
	freeList [numClasses][]int // free lists, one per size class, storing offsets into region

	// allocated tracks live pass-through allocations so Free/In/Rel can find
	// them when region is nil.
	allocated map[uintptr][]byte
}

// New creates an Arena. size == 0 yields a pass-through arena backed by the
// system allocator; size > 0 preallocates a page-aligned mmap region of at
// least size bytes.
func New(size int) (*Arena, error) {
	a := &Arena{allocated: make(map[uintptr][]byte)}

	if size == 0 {
		return a, nil
	}

	region, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}

	a.region = region

	return a, nil
}

// Close unmaps a fixed-size arena's backing region. Pass-through arenas need
// no cleanup.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.region == nil {
		return nil
	}

	err := syscall.Munmap(a.region)
	a.region = nil

	if err != nil {
		return fmt.Errorf("arena: munmap: %w", err)
	}

	return nil
}

// classFor returns the size-class shift for an allocation of n bytes, and
// the rounded-up size 1<<shift.
func classFor(n int) (shift int, size int) {
	if n < 1 {
		n = 1
	}

	shift = bits.Len(uint(n - 1))
	if shift < minClassShift {
		shift = minClassShift
	}

	return shift, 1 << shift
}

// Malloc allocates n bytes and returns its address. In a fixed-size arena
// the size is rounded up to the next power of two (at least 16 bytes) and
// the address points into the mmap'd region (Get of the block's offset, see
// Rel/Get); in a pass-through arena it is the address of a freshly made
// []byte.
func (a *Arena) Malloc(n int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.region == nil {
		// Go's tiny allocator packs noscan objects under 16 bytes into a
		// shared block without respecting anything past byte alignment;
		// padding the backing slice keeps every allocation on a regular
		// size class, which the runtime always aligns to at least 8 bytes
		// — required since cow's shadow buffer rejects unaligned addresses.
		backing := n
		if backing < 16 {
			backing = 16
		}

		buf := make([]byte, backing)
		addr := sliceAddr(buf)
		a.allocated[addr] = buf

		return addr, nil
	}

	shift, size := classFor(n)
	if shift-minClassShift >= numClasses {
		return 0, fmt.Errorf("%w: class for %d bytes", ErrExhausted, n)
	}

	class := shift - minClassShift

	if free := a.freeList[class]; len(free) > 0 {
		off := free[len(free)-1]
		a.freeList[class] = free[:len(free)-1]

		return a.Get(off), nil
	}

	if a.cursor+size > len(a.region) {
		return 0, fmt.Errorf("%w: need %d bytes, %d remaining", ErrExhausted, size, len(a.region)-a.cursor)
	}

	off := a.cursor
	a.cursor += size

	return a.Get(off), nil
}

// Free returns ptr to its size class's free list (fixed-size arena) or
// releases the backing slice (pass-through arena).
func (a *Arena) Free(ptr uintptr, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.region == nil {
		delete(a.allocated, ptr)

		return nil
	}

	off, err := a.relLocked(ptr)
	if err != nil {
		return err
	}

	shift, _ := classFor(n)
	class := shift - minClassShift
	a.freeList[class] = append(a.freeList[class], off)

	return nil
}

// In reports whether ptr was allocated from this arena.
func (a *Arena) In(ptr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.region == nil {
		_, ok := a.allocated[ptr]
		return ok
	}

	_, err := a.relLocked(ptr)

	return err == nil
}

// Rel converts an address owned by this arena into its region offset.
func (a *Arena) Rel(ptr uintptr) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.relLocked(ptr)
}

func (a *Arena) relLocked(ptr uintptr) (int, error) {
	base := sliceAddr(a.region)
	if ptr < base || ptr >= base+uintptr(len(a.region)) {
		return 0, ErrNotOwned
	}

	return int(ptr - base), nil
}

// Get converts a region offset back into an address. get(rel(p)) == p for
// every p this arena allocated; Get never reallocates or validates beyond
// bounds, mirroring the C original's raw pointer arithmetic.
func (a *Arena) Get(offset int) uintptr {
	return sliceAddr(a.region) + uintptr(offset)
}

// Bytes returns the live byte slice at ptr of length n, for direct memory
// access (used by cow.Memory implementations). Valid for both pass-through
// and fixed-size arenas.
func (a *Arena) Bytes(ptr uintptr, n int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.region == nil {
		return a.allocated[ptr]
	}

	off, err := a.relLocked(ptr)
	if err != nil {
		return nil
	}

	return a.region[off : off+n]
}
