// Package sdc injects Silent Data Corruption into a cow.Memory for testing:
// a bit flip on read or write that, unlike the memory faults
// internal/protect's Run recovers, never raises an error — the failure mode the engine's N-way
// comparison exists to catch in the first place.
//
// The shape follows the filesystem fault injector a production Go codebase
// in this corpus carries for the same purpose: a rate-per-fault-kind config,
// an active/no-op mode switch, atomic counters for what actually fired, and
// a seeded PRNG for reproducible runs.
package sdc

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/aoikida/sei-go/internal/cow"
)

// Config controls corruption probabilities. Each rate is a float64 from 0.0
// (never) to 1.0 (always). The zero value injects nothing.
type Config struct {
	// WriteFlipRate controls how often a Write silently stores a
	// single-bit-flipped value instead of the one the caller passed.
	WriteFlipRate float64

	// ReadFlipRate controls how often a Read returns a single-bit-flipped
	// value instead of what is actually stored, modeling a disturb in the
	// path between memory and the comparison logic rather than a corrupted
	// store.
	ReadFlipRate float64
}

// Mode controls whether an Injector is actually corrupting anything.
type Mode uint8

const (
	// ModeActive injects faults according to Config. Default for a new
	// Injector.
	ModeActive Mode = iota

	// ModeNoOp passes every Read/Write through to the wrapped Memory
	// untouched.
	ModeNoOp
)

// Stats reports how many flips an Injector has actually fired.
type Stats struct {
	WriteFlips int64
	ReadFlips  int64
}

// Injector wraps a cow.Memory and flips bits in it at configured rates. It
// implements cow.Memory itself, so it can be substituted for the engine's
// real memory in a test without the engine knowing anything changed.
//
// An Injector is safe for concurrent use; PhaseOf, if set, lets a caller
// restrict corruption to one redundant execution, which is where SDC
// realistically shows up — the other N-1 phases run clean, and it is
// exactly that disagreement the shadow-buffer comparison is built to
// detect.
type Injector struct {
	mem cow.Memory
	cfg Config

	mode atomic.Uint32

	rngMu sync.Mutex
	rng   *rand.Rand

	writeFlips atomic.Int64
	readFlips  atomic.Int64

	// PhaseOf, if non-nil, is consulted on every Read/Write; corruption is
	// only considered when it returns a value in Phases. A nil PhaseOf (or
	// an empty Phases) corrupts regardless of phase.
	PhaseOf func() int
	Phases  map[int]bool
}

// New creates an Injector wrapping mem. seed controls the PRNG driving
// which calls are corrupted, for reproducible tests.
func New(mem cow.Memory, seed int64, cfg Config) *Injector {
	return &Injector{
		mem: mem,
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible fault injection, not a cryptographic use
	}
}

// SetMode switches between active injection and pass-through.
func (i *Injector) SetMode(m Mode) { i.mode.Store(uint32(m)) }

// Stats returns the current flip counts.
func (i *Injector) Stats() Stats {
	return Stats{
		WriteFlips: i.writeFlips.Load(),
		ReadFlips:  i.readFlips.Load(),
	}
}

func (i *Injector) eligible() bool {
	if Mode(i.mode.Load()) != ModeActive {
		return false
	}

	if i.PhaseOf == nil || len(i.Phases) == 0 {
		return true
	}

	return i.Phases[i.PhaseOf()]
}

func (i *Injector) should(rate float64) bool {
	if !i.eligible() {
		return false
	}

	i.rngMu.Lock()
	roll := i.rng.Float64()
	i.rngMu.Unlock()

	return roll < rate
}

func (i *Injector) randBit(width int) uint {
	i.rngMu.Lock()
	n := i.rng.Intn(width)
	i.rngMu.Unlock()

	return uint(n)
}

func flip8(v uint8, bit uint) uint8     { return v ^ (1 << bit) }
func flip16(v uint16, bit uint) uint16  { return v ^ (1 << bit) }
func flip32(v uint32, bit uint) uint32  { return v ^ (1 << bit) }
func flip64(v uint64, bit uint) uint64  { return v ^ (1 << bit) }

func (i *Injector) Read8(addr uintptr) uint8 {
	v := i.mem.Read8(addr)

	if i.should(i.cfg.ReadFlipRate) {
		i.readFlips.Add(1)
		v = flip8(v, i.randBit(8))
	}

	return v
}

func (i *Injector) Read16(addr uintptr) uint16 {
	v := i.mem.Read16(addr)

	if i.should(i.cfg.ReadFlipRate) {
		i.readFlips.Add(1)
		v = flip16(v, i.randBit(16))
	}

	return v
}

func (i *Injector) Read32(addr uintptr) uint32 {
	v := i.mem.Read32(addr)

	if i.should(i.cfg.ReadFlipRate) {
		i.readFlips.Add(1)
		v = flip32(v, i.randBit(32))
	}

	return v
}

func (i *Injector) Read64(addr uintptr) uint64 {
	v := i.mem.Read64(addr)

	if i.should(i.cfg.ReadFlipRate) {
		i.readFlips.Add(1)
		v = flip64(v, i.randBit(64))
	}

	return v
}

func (i *Injector) Write8(addr uintptr, v uint8) {
	if i.should(i.cfg.WriteFlipRate) {
		i.writeFlips.Add(1)
		v = flip8(v, i.randBit(8))
	}

	i.mem.Write8(addr, v)
}

func (i *Injector) Write16(addr uintptr, v uint16) {
	if i.should(i.cfg.WriteFlipRate) {
		i.writeFlips.Add(1)
		v = flip16(v, i.randBit(16))
	}

	i.mem.Write16(addr, v)
}

func (i *Injector) Write32(addr uintptr, v uint32) {
	if i.should(i.cfg.WriteFlipRate) {
		i.writeFlips.Add(1)
		v = flip32(v, i.randBit(32))
	}

	i.mem.Write32(addr, v)
}

func (i *Injector) Write64(addr uintptr, v uint64) {
	if i.should(i.cfg.WriteFlipRate) {
		i.writeFlips.Add(1)
		v = flip64(v, i.randBit(64))
	}

	i.mem.Write64(addr, v)
}

var _ cow.Memory = (*Injector)(nil)
